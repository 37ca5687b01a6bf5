package utils

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// httpOnlyPrefix marks HttpOnly entries in curl/browser exports
const httpOnlyPrefix = "#HttpOnly_"

// CookieStore holds cookies loaded from a Netscape-format file and renders
// the Cookie header for a request URL
type CookieStore struct {
	cookies []*http.Cookie
	mutex   sync.RWMutex
	now     func() time.Time
}

// NewCookieStore creates an empty store
func NewCookieStore() *CookieStore {
	return &CookieStore{now: time.Now}
}

// LoadCookies replaces the store's contents with the cookies in path
func (s *CookieStore) LoadCookies(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open cookie file: %w", err)
	}
	defer file.Close()

	var loaded []*http.Cookie
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			line = strings.TrimPrefix(line, httpOnlyPrefix)
			httpOnly = true
		}

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cookie, err := parseNetscapeCookieLine(line)
		if err != nil {
			return fmt.Errorf("invalid cookie format at line %d: %w", lineNum, err)
		}
		cookie.HttpOnly = httpOnly
		loaded = append(loaded, cookie)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading cookie file: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clearCookies()
	s.cookies = loaded
	return nil
}

// parseNetscapeCookieLine parses a single line from Netscape cookie format
// Format: domain	flag	path	secure	expiration	name	value
func parseNetscapeCookieLine(line string) (*http.Cookie, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 7 {
		return nil, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}

	domain := fields[0]
	path := fields[2]
	secure := strings.EqualFold(fields[3], "TRUE")
	expirationStr := fields[4]
	name := fields[5]
	value := fields[6]

	if name == "" {
		return nil, fmt.Errorf("cookie name is empty")
	}

	var expires time.Time
	if expirationStr != "0" {
		timestamp, err := strconv.ParseInt(expirationStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid expiration timestamp: %w", err)
		}
		expires = time.Unix(timestamp, 0)
	}

	return &http.Cookie{
		Name:    name,
		Value:   value,
		Domain:  domain,
		Path:    path,
		Expires: expires,
		Secure:  secure,
	}, nil
}

// Len returns the number of stored cookies
func (s *CookieStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.cookies)
}

// CookieHeader returns the Cookie header value for rawURL, or "" when no
// stored cookie applies. Expired cookies and secure cookies on plain http
// are skipped; longer paths come first.
func (s *CookieStore) CookieHeader(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	reqPath := u.Path
	if reqPath == "" {
		reqPath = "/"
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	now := s.now()
	var matched []*http.Cookie
	for _, c := range s.cookies {
		if !c.Expires.IsZero() && now.After(c.Expires) {
			continue
		}
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !domainMatches(host, c.Domain) || !pathMatches(reqPath, c.Path) {
			continue
		}
		matched = append(matched, c)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return len(matched[i].Path) > len(matched[j].Path)
	})

	parts := make([]string, 0, len(matched))
	for _, c := range matched {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func domainMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func pathMatches(reqPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return len(reqPath) == len(cookiePath) ||
		strings.HasSuffix(cookiePath, "/") ||
		reqPath[len(cookiePath)] == '/'
}

// clearCookies overwrites and drops all stored cookies
func (s *CookieStore) clearCookies() {
	for _, c := range s.cookies {
		c.Value = ""
	}
	s.cookies = nil
}

// Cleanup clears all cookie values from memory
func (s *CookieStore) Cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clearCookies()
}
