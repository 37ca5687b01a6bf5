package utils

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"rangefetch/internal"
)

// DefaultFilename is used when neither the URL nor the response names the resource
const DefaultFilename = "download"

// URLInfo contains parsed information from a download URL
type URLInfo struct {
	OriginalURL string
	Scheme      string
	Host        string
	Path        string
	Filename    string
}

// URLValidator handles URL validation and parsing for download links
type URLValidator struct {
	allowedSchemes []string
	unsafeChars    *regexp.Regexp
}

// NewURLValidator creates a validator accepting http and https URLs
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: []string{"http", "https"},
		// Characters that are invalid in file names on common platforms
		unsafeChars: regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`),
	}
}

// ValidateURL checks that the URL is absolute and uses a supported scheme
func (v *URLValidator) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	allowed := false
	for _, s := range v.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return internal.NewInvalidURLError(rawURL, fmt.Sprintf("unsupported scheme %q", parsedURL.Scheme))
	}

	if parsedURL.Hostname() == "" {
		return internal.NewInvalidURLError(rawURL, "missing host")
	}

	return nil
}

// ParseURL validates rawURL and extracts the parts the downloader uses
func (v *URLValidator) ParseURL(rawURL string) (*URLInfo, error) {
	if err := v.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, internal.NewValidationError("url", fmt.Sprintf("failed to parse URL: %v", err))
	}

	return &URLInfo{
		OriginalURL: rawURL,
		Scheme:      strings.ToLower(parsedURL.Scheme),
		Host:        strings.ToLower(parsedURL.Host),
		Path:        parsedURL.Path,
		Filename:    v.filenameFromPath(parsedURL.Path),
	}, nil
}

// FilenameFromURL returns the last path segment of rawURL made safe for
// the local file system, or DefaultFilename
func (v *URLValidator) FilenameFromURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return DefaultFilename
	}
	return v.filenameFromPath(parsedURL.Path)
}

// FilenameFromContentDisposition extracts the filename parameter of a
// Content-Disposition header. It returns "" when there is none.
func (v *URLValidator) FilenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	name = v.SanitizeFilename(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == DefaultFilename {
		return ""
	}
	return name
}

// SanitizeFilename replaces characters that cannot appear in a file name
func (v *URLValidator) SanitizeFilename(name string) string {
	name = strings.TrimSpace(v.unsafeChars.ReplaceAllString(name, "_"))
	if name == "" || name == "." || name == ".." {
		return DefaultFilename
	}
	return name
}

func (v *URLValidator) filenameFromPath(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return DefaultFilename
	}
	return v.SanitizeFilename(path.Base(p))
}

// PoolKey returns the connection pool key for rawURL: one client per origin
func PoolKey(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" {
		return rawURL
	}
	return strings.ToLower(parsedURL.Scheme + "://" + parsedURL.Host)
}

// String returns a log-safe representation of the URL
func (urlInfo *URLInfo) String() string {
	return fmt.Sprintf("URLInfo{Host: %s, Path: %s, Filename: %s}", urlInfo.Host, urlInfo.Path, urlInfo.Filename)
}
