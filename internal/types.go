package internal

import (
	"fmt"
	"net/url"
)

// DownloadRequest describes a single resource to fetch
type DownloadRequest struct {
	URL     string
	OutFile string
	Headers map[string]string
}

// Piece is an inclusive byte range of the remote resource
type Piece struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns how many bytes of [0, total) the piece addresses. The planner
// may let the final End reach total itself, which lies past the last byte.
func (p Piece) Len(total int64) int64 {
	end := p.End
	if end > total-1 {
		end = total - 1
	}
	if end < p.Start {
		return 0
	}
	return end - p.Start + 1
}

// RangeHeader renders the piece as an HTTP Range header value
func (p Piece) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", p.Start, p.End)
}

// DownloadPlan is built once per request after probing
type DownloadPlan struct {
	TotalSize      int64   `json:"total_size"`
	RangeSupported bool    `json:"range_supported"`
	Pieces         []Piece `json:"pieces"`
}

// WorkerResult reports the outcome of one worker
type WorkerResult struct {
	PieceIndex   int
	BytesWritten int64
	Success      bool
}

// ProbeResult is what the engine learns about the resource before planning
type ProbeResult struct {
	TotalSize      int64
	RangeSupported bool
	ContentType    string
	Filename       string // from Content-Disposition, may be empty
	StatusCode     int
}

// ProxyConfig describes an outbound proxy
type ProxyConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
}

// Validate checks that the proxy URL uses a supported scheme
func (p ProxyConfig) Validate() error {
	if p.URL == "" {
		return NewValidationError("proxy_url", "proxy URL cannot be empty")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return NewValidationErrorWithValue("proxy_url", "invalid proxy URL", p.URL)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
		return nil
	default:
		return NewValidationErrorWithValue("proxy_url", "unsupported proxy scheme", u.Scheme).
			WithSuggestion("Use http://, https:// or socks5://")
	}
}

// String renders the proxy without credentials
func (p ProxyConfig) String() string {
	if !p.Enabled || p.URL == "" {
		return "NULL"
	}
	return redactSensitiveURL(p.URL)
}
