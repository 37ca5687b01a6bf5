package utils

import (
	"errors"
	"testing"

	"rangefetch/internal"
)

func TestURLValidator_ValidateURL(t *testing.T) {
	validator := NewURLValidator()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://mirror.example.com/iso/disk.img", false},
		{"http_with_port", "http://127.0.0.1:8080/file", false},
		{"uppercase_scheme", "HTTPS://example.com/a", false},
		{"empty", "", true},
		{"ftp", "ftp://example.com/file", true},
		{"relative", "/just/a/path", true},
		{"missing_host", "http:///file", true},
		{"malformed", "http://[::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestURLValidator_ValidateURLErrorTypes(t *testing.T) {
	validator := NewURLValidator()

	var ve *internal.ValidationError
	if err := validator.ValidateURL(""); !errors.As(err, &ve) {
		t.Errorf("empty URL error = %T, want *ValidationError", err)
	}

	var fe *internal.FetchError
	if err := validator.ValidateURL("ftp://example.com/x"); !errors.As(err, &fe) || fe.Type != internal.ErrInvalidURL {
		t.Errorf("ftp URL error = %v, want InvalidURL FetchError", err)
	}
}

func TestURLValidator_ParseURL(t *testing.T) {
	validator := NewURLValidator()

	info, err := validator.ParseURL("https://Mirror.Example.com:8443/pub/My%20File.tar.gz?sig=1")
	if err != nil {
		t.Fatalf("ParseURL() error = %v", err)
	}
	if info.Scheme != "https" {
		t.Errorf("Scheme = %q", info.Scheme)
	}
	if info.Host != "mirror.example.com:8443" {
		t.Errorf("Host = %q", info.Host)
	}
	if info.Path != "/pub/My File.tar.gz" {
		t.Errorf("Path = %q", info.Path)
	}
	if info.Filename != "My File.tar.gz" {
		t.Errorf("Filename = %q", info.Filename)
	}
}

func TestURLValidator_FilenameFromURL(t *testing.T) {
	validator := NewURLValidator()

	tests := []struct {
		url      string
		expected string
	}{
		{"https://example.com/files/archive.zip", "archive.zip"},
		{"https://example.com/files/archive.zip?token=x", "archive.zip"},
		{"https://example.com/", DefaultFilename},
		{"https://example.com", DefaultFilename},
		{"https://example.com/dir/", DefaultFilename},
		{"https://example.com/a%3Ab.txt", "a_b.txt"},
		{"https://example.com/..", DefaultFilename},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := validator.FilenameFromURL(tt.url); got != tt.expected {
				t.Errorf("FilenameFromURL(%q) = %q, want %q", tt.url, got, tt.expected)
			}
		})
	}
}

func TestURLValidator_FilenameFromContentDisposition(t *testing.T) {
	validator := NewURLValidator()

	tests := []struct {
		header   string
		expected string
	}{
		{`attachment; filename="report.pdf"`, "report.pdf"},
		{`attachment; filename=plain.bin`, "plain.bin"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{`attachment; filename="C:\\temp\\evil.exe"`, "evil.exe"},
		{`inline`, ""},
		{``, ""},
		{`attachment; filename=""`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			if got := validator.FilenameFromContentDisposition(tt.header); got != tt.expected {
				t.Errorf("FilenameFromContentDisposition(%q) = %q, want %q", tt.header, got, tt.expected)
			}
		})
	}
}

func TestPoolKey(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://Example.com/a/b", "https://example.com"},
		{"http://example.com:8080/x?y=z", "http://example.com:8080"},
		{"not a url", "not a url"},
	}

	for _, tt := range tests {
		if got := PoolKey(tt.url); got != tt.expected {
			t.Errorf("PoolKey(%q) = %q, want %q", tt.url, got, tt.expected)
		}
	}
}
