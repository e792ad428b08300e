package backend

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// systemPaths are directories that must never be used as output.
var systemPaths = []string{"/etc", "/root", "/proc", "/sys", "/bin", "/sbin", "/usr/bin", "/dev", "/boot"}

// maxURLLength caps URLs before they reach a command line.
const maxURLLength = 2048

// ValidateYouTubeURL checks that a URL is a valid YouTube URL.
// It must use https, come from an approved domain, and be ≤2048 chars.
func ValidateYouTubeURL(rawURL string) error {
	u, err := parseMediaURL(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return invalidInput("URL must use https")
	}

	host := strings.ToLower(u.Hostname())
	switch host {
	case "youtube.com", "www.youtube.com", "m.youtube.com",
		"youtu.be",
		"music.youtube.com":
		// allowed
	default:
		return invalidInput("URL must be from youtube.com, youtu.be, or music.youtube.com")
	}
	return nil
}

// ValidateMediaURL accepts any http(s) URL yt-dlp might handle.
func ValidateMediaURL(rawURL string) error {
	_, err := parseMediaURL(rawURL)
	return err
}

func parseMediaURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, invalidInput("URL is empty")
	}
	if len(rawURL) > maxURLLength {
		return nil, invalidInput("URL exceeds maximum length of 2048 characters")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || u.Host == "" {
		return nil, invalidInput("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, invalidInput(fmt.Sprintf("unsupported URL scheme %q", u.Scheme))
	}
	// Keeps the URL from being parsed as a tool flag.
	if strings.HasPrefix(rawURL, "-") {
		return nil, invalidInput("invalid URL format")
	}
	return u, nil
}

// ValidateLocalSource checks that path names a readable regular file.
func ValidateLocalSource(path string) error {
	if strings.TrimSpace(path) == "" {
		return invalidInput("no source file or URL given")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return invalidInput(fmt.Sprintf("source file not found: %s", path))
		}
		return invalidInput(fmt.Sprintf("cannot access source file: %v", err))
	}
	if info.IsDir() {
		return invalidInput(fmt.Sprintf("source is a directory: %s", path))
	}
	f, err := os.Open(path)
	if err != nil {
		return invalidInput(fmt.Sprintf("source file is not readable: %v", err))
	}
	f.Close()
	return nil
}

// ValidateOutputDirectory rejects empty paths and paths that overlap with
// system directories.
func ValidateOutputDirectory(path string) error {
	if strings.TrimSpace(path) == "" {
		return invalidInput("output directory is required")
	}
	clean := filepath.Clean(path)
	// A home directory under a system path (e.g. /root) is still usable.
	if home, err := os.UserHomeDir(); err == nil && home != "/" && strings.HasPrefix(clean, filepath.Clean(home)+string(filepath.Separator)) {
		return nil
	}
	for _, sys := range systemPaths {
		if clean == sys || strings.HasPrefix(clean, sys+"/") {
			return invalidInput(fmt.Sprintf("output directory cannot be a system path (%s)", sys))
		}
	}
	return nil
}

func invalidInput(msg string) error {
	return newJobError(KindInvalidInput, msg, nil)
}
