package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Output file naming

var (
	invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	multiSpace       = regexp.MustCompile(`\s+`)
)

// SanitizeFileName makes a title safe to use as a file name on
// Windows/Linux/macOS.
func SanitizeFileName(name string) string {
	if name == "" {
		return "Unknown"
	}

	sanitized := invalidNameChars.ReplaceAllString(name, "")
	sanitized = multiSpace.ReplaceAllString(sanitized, " ")

	// Leading/trailing dots and spaces break Windows paths
	sanitized = strings.Trim(sanitized, ". ")

	if len(sanitized) > 200 {
		sanitized = strings.TrimSpace(truncateUTF8(sanitized, 200))
	}

	if sanitized == "" {
		sanitized = "Unknown"
	}
	return sanitized
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// OutputName builds "{stem}_{role}_{timestamp}{ext}".
func OutputName(stem, role, timestamp, ext string) string {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%s_%s%s", stem, role, timestamp, ext)
}

// reservePath creates an empty placeholder at path, appending " (n)" before
// the extension until a free name is found. Creation uses O_EXCL so two
// callers never receive the same name.
func reservePath(path string) (string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 1; ; i++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return candidate, f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to reserve %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
}

// lastLines returns the final n non-empty lines of s.
func lastLines(s string, n int) []string {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(s, "\r", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
