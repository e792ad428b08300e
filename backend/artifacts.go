package backend

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrOutputNotFound is returned when a declared output pattern matched
// nothing.
var ErrOutputNotFound = errors.New("expected output not found")

// maxListing bounds the directory listing attached to diagnostics.
const maxListing = 40

// DiscoverArtifacts matches each pattern (doublestar syntax, slash
// separated, relative to fsys) and returns the matches in pattern order.
// Every pattern must match at least one regular file.
func DiscoverArtifacts(fsys fs.FS, patterns []string) ([]string, error) {
	var found []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid output pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return found, fmt.Errorf("%w: %s", ErrOutputNotFound, pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				found = append(found, m)
			}
		}
	}
	return found, nil
}

// DiscoverInDir runs DiscoverArtifacts against a real directory and returns
// absolute paths.
func DiscoverInDir(dir string, patterns []string) ([]string, error) {
	rel, err := DiscoverArtifacts(os.DirFS(dir), patterns)
	paths := make([]string, 0, len(rel))
	for _, r := range rel {
		paths = append(paths, filepath.Join(dir, filepath.FromSlash(r)))
	}
	return paths, err
}

// ListDir returns "path (size)" lines for everything under fsys, for
// failure diagnostics.
func ListDir(fsys fs.FS) []string {
	var lines []string
	truncated := false
	_ = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == "." {
			return nil
		}
		if len(lines) >= maxListing {
			truncated = true
			return fs.SkipAll
		}
		if d.IsDir() {
			lines = append(lines, p+"/")
			return nil
		}
		size := int64(-1)
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", p, FormatFileSize(size)))
		return nil
	})
	if len(lines) == 0 {
		return []string{"(empty directory)"}
	}
	if truncated {
		lines = append(lines, "...")
	}
	return lines
}

// LargestFile returns the biggest regular file matching pattern.
// Partial downloads (.part, .ytdl) are ignored.
func LargestFile(fsys fs.FS, pattern string) (string, error) {
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	best := ""
	var bestSize int64 = -1
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		info, err := fs.Stat(fsys, m)
		if err != nil {
			continue
		}
		if info.Size() > bestSize || (info.Size() == bestSize && m < best) {
			best, bestSize = m, info.Size()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s", ErrOutputNotFound, pattern)
	}
	return best, nil
}

// publishFile moves src into dir keeping its base name, adding a numeric
// suffix when the name is taken. Falls back to copy across filesystems.
func publishFile(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	dst, err := reservePath(filepath.Join(dir, filepath.Base(src)))
	if err != nil {
		return "", err
	}
	// Rename replaces the placeholder we just created.
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}
	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return "", err
	}
	_ = os.Remove(src)
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
