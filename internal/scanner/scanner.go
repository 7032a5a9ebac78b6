// Package scanner discovers indexable files in a repository.
// It applies include/exclude glob patterns, skips binary and oversized
// files, and computes per-file content fingerprints.
package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMaxFileSize is the default maximum file size (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// FileInfo describes a discovered source file.
type FileInfo struct {
	Path        string    // Relative to repository root, slash-separated
	AbsPath     string    // Absolute path
	Size        int64     // File size in bytes
	ModTime     time.Time // Last modification time
	Language    string    // Detected from extension
	Fingerprint string    // SHA-256 of content, hex
}

// Options configures a scan.
type Options struct {
	// RootDir is the repository root to scan.
	RootDir string

	// IncludePatterns limits the scan to matching paths (empty = all
	// supported files). Doublestar syntax.
	IncludePatterns []string

	// ExcludePatterns removes matching paths.
	ExcludePatterns []string

	// MaxFileSize is the maximum file size in bytes (0 = default).
	MaxFileSize int64
}

// Scanner walks a repository and returns its indexable files.
type Scanner struct {
	opts Options
}

// New creates a scanner with the given options.
func New(opts Options) *Scanner {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Scanner{opts: opts}
}

// Scan enumerates candidate files under the root. Files it cannot read are
// logged and skipped; the scan itself only fails on a walk error or
// cancellation.
func (s *Scanner) Scan(ctx context.Context) ([]*FileInfo, error) {
	var files []*FileInfo

	err := filepath.WalkDir(s.opts.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("scan_skip_entry", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, relErr := filepath.Rel(s.opts.RootDir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			// Hidden directories (.git, the index data dir, editor state)
			// are never indexable.
			if strings.HasPrefix(d.Name(), ".") || s.excluded(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		// Hidden files are skipped for the same reason.
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		// Symlinks are skipped to avoid cycles and escapes.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if s.excluded(rel) || !s.included(rel) {
			return nil
		}

		lang := DetectLanguage(rel)
		if lang == "" {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		if info.Size() > s.opts.MaxFileSize {
			slog.Warn("scan_skip_oversized",
				slog.String("path", rel),
				slog.Int64("size", info.Size()),
				slog.Int64("max", s.opts.MaxFileSize))
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			slog.Warn("scan_skip_unreadable", slog.String("path", rel), slog.String("error", readErr.Error()))
			return nil
		}
		if isBinary(content) {
			return nil
		}

		files = append(files, &FileInfo{
			Path:        rel,
			AbsPath:     path,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			Language:    lang,
			Fingerprint: Fingerprint(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// included reports whether rel matches the include patterns.
func (s *Scanner) included(rel string) bool {
	if len(s.opts.IncludePatterns) == 0 {
		return true
	}
	for _, p := range s.opts.IncludePatterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// excluded reports whether rel matches the exclude patterns.
func (s *Scanner) excluded(rel string) bool {
	for _, p := range s.opts.ExcludePatterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		// Directory patterns like "**/vendor/**" should also prune the
		// directory itself.
		if strings.HasSuffix(rel, "/") {
			if ok, _ := doublestar.Match(p, rel+"x"); ok {
				return true
			}
		}
	}
	return false
}

// Fingerprint returns the hex SHA-256 of content.
func Fingerprint(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// isBinary detects binary content by looking for NUL bytes in the head.
func isBinary(content []byte) bool {
	head := content
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) != -1
}
