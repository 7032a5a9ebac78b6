package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func scanPaths(files []*FileInfo) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}

func TestScan_FindsSupportedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "docs/guide.md", "# Guide\n")
	writeFile(t, root, "image.png", "not really a png")

	s := New(Options{RootDir: root})
	files, err := s.Scan(context.Background())
	require.NoError(t, err)

	paths := scanPaths(files)
	assert.Contains(t, paths, "main.go")
	assert.Contains(t, paths, "docs/guide.md")
	assert.NotContains(t, paths, "image.png")
}

func TestScan_ExcludePatternsPruneDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "vendor/dep/dep.go", "package dep\n")
	writeFile(t, root, ".docsmith/snapshot.json", "{}")

	s := New(Options{
		RootDir:         root,
		ExcludePatterns: []string{"**/vendor/**", "vendor/**", ".docsmith/**"},
	})
	files, err := s.Scan(context.Background())
	require.NoError(t, err)

	paths := scanPaths(files)
	assert.Equal(t, []string{"main.go"}, paths)
}

func TestScan_IncludePatternsLimitScope(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "README.md", "# Readme\n")

	s := New(Options{RootDir: root, IncludePatterns: []string{"**/*.go", "*.go"}})
	files, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"main.go"}, scanPaths(files))
}

func TestScan_SkipsBinaryContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data.go", "package x\x00\x01\x02")

	s := New(Options{RootDir: root})
	files, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestScan_SkipsOversizedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.go", string(make([]byte, 100))+"package main")

	s := New(Options{RootDir: root, MaxFileSize: 10})
	// The 100-byte NUL prefix would also trip binary detection, but size is
	// checked first so the file never gets read.
	files, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestScan_FingerprintTracksContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	s := New(Options{RootDir: root})
	first, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	writeFile(t, root, "a.go", "package a // changed\n")
	second, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.NotEqual(t, first[0].Fingerprint, second[0].Fingerprint)
	assert.Equal(t, Fingerprint([]byte("package a // changed\n")), second[0].Fingerprint)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "go", DetectLanguage("cmd/main.go"))
	assert.Equal(t, "markdown", DetectLanguage("README.md"))
	assert.Equal(t, "python", DetectLanguage("scripts/tool.PY"))
	assert.Equal(t, "", DetectLanguage("binary.exe"))
}
