// Package security validates user-supplied output paths and file names.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned for a path that resolves outside its allowed
// directory.
var ErrPathEscapes = errors.New("path escapes allowed directory")

// maxFilenameLen bounds SanitizeFilename output.
const maxFilenameLen = 128

// canonical resolves symlinks in the longest existing prefix of an absolute
// path, so a not-yet-created file below a symlinked directory is judged by
// where it would really land.
func canonical(abs string) string {
	rest := ""
	for p := abs; ; p = filepath.Dir(p) {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return abs
		}
		rest = filepath.Join(filepath.Base(p), rest)
	}
}

// ValidatePathWithinDirectory returns nil when path, after cleaning and
// symlink resolution, lies inside dir. dir must exist.
func ValidatePathWithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	rel, err := filepath.Rel(realDir, canonical(absPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s: %w %s", path, ErrPathEscapes, dir)
	}
	return nil
}

// ValidateOutputPath accepts a path inside any of the allowed directories,
// defaulting to the working directory and the temp directory.
func ValidateOutputPath(path string, allowed ...string) error {
	if len(allowed) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		allowed = []string{cwd, os.TempDir()}
	}
	for _, dir := range allowed {
		if ValidatePathWithinDirectory(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: %w (allowed: %s)", path, ErrPathEscapes, strings.Join(allowed, ", "))
}

// SanitizeFilename turns an identifier into a file name made of ASCII
// letters, digits, dot, underscore and dash. Runs of other characters become
// one underscore.
func SanitizeFilename(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
