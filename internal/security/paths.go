// Package security guards the file paths the CLI and the debug server write
// to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideDirectory is returned when a path resolves outside every allowed
// directory.
var ErrOutsideDirectory = errors.New("path outside allowed directory")

// WithinDirectory reports an error unless path, once cleaned and with
// symlinks resolved, stays inside dir. A path that does not exist yet is
// resolved through its nearest existing parent, so a symlinked parent cannot
// redirect a new file elsewhere.
func WithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	rel, err := filepath.Rel(canonicalDir, canonical(absPath))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOutsideDirectory, path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s escapes %s", ErrOutsideDirectory, path, dir)
	}
	return nil
}

// canonical resolves symlinks in the longest existing prefix of an absolute
// path and re-attaches the rest.
func canonical(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest)
		}
		if dir == filepath.Dir(dir) {
			return abs
		}
	}
}

// WithinAny accepts path if it is inside at least one of dirs.
func WithinAny(path string, dirs []string) error {
	if len(dirs) == 0 {
		return errors.New("no allowed directories")
	}
	for _, dir := range dirs {
		if WithinDirectory(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be within one of %v", ErrOutsideDirectory, path, dirs)
}

// ValidateOutputPath accepts files under the working directory, the temp
// directory or any of extra.
func ValidateOutputPath(path string, extra ...string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return WithinAny(path, append([]string{cwd, os.TempDir()}, extra...))
}

// SanitizeFilename turns an experiment name or other identifier into a safe
// file name. Anything other than ASCII letters, digits, '.', '_' and '-'
// becomes a single '_'; the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			underscore = false
		case !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
