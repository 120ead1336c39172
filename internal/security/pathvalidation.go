// Package security guards the file paths the plot and snapshot exports
// write to.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a path resolves outside its allowed
// directory.
var ErrPathTraversal = errors.New("path escapes allowed directory")

// canonical resolves symlinks on path, or on its nearest existing ancestor
// when path itself does not exist yet.
func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, path)
			return filepath.Join(resolved, rel)
		}
		if dir == filepath.Dir(dir) {
			return path
		}
	}
}

// ValidatePathWithinDirectory rejects filePath if, after cleaning and
// symlink resolution, it is not inside safeDir.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	dir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(dir, canonical(absPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s not within %s", ErrPathTraversal, filePath, safeDir)
	}
	return nil
}

// ValidateExportPath accepts paths under the temp directory or the working
// directory.
func ValidateExportPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	for _, dir := range []string{os.TempDir(), cwd} {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be under %s or %s", ErrPathTraversal, filePath, os.TempDir(), cwd)
}

// SanitizeFilename turns an object id or frame name into something safe to
// embed in a file name. Runs of other characters collapse to one
// underscore; the result is at most 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// ExportPath joins dir with a sanitized name and extension and validates
// the result stays inside dir.
func ExportPath(dir, name, ext string) (string, error) {
	p := filepath.Join(dir, SanitizeFilename(name)+ext)
	if err := ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	return p, nil
}
