// Package security confines file output to the run's output directory.
// Pipeline specs are plain JSON that may come from anywhere, so every
// writer path they carry is treated as untrusted until resolved here.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveOutputPath joins a spec-supplied relative path onto the run's
// output directory and verifies the result stays inside it. Absolute
// paths are rejected outright; the output directory is the only place
// a pipeline may write.
func ResolveOutputPath(outDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty output path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("output path %q must be relative to the output directory", rel)
	}
	joined := filepath.Join(outDir, rel)
	if err := ValidatePathWithinDirectory(joined, outDir); err != nil {
		return "", err
	}
	return joined, nil
}

// ValidatePathWithinDirectory checks that a file path resolves inside
// the safe directory, including through symlinks: a path whose existing
// ancestor is a symlink is validated against the link target, so a
// planted link cannot redirect writes outside the directory.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	cleanPath := filepath.Clean(filePath)

	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	// EvalSymlinks errors when the path does not exist yet. In that
	// case walk up to the nearest existing ancestor, resolve that, and
	// reattach the remaining components.
	canonicalPath := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonicalPath = resolved
	} else {
		checkPath := absPath
		for {
			parentDir := filepath.Dir(checkPath)
			if parentDir == checkPath {
				break
			}
			if resolved, err := filepath.EvalSymlinks(parentDir); err == nil {
				relToParent, _ := filepath.Rel(parentDir, absPath)
				canonicalPath = filepath.Join(resolved, relToParent)
				break
			}
			checkPath = parentDir
		}
	}

	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// SanitizeFilename makes a safe filename fragment from an arbitrary
// string, for embedding cloud names into writer output paths. Anything
// that is not an ASCII letter, digit, dot, underscore or dash becomes
// an underscore; runs collapse and the result is length-capped.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
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
