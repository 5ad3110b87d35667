package store

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidPath indicates that a node path or name cannot be stored.
var ErrInvalidPath = errors.New("store: invalid path")

const maxPathLength = 1024

// CleanPath normalizes a node path to an absolute, slash-separated form without a trailing slash.
func CleanPath(rawPath string) (string, error) {
	trimmed := strings.TrimSpace(rawPath)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	cleaned := path.Clean(trimmed)
	if len(cleaned) > maxPathLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPath, maxPathLength)
	}
	return cleaned, nil
}

// CleanName trims surrounding whitespace and rejects names that would change the addressed
// parent. The trimmed name is the one to store.
func CleanName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("%w: name %q", ErrInvalidPath, name)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: name %q contains a separator", ErrInvalidPath, name)
	}
	return trimmed, nil
}

// ValidateName reports whether CleanName accepts name.
func ValidateName(name string) error {
	_, err := CleanName(name)
	return err
}

// ParentPath returns the path with its last segment removed. The root has no parent.
func ParentPath(nodePath string) string {
	if nodePath == "/" || nodePath == "" {
		return ""
	}
	parent := path.Dir(nodePath)
	return parent
}

// BaseName returns the last path segment.
func BaseName(nodePath string) string {
	if nodePath == "/" {
		return ""
	}
	return path.Base(nodePath)
}

// JoinPath appends a single segment to a parent path.
func JoinPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// IsWithin reports whether candidate equals ancestor or lies below it.
func IsWithin(candidate, ancestor string) bool {
	if candidate == ancestor {
		return true
	}
	if ancestor == "/" {
		return strings.HasPrefix(candidate, "/")
	}
	return strings.HasPrefix(candidate, ancestor+"/")
}

// Rebase replaces the fromPrefix of nodePath with toPrefix.
func Rebase(nodePath, fromPrefix, toPrefix string) string {
	if nodePath == fromPrefix {
		return toPrefix
	}
	relative := strings.TrimPrefix(nodePath, fromPrefix)
	if fromPrefix == "/" {
		relative = "/" + strings.TrimPrefix(nodePath, "/")
	}
	if toPrefix == "/" {
		return relative
	}
	return toPrefix + relative
}

// Ancestors lists every proper ancestor of nodePath, nearest last, starting at "/".
func Ancestors(nodePath string) []string {
	var result []string
	for current := ParentPath(nodePath); current != ""; current = ParentPath(current) {
		result = append(result, current)
		if current == "/" {
			break
		}
	}
	for left, right := 0, len(result)-1; left < right; left, right = left+1, right-1 {
		result[left], result[right] = result[right], result[left]
	}
	return result
}
