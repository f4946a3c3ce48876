package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins path elements and ensures the result stays within the
// base directory.
//
//	path, err := SecureJoin("/var/lib/durastore", "kv", name)
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
