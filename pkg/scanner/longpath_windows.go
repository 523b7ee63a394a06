//go:build windows

package scanner

import "strings"

// longPath rewrites paths at or above the legacy MAX_PATH limit to the
// \\?\ / \\?\UNC\ long-path prefix for filesystem calls. The path emitted in
// ScannedFile is never rewritten — only the path passed to the OS.
func longPath(path string) string {
	if len(path) < 260 {
		return path
	}
	if strings.HasPrefix(path, `\\?\`) {
		return path
	}
	if strings.HasPrefix(path, `\\`) {
		return `\\?\UNC\` + path[2:]
	}
	return `\\?\` + path
}
