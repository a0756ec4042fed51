package vfs

import (
	"errors"
	"strings"
)

// Common path-related errors.
var (
	ErrEmptyPath   = errors.New("vfs: empty path")
	ErrInvalidPath = errors.New("vfs: invalid path")
	ErrPathTooLong = errors.New("vfs: path too long")
)

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 4096

// Clean normalizes the path by removing unnecessary elements. The result is
// always absolute.
func Clean(p string) string {
	components := Components(p)
	if len(components) == 0 {
		return "/"
	}
	return "/" + strings.Join(components, "/")
}

// Components splits a path into its names, dropping empty and "."
// elements and applying ".." without going above the root.
func Components(p string) []string {
	var result []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
		default:
			result = append(result, comp)
		}
	}
	return result
}

// IsAbs returns true if the path is absolute.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Abs resolves p relative to cwd when it is not already absolute.
func Abs(p, cwd string) string {
	if IsAbs(p) {
		return Clean(p)
	}
	if cwd == "" || !IsAbs(cwd) {
		cwd = "/"
	}
	return Clean(cwd + "/" + p)
}

// Split splits the path into directory and base components.
func Split(p string) (dir, base string) {
	p = Clean(p)

	lastSlash := strings.LastIndex(p, "/")
	if lastSlash == 0 {
		return "/", p[1:]
	}
	return p[:lastSlash], p[lastSlash+1:]
}

// Join joins any number of path elements into a single path.
func Join(elem ...string) string {
	return Clean(strings.Join(elem, "/"))
}

// ValidatePath checks if the path is valid for use in the VFS.
func ValidatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if len(p) > MaxPathLength {
		return ErrPathTooLong
	}
	if strings.Contains(p, "\x00") {
		return ErrInvalidPath
	}
	return nil
}
