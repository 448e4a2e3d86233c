// Package shm contains the platform helpers behind pkg/shm: naming, mapping,
// unlinking and word access for named shared memory objects.
package shm

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultDir is where Linux keeps POSIX shared memory objects.
const DefaultDir = "/dev/shm"

// maxNameLen is NAME_MAX, the longest single path component.
const maxNameLen = 255

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	Path string
	// Created is true when this call created the object.
	Created bool
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Dir    string
	Size   int
	Mode   uint32
	Create bool
}

// CanonicalName validates name and returns it in shm_open form, with a
// single leading slash.
func CanonicalName(name string) (string, error) {
	n := strings.TrimPrefix(name, "/")
	switch {
	case n == "", n == ".", n == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsRune(n, '/'), strings.ContainsRune(n, 0):
		return "", fmt.Errorf("%w: %q contains a separator", ErrInvalidName, name)
	case len(n) > maxNameLen:
		return "", fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidName, name, maxNameLen)
	}
	return "/" + n, nil
}

// ObjectPath returns the filesystem path backing name under dir.
func ObjectPath(dir, name string) (string, error) {
	n, err := CanonicalName(name)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, n[1:]), nil
}
