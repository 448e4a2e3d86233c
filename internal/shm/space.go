package shm

import (
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// CanCreate reports whether dir has room for size more bytes. Only the
// shared memory filesystem is checked; when usage cannot be read the answer
// is true and the kernel has the final word at truncate time.
func CanCreate(size uint64, dir string) bool {
	if dir == "" {
		dir = DefaultDir
	}
	if !strings.HasPrefix(dir, DefaultDir) {
		return true
	}
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
