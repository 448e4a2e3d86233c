package shm

import (
	"fmt"
	"io"
	"os"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmsync/internal/logging"
	internalshm "github.com/srediag/shmsync/internal/shm"
)

// DebugSegmentDetail renders the header of the segment called name without
// attaching to it, so the attached counter is left untouched.
func DebugSegmentDetail(name string, opts ...Option) (string, error) {
	o, err := newOptions(opts)
	if err != nil {
		return "", err
	}
	path, err := internalshm.ObjectPath(o.cfg.Dir, name)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if os.IsPermission(err) {
			return "", fmt.Errorf("%w: %s: %w", ErrPermissionDenied, name, err)
		}
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logging.Internal().Warnf("file close error: %v", cerr)
		}
	}()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return "", fmt.Errorf("%w: read header of %s: %w", ErrFormatMismatch, name, err)
	}
	info, err := ParseHeader(raw)
	if err != nil {
		return "", err
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	fmt.Fprintf(buf, "name:%s path:%s size:%d mode:%s\n", name, path, fi.Size(), fi.Mode().Perm())
	fmt.Fprintf(buf, "magic:%#x version:%d totalLen:%d ready:%d refcount:%d mutex:%d cond:%d\n",
		info.Magic, info.Version, info.TotalLen, info.Ready, info.RefCount, info.MutexWord, info.CondGeneration)
	if err := info.Validate(int(fi.Size())); err != nil {
		fmt.Fprintf(buf, "status:invalid (%v)\n", err)
	} else {
		fmt.Fprintf(buf, "status:ok payload:%d\n", fi.Size()-HeaderSize)
	}
	return buf.String(), nil
}
