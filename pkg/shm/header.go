package shm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	internalshm "github.com/srediag/shmsync/internal/shm"
)

// Header field offsets. Every process attached to a segment relies on these,
// so they only change together with Version.
const (
	OffMagic    = 0
	OffVersion  = 4
	OffTotalLen = 8
	OffReady    = 16
	OffRefCount = 20
	OffMutex    = 24
	OffCond     = 28

	// HeaderSize is the offset of the first payload byte.
	HeaderSize = 32
)

const (
	// Magic is "SHMS" in ASCII hex.
	Magic   uint32 = 0x53484d53
	Version uint32 = 1
)

// Header is an atomic view over the first HeaderSize bytes of a segment.
type Header struct {
	base unsafe.Pointer
}

func headerOf(mem []byte) *Header {
	return &Header{base: unsafe.Pointer(&mem[0])}
}

func (h *Header) word(off uintptr) *uint32 {
	return internalshm.Word32(h.base, off)
}

func (h *Header) Magic() uint32 {
	return atomic.LoadUint32(h.word(OffMagic))
}

func (h *Header) Version() uint32 {
	return atomic.LoadUint32(h.word(OffVersion))
}

// TotalLen is the segment length, header included.
func (h *Header) TotalLen() uint64 {
	return internalshm.AtomicLoadUint64(unsafe.Add(h.base, OffTotalLen))
}

// Ready reports whether the owner has published the segment.
func (h *Header) Ready() bool {
	return atomic.LoadUint32(h.word(OffReady)) != 0
}

// RefCount is the number of attached handles across all processes.
func (h *Header) RefCount() uint32 {
	return atomic.LoadUint32(h.word(OffRefCount))
}

// MutexWord is the raw futex word of the segment mutex.
func (h *Header) MutexWord() uint32 {
	return atomic.LoadUint32(h.word(OffMutex))
}

// CondGeneration is the raw generation counter of the segment condvar.
func (h *Header) CondGeneration() uint32 {
	return atomic.LoadUint32(h.word(OffCond))
}

// Snapshot copies every field.
func (h *Header) Snapshot() HeaderInfo {
	return HeaderInfo{
		Magic:          h.Magic(),
		Version:        h.Version(),
		TotalLen:       h.TotalLen(),
		Ready:          atomic.LoadUint32(h.word(OffReady)),
		RefCount:       h.RefCount(),
		MutexWord:      h.MutexWord(),
		CondGeneration: h.CondGeneration(),
	}
}

// initialize writes a fresh header for a segment of total bytes. Magic is
// stored last so an opener sees either zero or a complete header.
func (h *Header) initialize(total uint64) {
	atomic.StoreUint32(h.word(OffVersion), Version)
	internalshm.AtomicStoreUint64(unsafe.Add(h.base, OffTotalLen), total)
	atomic.StoreUint32(h.word(OffReady), 0)
	atomic.StoreUint32(h.word(OffRefCount), 1)
	atomic.StoreUint32(h.word(OffMutex), 0)
	atomic.StoreUint32(h.word(OffCond), 0)
	atomic.StoreUint32(h.word(OffMagic), Magic)
}

// validate checks the header against a mapping of size bytes.
func (h *Header) validate(size int) error {
	return h.Snapshot().Validate(size)
}

// attach increments the attached counter.
func (h *Header) attach() uint32 {
	return atomic.AddUint32(h.word(OffRefCount), 1)
}

// detach decrements the attached counter without wrapping below zero and
// returns the new value.
func (h *Header) detach() uint32 {
	w := h.word(OffRefCount)
	for {
		n := atomic.LoadUint32(w)
		if n == 0 {
			return 0
		}
		if atomic.CompareAndSwapUint32(w, n, n-1) {
			return n - 1
		}
	}
}

// HeaderInfo is a plain copy of a segment header.
type HeaderInfo struct {
	Magic          uint32
	Version        uint32
	TotalLen       uint64
	Ready          uint32
	RefCount       uint32
	MutexWord      uint32
	CondGeneration uint32
}

// ParseHeader decodes the header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (HeaderInfo, error) {
	if len(b) < HeaderSize {
		return HeaderInfo{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrFormatMismatch, len(b))
	}
	e := binary.NativeEndian
	return HeaderInfo{
		Magic:          e.Uint32(b[OffMagic:]),
		Version:        e.Uint32(b[OffVersion:]),
		TotalLen:       e.Uint64(b[OffTotalLen:]),
		Ready:          e.Uint32(b[OffReady:]),
		RefCount:       e.Uint32(b[OffRefCount:]),
		MutexWord:      e.Uint32(b[OffMutex:]),
		CondGeneration: e.Uint32(b[OffCond:]),
	}, nil
}

// Validate checks the identity fields and that TotalLen equals size.
// A zero magic means the creator has not published the header yet.
func (i HeaderInfo) Validate(size int) error {
	switch {
	case i.Magic == 0:
		return ErrNotInitialized
	case i.Magic != Magic:
		return fmt.Errorf("%w: magic %#x, want %#x", ErrFormatMismatch, i.Magic, Magic)
	case i.Version != Version:
		return fmt.Errorf("%w: version %d, want %d", ErrFormatMismatch, i.Version, Version)
	case i.TotalLen != uint64(size):
		return fmt.Errorf("%w: header length %d, object length %d", ErrFormatMismatch, i.TotalLen, size)
	}
	return nil
}
