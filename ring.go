package vpcm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ring is the engine buffer shared by the host callback and the byte-stream client.
//
// avail counts the bytes the client may transfer: readable bytes on playback, writable bytes on record. It is
// negative until the first host callback after a reset has fixed where the client cursor starts, and it may exceed
// the ring size when the host has run ahead of the client. pos is the client cursor, a byte offset in [0, size).
//
// The contents are not locked: the host and the client always touch disjoint byte ranges because the client never
// moves more than avail bytes past pos.
type ring struct {
	words []uint32 // backing store, keeps 4-byte alignment for the typed views
	data  []byte
	avail atomic.Int64
	pos   atomic.Int64
}

func newRing(size int) (*ring, error) {
	if size < 2 || size%2 != 0 {
		return nil, fmt.Errorf("invalid ring size %d: %w", size, ErrInvalidArgument)
	}

	r := &ring{words: make([]uint32, (size+3)/4)}
	r.data = unsafe.Slice((*byte)(unsafe.Pointer(&r.words[0])), size)
	r.avail.Store(-1)

	return r, nil
}

// size returns the capacity in bytes.
func (r *ring) size() int {
	return len(r.data)
}

// reset drops all data and marks the ring as not primed.
func (r *ring) reset() {
	r.avail.Store(-1)
	r.pos.Store(0)
	clear(r.data)
}

// prime fixes the client cursor unless that already happened since the last reset.
// It reports whether it did.
func (r *ring) prime(pos int, avail int64) bool {
	if r.avail.Load() >= 0 {
		return false
	}

	r.pos.Store(int64(pos))
	r.avail.Store(avail)

	return true
}

// readable returns min(avail, size), or 0 when not primed.
func (r *ring) readable() int {
	a := r.avail.Load()
	if a < 0 {
		return 0
	}

	return int(min(a, int64(r.size())))
}

// clamp lowers avail to the ring size if it is above it.
func (r *ring) clamp() {
	size := int64(r.size())
	for {
		a := r.avail.Load()
		if a <= size || r.avail.CompareAndSwap(a, size) {
			return
		}
	}
}

// run returns the contiguous region starting at the client cursor, at most n bytes long.
func (r *ring) run(n int) ([]byte, error) {
	p := int(r.pos.Load())
	if p < 0 || p >= r.size() {
		return nil, fmt.Errorf("ring cursor %d outside [0, %d): %w", p, r.size(), ErrDeviceError)
	}

	return r.data[p : p+min(n, r.size()-p)], nil
}

// advance moves the client cursor n bytes forward, wrapping at the end.
func (r *ring) advance(n int) error {
	p := int(r.pos.Load()) + n
	if p > r.size() {
		return fmt.Errorf("ring cursor %d beyond end %d: %w", p, r.size(), ErrDeviceError)
	}

	if p == r.size() {
		p = 0
	}

	r.pos.Store(int64(p))

	return nil
}

// int16s views n samples starting at byte offset off as 16-bit integers.
func (r *ring) int16s(off, n int) []int16 {
	if n == 0 {
		return nil
	}

	return unsafe.Slice((*int16)(unsafe.Pointer(&r.data[off])), n)
}

// float32s views n samples starting at byte offset off as floats.
func (r *ring) float32s(off, n int) []float32 {
	if n == 0 {
		return nil
	}

	return unsafe.Slice((*float32)(unsafe.Pointer(&r.data[off])), n)
}
