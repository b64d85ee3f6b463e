package core

import "unsafe"

const (
	// CacheLineSize is a common cache line size, typically 64 bytes.
	CacheLineSize = 64

	floatSize = int(unsafe.Sizeof(float64(0)))
)

// AlignedFloats allocates a float64 slice whose backing array starts on a
// cache line boundary. The flat stack, buffer and gradient arenas are all
// allocated through this so that one timestep's batch rows share lines.
func AlignedFloats(n int) []float64 {
	if n == 0 {
		return nil
	}
	pad := CacheLineSize / floatSize
	buf := make([]float64, n+pad-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := int(ptr % CacheLineSize); mod != 0 {
		offset = (CacheLineSize - mod) / floatSize
	}
	return buf[offset : offset+n]
}

// IsAligned checks whether addr sits on a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// Zero resets a flat buffer in place. Buffers are zeroed at the start of
// every batch rather than reallocated.
func Zero(fs []float64) {
	for i := range fs {
		fs[i] = 0
	}
}

// FillInt sets every element of an index vector, used to reset cursors to
// their start-of-batch value (0 or InvalidCursor).
func FillInt(xs []int, v int) {
	for i := range xs {
		xs[i] = v
	}
}
