package assembler

import (
	"sync"

	"github.com/ehrlich-b/go-host1x/internal/abi"
)

// Buffer pool provides pooled command-word slices to avoid hot-path
// allocations while assembling job command buffers. Size-bucketed
// pools (256, 1024, 4096, 16384 words) balance memory efficiency
// against allocation reduction, with bucket sizes scaled to typical
// command-buffer word counts.
//
// Uses *[]abi.Word pattern to avoid sync.Pool interface allocation
// overhead.

const (
	words256  = 256
	words1k   = 1024
	words4k   = 4096
	words16k  = 16384
)

var globalPool = struct {
	pool256  sync.Pool
	pool1k   sync.Pool
	pool4k   sync.Pool
	pool16k  sync.Pool
}{
	pool256:  sync.Pool{New: func() any { b := make([]abi.Word, words256); return &b }},
	pool1k:   sync.Pool{New: func() any { b := make([]abi.Word, words1k); return &b }},
	pool4k:   sync.Pool{New: func() any { b := make([]abi.Word, words4k); return &b }},
	pool16k:  sync.Pool{New: func() any { b := make([]abi.Word, words16k); return &b }},
}

// GetBuffer returns a pooled command-word buffer of at least size
// words. Callers must call PutBuffer when done.
func GetBuffer(size int) []abi.Word {
	switch {
	case size <= words256:
		return (*globalPool.pool256.Get().(*[]abi.Word))[:size]
	case size <= words1k:
		return (*globalPool.pool1k.Get().(*[]abi.Word))[:size]
	case size <= words4k:
		return (*globalPool.pool4k.Get().(*[]abi.Word))[:size]
	case size <= words16k:
		return (*globalPool.pool16k.Get().(*[]abi.Word))[:size]
	default:
		return make([]abi.Word, size)
	}
}

// PutBuffer returns a buffer to the pool. The buffer's capacity
// determines which pool it goes to; non-standard capacities (and the
// oversize fallback) are simply dropped.
func PutBuffer(buf []abi.Word) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case words256:
		globalPool.pool256.Put(&buf)
	case words1k:
		globalPool.pool1k.Put(&buf)
	case words4k:
		globalPool.pool4k.Put(&buf)
	case words16k:
		globalPool.pool16k.Put(&buf)
	}
}
