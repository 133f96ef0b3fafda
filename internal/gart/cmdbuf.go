package gart

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/ehrlich-b/go-host1x/internal/abi"
)

// cmdBufArena hands out fixed DMA addresses for job command buffers
// allocated as the second of 4.E's two strategies: "a standalone DMA
// allocation" rather than a slice of the channel's push-buffer pool.
// It is a dedicated range outside the GART aperture proper, so a
// command buffer's address never collides with an aperture offset and
// never needs a GART binding to be dereferenced by RESTART.
var cmdBufArena uint64 = 0x9000_0000

const cmdBufAlign = 16

// ringArenaBase is the fixed DMA base every channel ring is given,
// purely so the scheduler can compute absolute RESTART targets back
// into the ring; no IOMMU translation happens for it.
const ringArenaBase = 0x7000_0000
const ringArenaStride = 0x0100_0000

// RingBaseAddr returns the fixed DMA base address for channel index's
// push-buffer ring.
func RingBaseAddr(channelIndex int) uint64 {
	return ringArenaBase + uint64(channelIndex)*ringArenaStride
}

// NewCommandBufferBO allocates a standalone, contiguous BO sized for
// words plus one trailing word reserved for the RESTART the scheduler
// writes back to the push-buffer ring at push time, and copies words
// into it. Each call reserves a fresh, never-reused address from the
// command-buffer arena.
func NewCommandBufferBO(words []abi.Word) *BO {
	size := alignUp(uint64(len(words)+1)*4, cmdBufAlign)
	newTop := atomic.AddUint64(&cmdBufArena, size)
	addr := newTop - size

	bo := NewBO(size, addr)
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(w))
	}
	bo.WriteBytes(0, buf)
	return bo
}

// WriteWord patches a single command word at byteOffset — used to
// write the command buffer's trailing RESTART once the ring's resume
// address is known, after the rest of the buffer is already fixed.
func (bo *BO) WriteWord(byteOffset uint64, w abi.Word) bool {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(w))
	return bo.WriteBytes(byteOffset, buf[:])
}
