package pushbuffer

import (
	"sync"

	"github.com/ehrlich-b/go-host1x/internal/constants"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
)

// Channel binds one push-buffer Writer to one hardware channel index.
// RingAddr is the ring's fixed DMA base address: it exists purely so
// the scheduler can compute an absolute RESTART target back into the
// ring from a job's command buffer.
type Channel struct {
	Index         int
	Writer        *Writer
	AcceptedPipes uint32
	RingAddr      uint64
}

// HardwareAdapter drives one channel's DMA engine: a real
// implementation talks to actual registers, a simulated one advances
// state in-process for tests and the CLI.
type HardwareAdapter interface {
	// Init programs DMASTART/END to the ring range and enables DMA
	// fetch.
	Init(ch *Channel) error
	// Submit publishes a new DMAPUT value, kicking DMA to fetch up to
	// it.
	Submit(ch *Channel, put uint32) error
	// Reset stops fetching and flushes the FIFO without a full
	// teardown; used by the timeout/recovery path.
	Reset(ch *Channel) error
	// Teardown stops fetching and returns the ring to its initial
	// state. It does not release MLOCKs; those are tracked in
	// MLockTable.
	Teardown(ch *Channel) error
	// DMAGet reads the current hardware execution pointer.
	DMAGet(ch *Channel) (uint32, error)
}

// MLockTable tracks ownership of the device's global hardware locks.
type MLockTable struct {
	mu     sync.Mutex
	owner  []int // channel index, or -1 if free
}

// NewMLockTable creates a table of constants.MaxMLocks locks, all
// free.
func NewMLockTable() *MLockTable {
	t := &MLockTable{owner: make([]int, constants.MaxMLocks)}
	for i := range t.owner {
		t.owner[i] = -1
	}
	return t
}

// Acquire binds lock index to channel, failing with Busy if another
// channel already owns it.
func (t *MLockTable) Acquire(index int, channel int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.owner) {
		return hosterr.New("mlock_acquire", hosterr.InvalidArgument, "mlock index out of range")
	}
	if t.owner[index] != -1 && t.owner[index] != channel {
		return hosterr.New("mlock_acquire", hosterr.Busy, "mlock already held by another channel")
	}
	t.owner[index] = channel
	return nil
}

// Release frees lock index if channel currently owns it.
func (t *MLockTable) Release(index int, channel int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.owner) {
		return
	}
	if t.owner[index] == channel {
		t.owner[index] = -1
	}
}

// ReleaseAll releases every lock owned by channel — used by the
// recovery path's "release every MLOCK owned by the channel" step.
func (t *MLockTable) ReleaseAll(channel int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, owner := range t.owner {
		if owner == channel {
			t.owner[i] = -1
		}
	}
}

// Owner reports which channel owns lock index, or -1 if free, for the
// debug dumper.
func (t *MLockTable) Owner(index int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.owner) {
		return -1
	}
	return t.owner[index]
}

// Count returns the number of MLOCKs in the table.
func (t *MLockTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owner)
}
