package syncpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiredWrapAt2_31(t *testing.T) {
	assert.True(t, Expired(10, 10))
	assert.True(t, Expired(11, 10))
	assert.False(t, Expired(9, 10))

	// Wraparound: cur has wrapped past 2^32 while thr has not.
	var cur uint32 = 5
	var thr uint32 = math32Max - 3
	assert.True(t, Expired(cur, thr))
	cur = thr + 1
	assert.True(t, Expired(cur, thr))
}

const math32Max = 1<<32 - 1

func TestAllocFreeAllocRoundTrip(t *testing.T) {
	r := NewRegistry(4)
	sp, err := r.Alloc(context.Background())
	require.NoError(t, err)
	r.SetValue(sp, 7)
	r.SetThreshold(sp, 9)
	r.Free(sp)

	sp2, err := r.Alloc(context.Background())
	require.NoError(t, err)
	v, thr, irq, active := sp2.Snapshot()
	assert.Zero(t, v)
	assert.Equal(t, uint32(1), thr)
	assert.False(t, irq)
	assert.False(t, active)
}

func TestFenceListOrderedByThreshold(t *testing.T) {
	r := NewRegistry(1)
	sp, err := r.Alloc(context.Background())
	require.NoError(t, err)

	r.CreateFence(sp, 5)
	r.CreateFence(sp, 2)
	r.CreateFence(sp, 8)

	var last uint32
	for _, f := range sp.fences {
		assert.GreaterOrEqual(t, f.Threshold, last)
		last = f.Threshold
	}
}

func TestHandleStatusWordSignalsExpiredFences(t *testing.T) {
	r := NewRegistry(33)
	sp, err := r.Alloc(context.Background())
	require.NoError(t, err)

	fLow := r.CreateFence(sp, 3)
	fHigh := r.CreateFence(sp, 10)
	r.SetValue(sp, 5)

	r.HandleStatusWord(0, 1<<sp.ID())

	doneLow, errLow := fLow.Signalled()
	assert.True(t, doneLow)
	assert.NoError(t, errLow)

	doneHigh, _ := fHigh.Signalled()
	assert.False(t, doneHigh, "threshold 10 has not expired at value 5")

	v, _, irq, active := sp.Snapshot()
	assert.Equal(t, uint32(5), v)
	assert.True(t, irq, "interrupt stays armed while a fence remains")
	assert.True(t, active)
}

func TestHandleStatusWordSingleFenceSignalsUnconditionally(t *testing.T) {
	r := NewRegistry(1)
	sp, err := r.Alloc(context.Background())
	require.NoError(t, err)
	f := r.CreateFence(sp, 100) // never reached by value, but it's the only fence
	r.HandleStatusWord(0, 1<<sp.ID())
	done, err := f.Signalled()
	assert.True(t, done)
	assert.NoError(t, err)
	_, _, irq, active := sp.Snapshot()
	assert.False(t, irq)
	assert.False(t, active)
}

func TestResetSignalsRemainingFencesWithError(t *testing.T) {
	r := NewRegistry(1)
	sp, err := r.Alloc(context.Background())
	require.NoError(t, err)
	f := r.CreateFence(sp, 50)

	wantErr := assertErr{}
	r.Reset(sp, wantErr)

	done, gotErr := f.Signalled()
	assert.True(t, done)
	assert.Equal(t, wantErr, gotErr)

	v, thr, irq, active := sp.Snapshot()
	assert.Zero(t, v)
	assert.Equal(t, uint32(1), thr)
	assert.False(t, irq)
	assert.False(t, active)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestDetachFencesLeavesThemUnsignalled(t *testing.T) {
	r := NewRegistry(1)
	sp, err := r.Alloc(context.Background())
	require.NoError(t, err)
	f := r.CreateFence(sp, 1)

	detached := r.DetachFences(sp)
	require.Len(t, detached, 1)
	done, _ := f.Signalled()
	assert.False(t, done)
	assert.Empty(t, sp.fences)
}
