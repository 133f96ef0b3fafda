package pushbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-host1x/internal/abi"
)

func TestPushAdvancesPut(t *testing.T) {
	w := NewWriter(8)
	start := w.Put()
	require.NoError(t, w.Push(abi.NewIncr(0, 0)))
	assert.Equal(t, (start+1)%8, w.Put())
	assert.Equal(t, uint64(1), w.Pushes())
}

func TestPushReportsBusyWhenFull(t *testing.T) {
	w := NewWriter(8) // 1 word reserved for RESTART tail, 1 more kept empty to disambiguate full/empty
	for i := 0; i < 6; i++ {
		require.NoError(t, w.Push(abi.NewNonIncr(0, 0)))
	}
	err := w.Push(abi.NewNonIncr(0, 0))
	assert.Error(t, err, "ring should report Busy once full")
}

func TestPrepareInsertsNOPsAcrossWrap(t *testing.T) {
	w := NewWriter(8) // 7 words usable
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Push(abi.NewNonIncr(0, 0)))
	}
	w.AdvanceGet(5) // hardware has already consumed everything pushed so far
	require.NoError(t, w.Prepare(3))
	assert.Zero(t, w.Put(), "prepare should have jumped put back to ring start")
}

func TestAlignPushesToBoundary(t *testing.T) {
	w := NewWriter(64)
	require.NoError(t, w.Push(abi.NewNonIncr(0, 0)))
	require.NoError(t, w.Align(16))
	assert.Zero(t, w.Put()%4, "16-byte alignment is 4 words")
}

func TestResetReturnsToIdle(t *testing.T) {
	w := NewWriter(16)
	require.NoError(t, w.Push(abi.NewNonIncr(0, 0)))
	w.Reset()
	assert.Zero(t, w.Put())
	assert.Zero(t, w.Get())
	assert.Zero(t, w.Pushes())
}

func TestSimAdapterSubmitAdvancesGet(t *testing.T) {
	w := NewWriter(32)
	ch := &Channel{Index: 0, Writer: w}
	a := NewSimAdapter(1)
	require.NoError(t, a.Init(ch))
	require.NoError(t, w.Push(abi.NewNonIncr(0, 0)))
	require.NoError(t, a.Submit(ch, w.Put()))
	got, err := a.DMAGet(ch)
	require.NoError(t, err)
	assert.Equal(t, w.Put(), got)
	assert.Zero(t, w.Pushes(), "AdvanceGet should have drained the outstanding push count")
}

func TestMLockTableAcquireReleaseAll(t *testing.T) {
	tbl := NewMLockTable()
	require.NoError(t, tbl.Acquire(0, 3))
	require.Error(t, tbl.Acquire(0, 4), "a second channel must not steal a held mlock")
	tbl.ReleaseAll(3)
	assert.Equal(t, -1, tbl.Owner(0))
	require.NoError(t, tbl.Acquire(0, 4))
}
