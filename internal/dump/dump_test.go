package dump

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

func TestDumpDecodesChannelOpcodesAndSyncPointsAndMLocks(t *testing.T) {
	w := pushbuffer.NewWriter(64)
	require.NoError(t, w.Prepare(6))
	require.NoError(t, w.Push(abi.NewSetClass(uint16(classes.Gr2D), 0x3)))
	require.NoError(t, w.Push(abi.NewIncr(0x1a, 1)))
	require.NoError(t, w.Push(abi.Word(0xdead0000)))
	require.NoError(t, w.Push(abi.NewGather(0, false, 0, 4)))
	require.NoError(t, w.Push(abi.Word(0x1000)))
	require.NoError(t, w.Push(abi.NewExtend(abi.ExtendAcquireMlock, 2)))

	ch := &pushbuffer.Channel{Index: 0, Writer: w, AcceptedPipes: classes.Pipe2D}
	adapter := pushbuffer.NewSimAdapter(1)
	require.NoError(t, adapter.Init(ch))

	registry := syncpoint.NewRegistry(4)
	sp, err := registry.Alloc(context.Background())
	require.NoError(t, err)
	registry.CreateFence(sp, 5)

	mlocks := pushbuffer.NewMLockTable()
	require.NoError(t, mlocks.Acquire(2, 0))

	out := Dump([]ChannelView{{Channel: ch, Adapter: adapter}}, registry, mlocks, func(id uint32) string {
		if id == sp.ID() {
			return "gr2d"
		}
		return ""
	})

	assert.Contains(t, out, "channel 0:")
	assert.Contains(t, out, "class=GR2D")
	assert.Contains(t, out, "SETCLASS class=GR2D mask=0x3")
	assert.Contains(t, out, "INCR offset=0x1a count=1")
	assert.Contains(t, out, "data=0xdead0000")
	assert.Contains(t, out, "GATHER offset=0x0")
	assert.Contains(t, out, "base=0x1000")
	assert.Contains(t, out, "EXTEND ACQUIRE_MLOCK index=2")
	assert.Contains(t, out, "sync points:")
	assert.Contains(t, out, `consumer="gr2d"`)
	assert.Contains(t, out, "threshold=5")
	assert.Contains(t, out, "mlocks:")
	assert.Contains(t, out, "mlock[2] owner=channel 0")
	assert.Contains(t, out, "mlock[0] free")
}

func TestDumpOmitsFreeSyncPoints(t *testing.T) {
	w := pushbuffer.NewWriter(32)
	ch := &pushbuffer.Channel{Index: 1, Writer: w}
	adapter := pushbuffer.NewSimAdapter(1)
	require.NoError(t, adapter.Init(ch))

	registry := syncpoint.NewRegistry(2)
	mlocks := pushbuffer.NewMLockTable()

	out := Dump([]ChannelView{{Channel: ch, Adapter: adapter}}, registry, mlocks, nil)
	assert.Contains(t, out, "(empty)")
	assert.Contains(t, out, "class=none")
	assert.NotContains(t, out, "sp[0]")
	assert.NotContains(t, out, "sp[1]")
}
