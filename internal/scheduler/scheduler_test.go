package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/gart"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
	"github.com/ehrlich-b/go-host1x/internal/job"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

func TestPickChannelRatesByPopcountAndShortCircuits(t *testing.T) {
	channels := []*pushbuffer.Channel{
		{Index: 0, AcceptedPipes: classes.Pipe2D | classes.Pipe3D | classes.PipeVIC},
		{Index: 1, AcceptedPipes: classes.Pipe2D},
	}
	ch, err := pickChannel(channels, classes.Pipe2D)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Index, "exact-match channel should win over a broader superset")
}

func TestPickChannelFailsWhenNoneAcceptFullMask(t *testing.T) {
	channels := []*pushbuffer.Channel{{Index: 0, AcceptedPipes: classes.Pipe2D}}
	_, err := pickChannel(channels, classes.Pipe2D|classes.Pipe3D)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.NoSuitableChannel))
}

func TestPickChannelFailsOnZeroPipeMask(t *testing.T) {
	channels := []*pushbuffer.Channel{{Index: 0, AcceptedPipes: classes.Pipe2D | classes.Pipe3D | classes.PipeVIC}}
	_, err := pickChannel(channels, 0)
	require.Error(t, err, "a zero pipe mask must never match vacuously")
	assert.True(t, hosterr.Is(err, hosterr.NoSuitableChannel))
}

func newTestChannel(idx int) (*pushbuffer.Channel, *pushbuffer.SimAdapter) {
	ch := &pushbuffer.Channel{Index: idx, Writer: pushbuffer.NewWriter(256), AcceptedPipes: classes.Pipe2D, RingAddr: gart.RingBaseAddr(idx)}
	adapter := pushbuffer.NewSimAdapter(1)
	return ch, adapter
}

// heldAdapter accepts every submit without advancing the ring's read
// cursor, so Writer.Snapshot still lists every word pushJob wrote.
type heldAdapter struct{ *pushbuffer.SimAdapter }

func (heldAdapter) Submit(*pushbuffer.Channel, uint32) error { return nil }

func newTestJob(t *testing.T, registry *syncpoint.Registry) *job.Job {
	t.Helper()
	sp, err := registry.Alloc(context.Background())
	require.NoError(t, err)
	words := []abi.Word{
		abi.NewSetClass(uint16(classes.Gr2D), 0xffff),
		abi.NewImm(abi.IncrSyncptReg, abi.SyncptIncrPayload(abi.CondOpDone, uint16(sp.ID()))),
	}
	j := job.New(1, classes.Pipe2D, sp, registry, nil, nil)
	j.Words = words
	j.NumIncrs = 1
	j.CmdBuf = gart.NewCommandBufferBO(words)
	return j
}

func TestPushJobPublishesDMAPUTAndSignalsFence(t *testing.T) {
	ch, adapter := newTestChannel(0)
	registry := syncpoint.NewRegistry(4)
	mlocks := pushbuffer.NewMLockTable()
	core := NewCore([]*pushbuffer.Channel{ch}, map[int]pushbuffer.HardwareAdapter{0: adapter}, registry, mlocks)

	j := newTestJob(t, registry)
	require.NoError(t, core.pushJob(ch, j))

	require.NotNil(t, j.OutFence)
	dmaget, err := adapter.DMAGet(ch)
	require.NoError(t, err)
	assert.Equal(t, ch.Writer.Put(), dmaget, "sim adapter advances DMAGET to the published DMAPUT")

	registry.SetValue(j.SyncPoint, j.NumIncrs+1)
	handled := registry.HandleStatusWord(0, 1<<j.SyncPoint.ID())
	assert.NotEqual(t, uint32(0), handled&(1<<j.SyncPoint.ID()))
	signalled, err := j.OutFence.Signalled()
	assert.True(t, signalled)
	assert.NoError(t, err)
}

func TestPushJobRestartsIntoCommandBufferAndBack(t *testing.T) {
	ch, adapter := newTestChannel(0)
	registry := syncpoint.NewRegistry(4)
	mlocks := pushbuffer.NewMLockTable()
	core := NewCore([]*pushbuffer.Channel{ch}, map[int]pushbuffer.HardwareAdapter{0: heldAdapter{adapter}}, registry, mlocks)

	j := newTestJob(t, registry)
	require.NoError(t, core.pushJob(ch, j))

	ring := ch.Writer.Snapshot()
	require.NotEmpty(t, ring)
	require.Equal(t, abi.OpRestart, ring[0].Op(), "the ring must RESTART into the job's command buffer rather than inline its words")
	cmdBufAddr, ok := j.CmdBuf.DMAAddr()
	require.True(t, ok)
	assert.Equal(t, uint32(cmdBufAddr), ring[0].RestartAddr())

	tailOffset := uint64(len(j.Words)) * 4
	raw, ok := j.CmdBuf.ReadBytes(tailOffset, 4)
	require.True(t, ok)
	tailWord := abi.Word(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
	require.Equal(t, abi.OpRestart, tailWord.Op(), "the command buffer's own tail must RESTART back to the ring")

	resumeIdx := -1
	for i, word := range ring {
		if i > 0 && word.Op() == abi.OpImm {
			resumeIdx = i
			break
		}
	}
	require.NotEqual(t, -1, resumeIdx, "ring must contain the trailing increment/wait words the command buffer resumes into")
	assert.Equal(t, ch.RingAddr+uint64(resumeIdx)*4, uint64(tailWord.RestartAddr()))
}

func TestEntityDrainsInOrderRespectingDependencies(t *testing.T) {
	ch, adapter := newTestChannel(0)
	registry := syncpoint.NewRegistry(4)
	mlocks := pushbuffer.NewMLockTable()
	core := NewCore([]*pushbuffer.Channel{ch}, map[int]pushbuffer.HardwareAdapter{0: adapter}, registry, mlocks)
	entity := core.EntityFor(ch)

	blocker, err := registry.Alloc(context.Background())
	require.NoError(t, err)
	gateFence := registry.CreateFence(blocker, 1)

	j1 := newTestJob(t, registry)
	j1.PreFences = []*syncpoint.Fence{gateFence}
	j2 := newTestJob(t, registry)

	entity.Push(j1)
	entity.Push(j2)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go core.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, entity.Len(), "both jobs remain queued while j1's dependency is unresolved")

	registry.SetValue(blocker, 1)
	registry.HandleStatusWord(0, 1<<blocker.ID())

	require.Eventually(t, func() bool { return entity.Len() == 0 }, time.Second, 5*time.Millisecond)
}
