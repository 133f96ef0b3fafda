package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
	"github.com/ehrlich-b/go-host1x/internal/job"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

type fakeScheduler struct {
	quiesced  int
	inflight  []*job.Job
}

func (f *fakeScheduler) Quiesce(ch *pushbuffer.Channel) func() {
	f.quiesced++
	return func() {}
}

func (f *fakeScheduler) PopInflightHead(chIndex int) (*job.Job, bool) {
	if len(f.inflight) == 0 {
		return nil, false
	}
	head := f.inflight[0]
	f.inflight = f.inflight[1:]
	return head, true
}

func (f *fakeScheduler) InflightJobs(chIndex int) []*job.Job {
	out := f.inflight
	f.inflight = nil
	return out
}

type fakeEntity struct {
	front []*job.Job
}

func (e *fakeEntity) PushFront(jobs []*job.Job) { e.front = append(jobs, e.front...) }

type fakeClient struct {
	pipe   uint32
	resets int
}

func (c *fakeClient) PipeBit() uint32 { return c.pipe }
func (c *fakeClient) ResetHW() error  { c.resets++; return nil }

func newHungJob(t *testing.T, registry *syncpoint.Registry) *job.Job {
	t.Helper()
	sp, err := registry.Alloc(context.Background())
	require.NoError(t, err)
	j := job.New(7, classes.Pipe2D, sp, registry, nil, nil)
	j.OutFence = registry.CreateFence(sp, 1)
	return j
}

func TestOnTimeoutSignalsNoSpuriousSuccessAndResetsClients(t *testing.T) {
	registry := syncpoint.NewRegistry(4)
	mlocks := pushbuffer.NewMLockTable()
	require.NoError(t, mlocks.Acquire(0, 0))

	ch := &pushbuffer.Channel{Index: 0, Writer: pushbuffer.NewWriter(64), AcceptedPipes: classes.Pipe2D}
	adapter := pushbuffer.NewSimAdapter(1)
	sched := &fakeScheduler{}
	entity := &fakeEntity{}
	client2D := &fakeClient{pipe: classes.Pipe2D}
	client3D := &fakeClient{pipe: classes.Pipe3D}

	hung := newHungJob(t, registry)
	survivor := job.New(8, classes.Pipe2D, mustAlloc(t, registry), registry, nil, nil)
	sched.inflight = []*job.Job{hung, survivor}

	h := NewHandler(ch, adapter, registry, mlocks, sched, entity, []Client{client2D, client3D})
	require.NoError(t, h.OnTimeout(hung))

	assert.Equal(t, 1, sched.quiesced)
	signalled, err := hung.OutFence.Signalled()
	assert.True(t, signalled, "a caller waiting on the hung job's fence must be woken, not left hanging")
	assert.True(t, hosterr.Is(err, hosterr.TimedOut), "fence must signal with TimedOut, not success")
	assert.Equal(t, 1, client2D.resets, "client on the hung job's pipe must be reset")
	assert.Equal(t, 0, client3D.resets, "client off the hung job's pipe must not be reset")
	assert.Equal(t, -1, mlocks.Owner(0), "mlocks owned by the channel are released")
	assert.Equal(t, 1, h.Karma(hung.ContextID))
	require.Len(t, entity.front, 1)
	assert.Same(t, survivor, entity.front[0])

	value, threshold, interrupt, _ := hung.SyncPoint.Snapshot()
	assert.Equal(t, uint32(0), value)
	assert.Equal(t, uint32(1), threshold)
	assert.False(t, interrupt)
}

func TestWatchOnceReturnsNilWhenFenceSignalsInTime(t *testing.T) {
	registry := syncpoint.NewRegistry(4)
	mlocks := pushbuffer.NewMLockTable()
	ch := &pushbuffer.Channel{Index: 0, Writer: pushbuffer.NewWriter(64), AcceptedPipes: classes.Pipe2D}
	adapter := pushbuffer.NewSimAdapter(1)
	sched := &fakeScheduler{}
	entity := &fakeEntity{}
	h := NewHandler(ch, adapter, registry, mlocks, sched, entity, nil)

	j := newHungJob(t, registry)
	go func() {
		time.Sleep(5 * time.Millisecond)
		registry.SetValue(j.SyncPoint, 1)
		registry.HandleStatusWord(0, 1<<j.SyncPoint.ID())
	}()

	err := h.WatchOnce(context.Background(), j, 200*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 0, sched.quiesced, "no recovery should run when the fence signals before the timeout")
}

func mustAlloc(t *testing.T, registry *syncpoint.Registry) *syncpoint.SyncPoint {
	t.Helper()
	sp, err := registry.Alloc(context.Background())
	require.NoError(t, err)
	return sp
}
