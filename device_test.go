package host1x

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/classes"
)

func TestSubmitSingleJobCompletes(t *testing.T) {
	d, err := NewTestDevice()
	require.NoError(t, err)
	defer d.Close()

	cctx := d.NewContext()

	src, err := d.AllocBO(64, false)
	require.NoError(t, err)

	desc := SubmitDescriptor{
		ContextID:   cctx.ID(),
		EngineClass: uint16(classes.Gr2D),
		Gathers: []abi.GatherDescriptor{
			{Handle: src, Offset: 0, Words: 0},
		},
		WantOutFence: true,
		Syncpt:       abi.SyncptIncr{NumIncrs: 1},
	}

	res, err := d.Submit(context.Background(), desc)
	require.NoError(t, err)
	assert.NotZero(t, res.SyncPointID)
	assert.NotZero(t, res.OutFenceHandle)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.WaitFence(ctx, res.OutFenceHandle))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, cctx.Wait(waitCtx, 1))

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.JobsSubmitted)
}

func TestContextWaitThresholdBelowTotalSubmitted(t *testing.T) {
	d, err := NewTestDevice()
	require.NoError(t, err)
	defer d.Close()

	cctx := d.NewContext()
	for i := 0; i < 3; i++ {
		src, err := d.AllocBO(16, false)
		require.NoError(t, err)
		desc := SubmitDescriptor{
			ContextID:   cctx.ID(),
			EngineClass: uint16(classes.Gr2D),
			Gathers:     []abi.GatherDescriptor{{Handle: src, Offset: 0, Words: 0}},
			Syncpt:      abi.SyncptIncr{NumIncrs: 1},
		}
		_, err = d.Submit(context.Background(), desc)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cctx.Wait(ctx, 2), "a threshold below the total submitted count must not require every job to finish")
	assert.GreaterOrEqual(t, cctx.CompletedJobs(), uint64(2))
}

func TestSubmitUnknownContextRejects(t *testing.T) {
	d, err := NewTestDevice()
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Submit(context.Background(), SubmitDescriptor{ContextID: 99, EngineClass: uint16(classes.Gr2D)})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrInvalidArgument))

	snap := d.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.JobsRejected)
}

func TestSubmitUnknownBOHandleRejects(t *testing.T) {
	d, err := NewTestDevice()
	require.NoError(t, err)
	defer d.Close()

	cctx := d.NewContext()
	desc := SubmitDescriptor{
		ContextID:   cctx.ID(),
		EngineClass: uint16(classes.Gr2D),
		BOs:         []abi.BORef{{Handle: 12345}},
	}
	_, err = d.Submit(context.Background(), desc)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrInvalidArgument))
}

func TestSubmitPicksChannelByEngineClass(t *testing.T) {
	params := DefaultParams()
	params.PushBufferWords = 512
	params.NumSyncPoints = 16
	params.GartSize = 1 << 20
	params.DMABackingSize = 1 << 20
	params.NumChannels = 2
	params.ChannelPipes = []uint32{classes.Pipe2D, classes.Pipe3D}

	d, err := NewDevice(params, nil)
	require.NoError(t, err)
	defer d.Close()

	cctx := d.NewContext()
	src, err := d.AllocBO(16, false)
	require.NoError(t, err)

	desc := SubmitDescriptor{
		ContextID:   cctx.ID(),
		EngineClass: uint16(classes.Gr3D),
		Gathers:     []abi.GatherDescriptor{{Handle: src, Offset: 0, Words: 0}},
	}
	_, err = d.Submit(context.Background(), desc)
	require.NoError(t, err)
}

func TestDumpIncludesSyncPointOwner(t *testing.T) {
	d, err := NewTestDevice()
	require.NoError(t, err)
	defer d.Close()

	cctx := d.NewContext()
	src, err := d.AllocBO(16, false)
	require.NoError(t, err)
	desc := SubmitDescriptor{
		ContextID:   cctx.ID(),
		EngineClass: uint16(classes.Gr2D),
		Gathers:     []abi.GatherDescriptor{{Handle: src, Offset: 0, Words: 0}},
	}
	_, err = d.Submit(context.Background(), desc)
	require.NoError(t, err)

	out := d.Dump()
	assert.Contains(t, out, "GR2D")
}

func TestAddClientDoesNotResetClient(t *testing.T) {
	d, err := NewTestDevice()
	require.NoError(t, err)
	defer d.Close()

	client := NewMockClient(classes.Pipe2D)
	d.AddClient(client)
	assert.Equal(t, int32(0), client.Resets())
}

func TestDeviceStateTransitions(t *testing.T) {
	d, err := NewTestDevice()
	require.NoError(t, err)
	assert.True(t, d.IsRunning())
	d.Close()
	assert.Equal(t, DeviceStateStopped, d.State())
}
