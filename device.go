// Package host1x implements the host1x job pipeline: channels, push
// buffers, sync points, GART residency, and the timeout/recovery path
// that together let a userspace client drive Tegra's shared hardware
// engines. Device is the single assembled entrypoint: one call to
// NewDevice wires every internal component together and starts the
// scheduler loop.
package host1x

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/assembler"
	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/constants"
	"github.com/ehrlich-b/go-host1x/internal/dump"
	"github.com/ehrlich-b/go-host1x/internal/gart"
	"github.com/ehrlich-b/go-host1x/internal/job"
	"github.com/ehrlich-b/go-host1x/internal/logging"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/recovery"
	"github.com/ehrlich-b/go-host1x/internal/scheduler"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

// SubmitDescriptor is the job a caller hands to Submit: which engine
// class its command stream targets, the gathers to copy, the BO table
// the gathers and relocations index into, and fence wiring.
type SubmitDescriptor = abi.SubmissionDescriptor

// SubmitResult is what Submit returns on success.
type SubmitResult = abi.SubmissionResult

// Client is an engine collaborator registered with the device at
// construction time. The recovery path invokes ResetHW on every
// client whose PipeBit is set in a hung job's pipe mask. It
// structurally satisfies recovery.Client.
type Client interface {
	PipeBit() uint32
	ResetHW() error
}

// DeviceState reports a Device's lifecycle stage.
type DeviceState string

const (
	DeviceStateCreated DeviceState = "created"
	DeviceStateRunning DeviceState = "running"
	DeviceStateStopped DeviceState = "stopped"
)

// DeviceParams configures a Device at construction time.
type DeviceParams struct {
	// NumChannels is how many hardware channels the device exposes.
	NumChannels int
	// ChannelPipes declares each channel's accepted pipe mask, by
	// index. A channel beyond len(ChannelPipes) (or the whole slice,
	// if empty) accepts every pipe.
	ChannelPipes []uint32

	PushBufferWords int
	NumSyncPoints   int

	GartSize       uint64
	DMABackingSize uint64
	SecurityLevel  int

	EntityTimeout time.Duration

	// Clients are the engine collaborators recovery notifies on a
	// hang. Additional clients may be added later with AddClient.
	Clients []Client
}

// DefaultParams returns sensible defaults: a single channel accepting
// every pipe, a full-size GART, and the recovery watchdog's default
// timeout.
func DefaultParams() DeviceParams {
	return DeviceParams{
		NumChannels:     1,
		PushBufferWords: constants.DefaultPushBufferWords,
		NumSyncPoints:   constants.MaxSyncPoints,
		GartSize:        constants.GartApertureSize,
		DMABackingSize:  constants.GartApertureSize,
		SecurityLevel:   constants.SecurityLevelReadOnlyBestEffort,
		EntityTimeout:   constants.DefaultEntityTimeout,
	}
}

// Options carries construction-time collaborators that aren't part of
// the device's steady-state configuration.
type Options struct {
	// Context bounds the scheduler's Run loop; cancelling it stops the
	// device. Defaults to context.Background().
	Context context.Context
	// Observer receives the same events Metrics does, for callers that
	// want to bridge into their own telemetry. Defaults to a
	// MetricsObserver wrapping the device's own Metrics.
	Observer Observer
}

var allPipes = classes.PipeHost1x | classes.Pipe2D | classes.Pipe3D | classes.PipeVIC | classes.PipeNVDec | classes.PipeNVEnc

// Device is the assembled job pipeline: every channel's push buffer
// and hardware adapter, the sync-point registry, the MLOCK table, the
// GART aperture, the scheduler core, and one recovery handler per
// channel.
type Device struct {
	mu sync.Mutex

	channels []*pushbuffer.Channel
	adapters map[int]pushbuffer.HardwareAdapter
	registry *syncpoint.Registry
	mlocks   *pushbuffer.MLockTable
	aperture *gart.Aperture
	backing  *gart.Backing
	core     *scheduler.Core

	contexts      map[uint32]*Context
	nextContextID uint32

	bos          map[uint32]*gart.BO
	nextBOHandle uint32

	fences          map[uint32]*syncpoint.Fence
	nextFenceHandle uint32

	syncpointOwners map[uint32]string

	// entities holds one submission Entity per (context, channel)
	// pair, keyed by context id then channel index. recoveryEntities
	// and recoveryHandlers hold the dedicated per-channel replay
	// entity recovery pushes survivors back onto (decision #3 in
	// DESIGN.md).
	entities         map[uint32]map[int]*scheduler.Entity
	recoveryEntities map[int]*scheduler.Entity
	recoveryHandlers map[int]*recovery.Handler

	clients []Client

	entityTimeout time.Duration

	metrics  *Metrics
	observer Observer

	runCtx    context.Context
	runCancel context.CancelFunc

	started bool

	lastEvictions uint64
	lastWaits     uint64
}

// NewDevice builds and starts a Device: every channel's writer and
// adapter, the shared sync-point/MLOCK/GART state, the scheduler core
// and its Run loop, and one recovery handler per channel. The
// scheduler loop runs in a background goroutine until the device is
// closed or the options context is cancelled.
func NewDevice(params DeviceParams, options *Options) (*Device, error) {
	if params.NumChannels <= 0 {
		params.NumChannels = 1
	}
	if params.PushBufferWords <= 0 {
		params.PushBufferWords = constants.DefaultPushBufferWords
	}
	if params.EntityTimeout <= 0 {
		params.EntityTimeout = constants.DefaultEntityTimeout
	}
	if params.GartSize == 0 {
		params.GartSize = constants.GartApertureSize
	}
	if params.DMABackingSize == 0 {
		params.DMABackingSize = params.GartSize
	}

	if options == nil {
		options = &Options{}
	}
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}

	adapter := pushbuffer.NewSimAdapter(params.NumChannels)
	channels := make([]*pushbuffer.Channel, params.NumChannels)
	adapters := make(map[int]pushbuffer.HardwareAdapter, params.NumChannels)
	for i := 0; i < params.NumChannels; i++ {
		pipes := allPipes
		if i < len(params.ChannelPipes) {
			pipes = params.ChannelPipes[i]
		}
		ch := &pushbuffer.Channel{
			Index:         i,
			Writer:        pushbuffer.NewWriter(params.PushBufferWords),
			AcceptedPipes: pipes,
			RingAddr:      gart.RingBaseAddr(i),
		}
		if err := adapter.Init(ch); err != nil {
			return nil, WrapError("new_device", err)
		}
		channels[i] = ch
		adapters[i] = adapter
	}

	registry := syncpoint.NewRegistry(params.NumSyncPoints)
	mlocks := pushbuffer.NewMLockTable()
	aperture := gart.NewAperture(gart.Config{Size: params.GartSize, SecurityLevel: params.SecurityLevel})
	backing := gart.NewBacking(params.DMABackingSize)
	core := scheduler.NewCore(channels, adapters, registry, mlocks)

	job.SetWordsReleaser(assembler.PutBuffer)

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	runCtx, cancel := context.WithCancel(ctx)

	d := &Device{
		channels:         channels,
		adapters:         adapters,
		registry:         registry,
		mlocks:           mlocks,
		aperture:         aperture,
		backing:          backing,
		core:             core,
		contexts:         make(map[uint32]*Context),
		bos:              make(map[uint32]*gart.BO),
		fences:           make(map[uint32]*syncpoint.Fence),
		syncpointOwners:  make(map[uint32]string),
		entities:         make(map[uint32]map[int]*scheduler.Entity),
		recoveryEntities: make(map[int]*scheduler.Entity),
		recoveryHandlers: make(map[int]*recovery.Handler),
		clients:          append([]Client{}, params.Clients...),
		entityTimeout:    params.EntityTimeout,
		metrics:          metrics,
		observer:         observer,
		runCtx:           runCtx,
		runCancel:        cancel,
		started:          true,
	}

	recoveryClients := make([]recovery.Client, len(d.clients))
	for i, c := range d.clients {
		recoveryClients[i] = c
	}

	for _, ch := range channels {
		entity := core.EntityFor(ch)
		d.recoveryEntities[ch.Index] = entity
		d.recoveryHandlers[ch.Index] = recovery.NewHandler(ch, adapters[ch.Index], registry, mlocks, core, entity, recoveryClients)
	}

	core.OnPush = d.onJobPushed
	core.OnRetire = d.onJobRetired

	go core.Run(runCtx)

	return d, nil
}

// AddClient registers an engine collaborator for future recovery
// notifications. Clients registered before NewDevice returns (via
// DeviceParams.Clients) are wired into every channel's recovery
// handler at construction; clients added afterward are recorded on
// the device but are not passed to handlers already built.
func (d *Device) AddClient(c Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients = append(d.clients, c)
}

// State reports the device's lifecycle state.
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}
	select {
	case <-d.runCtx.Done():
		return DeviceStateStopped
	default:
	}
	if !d.started {
		return DeviceStateCreated
	}
	return DeviceStateRunning
}

// IsRunning reports whether the scheduler loop is still active.
func (d *Device) IsRunning() bool { return d.State() == DeviceStateRunning }

// NumChannels returns the number of hardware channels the device
// exposes.
func (d *Device) NumChannels() int { return len(d.channels) }

// Metrics returns the device's metrics collector.
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of device metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Close stops the scheduler loop and marks metrics stopped. It does
// not wait for in-flight jobs to retire; callers that need a clean
// drain should Wait on every open Context first.
func (d *Device) Close() {
	d.runCancel()
	d.metrics.Stop()
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// NewContext opens a fresh submission context.
func (d *Device) NewContext() *Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextContextID++
	c := newContext(d.nextContextID)
	d.contexts[c.id] = c
	return c
}

// CloseContext drops a context and its cached submission entities.
// Jobs already pushed continue to completion; this only stops new
// lookups of the context id from Submit.
func (d *Device) CloseContext(c *Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contexts, c.id)
	delete(d.entities, c.id)
}

func (d *Device) context(id uint32) (*Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[id]
	return c, ok
}

// AllocBO allocates a buffer object of size bytes, contiguous unless
// scattered is requested, and returns the handle SubmitDescriptor's BO
// table and gather descriptors reference it by.
func (d *Device) AllocBO(size uint64, scattered bool) (uint32, error) {
	var flags gart.AllocFlag
	if scattered {
		flags = gart.AllocScattered
	}
	bo, err := d.aperture.Alloc(d.backing, size, flags)
	if err != nil {
		return 0, WrapError("alloc_bo", err)
	}
	d.mu.Lock()
	d.nextBOHandle++
	handle := d.nextBOHandle
	d.bos[handle] = bo
	d.mu.Unlock()
	return handle, nil
}

// WriteBO copies data into a BO's CPU-visible content at offset,
// starting at offset. It reports false if the handle is unknown or
// the write overruns the BO.
func (d *Device) WriteBO(handle uint32, offset uint64, data []byte) bool {
	bo, ok := d.Lookup(handle)
	if !ok {
		return false
	}
	return bo.WriteBytes(offset, data)
}

// ReadBO copies n bytes out of a BO's CPU-visible content starting at
// offset.
func (d *Device) ReadBO(handle uint32, offset, n uint64) ([]byte, bool) {
	bo, ok := d.Lookup(handle)
	if !ok {
		return nil, false
	}
	return bo.ReadBytes(offset, n)
}

// Lookup implements assembler.BOLookup over the device's live BO
// table.
func (d *Device) Lookup(handle uint32) (*gart.BO, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bo, ok := d.bos[handle]
	return bo, ok
}

func (d *Device) mapRequests(refs []abi.BORef) ([]gart.MapRequest, error) {
	reqs := make([]gart.MapRequest, 0, len(refs))
	for _, r := range refs {
		bo, ok := d.Lookup(r.Handle)
		if !ok {
			return nil, NewError("submit", ErrInvalidArgument, "submission references unknown BO handle")
		}
		reqs = append(reqs, gart.MapRequest{BO: bo, Write: r.Flags&abi.BOFlagWrite != 0})
	}
	return reqs, nil
}

// WaitFence blocks until the out-fence named by handle (an
// OutFenceHandle a prior Submit returned) signals, or ctx is done.
func (d *Device) WaitFence(ctx context.Context, handle uint32) error {
	d.mu.Lock()
	f, ok := d.fences[handle]
	d.mu.Unlock()
	if !ok {
		return NewError("wait_fence", ErrInvalidArgument, "unknown fence handle")
	}
	return f.Wait(ctx)
}

func (d *Device) registerFence(f *syncpoint.Fence) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFenceHandle++
	h := d.nextFenceHandle
	d.fences[h] = f
	return h
}

// Submit is the job submission entrypoint, fused with the assembler
// and GART mapping: it copies
// the caller's gathers into a pooled command buffer headed by a
// SETCLASS for the requested engine, appends the job's own completion
// increment(s) addressed to a freshly-allocated sync point (decision
// #6 in DESIGN.md, since the caller cannot know that id in advance),
// firewalls and relocates the stream, maps the job's BOs into the
// GART, and hands the assembled job to the scheduler entity feeding
// the channel that best matches the engine's pipe.
func (d *Device) Submit(ctx context.Context, desc SubmitDescriptor) (SubmitResult, error) {
	cctx, ok := d.context(desc.ContextID)
	if !ok {
		d.reject()
		return SubmitResult{}, NewError("submit", ErrInvalidArgument, "unknown context id")
	}

	pipes := classes.PipeBit(classes.ID(desc.EngineClass))
	ch, err := d.core.PickChannel(pipes)
	if err != nil {
		d.reject()
		return SubmitResult{}, WrapError("submit", err)
	}

	sp, err := d.registry.Alloc(ctx)
	if err != nil {
		d.reject()
		return SubmitResult{}, WrapError("submit", err)
	}

	j := job.New(desc.ContextID, pipes, sp, d.registry, d.aperture, cctx)

	words, err := assembler.CopyUserGathers(classes.ID(desc.EngineClass), d, desc.Gathers)
	if err != nil {
		d.registry.Free(sp)
		d.reject()
		return SubmitResult{}, WrapError("submit", err)
	}

	numIncrs := desc.Syncpt.NumIncrs
	if numIncrs == 0 {
		numIncrs = 1
	}
	for i := uint32(0); i < numIncrs; i++ {
		words = append(words, abi.NewImm(abi.IncrSyncptReg, abi.SyncptIncrPayload(abi.CondOpDone, uint16(sp.ID()))))
	}

	result, err := assembler.ValidateAndPatch(words, desc.Relocs, d, sp.ID())
	if err != nil {
		assembler.PutBuffer(words)
		d.registry.Free(sp)
		d.reject()
		return SubmitResult{}, WrapError("submit", err)
	}
	j.Words = result.Words
	j.Pipes = result.Pipes
	j.NumIncrs = result.NumIncrs
	j.CmdBuf = gart.NewCommandBufferBO(result.Words)

	reqs, err := d.mapRequests(desc.BOs)
	if err != nil {
		assembler.PutBuffer(j.Words)
		d.registry.Free(sp)
		d.reject()
		return SubmitResult{}, WrapError("submit", err)
	}
	mapping, err := d.aperture.JobMap(ctx, reqs)
	if err != nil {
		assembler.PutBuffer(j.Words)
		d.registry.Free(sp)
		d.reject()
		return SubmitResult{}, WrapError("submit", err)
	}
	j.Mapping = mapping
	d.sampleGartMetrics()

	if desc.HasInFence {
		if f, ok := d.lookupFence(desc.InFenceHandle); ok {
			j.PreFences = append(j.PreFences, f)
		}
	}

	threshold := result.NumIncrs + 1
	var outFenceHandle uint32
	if desc.WantOutFence {
		outFenceHandle = d.registerFence(d.registry.CreateFence(sp, threshold))
	}

	d.mu.Lock()
	d.syncpointOwners[sp.ID()] = classNameFor(desc.EngineClass)
	d.mu.Unlock()

	cctx.addActive()
	entity := d.entityFor(desc.ContextID, ch)
	entity.Push(j)

	d.metrics.RecordSubmit()
	d.observer.ObserveSubmit()
	depth := entity.Len()
	d.metrics.RecordQueueDepth(uint32(depth))
	d.observer.ObserveQueueDepth(uint32(depth))

	return SubmitResult{
		SyncPointID:    sp.ID(),
		PostFenceValue: threshold,
		OutFenceHandle: outFenceHandle,
	}, nil
}

func (d *Device) lookupFence(handle uint32) (*syncpoint.Fence, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[handle]
	return f, ok
}

func (d *Device) entityFor(contextID uint32, ch *pushbuffer.Channel) *scheduler.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	perChannel, ok := d.entities[contextID]
	if !ok {
		perChannel = make(map[int]*scheduler.Entity)
		d.entities[contextID] = perChannel
	}
	e, ok := perChannel[ch.Index]
	if !ok {
		e = d.core.EntityFor(ch)
		perChannel[ch.Index] = e
	}
	return e
}

func (d *Device) reject() {
	d.metrics.RecordReject()
	d.observer.ObserveReject()
}

// onJobPushed is wired to scheduler.Core.OnPush (decision #4 in
// DESIGN.md). For the simulated adapter it also stands in for the
// interrupt a real channel would raise on completion (decision #5):
// SimAdapter.Submit advances DMAGET immediately but has no notion of
// sync points, so nothing else ever drives the registry's completion
// dispatch for it.
func (d *Device) onJobPushed(ch *pushbuffer.Channel, j *job.Job) {
	if _, ok := d.adapters[ch.Index].(*pushbuffer.SimAdapter); ok {
		threshold := j.NumIncrs + 1
		d.registry.SetValue(j.SyncPoint, threshold)
		baseID := (j.SyncPoint.ID() / constants.StatusWordSyncPoints) * constants.StatusWordSyncPoints
		bit := j.SyncPoint.ID() % constants.StatusWordSyncPoints
		d.registry.HandleStatusWord(baseID, 1<<bit)
	}

	handler := d.recoveryHandlers[ch.Index]
	if handler == nil {
		return
	}
	go d.watch(j, handler)
}

// watch arms a job's watchdog. WatchOnce returns nil both when the
// job's own fence signals normally and after a successful recovery,
// so a before/after karma delta is the only way to tell which
// happened (decision #7 in DESIGN.md).
func (d *Device) watch(j *job.Job, handler *recovery.Handler) {
	before := handler.Karma(j.ContextID)
	if err := handler.WatchOnce(d.runCtx, j, d.entityTimeout); err != nil {
		logging.Default().Debug("host1x: watch ended without recovery", "err", err)
		return
	}
	if handler.Karma(j.ContextID) > before {
		d.metrics.RecordChannelTimeout()
		d.metrics.RecordRecovered()
		d.observer.ObserveRecovered()
	}
}

// onJobRetired is wired to scheduler.Core.OnRetire: it records the
// job's submit-to-retire latency and drops the caller's reference,
// which schedules the six-step destructor onto the job worker pool.
func (d *Device) onJobRetired(j *job.Job) {
	d.metrics.RecordGather(uint64(len(j.Words)) * 4)
	var latencyNs uint64
	if !j.PushedAt.IsZero() {
		latencyNs = uint64(time.Since(j.PushedAt).Nanoseconds())
	}
	d.metrics.RecordComplete(latencyNs)
	d.observer.ObserveComplete(latencyNs)
	j.Release()
}

// sampleGartMetrics mirrors the aperture's cumulative eviction/wait
// counters into the device's own metrics as deltas (decision #7 in
// DESIGN.md): Aperture has no per-event hook, so Device samples once
// per Submit instead of threading a callback through every internal
// eviction site.
func (d *Device) sampleGartMetrics() {
	evictions := d.aperture.EvictionCount()
	waits := d.aperture.WaitCount()

	d.mu.Lock()
	deltaE := evictions - d.lastEvictions
	deltaW := waits - d.lastWaits
	d.lastEvictions = evictions
	d.lastWaits = waits
	d.mu.Unlock()

	for i := uint64(0); i < deltaE; i++ {
		d.metrics.RecordGartEviction()
	}
	for i := uint64(0); i < deltaW; i++ {
		d.metrics.RecordGartWait()
	}
}

// Dump renders the full device state for debugging: every channel's
// decoded push-buffer contents, every in-use sync point, and every
// MLOCK's ownership.
func (d *Device) Dump() string {
	d.mu.Lock()
	views := make([]dump.ChannelView, len(d.channels))
	for i, ch := range d.channels {
		views[i] = dump.ChannelView{Channel: ch, Adapter: d.adapters[ch.Index]}
	}
	owners := make(map[uint32]string, len(d.syncpointOwners))
	for k, v := range d.syncpointOwners {
		owners[k] = v
	}
	d.mu.Unlock()

	return dump.Dump(views, d.registry, d.mlocks, func(id uint32) string { return owners[id] })
}

func classNameFor(class uint16) string {
	switch classes.ID(class) {
	case classes.Host1x:
		return "HOST1X"
	case classes.Gr2D:
		return "GR2D"
	case classes.Gr3D:
		return "GR3D"
	case classes.VIC:
		return "VIC"
	case classes.NVDec:
		return "NVDEC"
	case classes.NVEnc:
		return "NVENC"
	default:
		return fmt.Sprintf("%#x", class)
	}
}

var _ assembler.BOLookup = (*Device)(nil)
