package host1x

import "sync/atomic"

// MockClient is a minimal Client for tests: it records how many times
// ResetHW was called and lets the test assign an arbitrary pipe bit.
type MockClient struct {
	pipe    uint32
	resets  atomic.Int32
	failNext atomic.Bool
}

// NewMockClient returns a client owning pipe, with no reset history.
func NewMockClient(pipe uint32) *MockClient {
	return &MockClient{pipe: pipe}
}

func (m *MockClient) PipeBit() uint32 { return m.pipe }

// ResetHW records the call and succeeds unless FailNextReset was set.
func (m *MockClient) ResetHW() error {
	m.resets.Add(1)
	if m.failNext.CompareAndSwap(true, false) {
		return NewError("reset_hw", ErrBusy, "mock reset failure")
	}
	return nil
}

// Resets reports how many times ResetHW has been called.
func (m *MockClient) Resets() int32 { return m.resets.Load() }

// FailNextReset makes the next ResetHW call return an error, to
// exercise the recovery path's handling of a client that won't come
// back.
func (m *MockClient) FailNextReset() { m.failNext.Store(true) }

// NewTestDevice builds a fully wired single-channel Device with
// sensible small defaults, for tests that don't care about sizing.
// The caller is responsible for calling Close when done.
func NewTestDevice() (*Device, error) {
	params := DefaultParams()
	params.PushBufferWords = 1024
	params.NumSyncPoints = 32
	params.GartSize = 4 << 20
	params.DMABackingSize = 4 << 20
	return NewDevice(params, nil)
}
