package pushbuffer

import "github.com/ehrlich-b/go-host1x/internal/logging"

// SimAdapter is an in-process simulation of channel hardware: Submit
// immediately advances DMAGET to the submitted DMAPUT, as if DMA
// fetched and executed instantaneously. It is the default adapter for
// tests and the CLI.
type SimAdapter struct {
	logger *logging.Logger
	dmaget []uint32 // per-channel, indexed by Channel.Index
}

// NewSimAdapter creates a simulated hardware adapter for nChannels
// channels.
func NewSimAdapter(nChannels int) *SimAdapter {
	return &SimAdapter{logger: logging.Default(), dmaget: make([]uint32, nChannels)}
}

func (s *SimAdapter) Init(ch *Channel) error {
	s.ensure(ch.Index)
	s.dmaget[ch.Index] = ch.Writer.Get()
	s.logger.Debug("pushbuffer: sim init", "channel", ch.Index)
	return nil
}

func (s *SimAdapter) Submit(ch *Channel, put uint32) error {
	s.ensure(ch.Index)
	s.dmaget[ch.Index] = put
	ch.Writer.AdvanceGet(put)
	return nil
}

func (s *SimAdapter) Reset(ch *Channel) error {
	s.ensure(ch.Index)
	ch.Writer.Reset()
	s.dmaget[ch.Index] = 0
	s.logger.Debug("pushbuffer: sim reset", "channel", ch.Index)
	return nil
}

func (s *SimAdapter) Teardown(ch *Channel) error {
	return s.Reset(ch)
}

func (s *SimAdapter) DMAGet(ch *Channel) (uint32, error) {
	s.ensure(ch.Index)
	return s.dmaget[ch.Index], nil
}

func (s *SimAdapter) ensure(idx int) {
	for len(s.dmaget) <= idx {
		s.dmaget = append(s.dmaget, 0)
	}
}

var _ HardwareAdapter = (*SimAdapter)(nil)
