//go:build linux

package pushbuffer

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-host1x/internal/hosterr"
	"github.com/ehrlich-b/go-host1x/internal/logging"
)

// Register offsets within one channel's MMIO window, relative to the
// SoC's host1x channel aperture base. Names mirror the kernel's
// tegra_host1x channel register block.
const (
	regDMASTART = 0x00
	regDMAEND   = 0x04
	regDMAPUT   = 0x08
	regDMAGET   = 0x0c
	regDMACTRL  = 0x10

	dmactrlStop = 1 << 0
)

// MMIOAdapter drives real channel hardware over a memory-mapped
// register window: no cgo, direct unix.Mmap plus volatile-style word
// accesses via unsafe.Pointer offsets into the mapped region.
type MMIOAdapter struct {
	mu      sync.Mutex
	logger  *logging.Logger
	fd      int
	base    []byte
	strideBytes uintptr
}

// NewMMIOAdapter opens devPath (typically a host1x channel character
// device or a debugfs MMIO window exposing the channel register
// blocks) and maps nChannels consecutive register windows of
// strideBytes each.
func NewMMIOAdapter(devPath string, nChannels int, strideBytes uintptr) (*MMIOAdapter, error) {
	f, err := os.OpenFile(devPath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, hosterr.Wrap("mmio_open", err)
	}
	size := int(strideBytes) * nChannels
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, hosterr.Wrap("mmio_mmap", err)
	}
	return &MMIOAdapter{logger: logging.Default(), fd: int(f.Fd()), base: data, strideBytes: strideBytes}, nil
}

func (m *MMIOAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base != nil {
		unix.Munmap(m.base)
		m.base = nil
	}
	return unix.Close(m.fd)
}

func (m *MMIOAdapter) regPtr(ch *Channel, offset uintptr) *uint32 {
	base := uintptr(ch.Index) * m.strideBytes
	return (*uint32)(unsafe.Pointer(&m.base[base+offset]))
}

func (m *MMIOAdapter) Init(ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(ch.Index)*int(m.strideBytes) >= len(m.base) {
		return hosterr.New("mmio_init", hosterr.InvalidArgument, fmt.Sprintf("channel %d out of MMIO range", ch.Index))
	}
	*m.regPtr(ch, regDMACTRL) = dmactrlStop
	*m.regPtr(ch, regDMASTART) = 0
	*m.regPtr(ch, regDMAEND) = uint32(ch.Writer.Len() * 4)
	*m.regPtr(ch, regDMAPUT) = ch.Writer.Put() * 4
	*m.regPtr(ch, regDMACTRL) = 0
	return nil
}

func (m *MMIOAdapter) Submit(ch *Channel, put uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.regPtr(ch, regDMAPUT) = put * 4
	return nil
}

func (m *MMIOAdapter) Reset(ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.regPtr(ch, regDMACTRL) = dmactrlStop
	ch.Writer.Reset()
	return nil
}

func (m *MMIOAdapter) Teardown(ch *Channel) error {
	return m.Reset(ch)
}

func (m *MMIOAdapter) DMAGet(ch *Channel) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.regPtr(ch, regDMAGET) / 4, nil
}

var _ HardwareAdapter = (*MMIOAdapter)(nil)
