// Package classes declares, per host1x engine class, which register
// offsets are address registers (subject to relocation) and which
// pipe bit the class belongs to. This is the firewall's rule table.
package classes

// ID is a host1x engine class selector (the operand of SETCLASS).
type ID uint16

const (
	Host1x ID = 0x01
	Gr2D   ID = 0x51
	Gr3D   ID = 0x60
	VIC    ID = 0x5D
	NVDec  ID = 0x5E
	NVEnc  ID = 0x21
)

// Pipe bits. A job declares which pipes it uses; a channel declares
// which it accepts.
const (
	PipeHost1x uint32 = 1 << iota
	Pipe2D
	Pipe3D
	PipeVIC
	PipeNVDec
	PipeNVEnc
)

// PipeBit returns the pipe bit a class belongs to, or 0 if the class
// is unrecognised (any register write is then accepted as plain data).
func PipeBit(c ID) uint32 {
	switch c {
	case Host1x:
		return PipeHost1x
	case Gr2D:
		return Pipe2D
	case Gr3D:
		return Pipe3D
	case VIC:
		return PipeVIC
	case NVDec:
		return PipeNVDec
	case NVEnc:
		return PipeNVEnc
	default:
		return 0
	}
}

// Table declares a class's address-register set: the set of
// class-relative register offsets that must be backed by a
// relocation rather than accepted as raw data. ForbiddenRegisters
// declares offsets the firewall rejects outright, regardless of any
// relocation — registers that reach outside the job's sandbox (secure
// mode control, debug/reserved blocks) and must never be writable from
// a submitted command stream.
type Table struct {
	Class              ID
	AddrRegisters      map[uint16]bool
	ForbiddenRegisters map[uint16]bool
	IncrSyncptReg      uint16
}

// registry maps class IDs to their declared register tables. A class
// absent from the registry has no declared address-register set, so
// the firewall accepts any write as data.
var registry = map[ID]*Table{
	Gr2D: {
		Class: Gr2D,
		AddrRegisters: map[uint16]bool{
			0x1a: true, // SRC_ADDR
			0x1b: true, // DST_ADDR
		},
		ForbiddenRegisters: map[uint16]bool{
			0x05: true, // SECURE_CTRL
		},
		IncrSyncptReg: 0x00,
	},
	Gr3D: {
		Class: Gr3D,
		AddrRegisters: map[uint16]bool{
			0x20: true, // TEX_ADDR(0)
			0x21: true, // TEX_ADDR(1)
			0x22: true, // TEX_ADDR(2)
			0x23: true, // TEX_ADDR(3)
			0x40: true, // RT_ADDR (render target)
		},
		ForbiddenRegisters: map[uint16]bool{
			0x05: true, // SECURE_CTRL
		},
		IncrSyncptReg: 0x00,
	},
	VIC: {
		Class: VIC,
		AddrRegisters: map[uint16]bool{
			0x10: true, // CONFIG_STRUCT_ADDR
			0x11: true, // OUTPUT_SURFACE_ADDR
		},
		ForbiddenRegisters: map[uint16]bool{
			0x05: true, // SECURE_CTRL
		},
		IncrSyncptReg: 0x00,
	},
}

// Lookup returns the register table for a class, or nil if the class
// is unregistered.
func Lookup(c ID) *Table {
	return registry[c]
}

// IsAddrRegister reports whether offset is declared as an address
// register for t. A nil table (unregistered class) never declares any
// address registers.
func (t *Table) IsAddrRegister(offset uint16) bool {
	if t == nil {
		return false
	}
	return t.AddrRegisters[offset]
}

// IsForbiddenRegister reports whether offset is declared off-limits
// for t. A nil table (unregistered class) forbids nothing — an
// unregistered class has no declared register semantics at all, so
// the firewall falls back to accepting every write as plain data.
func (t *Table) IsForbiddenRegister(offset uint16) bool {
	if t == nil {
		return false
	}
	return t.ForbiddenRegisters[offset]
}
