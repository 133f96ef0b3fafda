package abi

import "encoding/binary"

// BOFlag marks how a job references one of its buffer objects.
type BOFlag uint32

const (
	// BOFlagWrite marks that the job writes this BO; it causes an
	// exclusive-fence installation on the BO.
	BOFlagWrite BOFlag = 1 << 0
	// BOFlagExplicitFence tells the core the caller already
	// synchronised access to this BO; the core skips waiting on its
	// prior fences.
	BOFlagExplicitFence BOFlag = 1 << 1
)

// BORef is one entry of a submission's BO table.
type BORef struct {
	Handle uint32
	Flags  BOFlag
}

// GatherDescriptor names a span of user command words to copy into
// the job's command buffer.
type GatherDescriptor struct {
	Handle uint32 // BO holding the source command words
	Offset uint32 // byte offset into the BO
	Words  uint32 // word count to copy
}

// RelocFlag modifies how a relocation's target address is computed.
type RelocFlag uint32

// RelocDescriptor patches one command-buffer word with a device
// address computed from a target BO.
type RelocDescriptor struct {
	CmdBufBOIndex     uint32
	CmdBufWordOffset  uint32
	TargetBOIndex     uint32
	TargetByteOffset  uint32
	Shift             uint8
	Flags             RelocFlag
}

// SyncptIncr declares how many completion increments a job's command
// stream should carry. The sync point itself is allocated by Submit,
// not named by the caller: real hardware command streams only ever
// reference the sync point the core hands back, never one the caller
// invents in advance.
type SyncptIncr struct {
	NumIncrs uint32
}

// SubmissionDescriptor is the job description the core consumes from
// the caller. It owns no resources; the BO table, gathers and
// relocations reference caller-owned memory only for the duration of
// Submit.
type SubmissionDescriptor struct {
	ContextID uint32
	// EngineClass is the engine the command stream targets; the
	// assembler prepends a SETCLASS for it ahead of the copied gathers.
	EngineClass  uint16
	Gathers      []GatherDescriptor
	BOs          []BORef
	Relocs       []RelocDescriptor
	InFenceHandle uint32 // 0 if none
	HasInFence    bool
	WantOutFence  bool
	Syncpt        SyncptIncr
}

// SubmissionResult is returned to the caller on successful submit.
type SubmissionResult struct {
	SyncPointID    uint32
	PostFenceValue uint32
	OutFenceHandle uint32
}

// MarshalGatherDescriptor packs a GatherDescriptor using the same
// manual little-endian field layout style as a kernel UAPI struct,
// for transports that move descriptors as raw bytes (e.g. a future
// ioctl-based IOCTL collaborator).
func MarshalGatherDescriptor(g GatherDescriptor) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], g.Handle)
	binary.LittleEndian.PutUint32(buf[4:8], g.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], g.Words)
	return buf
}

// UnmarshalGatherDescriptor is the inverse of MarshalGatherDescriptor.
func UnmarshalGatherDescriptor(data []byte) GatherDescriptor {
	return GatherDescriptor{
		Handle: binary.LittleEndian.Uint32(data[0:4]),
		Offset: binary.LittleEndian.Uint32(data[4:8]),
		Words:  binary.LittleEndian.Uint32(data[8:12]),
	}
}

// MarshalRelocDescriptor packs a RelocDescriptor.
func MarshalRelocDescriptor(r RelocDescriptor) []byte {
	buf := make([]byte, 21)
	binary.LittleEndian.PutUint32(buf[0:4], r.CmdBufBOIndex)
	binary.LittleEndian.PutUint32(buf[4:8], r.CmdBufWordOffset)
	binary.LittleEndian.PutUint32(buf[8:12], r.TargetBOIndex)
	binary.LittleEndian.PutUint32(buf[12:16], r.TargetByteOffset)
	buf[16] = r.Shift
	binary.LittleEndian.PutUint32(buf[17:21], uint32(r.Flags))
	return buf
}

// UnmarshalRelocDescriptor is the inverse of MarshalRelocDescriptor.
func UnmarshalRelocDescriptor(data []byte) RelocDescriptor {
	return RelocDescriptor{
		CmdBufBOIndex:    binary.LittleEndian.Uint32(data[0:4]),
		CmdBufWordOffset: binary.LittleEndian.Uint32(data[4:8]),
		TargetBOIndex:    binary.LittleEndian.Uint32(data[8:12]),
		TargetByteOffset: binary.LittleEndian.Uint32(data[12:16]),
		Shift:            data[16],
		Flags:            RelocFlag(binary.LittleEndian.Uint32(data[17:21])),
	}
}
