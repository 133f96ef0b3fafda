// Package assembler assembles a job's final command buffer inside the
// channel's push-buffer pool: component D of the job pipeline. It
// copies user-supplied gather descriptors, firewalls register writes
// against each engine class's declared address-register set, patches
// address-register writes with relocated device addresses, and
// derives the job's pipe mask and syncpoint-increment count while
// walking the stream once.
package assembler

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/gart"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
)

// BOLookup resolves a submission's BO handles to the gart.BO they
// name. The root package's Device implements this over its live BO
// table.
type BOLookup interface {
	Lookup(handle uint32) (*gart.BO, bool)
}

// Result is everything the scheduler (4.F) needs after assembly: the
// finished command buffer and its derived metadata.
type Result struct {
	Words    []abi.Word
	Pipes    uint32
	NumIncrs uint32
}

// CopyUserGathers implements copy_user_gathers(job, user_descs): for
// each descriptor, validate its bounds and alignment, map the source
// BO for CPU read, and copy its words into a freshly pooled command
// buffer whose first word is always a SETCLASS for engineClass.
func CopyUserGathers(engineClass classes.ID, bos BOLookup, gathers []abi.GatherDescriptor) ([]abi.Word, error) {
	total := 1
	for _, g := range gathers {
		total += int(g.Words)
	}
	buf := GetBuffer(total)
	buf[0] = abi.NewSetClass(uint16(engineClass), 0xffff)
	idx := 1

	for _, g := range gathers {
		bo, ok := bos.Lookup(g.Handle)
		if !ok {
			PutBuffer(buf)
			return nil, hosterr.New("copy_user_gathers", hosterr.InvalidArgument, "gather references unknown BO handle")
		}
		if g.Offset%4 != 0 {
			PutBuffer(buf)
			return nil, hosterr.New("copy_user_gathers", hosterr.InvalidArgument, "gather offset not 4-byte aligned")
		}
		if uint64(g.Offset) > bo.Size-4 || uint64(g.Offset)+uint64(g.Words)*4 > bo.Size {
			PutBuffer(buf)
			return nil, hosterr.New("copy_user_gathers", hosterr.InvalidArgument, "gather overruns its BO")
		}
		raw, ok := bo.ReadBytes(uint64(g.Offset), uint64(g.Words)*4)
		if !ok {
			PutBuffer(buf)
			return nil, hosterr.New("copy_user_gathers", hosterr.InvalidArgument, "gather read out of range")
		}
		for w := uint32(0); w < g.Words; w++ {
			buf[idx] = abi.Word(binary.LittleEndian.Uint32(raw[w*4 : w*4+4]))
			idx++
		}
	}
	return buf[:idx], nil
}

// classState tracks the class the firewall is currently enforcing
// while walking the command stream.
type classState struct {
	id    classes.ID
	table *classes.Table
}

// ValidateAndPatch implements validate_and_patch(job, relocs) fused
// with compute_metadata(job): it walks words one opcode at a time,
// patches address-register writes using relocs, and derives pipes and
// num_incrs. wantSyncptID is the job's own sync point; the stream must
// end with a final increment addressed to it.
func ValidateAndPatch(words []abi.Word, relocs []abi.RelocDescriptor, bos BOLookup, wantSyncptID uint32) (Result, error) {
	relocByOffset := make(map[uint32]abi.RelocDescriptor, len(relocs))
	for _, r := range relocs {
		if r.CmdBufWordOffset >= uint32(len(words)) {
			return Result{}, hosterr.New("validate_and_patch", hosterr.BadReloc, "relocation points past the end of the command buffer")
		}
		relocByOffset[r.CmdBufWordOffset] = r
	}

	var state classState
	var pipes uint32
	var numIncrs uint32
	var lastIncrIndex uint16
	sawIncr := false
	// Word positions of the last opcode and of the last increment, so
	// the final check can tell whether the increment ends the stream.
	lastOpPos, lastIncrPos := -1, -1

	for i := 0; i < len(words); i++ {
		w := words[i]
		lastOpPos = i
		switch w.Op() {
		case abi.OpSetClass:
			class, _ := w.SetClassFields()
			state = classState{id: classes.ID(class), table: classes.Lookup(classes.ID(class))}
			pipes |= classes.PipeBit(classes.ID(class))

		case abi.OpIncr, abi.OpNonIncr, abi.OpMask:
			offset, count := w.IncrFields()
			if state.table.IsForbiddenRegister(offset) {
				return Result{}, hosterr.New("validate_and_patch", hosterr.RegOutOfRange, "write targets a forbidden register")
			}
			if state.table.IsAddrRegister(offset) {
				if i+1 >= len(words) {
					return Result{}, hosterr.New("validate_and_patch", hosterr.InvalidArgument, "address-register write has no data word")
				}
				patched, err := patchAddrRegister(uint32(i+1), relocByOffset, bos)
				if err != nil {
					return Result{}, err
				}
				words[i+1] = patched
			}
			// Skip the opcode's trailing data words; they are never
			// themselves opcodes.
			i += int(count)

		case abi.OpIncrW, abi.OpNonIncrW:
			// The wide variants carry their full register address in
			// the instruction word itself, with no trailing data word.
			wideOffset := uint16(uint32(w) & 0xfff)
			if state.table.IsForbiddenRegister(wideOffset) {
				return Result{}, hosterr.New("validate_and_patch", hosterr.RegOutOfRange, "write targets a forbidden register")
			}
			if state.table.IsAddrRegister(wideOffset) {
				patched, err := patchAddrRegister(uint32(i), relocByOffset, bos)
				if err != nil {
					return Result{}, err
				}
				words[i] = patched
			}

		case abi.OpImm:
			offset, payload := w.IncrFields()
			if offset == abi.IncrSyncptReg {
				_, index := abi.DecodeSyncptIncrPayload(payload)
				numIncrs++
				lastIncrIndex = index
				lastIncrPos = i
				sawIncr = true
			} else if state.table.IsForbiddenRegister(offset) {
				return Result{}, hosterr.New("validate_and_patch", hosterr.RegOutOfRange, "write targets a forbidden register")
			} else if state.table.IsAddrRegister(offset) {
				patched, err := patchAddrRegister(uint32(i), relocByOffset, bos)
				if err != nil {
					return Result{}, err
				}
				words[i] = patched
			}

		case abi.OpGather:
			// GATHER's base address follows as one data word.
			i++

		case abi.OpGatherW, abi.OpRestartW:
			// The wide variants' 64-bit address follows as two data words.
			i += 2

		case abi.OpRestart, abi.OpSetStrmID,
			abi.OpSetAppID, abi.OpSetPYLD, abi.OpExtend:
			// Control-flow / metadata opcodes carry no register writes.

		default:
			return Result{}, hosterr.New("validate_and_patch", hosterr.BadOpcode, "unrecognized top-level opcode")
		}
	}

	if !sawIncr || lastIncrPos != lastOpPos || uint32(lastIncrIndex) != wantSyncptID {
		return Result{}, hosterr.New("compute_metadata", hosterr.InvalidArgument, "command stream does not end with an increment on the job's sync point")
	}

	return Result{Words: words, Pipes: pipes, NumIncrs: numIncrs}, nil
}

// patchAddrRegister replaces the word at wordIndex with the final
// device address computed from its matching relocation entry.
func patchAddrRegister(wordIndex uint32, relocs map[uint32]abi.RelocDescriptor, bos BOLookup) (abi.Word, error) {
	reloc, ok := relocs[wordIndex]
	if !ok {
		return 0, hosterr.New("validate_and_patch", hosterr.BadReloc, "address-register write has no matching relocation")
	}
	bo, ok := bos.Lookup(reloc.TargetBOIndex)
	if !ok {
		return 0, hosterr.New("validate_and_patch", hosterr.BadReloc, "relocation targets unknown BO")
	}
	addr, ok := bo.DMAAddr()
	if !ok {
		return 0, hosterr.New("validate_and_patch", hosterr.BadReloc, "relocation target BO is not resident")
	}
	final := (addr + uint64(reloc.TargetByteOffset)) >> reloc.Shift
	return abi.Word(uint32(final)), nil
}
