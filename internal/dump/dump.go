// Package dump implements the debug dumper. Dump produces a textual
// report: per-channel DMAGET/DMAPUT and a decoded opcode listing,
// per-sync-point counter/threshold/interrupt state, and per-MLOCK
// ownership. The opcode naming here follows the abi package's own
// constants table.
package dump

import (
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/pushbuffer"
	"github.com/ehrlich-b/go-host1x/internal/syncpoint"
)

// ChannelView is everything the dumper needs about one channel; the
// root package's Device fills these in from its live state.
type ChannelView struct {
	Channel *pushbuffer.Channel
	Adapter pushbuffer.HardwareAdapter
}

// ConsumerName resolves a sync point id to the device name consuming
// it, for display only. Returns "" for unassigned sync points.
type ConsumerName func(id uint32) string

// Dump renders the full device state: one section per channel, one
// per sync point, one per MLOCK.
func Dump(channels []ChannelView, registry *syncpoint.Registry, mlocks *pushbuffer.MLockTable, consumer ConsumerName) string {
	var b strings.Builder
	for _, cv := range channels {
		dumpChannel(&b, cv)
	}
	dumpSyncPoints(&b, registry, consumer)
	dumpMLocks(&b, mlocks)
	return b.String()
}

func dumpChannel(b *strings.Builder, cv ChannelView) {
	ch := cv.Channel
	dmaget, _ := cv.Adapter.DMAGet(ch)
	dmaput := ch.Writer.Put()
	class, offset := decodeCurrentState(ch.Writer.Snapshot())

	fmt.Fprintf(b, "channel %d: class=%s offset=%#x dmaget=%#x dmaput=%#x pushes=%d accepted_pipes=%#x\n",
		ch.Index, classNameOr(class, "none"), offset, dmaget, dmaput, ch.Writer.Pushes(), ch.AcceptedPipes)

	words := ch.Writer.Snapshot()
	if len(words) == 0 {
		fmt.Fprintf(b, "  (empty)\n")
		return
	}
	for i := 0; i < len(words); i++ {
		i += decodeOne(b, words, i)
	}
}

// decodeCurrentState replays the visible push-buffer contents to find
// the most recently selected class and the register offset its last
// write addressed, for the channel summary line.
func decodeCurrentState(words []abi.Word) (classes.ID, uint16) {
	var cur classes.ID
	var offset uint16
	for _, w := range words {
		switch w.Op() {
		case abi.OpSetClass:
			c, _ := w.SetClassFields()
			cur = classes.ID(c)
		case abi.OpIncr, abi.OpNonIncr, abi.OpMask, abi.OpImm:
			offset, _ = w.IncrFields()
		}
	}
	return cur, offset
}

func classNameOr(id classes.ID, fallback string) string {
	switch id {
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
		return fallback
	}
}

// decodeOne prints one decoded opcode at words[i] and returns how
// many extra words it consumed (its trailing data words), so the
// caller's loop can skip over them.
func decodeOne(b *strings.Builder, words []abi.Word, i int) int {
	w := words[i]
	switch w.Op() {
	case abi.OpSetClass:
		class, mask := w.SetClassFields()
		fmt.Fprintf(b, "  [%d] SETCLASS class=%s mask=%#x\n", i, classNameOr(classes.ID(class), fmt.Sprintf("%#x", class)), mask)
		return 0

	case abi.OpIncr, abi.OpNonIncr, abi.OpMask:
		offset, count := w.IncrFields()
		fmt.Fprintf(b, "  [%d] %s offset=%#x count=%d\n", i, w.Op().Name(), offset, count)
		for k := uint16(0); k < count && i+1+int(k) < len(words); k++ {
			fmt.Fprintf(b, "  [%d]   data=%#x\n", i+1+int(k), uint32(words[i+1+int(k)]))
		}
		return int(count)

	case abi.OpImm:
		offset, payload := w.IncrFields()
		if offset == abi.IncrSyncptReg {
			cond, idx := abi.DecodeSyncptIncrPayload(payload)
			fmt.Fprintf(b, "  [%d] IMM INCR_SYNCPT cond=%d index=%d\n", i, cond, idx)
		} else {
			fmt.Fprintf(b, "  [%d] IMM offset=%#x data=%#x\n", i, offset, payload)
		}
		return 0

	case abi.OpRestart:
		fmt.Fprintf(b, "  [%d] RESTART addr=%#x\n", i, w.RestartAddr())
		return 0

	case abi.OpGather:
		offset, insert, gatherType, count := w.GatherFields()
		var base uint32
		if i+1 < len(words) {
			base = uint32(words[i+1])
		}
		fmt.Fprintf(b, "  [%d] GATHER offset=%#x insert=%v type=%d count=%d base=%#x\n", i, offset, insert, gatherType, count, base)
		return 1

	case abi.OpSetStrmID:
		fmt.Fprintf(b, "  [%d] SETSTRMID\n", i)
		return 0

	case abi.OpSetAppID:
		fmt.Fprintf(b, "  [%d] SETAPPID\n", i)
		return 0

	case abi.OpSetPYLD:
		fmt.Fprintf(b, "  [%d] SETPYLD\n", i)
		return 0

	case abi.OpIncrW, abi.OpNonIncrW:
		fmt.Fprintf(b, "  [%d] %s addr24=%#x\n", i, w.Op().Name(), uint32(w)&0x0fffffff)
		return 0

	case abi.OpGatherW:
		var hi, lo uint32
		if i+2 < len(words) {
			hi, lo = uint32(words[i+1]), uint32(words[i+2])
		}
		fmt.Fprintf(b, "  [%d] GATHER_W addr=%#x\n", i, uint64(hi)<<32|uint64(lo))
		return 2

	case abi.OpRestartW:
		var hi, lo uint32
		if i+2 < len(words) {
			hi, lo = uint32(words[i+1]), uint32(words[i+2])
		}
		fmt.Fprintf(b, "  [%d] RESTART_W addr=%#x\n", i, uint64(hi)<<32|uint64(lo))
		return 2

	case abi.OpExtend:
		sub, index := w.ExtendFields()
		name := "ACQUIRE_MLOCK"
		if sub == abi.ExtendReleaseMlock {
			name = "RELEASE_MLOCK"
		}
		fmt.Fprintf(b, "  [%d] EXTEND %s index=%d\n", i, name, index)
		return 0

	default:
		fmt.Fprintf(b, "  [%d] UNKNOWN word=%#x\n", i, uint32(w))
		return 0
	}
}

func dumpSyncPoints(b *strings.Builder, registry *syncpoint.Registry, consumer ConsumerName) {
	fmt.Fprintf(b, "sync points:\n")
	for _, sp := range registry.All() {
		if !sp.InUse() {
			continue
		}
		value, threshold, interrupt, active := sp.Snapshot()
		name := ""
		if consumer != nil {
			name = consumer(sp.ID())
		}
		fmt.Fprintf(b, "  sp[%d] value=%d threshold=%d interrupt=%v active=%v consumer=%q\n",
			sp.ID(), value, threshold, interrupt, active, name)
	}
}

func dumpMLocks(b *strings.Builder, mlocks *pushbuffer.MLockTable) {
	fmt.Fprintf(b, "mlocks:\n")
	for i := 0; i < mlocks.Count(); i++ {
		owner := mlocks.Owner(i)
		if owner == -1 {
			fmt.Fprintf(b, "  mlock[%d] free\n", i)
		} else {
			fmt.Fprintf(b, "  mlock[%d] owner=channel %d\n", i, owner)
		}
	}
}
