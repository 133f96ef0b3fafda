// Package pushbuffer implements the push buffer ring and the channel
// hardware adapter: component C of the job pipeline. A push buffer is
// a ring of 32-bit opcode words; a hardware adapter drives one
// channel's DMA engine over that ring.
package pushbuffer

import (
	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/constants"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
)

// nopWord is the host1x no-operation opcode: NONINCR to offset 0,
// count 0.
var nopWord = abi.NewNonIncr(0, 0)

// restartTailWords is how many trailing words permanently hold the
// wraparound RESTART (one, two, or three words depending on SoC
// generation; this model uses a single word). These words sit outside
// the rotating region that put/get index into — they are never
// overwritten by Push.
const restartTailWords = 1

// Writer is the ring of command words DMA fetches from. It holds a
// lifetime-bounded mutable slice and enforces the alignment/wrap
// invariants that, on real hardware, are expressed as raw
// kernel-virtual pointer arithmetic.
type Writer struct {
	words  []abi.Word // len(words) == usable + restartTailWords
	usable uint32     // rotating region size in words
	put    uint32     // word index of the next write, mod usable
	get    uint32     // word index hardware has consumed up to, mod usable
	pushes uint64
}

// NewWriter allocates a ring of n words, pre-filled with NOPs and
// terminated by a RESTART back to the start.
func NewWriter(words int) *Writer {
	if words <= 0 {
		words = constants.DefaultPushBufferWords
	}
	if words <= restartTailWords {
		words = restartTailWords + 1
	}
	w := &Writer{words: make([]abi.Word, words), usable: uint32(words - restartTailWords)}
	for i := range w.words {
		w.words[i] = nopWord
	}
	w.words[w.usable] = abi.NewRestart(0)
	return w
}

// Len returns the ring's usable capacity in words (excluding the
// fixed RESTART tail).
func (w *Writer) Len() int { return int(w.usable) }

// Put returns the current write cursor (word index into the rotating
// region).
func (w *Writer) Put() uint32 { return w.put }

// Get returns the shadow read cursor (word index into the rotating
// region).
func (w *Writer) Get() uint32 { return w.get }

// Pushes returns the outstanding push count, used by the "pushes==0,
// put==get" idle invariant.
func (w *Writer) Pushes() uint64 { return w.pushes }

// AdvanceGet moves the shadow read cursor to match a hardware DMAGET
// report; it is how a HardwareAdapter reports retirement back to the
// ring for the idle invariant.
func (w *Writer) AdvanceGet(get uint32) {
	get %= w.usable
	delta := (get + w.usable - w.get) % w.usable
	if w.pushes < uint64(delta) {
		w.pushes = 0
	} else {
		w.pushes -= uint64(delta)
	}
	w.get = get
}

// Push implements push(word): assert there is space, write to put,
// advance, wrapping to the start of the rotating region at the end.
func (w *Writer) Push(word abi.Word) error {
	if w.free() == 0 {
		return hosterr.New("push", hosterr.Busy, "push buffer full")
	}
	w.words[w.put] = word
	w.put = (w.put + 1) % w.usable
	w.pushes++
	return nil
}

// free returns the number of words that can still be pushed before
// the rotating region is full. One slot is reserved so put==get is
// unambiguously "empty" rather than "full".
func (w *Writer) free() uint32 {
	used := (w.put + w.usable - w.get) % w.usable
	return w.usable - 1 - used
}

// Prepare implements prepare(n): if the next n pushes would cross the
// wraparound, emit NOPs to jump over it so the contiguous block fits
// in one linear region.
func (w *Writer) Prepare(n int) error {
	untilWrap := w.usable - w.put
	if uint32(n) <= untilWrap {
		return nil
	}
	for i := uint32(0); i < untilWrap; i++ {
		if err := w.Push(nopWord); err != nil {
			return err
		}
	}
	return nil
}

// Align implements align(a): push NOPs until put is aligned to a
// bytes (a must be a multiple of 4).
func (w *Writer) Align(aBytes uint32) error {
	wordAlign := aBytes / 4
	if wordAlign == 0 {
		return nil
	}
	for w.put%wordAlign != 0 {
		if err := w.Push(nopWord); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the raw words between get and put, in hardware
// fetch order, for the debug dumper.
func (w *Writer) Snapshot() []abi.Word {
	used := (w.put + w.usable - w.get) % w.usable
	out := make([]abi.Word, used)
	for i := uint32(0); i < used; i++ {
		out[i] = w.words[(w.get+i)%w.usable]
	}
	return out
}

// Reset returns the ring to its freshly-initialized state; the
// channel adapter's own reset tears down the FIFO.
func (w *Writer) Reset() {
	w.put = 0
	w.get = 0
	w.pushes = 0
}
