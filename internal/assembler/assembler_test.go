package assembler

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-host1x/internal/abi"
	"github.com/ehrlich-b/go-host1x/internal/classes"
	"github.com/ehrlich-b/go-host1x/internal/gart"
	"github.com/ehrlich-b/go-host1x/internal/hosterr"
)

type fakeBOs map[uint32]*gart.BO

func (f fakeBOs) Lookup(handle uint32) (*gart.BO, bool) {
	bo, ok := f[handle]
	return bo, ok
}

func wordsToBytes(ws []abi.Word) []byte {
	out := make([]byte, len(ws)*4)
	for i, w := range ws {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(w))
	}
	return out
}

func TestCopyUserGathersWordCount(t *testing.T) {
	src := gart.NewBO(64, 0x1000)
	payload := []abi.Word{abi.NewIncr(0x1, 1), 0xdeadbeef, abi.NewIncr(0x2, 0)}
	require.True(t, src.WriteBytes(0, wordsToBytes(payload)))

	bos := fakeBOs{7: src}
	words, err := CopyUserGathers(classes.Gr2D, bos, []abi.GatherDescriptor{{Handle: 7, Offset: 0, Words: 3}})
	require.NoError(t, err)
	// 1 (SETCLASS) + 3 (gather) == 4 words.
	assert.Len(t, words, 4)
	assert.Equal(t, abi.OpSetClass, words[0].Op())
	assert.Equal(t, payload[1], words[2])
}

func TestCopyUserGathersRejectsOverrun(t *testing.T) {
	src := gart.NewBO(16, 0x1000)
	bos := fakeBOs{1: src}
	_, err := CopyUserGathers(classes.Gr2D, bos, []abi.GatherDescriptor{{Handle: 1, Offset: 8, Words: 4}})
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.InvalidArgument))
}

func buildStream(t *testing.T, class classes.ID, srcAddrWord abi.Word, syncptID uint32) []abi.Word {
	t.Helper()
	return []abi.Word{
		abi.NewSetClass(uint16(class), 0xffff),
		srcAddrWord,
		abi.NewImm(abi.IncrSyncptReg, abi.SyncptIncrPayload(abi.CondOpDone, uint16(syncptID))),
	}
}

func TestValidateAndPatchRelocatesAddrRegister(t *testing.T) {
	target := gart.NewBO(4096, 0x8000)
	bos := fakeBOs{3: target}
	words := buildStream(t, classes.Gr2D, abi.NewIncr(0x1a, 1), 42) // 0x1a == SRC_ADDR
	words = append(words[:2], append([]abi.Word{0}, words[2:]...)...)
	// words layout: [SETCLASS, INCR(SRC_ADDR,1), <data placeholder>, IMM(INCR_SYNCPT)]
	relocs := []abi.RelocDescriptor{{CmdBufWordOffset: 2, TargetBOIndex: 3, TargetByteOffset: 0x10, Shift: 0}}

	res, err := ValidateAndPatch(words, relocs, bos, 42)
	require.NoError(t, err)
	assert.Equal(t, classes.Pipe2D, res.Pipes)
	assert.Equal(t, uint32(1), res.NumIncrs)
	assert.Equal(t, abi.Word(0x8010), words[2])
}

func TestValidateAndPatchMissingRelocFailsBadReloc(t *testing.T) {
	bos := fakeBOs{}
	words := []abi.Word{
		abi.NewSetClass(uint16(classes.Gr2D), 0xffff),
		abi.NewIncr(0x1a, 1), // SRC_ADDR, no following reloc registered
		0,
		abi.NewImm(abi.IncrSyncptReg, abi.SyncptIncrPayload(abi.CondOpDone, 7)),
	}
	_, err := ValidateAndPatch(words, nil, bos, 7)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.BadReloc))
}

func TestValidateAndPatchUnknownOpcodeFails(t *testing.T) {
	bos := fakeBOs{}
	words := []abi.Word{abi.Word(0xF0000000)} // opcode 0xF, not defined
	_, err := ValidateAndPatch(words, nil, bos, 0)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.BadOpcode))
}

func TestValidateAndPatchRelocOutOfRangeFails(t *testing.T) {
	bos := fakeBOs{}
	words := buildStream(t, classes.Gr2D, abi.NewNonIncr(0, 0), 1)
	relocs := []abi.RelocDescriptor{{CmdBufWordOffset: uint32(len(words)), TargetBOIndex: 0}}
	_, err := ValidateAndPatch(words, relocs, bos, 1)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.BadReloc))
}

func TestValidateAndPatchRequiresTrailingIncrement(t *testing.T) {
	bos := fakeBOs{}
	words := []abi.Word{abi.NewSetClass(uint16(classes.Gr2D), 0xffff), abi.NewNonIncr(0, 0)}
	_, err := ValidateAndPatch(words, nil, bos, 1)
	require.Error(t, err)
}

func TestValidateAndPatchForbiddenRegisterFailsRegOutOfRange(t *testing.T) {
	bos := fakeBOs{}
	words := []abi.Word{
		abi.NewSetClass(uint16(classes.Gr2D), 0xffff),
		abi.NewIncr(0x05, 1), // SECURE_CTRL, forbidden for Gr2D
		0,
		abi.NewImm(abi.IncrSyncptReg, abi.SyncptIncrPayload(abi.CondOpDone, 1)),
	}
	_, err := ValidateAndPatch(words, nil, bos, 1)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.RegOutOfRange))
}

func TestValidateAndPatchForbiddenRegisterViaImmFailsRegOutOfRange(t *testing.T) {
	bos := fakeBOs{}
	words := []abi.Word{
		abi.NewSetClass(uint16(classes.Gr3D), 0xffff),
		abi.NewImm(0x05, 0xdead), // SECURE_CTRL, forbidden for Gr3D
		abi.NewImm(abi.IncrSyncptReg, abi.SyncptIncrPayload(abi.CondOpDone, 1)),
	}
	_, err := ValidateAndPatch(words, nil, bos, 1)
	require.Error(t, err)
	assert.True(t, hosterr.Is(err, hosterr.RegOutOfRange))
}
