package abi

import "testing"

func TestSetClassRoundTrip(t *testing.T) {
	w := NewSetClass(0x60, 0x00ff)
	if w.Op() != OpSetClass {
		t.Fatalf("Op() = %v, want OpSetClass", w.Op())
	}
	class, mask := w.SetClassFields()
	if class != 0x60 || mask != 0x00ff {
		t.Fatalf("SetClassFields() = (%#x, %#x), want (0x60, 0xff)", class, mask)
	}
}

func TestIncrFieldsRoundTrip(t *testing.T) {
	w := NewIncr(0x1a, 3)
	offset, count := w.IncrFields()
	if offset != 0x1a || count != 3 {
		t.Fatalf("IncrFields() = (%#x, %d), want (0x1a, 3)", offset, count)
	}
}

func TestRestartAddrRoundTrip(t *testing.T) {
	w := NewRestart(0x10000)
	if got := w.RestartAddr(); got != 0x10000 {
		t.Fatalf("RestartAddr() = %#x, want 0x10000", got)
	}
}

func TestSyncptIncrPayloadRoundTrip(t *testing.T) {
	p := SyncptIncrPayload(CondOpDone, 5)
	cond, idx := DecodeSyncptIncrPayload(p)
	if cond != CondOpDone || idx != 5 {
		t.Fatalf("DecodeSyncptIncrPayload() = (%d, %d), want (%d, 5)", cond, idx, CondOpDone)
	}
}

func TestIsRegisterWrite(t *testing.T) {
	for _, op := range []Opcode{OpIncr, OpNonIncr, OpMask, OpImm, OpIncrW, OpNonIncrW} {
		if !op.IsRegisterWrite() {
			t.Errorf("%s: IsRegisterWrite() = false, want true", op.Name())
		}
	}
	for _, op := range []Opcode{OpRestart, OpGather, OpSetClass, OpExtend} {
		if op.IsRegisterWrite() {
			t.Errorf("%s: IsRegisterWrite() = true, want false", op.Name())
		}
	}
}
