package diag

import "testing"

func TestDisassembleEntryDecodesSimpleInstructions(t *testing.T) {
	// nop; nop; hlt
	code := []byte{0x90, 0x90, 0xf4}

	insts, err := DisassembleEntry(code, 0xffffffff80000000, 3)
	if err != nil {
		t.Fatalf("DisassembleEntry: %v", err)
	}
	if len(insts) != 3 {
		t.Fatalf("len(insts) = %d, want 3", len(insts))
	}
	if insts[0].Addr != 0xffffffff80000000 {
		t.Fatalf("insts[0].Addr = %#x, want base", insts[0].Addr)
	}
	if insts[2].Addr != 0xffffffff80000002 {
		t.Fatalf("insts[2].Addr = %#x, want base+2", insts[2].Addr)
	}
}

func TestDisassembleEntryErrorsOnTruncatedInstruction(t *testing.T) {
	code := []byte{0x0f} // two-byte opcode prefix with nothing after it
	if _, err := DisassembleEntry(code, 0, 1); err == nil {
		t.Fatal("expected a truncated instruction to fail decoding")
	}
}
