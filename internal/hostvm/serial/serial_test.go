package serial

import (
	"bytes"
	"testing"
)

// outBytes sends s to port one single-byte OUT at a time, the way the
// guest console writes: IoOut itself maps a multi-byte access onto
// consecutive registers.
func outBytes(c *Console, port uint16, s string) error {
	for i := 0; i < len(s); i++ {
		if err := c.IoOut(port, []byte{s[i]}); err != nil {
			return err
		}
	}
	return nil
}

func TestIoOutBuffersUntilNewline(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)

	if err := outBytes(c, basePort, "hi"); err != nil {
		t.Fatalf("IoOut: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing flushed yet, got %q", buf.String())
	}

	if err := outBytes(c, basePort, "\n"); err != nil {
		t.Fatalf("IoOut: %v", err)
	}
	if buf.String() != "hi\n" {
		t.Fatalf("buf = %q, want %q", buf.String(), "hi\n")
	}
}

func TestIoOutDropsCarriageReturn(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	if err := outBytes(c, basePort, "hi\r\n"); err != nil {
		t.Fatalf("IoOut: %v", err)
	}
	if buf.String() != "hi\n" {
		t.Fatalf("buf = %q, want %q", buf.String(), "hi\n")
	}
}

func TestFlushWritesPartialLine(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)
	if err := outBytes(c, basePort, "partial"); err != nil {
		t.Fatalf("IoOut: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if buf.String() != "partial" {
		t.Fatalf("buf = %q, want %q", buf.String(), "partial")
	}
}

func TestLineStatusRegisterAlwaysReportsThrEmpty(t *testing.T) {
	c := New(&bytes.Buffer{})
	data := make([]byte, 1)
	c.IoIn(basePort+5, data)
	if data[0]&lsrThrEmpty == 0 {
		t.Fatal("expected LSR to report THR empty")
	}
}

func TestHandlesRangeRejectsPortsOutsideCom1(t *testing.T) {
	c := New(&bytes.Buffer{})
	if c.HandlesRange(0x2f8, 1) {
		t.Fatal("expected COM2's base port to be rejected")
	}
	if !c.HandlesRange(basePort, 1) {
		t.Fatal("expected COM1's base port to be accepted")
	}
	if !c.HandlesRange(basePort+7, 1) {
		t.Fatal("expected COM1's scratch register to be accepted")
	}
}

func TestDLABGatesDivisorLatchAccess(t *testing.T) {
	c := New(&bytes.Buffer{})
	if err := c.IoOut(basePort+3, []byte{lcrDLAB}); err != nil {
		t.Fatalf("IoOut LCR: %v", err)
	}
	if err := c.IoOut(basePort, []byte{0x03}); err != nil {
		t.Fatalf("IoOut DLL: %v", err)
	}
	data := make([]byte, 1)
	c.IoIn(basePort, data)
	if data[0] != 0x03 {
		t.Fatalf("DLL readback = %#x, want 0x03", data[0])
	}
}
