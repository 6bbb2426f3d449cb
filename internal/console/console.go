// Package console is the guest's serial console: a 16550 UART driven
// directly over port I/O, used for the write(2) syscall and kernel
// diagnostics.
package console

import "novakernel/internal/archhooks"

const (
	com1Port     = 0x3f8
	lsrThrEmpty  = 1 << 5
	regData      = 0
	regIER       = 1
	regFCR       = 2
	regLCR       = 3
	regMCR       = 4
	regLSR       = 5
)

// Port is one UART instance. The zero value is not ready for use;
// build one with New.
type Port struct {
	base uint16
}

// New builds a Port over the given I/O base address without touching
// the hardware; call Init before writing.
func New(base uint16) *Port {
	return &Port{base: base}
}

// COM1 is the guest's single serial port.
var COM1 = New(com1Port)

// Init programs the UART for 38400 baud, 8 data bits, no parity, one
// stop bit, with the FIFO enabled (divisor 3 against a 115200Hz
// clock).
func (p *Port) Init() {
	p.writeReg(regIER, 0x00)
	p.writeReg(regLCR, 0x80) // enable DLAB
	p.writeReg(regData, 0x03)
	p.writeReg(regIER, 0x00)
	p.writeReg(regLCR, 0x03)
	p.writeReg(regFCR, 0xC7)
	p.writeReg(regMCR, 0x03)
}

func (p *Port) writeReg(offset uint16, value uint8) {
	archhooks.Outb(p.base+offset, value)
}

func (p *Port) readReg(offset uint16) uint8 {
	return archhooks.Inb(p.base + offset)
}

func (p *Port) writeByte(b byte) {
	for p.readReg(regLSR)&lsrThrEmpty == 0 {
	}
	p.writeReg(regData, b)
}

// Write implements io.Writer, translating a bare '\n' to "\r\n" the
// way a real terminal expects.
func (p *Port) Write(b []byte) (int, error) {
	for _, c := range b {
		if c == '\n' {
			p.writeByte('\r')
		}
		p.writeByte(c)
	}
	return len(b), nil
}
