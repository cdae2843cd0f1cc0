// Package serial emulates a 16550 UART's host side, wired to the
// guest's COM1 port range. Guest stdout mostly goes through the
// paravirtual WRITE port instead, but a bzImage kernel's early boot
// console and any guest reading stdin still go through this UART, so
// Start pumps host keystrokes into it.
package serial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// COM1Addr is the base I/O port of the first serial line.
const COM1Addr = 0x03f8

// IRQInjector raises the serial IRQ line on the in-kernel interrupt
// controller.
type IRQInjector interface {
	InjectSerialIRQ() error
}

// Serial is the host-side state of one 16550 UART.
type Serial struct {
	IER byte
	LCR byte

	inputChan chan byte

	irqInjector IRQInjector
	output      io.Writer
}

// New creates a UART that injects through irqInjector and writes
// guest output to stdout by default.
func New(irqInjector IRQInjector) *Serial {
	return &Serial{
		inputChan:   make(chan byte, 10000),
		irqInjector: irqInjector,
		output:      os.Stdout,
	}
}

// SetOutput redirects guest console output.
func (s *Serial) SetOutput(w io.Writer) { s.output = w }

// InputChan returns the send side of the UART's input queue, fed by
// Start (or any other host-side reader pumping keystrokes toward the
// guest).
func (s *Serial) InputChan() chan<- byte { return s.inputChan }

// exitSequence is the second byte of the Ctrl-A x console-detach
// combination.
const exitSequence = 'x'

// Start pumps bytes from in into the UART's input queue, injecting the
// serial IRQ whenever a byte becomes available, until in hits EOF or
// the guest console exit sequence (Ctrl-A x) is typed, at which point
// restoreMode is called to undo term.SetRawMode before returning.
func (s *Serial) Start(in *bufio.Reader, restoreMode func()) error {
	var before byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				restoreMode()

				return nil
			}

			return err
		}

		s.inputChan <- b

		if len(s.inputChan) > 0 {
			if err := s.irqInjector.InjectSerialIRQ(); err != nil {
				return err
			}
		}

		if before == 0x1 && b == exitSequence {
			restoreMode()

			return nil
		}

		before = b
	}
}

func (s *Serial) dlab() bool { return s.LCR&0x80 != 0 }

// In services a port-mapped read from the COM1 range.
func (s *Serial) In(port uint16, values []byte) error {
	reg := port - COM1Addr

	switch {
	case reg == 0 && !s.dlab():
		if len(s.inputChan) > 0 {
			values[0] = <-s.inputChan
		}
	case reg == 0 && s.dlab():
		values[0] = 0xc // baud rate 9600, low byte
	case reg == 1 && !s.dlab():
		values[0] = s.IER
	case reg == 1 && s.dlab():
		values[0] = 0x0 // baud rate 9600, high byte
	case reg == 5:
		values[0] |= 0x20 // THR empty
		values[0] |= 0x40 // data holding registers empty

		if len(s.inputChan) > 0 {
			values[0] |= 0x1 // data ready
		}
	}

	return nil
}

// Out services a port-mapped write to the COM1 range.
func (s *Serial) Out(port uint16, values []byte) error {
	reg := port - COM1Addr

	switch {
	case reg == 0 && !s.dlab():
		fmt.Fprintf(s.output, "%c", values[0])
	case reg == 1 && !s.dlab():
		s.IER = values[0]
		if s.IER != 0 {
			return s.irqInjector.InjectSerialIRQ()
		}
	case reg == 3:
		s.LCR = values[0]
	}

	return nil
}

// State is the serialized form of a UART's state, for checkpoint
// round-trips.
type State struct {
	IER byte
	LCR byte
}

// Save captures the UART's checkpoint-relevant state.
func (s *Serial) Save() State { return State{IER: s.IER, LCR: s.LCR} }

// Restore applies previously-saved state.
func (s *Serial) Restore(st State) { s.IER, s.LCR = st.IER, st.LCR }
