// Package portbus decodes the paravirtual host-call ABI: a guest I/O
// port write carries a guest-physical pointer to a packed request
// struct, which the handler reads, services, and writes results back
// into.
package portbus

import (
	"encoding/binary"
	"fmt"
)

// Port numbers, a published ABI the guest's syscall shims write to.
const (
	Write    uint16 = 0x400
	Open     uint16 = 0x440
	Close    uint16 = 0x480
	Read     uint16 = 0x500
	Exit     uint16 = 0x540
	Lseek    uint16 = 0x580
	NetInfo  uint16 = 0x600
	NetWrite uint16 = 0x640
	NetRead  uint16 = 0x680
	NetStat  uint16 = 0x700
	CmdSize  uint16 = 0x740
	CmdVal   uint16 = 0x780
)

// NetIRQ is the interrupt line the NetBridge raises on inbound traffic.
const NetIRQ = 11

// Translator resolves a guest-physical address into a host byte slice
// backed by the guest memory mapping.
type Translator func(gpa uint64, length int) []byte

// Handler services one port's request, given the guest-physical
// address the guest wrote into the port and a Translator to resolve
// pointers embedded in the request struct.
type Handler func(gpa uint64, tr Translator) error

// Bus is a table of port number to Handler, restricted to the sparse
// paravirtual range (0x400-0x780) this ABI defines.
type Bus struct {
	handlers map[uint16]Handler
	tr       Translator
}

// New builds an empty Bus that resolves guest-physical addresses
// through tr.
func New(tr Translator) *Bus {
	return &Bus{handlers: make(map[uint16]Handler), tr: tr}
}

// Register installs h as the handler for port.
func (b *Bus) Register(port uint16, h Handler) {
	b.handlers[port] = h
}

// Dispatch looks up the handler for port and invokes it with the
// guest-physical address carried in data (a little-endian uint32).
func (b *Bus) Dispatch(port uint16, data []byte) error {
	h, ok := b.handlers[port]
	if !ok {
		return fmt.Errorf("portbus: no handler registered for port %#x", port)
	}

	if len(data) < 4 {
		return fmt.Errorf("portbus: short io payload for port %#x: %d bytes", port, len(data))
	}

	gpa := uint64(binary.LittleEndian.Uint32(data))

	return h(gpa, b.tr)
}
