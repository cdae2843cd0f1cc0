package netbridge

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"uhyve/internal/portbus"
)

// IRQInjector raises the network IRQ line. New keeps the injector in
// the Bridge, but no Bridge method calls it: the guest learns that a
// frame is ready to read only through NETSTAT.
type IRQInjector interface {
	InjectNetIRQ() error
}

// ErrInvalidMAC is returned for a malformed MAC override (the --mac
// flag or HERMIT_NETIF_MAC).
var ErrInvalidMAC = errors.New("netbridge: invalid MAC address")

// Bridge bridges the paravirtual network ports to a host TAP fd.
type Bridge struct {
	tap *Tap
	mac net.HardwareAddr
	irq IRQInjector
}

// New attaches to ifName (or "@<fd>" to inherit an already-open
// descriptor) and resolves the guest's MAC address: overrideMAC if
// non-empty (a malformed one returns ErrInvalidMAC), otherwise a
// randomly generated locally-administered unicast address.
func New(ifName, overrideMAC string, irq IRQInjector) (*Bridge, error) {
	tap, err := attach(ifName)
	if err != nil {
		return nil, err
	}

	mac, err := resolveMAC(overrideMAC)
	if err != nil {
		return nil, err
	}

	return &Bridge{tap: tap, mac: mac, irq: irq}, nil
}

func attach(ifName string) (*Tap, error) {
	if len(ifName) > 1 && ifName[0] == '@' {
		fd, err := parseInheritedFD(ifName[1:])
		if err != nil {
			return nil, err
		}

		return &Tap{fd: fd}, nil
	}

	return NewTap(ifName)
}

func parseInheritedFD(s string) (int, error) {
	var fd int

	if _, err := fmt.Sscanf(s, "%d", &fd); err != nil {
		return 0, fmt.Errorf("netbridge: invalid inherited fd %q: %w", s, err)
	}

	return fd, nil
}

func resolveMAC(override string) (net.HardwareAddr, error) {
	if override != "" {
		mac, err := net.ParseMAC(override)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMAC, err)
		}

		return mac, nil
	}

	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("netbridge: generating MAC: %w", err)
	}

	buf[0] = (buf[0] | 0x02) &^ 0x01 // locally administered, unicast

	return net.HardwareAddr(buf), nil
}

// MACString formats the bridge's MAC as "xx:xx:xx:xx:xx:xx".
func (b *Bridge) MACString() string { return b.mac.String() }

// Close releases the underlying TAP descriptor.
func (b *Bridge) Close() error { return b.tap.Close() }

// NetInfoHandler copies the bridge's MAC string into the guest's
// netinfo struct.
func (b *Bridge) NetInfoHandler() portbus.Handler {
	return func(gpa uint64, tr portbus.Translator) error {
		buf := tr(gpa, portbus.NetInfoReqSize)
		copy(buf, b.MACString())

		return nil
	}
}

// NetWriteHandler writes one guest frame to the TAP device.
func (b *Bridge) NetWriteHandler() portbus.Handler {
	return func(gpa uint64, tr portbus.Translator) error {
		req := tr(gpa, portbus.NetIOReqSize)

		dataAddr, length := decodeNetIO(req)
		data := tr(dataAddr, length)

		n, err := b.tap.Write(data)
		if err != nil {
			n = -1
		}

		encodeRet(req, n)

		return nil
	}
}

// NetReadHandler performs one non-blocking read from the TAP device
// into the guest's buffer.
func (b *Bridge) NetReadHandler() portbus.Handler {
	return func(gpa uint64, tr portbus.Translator) error {
		req := tr(gpa, portbus.NetIOReqSize)

		dataAddr, length := decodeNetIO(req)
		data := tr(dataAddr, length)

		n, err := b.tap.Read(data)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				encodeRet(req, -1)

				return nil
			}

			return err
		}

		encodeLen(req, n)
		encodeRet(req, n)

		return nil
	}
}

// NetStatHandler reports whether the TAP fd currently has a frame
// ready to read.
func (b *Bridge) NetStatHandler() portbus.Handler {
	return func(gpa uint64, tr portbus.Translator) error {
		req := tr(gpa, portbus.NetStatReqSize)

		status := portbus.NetStatIdle
		if b.pollReadable() {
			status = portbus.NetStatReadable
		}

		encodeU32(req, status)

		return nil
	}
}

func (b *Bridge) pollReadable() bool {
	const pollIn = 0x1

	// struct pollfd, polled with a zero timeout.
	fds := [1]struct {
		Fd      int32
		Events  int16
		Revents int16
	}{{Fd: int32(b.tap.FD()), Events: pollIn}}

	n, _, errno := syscall.Syscall(syscall.SYS_POLL, uintptr(unsafe.Pointer(&fds[0])), 1, 0)

	return errno == 0 && n > 0 && fds[0].Revents&pollIn != 0
}
