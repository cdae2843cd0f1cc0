// Package netbridge attaches a host TAP device to the paravirtual
// NETINFO/NETWRITE/NETREAD/NETSTAT ports.
package netbridge

import (
	"fmt"
	"syscall"
	"unsafe"
)

const ifNameSize = 0x10

// Tap is a non-blocking handle on a host /dev/net/tun TAP interface.
type Tap struct {
	fd int
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

func fcntl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// NewTap opens and configures a TAP interface named name: non-blocking,
// SIGIO-on-ready, no packet-info header.
func NewTap(name string) (*Tap, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netbridge: open /dev/net/tun: %w", err)
	}

	t := &Tap{fd: fd}

	ifr := ifReq{Flags: syscall.IFF_TAP | syscall.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, err := ioctl(uintptr(t.fd), syscall.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
		return nil, fmt.Errorf("netbridge: TUNSETIFF: %w", err)
	}

	if _, err := fcntl(uintptr(t.fd), syscall.F_SETSIG, 0); err != nil {
		return nil, fmt.Errorf("netbridge: F_SETSIG: %w", err)
	}

	flags, err := fcntl(uintptr(t.fd), syscall.F_GETFL, 0)
	if err != nil {
		return nil, fmt.Errorf("netbridge: F_GETFL: %w", err)
	}

	if _, err := fcntl(uintptr(t.fd), syscall.F_SETFL, flags|syscall.O_NONBLOCK|syscall.O_ASYNC); err != nil {
		return nil, fmt.Errorf("netbridge: F_SETFL: %w", err)
	}

	return t, nil
}

// Close releases the TAP file descriptor.
func (t *Tap) Close() error { return syscall.Close(t.fd) }

// Write sends one frame to the TAP device.
func (t *Tap) Write(buf []byte) (int, error) { return syscall.Write(t.fd, buf) }

// Read receives one frame from the TAP device; returns EAGAIN when
// nothing is available, since the fd is non-blocking.
func (t *Tap) Read(buf []byte) (int, error) { return syscall.Read(t.fd, buf) }

// FD exposes the raw descriptor for poll(2)-style readiness checks.
func (t *Tap) FD() int { return t.fd }
