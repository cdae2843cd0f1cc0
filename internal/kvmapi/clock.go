package kvmapi

import "unsafe"

// ClockFlagTSCStable marks the clock value as derived from a stable TSC.
const ClockFlagTSCStable = 1 << 1

// ClockData is the guest's view of the KVM paravirtual clock.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	Pad0     uint32
	Padding  [9]uint32
}

// GetClock reads the current KVM clock value.
func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(nrGetClock, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}

// SetClock restores a previously saved KVM clock value.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(nrSetClock, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}
