package kvmapi

import "unsafe"

// lapicRegsSize is the byte size (1 KiB) of the local APIC register
// area as exposed by KVM_GET/SET_LAPIC.
const lapicRegsSize = 0x400

// LAPICState is a raw dump of the local APIC's memory-mapped register
// page.
type LAPICState struct {
	Regs [lapicRegsSize]uint8
}

// GetLocalAPIC reads the local APIC state of a vCPU.
func GetLocalAPIC(vcpuFd uintptr, l *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetLAPIC, unsafe.Sizeof(*l)), uintptr(unsafe.Pointer(l)))

	return err
}

// SetLocalAPIC writes the local APIC state of a vCPU.
func SetLocalAPIC(vcpuFd uintptr, l *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetLAPIC, unsafe.Sizeof(*l)), uintptr(unsafe.Pointer(l)))

	return err
}
