package kvmapi

import "unsafe"

const maxXCRs = 16

// xcr is one extended control register (index, value) pair.
type xcr struct {
	XCR      uint32
	Reserved uint32
	Value    uint64
}

// XCRS is the vCPU's extended control register file (XCR0 and any
// future additions), as exposed by KVM_GET/SET_XCRS.
type XCRS struct {
	NRXCRs   uint32
	Flags    uint32
	Entries  [maxXCRs]xcr
	Padding  [16]uint64
}

// GetXCRS reads the extended control registers of a vCPU.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetXCRS, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS writes the extended control registers of a vCPU.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetXCRS, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}
