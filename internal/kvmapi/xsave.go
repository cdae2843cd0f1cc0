package kvmapi

import "unsafe"

// xsaveRegionWords is the size of struct kvm_xsave's region, in
// 32-bit words (4 KiB total).
const xsaveRegionWords = 1024

// XSave is the extended (AVX and beyond) processor state area, saved
// and restored as one opaque blob.
type XSave struct {
	Region [xsaveRegionWords]uint32
}

// GetXSave reads a vCPU's extended state area.
func GetXSave(vcpuFd uintptr, x *XSave) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetXSave, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXSave writes a vCPU's extended state area.
func SetXSave(vcpuFd uintptr, x *XSave) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetXSave, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}
