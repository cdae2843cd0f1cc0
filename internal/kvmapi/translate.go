package kvmapi

import "unsafe"

// Translation is the result of a guest virtual-to-physical walk.
type Translation struct {
	LinearAddress uint64
	PhysicalAddress uint64
	Valid      uint8
	Writeable  uint8
	Usermode   uint8
	_          [5]uint8
}

// GetTranslate walks the guest's current page tables to resolve a
// virtual address to its physical address.
func GetTranslate(vcpuFd uintptr, vAddr uint64) (*Translation, error) {
	t := &Translation{LinearAddress: vAddr}

	_, err := Ioctl(vcpuFd, IIOWR(nrTranslate, unsafe.Sizeof(*t)), uintptr(unsafe.Pointer(t)))

	return t, err
}
