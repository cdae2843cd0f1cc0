package kvmapi

import "unsafe"

// GetAPIVersion returns the KVM API version, which must equal 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrCreateVM), 0)
}

// CreateVCPU creates vCPU number id within the VM and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(nrCreateVCPU), uintptr(id))
}

// Run re-enters guest execution on the given vCPU until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(nrRun), 0)

	return err
}

// GetVCPUMMapSize returns the size of the shared kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetVCPUMMapSize), 0)
}

// UserspaceMemoryRegion describes one guest-physical memory slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Memory region flag bits.
const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1
)

// SetMemLogDirtyPages marks the region for dirty-page tracking.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= memLogDirtyPages }

// SetMemReadonly marks the region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= memReadonly }

// SetUserMemoryRegion installs or updates a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the guest-physical address of the task-state segment
// used internally by the processor for real-mode emulation.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of the one-page identity map KVM
// uses internally when entering real mode.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	a := uint64(addr)

	_, err := Ioctl(vmFd, IIOW(nrSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&a)))

	return err
}

// CreateIRQChip creates an in-kernel interrupt controller (PIC+IOAPIC
// on x86_64).
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel programmable interval timer.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{}

	_, err := Ioctl(vmFd, IIOW(nrCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}
