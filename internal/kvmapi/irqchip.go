package kvmapi

import "unsafe"

// In-kernel interrupt controller identifiers, mirroring KVM_IRQCHIP_*.
const (
	IRQChipPIC0   = 0
	IRQChipPIC1   = 1
	IRQChipIOAPIC = 2
)

// irqChipPayloadSize is large enough to hold the biggest of the PIC or
// IOAPIC state union members.
const irqChipPayloadSize = 512

// IRQChip is the state of one chip (PIC0, PIC1 or IOAPIC) within the
// in-kernel interrupt controller. Chip selects which union member
// Payload holds; callers that need the decoded fields index into
// Payload directly rather than through named structs, since it is
// opaque state round-tripped through save/restore rather than
// inspected.
type IRQChip struct {
	Chip    uint32
	Payload [irqChipPayloadSize]uint8
}

// GetIRQChip reads the state of one in-kernel interrupt controller chip.
func GetIRQChip(vmFd uintptr, chip uint32) (*IRQChip, error) {
	c := &IRQChip{Chip: chip}

	_, err := Ioctl(vmFd, IIOR(nrGetIRQChip, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return c, err
}

// SetIRQChip writes the state of one in-kernel interrupt controller chip.
func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOW(nrSetIRQChip, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}
