package kvmapi

import "unsafe"

// irqLevel sets or clears one IRQ line on the in-kernel interrupt
// controller.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises (level=1) or lowers (level=0) the given IRQ line.
func IRQLine(vmFd uintptr, irq uint32, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}

	_, err := Ioctl(vmFd, IIOW(nrIRQLine, unsafe.Sizeof(l)), uintptr(unsafe.Pointer(&l)))

	return err
}
