package kvmapi

import "unsafe"

const numInterrupts = 0x100

// Regs are the general purpose registers of a vCPU.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs reads the general purpose registers of a vCPU.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general purpose registers of a vCPU.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetRegs, unsafe.Sizeof(Regs{})), uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment is an x86 segment descriptor, as exposed by KVM_GET_SREGS.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDT/IDT pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs are the special (control/segment) registers of a vCPU.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs reads the special registers of a vCPU.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the special registers of a vCPU.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetSregs, unsafe.Sizeof(Sregs{})), uintptr(unsafe.Pointer(sregs)))

	return err
}

// DebugRegs are the x86 debug (DRn) registers.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs reads the debug registers of a vCPU.
func GetDebugRegs(vcpuFd uintptr, d *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetDebugRegs, unsafe.Sizeof(*d)), uintptr(unsafe.Pointer(d)))

	return err
}

// SetDebugRegs writes the debug registers of a vCPU.
func SetDebugRegs(vcpuFd uintptr, d *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetDebugRegs, unsafe.Sizeof(*d)), uintptr(unsafe.Pointer(d)))

	return err
}

// FPU is the x87/SSE floating point state of a vCPU.
type FPU struct {
	FPR          [8][16]uint8
	FCW          uint16
	FSW          uint16
	FTWX         uint8
	_            uint8
	LastOpcode   uint16
	LastIP       uint64
	LastDP       uint64
	XMM          [16][16]uint8
	MXCSR        uint32
	_            [4]uint32
}

// GetFPU reads the floating point state of a vCPU.
func GetFPU(vcpuFd uintptr, f *FPU) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetFPU, unsafe.Sizeof(*f)), uintptr(unsafe.Pointer(f)))

	return err
}

// SetFPU writes the floating point state of a vCPU.
func SetFPU(vcpuFd uintptr, f *FPU) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetFPU, unsafe.Sizeof(*f)), uintptr(unsafe.Pointer(f)))

	return err
}
