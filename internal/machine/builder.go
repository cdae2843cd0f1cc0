// Package machine builds a KVM-backed virtual machine (MachineBuilder)
// and runs its vCPUs (VcpuSet).
package machine

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"uhyve/internal/kvmapi"

	"golang.org/x/sync/errgroup"
)

// expectedAPIVersion is the only KVM API version this monitor speaks.
const expectedAPIVersion = 12

var (
	// ErrMemTooSmall is returned when the requested guest memory size
	// is below MinMemSize.
	ErrMemTooSmall = fmt.Errorf("machine: memory request must be at least %#x", MinMemSize)

	// ErrAPIVersion is returned when /dev/kvm reports an API version
	// other than expectedAPIVersion.
	ErrAPIVersion = fmt.Errorf("machine: unexpected KVM API version")

	// ErrIRQFDRequired is returned when the host lacks KVM_CAP_IRQFD
	// on a platform that needs it.
	ErrIRQFDRequired = fmt.Errorf("machine: host KVM lacks irqfd support")
)

// Capabilities records the host capability probe MachineBuilder runs
// once at startup.
type Capabilities struct {
	TSCDeadline       bool
	IRQChip           bool
	AdjustClockStable bool
	IRQFD             bool
	ReadonlyMem       bool
	DirtyLog          bool
}

// Machine is the VM this monitor owns: one guest memory mapping, the
// in-kernel IRQCHIP/PIT, and one vCPU fd + run buffer per core.
type Machine struct {
	devKVM *os.File
	kvmFd  uintptr
	vmFd   uintptr

	vcpuFds []uintptr
	runs    []*kvmapi.RunData

	Mem  *GuestMemory
	Caps Capabilities

	ioportHandlers [0x10000][2]IOPortFunc

	pauseGate      *PauseGate
	checkpointHook func(cpu int) error
}

// EnableCheckpointing installs the pause gate and per-vCPU serialize
// callback a Checkpointer uses to coordinate a snapshot barrier; nil
// hook or gate disables the RunLoop's Checkpoint call.
func (m *Machine) EnableCheckpointing(gate *PauseGate, hook func(cpu int) error) {
	m.pauseGate, m.checkpointHook = gate, hook
}

// IOPortFunc handles one direction (in or out) of one I/O port.
type IOPortFunc func(port uint16, data []byte) error

// Config is the set of parameters MachineBuilder.Build needs.
type Config struct {
	KVMPath string
	NCPUs   int
	MemSize int
}

// Build opens the host virtualization device, creates the VM object,
// allocates guest memory, installs the interrupt controller, and
// creates nCPUs vCPUs, in the ordering MachineBuilder < VcpuSet
// requires.
func Build(cfg Config) (*Machine, error) {
	if cfg.MemSize < MinMemSize {
		return nil, ErrMemTooSmall
	}

	devKVM, err := os.OpenFile(cfg.KVMPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("machine: open %s: %w", cfg.KVMPath, err)
	}

	m := &Machine{devKVM: devKVM, kvmFd: devKVM.Fd()}

	ver, err := kvmapi.GetAPIVersion(m.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("machine: GetAPIVersion: %w", err)
	}

	if ver != expectedAPIVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrAPIVersion, ver, expectedAPIVersion)
	}

	if m.vmFd, err = kvmapi.CreateVM(m.kvmFd); err != nil {
		return nil, fmt.Errorf("machine: CreateVM: %w", err)
	}

	if err := kvmapi.SetTSSAddr(m.vmFd, 0xffffd000); err != nil {
		return nil, fmt.Errorf("machine: SetTSSAddr: %w", err)
	}

	if err := kvmapi.SetIdentityMapAddr(m.vmFd, 0xffffc000); err != nil {
		return nil, fmt.Errorf("machine: SetIdentityMapAddr: %w", err)
	}

	if err := kvmapi.CreateIRQChip(m.vmFd); err != nil {
		return nil, fmt.Errorf("machine: CreateIRQChip: %w", err)
	}

	if err := kvmapi.CreatePIT2(m.vmFd); err != nil {
		return nil, fmt.Errorf("machine: CreatePIT2: %w", err)
	}

	if err := m.probeCapabilities(); err != nil {
		return nil, err
	}

	if err := m.initIOAPIC(); err != nil {
		return nil, fmt.Errorf("machine: init IOAPIC: %w", err)
	}

	if m.Mem, err = NewGuestMemory(m.vmFd, cfg.MemSize); err != nil {
		return nil, err
	}

	if err := m.createVCPUs(cfg.NCPUs); err != nil {
		return nil, err
	}

	for i := HighMemBase; i < len(m.Mem.Buf); i += len(Poison) {
		if InGap(uint64(i), len(m.Mem.Buf)) {
			continue
		}

		copy(m.Mem.Buf[i:], Poison)
	}

	return m, nil
}

func (m *Machine) probeCapabilities() error {
	check := func(cap kvmapi.Capability) bool {
		v, err := kvmapi.CheckExtension(m.vmFd, cap)

		return err == nil && v > 0
	}

	m.Caps = Capabilities{
		TSCDeadline:       check(kvmapi.CapTSCDeadline),
		IRQChip:           check(kvmapi.CapIRQChip),
		AdjustClockStable: check(kvmapi.CapAdjustClock),
		IRQFD:             check(kvmapi.CapIRQFD),
		ReadonlyMem:       check(kvmapi.CapUserMemory),
	}

	if n, err := kvmapi.CheckExtension(m.kvmFd, kvmapi.CapNRMemSlots); err == nil && n > 0 {
		m.Caps.DirtyLog = true
	}

	return nil
}

// ioapicRedirEntries is the number of redirection-table entries on the
// emulated IOAPIC.
const ioapicRedirEntries = 24

// initIOAPIC initializes the IOAPIC redirection table so pin n maps
// to vector 0x20+n, unmasked, except pin 2 (the PIC cascade line,
// which stays masked since this monitor never injects through it).
func (m *Machine) initIOAPIC() error {
	const maskedBit = 1 << 16

	chip, err := kvmapi.GetIRQChip(m.vmFd, kvmapi.IRQChipIOAPIC)
	if err != nil {
		return err
	}

	for pin := 0; pin < ioapicRedirEntries; pin++ {
		entry := uint64(0x20+pin) // vector
		if pin == 2 {
			entry |= maskedBit
		}

		off := pin * 8
		*(*uint64)(unsafe.Pointer(&chip.Payload[off])) = entry
	}

	return kvmapi.SetIRQChip(m.vmFd, chip)
}

func (m *Machine) createVCPUs(nCPUs int) error {
	mmapSize, err := kvmapi.GetVCPUMMapSize(m.kvmFd)
	if err != nil {
		return fmt.Errorf("machine: GetVCPUMMapSize: %w", err)
	}

	m.vcpuFds = make([]uintptr, nCPUs)
	m.runs = make([]*kvmapi.RunData, nCPUs)

	for cpu := 0; cpu < nCPUs; cpu++ {
		fd, err := kvmapi.CreateVCPU(m.vmFd, cpu)
		if err != nil {
			return fmt.Errorf("machine: CreateVCPU(%d): %w", cpu, err)
		}

		m.vcpuFds[cpu] = fd

		if err := m.initCPUID(cpu); err != nil {
			return fmt.Errorf("machine: initCPUID(%d): %w", cpu, err)
		}

		r, err := syscall.Mmap(int(fd), 0, int(mmapSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("machine: mmap vCPU %d run buffer: %w", cpu, err)
		}

		m.runs[cpu] = (*kvmapi.RunData)(unsafe.Pointer(&r[0]))
	}

	return nil
}

func (m *Machine) initCPUID(cpu int) error {
	cpuid := kvmapi.CPUID{Nent: maxCPUIDEntries}

	if err := kvmapi.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case kvmapi.CPUIDFuncPerMon:
			cpuid.Entries[i].Eax = 0
		case kvmapi.CPUIDSignature:
			cpuid.Entries[i].Eax = kvmapi.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // "KVMK"
			cpuid.Entries[i].Ecx = 0x564b4d56 // "VMKV"
			cpuid.Entries[i].Edx = 0x4d       // "M"
		}
	}

	return kvmapi.SetCPUID2(m.vcpuFds[cpu], &cpuid)
}

// maxCPUIDEntries mirrors kvmapi's internal cap; kept here to avoid an
// import cycle since kvmapi does not export it.
const maxCPUIDEntries = 100

// NCPUs returns the number of configured vCPUs.
func (m *Machine) NCPUs() int { return len(m.vcpuFds) }

// VMFd returns the VM file descriptor, for packages (checkpoint,
// netbridge) that issue ioctls MachineBuilder does not itself wrap.
func (m *Machine) VMFd() uintptr { return m.vmFd }

// KVMFd returns the /dev/kvm file descriptor, needed for system-wide
// ioctls like GetMSRIndexList.
func (m *Machine) KVMFd() uintptr { return m.kvmFd }

// VCPUFd returns the fd for vCPU cpu.
func (m *Machine) VCPUFd(cpu int) uintptr { return m.vcpuFds[cpu] }

// Close tears down the VM: vCPU mmaps and fds, the memory mapping, and
// the VM/device fds, in reverse construction order.
func (m *Machine) Close() error {
	var eg errgroup.Group

	for _, fd := range m.vcpuFds {
		fd := fd

		eg.Go(func() error {
			return syscall.Close(int(fd))
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	if m.Mem != nil && len(m.Mem.Buf) > 0 {
		if err := syscall.Munmap(m.Mem.Buf); err != nil {
			return err
		}
	}

	if err := syscall.Close(int(m.vmFd)); err != nil {
		return err
	}

	return m.devKVM.Close()
}
