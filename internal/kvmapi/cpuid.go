package kvmapi

import "unsafe"

// KVM-defined synthetic CPUID leaves for the hypervisor-present ABI.
const (
	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001

	// CPUIDFuncPerMon is the architectural performance-monitoring leaf,
	// zeroed per spec so the guest never sees host PMU details.
	CPUIDFuncPerMon = 0x0A
)

// CPUIDEntry2 is one CPUID leaf/index pair and its result registers.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// maxCPUIDEntries bounds the fixed entry array, matching the size the
// teacher's retrieval snapshot probes with (Nent = 100).
const maxCPUIDEntries = 100

// CPUID is the set of CPUID leaves returned by, or installed into, a
// vCPU or the whole KVM instance.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// cpuidHeaderSize is the struct size the CPUID ioctl numbers encode:
// the nent/padding header only, without the entry array.
const cpuidHeaderSize = unsafe.Sizeof(CPUID{}.Nent) + unsafe.Sizeof(CPUID{}.Padding)

// GetSupportedCPUID fetches every CPUID leaf the host/KVM combination
// supports.
func GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(nrGetSupportedCPUID, cpuidHeaderSize), uintptr(unsafe.Pointer(c)))

	return err
}

// SetCPUID2 installs a filtered CPUID leaf set into a vCPU.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetCPUID2, cpuidHeaderSize), uintptr(unsafe.Pointer(c)))

	return err
}
