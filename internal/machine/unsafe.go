package machine

import (
	"unsafe"

	"uhyve/internal/kvmapi"
)

// hostAddr returns the host virtual address backing buf, for
// installing as a KVM UserspaceAddr.
func hostAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// HostMemBase returns the host virtual address backing guest memory,
// published into BootInfo.HostMemBase so the guest can translate its
// own physical addresses to host addresses for shared-memory I/O.
func (m *Machine) HostMemBase() uint64 { return hostAddr(m.Mem.Buf) }

// runBase returns the address of the kvm_run mmap page run itself
// points into, which is the base RunData.IO resolves its data offset
// against.
func runBase(run *kvmapi.RunData) uintptr {
	return uintptr(unsafe.Pointer(run))
}
