package kvmapi

import "unsafe"

// maxMSREntries bounds the fixed MSR arrays below, matching the size
// the teacher's retrieval snapshot probes with.
const maxMSREntries = 100

// MSRList is the kernel's advertised list of MSR indices it will let
// us read/write via GetMSRs/SetMSRs.
type MSRList struct {
	NMSRs    uint32
	Indicies [maxMSREntries]uint32
}

// GetMSRIndexList fetches the supported MSR index list. It follows the
// two-phase probe KVM requires: NMSRs is first set to the capacity of
// Indicies, and E2BIG means the caller's array is too small.
func GetMSRIndexList(kvmFd uintptr) (*MSRList, error) {
	l := &MSRList{NMSRs: maxMSREntries}

	_, err := Ioctl(kvmFd, IIOWR(nrGetMSRIndexList, unsafe.Sizeof(*l)), uintptr(unsafe.Pointer(l)))

	return l, err
}

// MSREntry is one (index, value) MSR pair.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRS is a fixed-capacity array of MSR entries, used for both
// KVM_GET_MSRS and KVM_SET_MSRS.
type MSRS struct {
	NMSRs   uint32
	Padding uint32
	Entries [maxMSREntries]MSREntry
}

// GetMSRs reads the current value of each MSR named by index in msrs.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOWR(nrGetMSRs, unsafe.Sizeof(*msrs)), uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes msrs.NMSRs (index, data) pairs into the vCPU.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetMSRs, unsafe.Sizeof(*msrs)), uintptr(unsafe.Pointer(msrs)))

	return err
}
