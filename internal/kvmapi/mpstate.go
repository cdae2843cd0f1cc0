package kvmapi

import "unsafe"

// Multiprocessing states a vCPU can be in, mirroring KVM_MP_STATE_*.
const (
	MPStateRunnable = 0
	MPStateUninitialized = 1
	MPStateInitReceived = 2
	MPStateHalted = 3
	MPStateSipiReceived = 4
)

// MPState wraps the KVM_MP_STATE_* enum above.
type MPState struct {
	MPState uint32
}

// GetMPState reads the multiprocessing state of a vCPU.
func GetMPState(vcpuFd uintptr, m *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetMPState, unsafe.Sizeof(*m)), uintptr(unsafe.Pointer(m)))

	return err
}

// SetMPState writes the multiprocessing state of a vCPU.
func SetMPState(vcpuFd uintptr, m *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetMPState, unsafe.Sizeof(*m)), uintptr(unsafe.Pointer(m)))

	return err
}
