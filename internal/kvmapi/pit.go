package kvmapi

import "unsafe"

// pitChannelState mirrors one channel of the 8254 PIT.
type pitChannelState struct {
	Count       uint32
	LatchedCount uint16
	CountLatched uint8
	StatusLatched uint8
	Status      uint8
	ReadState   uint8
	WriteState  uint8
	WriteLatch  uint8
	RWMode      uint8
	Mode        uint8
	BCD         uint8
	Gate        uint8
	CountLoadTime int64
}

// PITState2 is the full state of the in-kernel programmable interval
// timer, as exposed by KVM_GET/SET_PIT2.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	Reserved [9]uint32
}

// GetPIT2 reads the state of the in-kernel PIT.
func GetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(nrGetPIT2, unsafe.Sizeof(*p)), uintptr(unsafe.Pointer(p)))

	return err
}

// SetPIT2 writes the state of the in-kernel PIT.
func SetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(nrSetPIT2, unsafe.Sizeof(*p)), uintptr(unsafe.Pointer(p)))

	return err
}
