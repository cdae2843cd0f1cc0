package kvmapi

import "unsafe"

// dirtyLog requests the dirty-page bitmap for one memory slot. BitMap
// points at caller-allocated storage sized (slotPages+63)/64*8 bytes.
type dirtyLog struct {
	Slot    uint32
	Padding uint32
	BitMap  uint64
}

// GetDirtyLog fetches and clears the dirty-page bitmap for the memory
// slot identified by slot, writing set bits into bitmap (one bit per
// guest page, LSB first).
func GetDirtyLog(vmFd uintptr, slot uint32, bitmap []uint64) error {
	d := dirtyLog{Slot: slot, BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}

	_, err := Ioctl(vmFd, IIOW(nrGetDirtyLog, unsafe.Sizeof(d)), uintptr(unsafe.Pointer(&d)))

	return err
}
