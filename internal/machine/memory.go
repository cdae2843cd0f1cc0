package machine

import (
	"fmt"
	"syscall"

	"uhyve/internal/kvmapi"
)

// MemorySlot is one guest-physical memory region registered with KVM.
// Regions are split around the 32-bit architectural gap when guest
// memory exceeds GapStart.
type MemorySlot struct {
	Slot    uint32
	GPAddr  uint64
	Size    uint64
	HostBuf []byte
}

// GuestMemory owns the single host mapping backing a VM's address
// space and the set of memory slots registered against it. The gap
// subrange (if any) is carved out of the same mapping with PROT_NONE
// so a stray host write or read faults instead of silently landing
// wherever the mapping happens to be backed.
type GuestMemory struct {
	Buf   []byte
	Slots []MemorySlot
}

// NewGuestMemory allocates size bytes of anonymous memory and splits
// it into one or two KVM memory slots around GapStart/GapSize.
func NewGuestMemory(vmFd uintptr, size int) (*GuestMemory, error) {
	buf, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("machine: mmap guest memory: %w", err)
	}

	gm := &GuestMemory{Buf: buf}

	if size <= GapStart {
		if err := gm.registerSlot(vmFd, 0, 0, uint64(size)); err != nil {
			return nil, err
		}

		return gm, nil
	}

	if err := gm.registerSlot(vmFd, 0, 0, GapStart); err != nil {
		return nil, err
	}

	if err := syscall.Mprotect(buf[GapStart:GapStart+GapSize], syscall.PROT_NONE); err != nil {
		return nil, fmt.Errorf("machine: protect memory gap: %w", err)
	}

	aboveStart := uint64(GapStart + GapSize)

	if err := gm.registerSlot(vmFd, 1, aboveStart, uint64(size)-aboveStart); err != nil {
		return nil, err
	}

	return gm, nil
}

func (gm *GuestMemory) registerSlot(vmFd uintptr, slot uint32, gpa, size uint64) error {
	region := &kvmapi.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: hostAddr(gm.Buf[gpa : gpa+size]),
	}

	if err := kvmapi.SetUserMemoryRegion(vmFd, region); err != nil {
		return fmt.Errorf("machine: SetUserMemoryRegion slot %d: %w", slot, err)
	}

	gm.Slots = append(gm.Slots, MemorySlot{Slot: slot, GPAddr: gpa, Size: size, HostBuf: gm.Buf[gpa : gpa+size]})

	return nil
}

// InGap reports whether a guest-physical address falls inside the
// protected gap.
func InGap(gpa uint64, memSize int) bool {
	return memSize > GapStart && gpa >= GapStart && gpa < GapStart+GapSize
}

// EnableDirtyLogging turns on dirty-page tracking for every slot, for
// the incremental checkpoint path.
func (gm *GuestMemory) EnableDirtyLogging(vmFd uintptr) error {
	for i := range gm.Slots {
		s := gm.Slots[i]

		region := &kvmapi.UserspaceMemoryRegion{
			Slot:          s.Slot,
			GuestPhysAddr: s.GPAddr,
			MemorySize:    s.Size,
			UserspaceAddr: hostAddr(s.HostBuf),
		}
		region.SetMemLogDirtyPages()

		if err := kvmapi.SetUserMemoryRegion(vmFd, region); err != nil {
			return fmt.Errorf("machine: enable dirty logging slot %d: %w", s.Slot, err)
		}
	}

	return nil
}

// DirtyBitmap fetches and clears the dirty-page bitmap for one slot.
func (gm *GuestMemory) DirtyBitmap(vmFd uintptr, slotIdx int) ([]uint64, error) {
	s := gm.Slots[slotIdx]
	nPages := (s.Size + 4095) / 4096
	words := (nPages + 63) / 64
	bitmap := make([]uint64, words)

	if err := kvmapi.GetDirtyLog(vmFd, s.Slot, bitmap); err != nil {
		return nil, fmt.Errorf("machine: GetDirtyLog slot %d: %w", s.Slot, err)
	}

	return bitmap, nil
}
