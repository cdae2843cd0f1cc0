// Package bootinfo defines the fixed-offset boot-info block a uhyve
// guest reads at startup, and loads a 64-bit ELF kernel image into
// guest physical memory ahead of it.
package bootinfo

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Field byte offsets inside the boot-info block, a published ABI the
// guest reads starting at the first loaded segment's base address.
const (
	OffBasePaddr      = 0x08
	OffMemLimit       = 0x10
	OffCPUFreqMHz     = 0x18
	OffBootBarrier    = 0x20
	OffPossibleCPUs   = 0x24
	OffCurrentCPU     = 0x30
	OffImageSize      = 0x38
	OffNumaNodes      = 0x60
	OffHypervisorTag  = 0x94
	OffIP             = 0xB0
	OffGateway        = 0xB4
	OffMask           = 0xB8
	OffHostMemBase    = 0xBC

	// Size is the total length of the structure, rounded up to cover
	// every field above.
	Size = 0xC4
)

var (
	// ErrNotELF64 is returned for anything but a 64-bit little-endian
	// ET_EXEC image.
	ErrNotELF64 = errors.New("bootinfo: kernel is not a 64-bit executable ELF")

	// ErrUnsupportedMachine is returned for an e_machine other than
	// the ones this monitor targets.
	ErrUnsupportedMachine = errors.New("bootinfo: unsupported ELF machine")

	// ErrWrongOSABI is returned when e_ident[EI_OSABI] doesn't carry
	// the hermit-os tag, i.e. the image is an ordinary Linux ELF
	// rather than a unikernel built for this monitor.
	ErrWrongOSABI = errors.New("bootinfo: kernel is not tagged with the hermit-os OS-ABI")

	// ErrZeroSizeKernel is returned when no PT_LOAD segment produced
	// any bytes.
	ErrZeroSizeKernel = errors.New("bootinfo: kernel image has no loadable segments")
)

// OSABIHermit is the e_ident[EI_OSABI] byte hermit-os kernels carry.
// DESIGN.md records this as an open gap: no teacher or original_source
// file pins the exact value, so this is a placeholder pending a
// confirmed constant from the hermit-os toolchain.
const OSABIHermit = elf.OSABI(0x42)

// Info is an in-memory builder for the boot-info block; Bytes renders
// it for a single write into guest memory.
type Info struct {
	BasePaddr     uint64
	MemLimit      uint64
	CPUFreqMHz    uint64
	PossibleCPUs  uint32
	NumaNodes     uint64
	HypervisorTag uint32
	IP            [4]byte
	Gateway       [4]byte
	Mask          [4]byte
	HostMemBase   uint64
}

// Bytes renders the boot-info block as a Size-byte slice ready to be
// copied into guest memory at the base of the first loaded segment.
func (b *Info) Bytes() []byte {
	buf := make([]byte, Size)

	binary.LittleEndian.PutUint64(buf[OffBasePaddr:], b.BasePaddr)
	binary.LittleEndian.PutUint64(buf[OffMemLimit:], b.MemLimit)
	binary.LittleEndian.PutUint64(buf[OffCPUFreqMHz:], b.CPUFreqMHz)
	// OffBootBarrier and OffCurrentCPU start at zero; the guest and
	// the AP boot loop are the only writers after this point.
	binary.LittleEndian.PutUint32(buf[OffPossibleCPUs:], b.PossibleCPUs)
	binary.LittleEndian.PutUint64(buf[OffNumaNodes:], b.NumaNodes)
	binary.LittleEndian.PutUint32(buf[OffHypervisorTag:], b.HypervisorTag)
	copy(buf[OffIP:], b.IP[:])
	copy(buf[OffGateway:], b.Gateway[:])
	copy(buf[OffMask:], b.Mask[:])
	binary.LittleEndian.PutUint64(buf[OffHostMemBase:], b.HostMemBase)

	return buf
}

// SetImageSize patches OffImageSize after the Loader has accumulated
// every PT_LOAD segment's memsz; it is the one field written after
// the initial Bytes() copy, directly into guest memory by the caller.
func SetImageSize(dst []byte, size uint64) {
	binary.LittleEndian.PutUint64(dst[OffImageSize:], size)
}

// SetNetwork parses dotted-quad IP/gateway/mask strings (any of which
// may be empty) into an Info's network fields.
func (b *Info) SetNetwork(ip, gateway, mask string) error {
	for _, f := range []struct {
		s   string
		dst *[4]byte
	}{{ip, &b.IP}, {gateway, &b.Gateway}, {mask, &b.Mask}} {
		if f.s == "" {
			continue
		}

		addr := net.ParseIP(f.s).To4()
		if addr == nil {
			return fmt.Errorf("bootinfo: invalid dotted-quad address %q", f.s)
		}

		copy(f.dst[:], addr)
	}

	return nil
}

// LoadResult is what Load reports back to the caller once the kernel
// image has been placed into guest memory.
type LoadResult struct {
	EntryPoint uint64
	ImageSize  uint64
	AMD64      bool
}

// kernelSpaceThreshold is the published lower bound an ELF entry point
// must exceed; anything below it cannot be a valid kernel-space entry.
const kernelSpaceThreshold = 0x100000

// elfMagic is the four-byte ELF identification prefix.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// LooksLikeELF reports whether r begins with the ELF magic, cheaply
// telling a unikernel ELF image apart from a legacy bzImage kernel
// without fully parsing either. Load itself still hard-fails on any
// ELF that parses but mismatches class/machine/OS-ABI — this check is
// only for picking which loader to run.
func LooksLikeELF(r io.ReaderAt) bool {
	var magic [4]byte

	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return false
	}

	return bytes.Equal(magic[:], elfMagic)
}

// Load parses a 64-bit little-endian ET_EXEC ELF for x86_64 or
// aarch64, places every PT_LOAD segment's file bytes into mem at
// p_paddr, and returns the entry point and accumulated image size.
// Segment bytes beyond filesz up to memsz are left zero, relying on
// mem already being zeroed.
func Load(mem []byte, r io.ReaderAt) (*LoadResult, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF64, err)
	}

	if f.Class != elf.ELFCLASS64 || f.Type != elf.ET_EXEC {
		return nil, ErrNotELF64
	}

	if f.OSABI != OSABIHermit {
		return nil, fmt.Errorf("%w: got %v", ErrWrongOSABI, f.OSABI)
	}

	switch f.Machine {
	case elf.EM_X86_64, elf.EM_AARCH64:
	default:
		return nil, ErrUnsupportedMachine
	}

	if f.Entry < kernelSpaceThreshold {
		return nil, fmt.Errorf("%w: entry point %#x below kernel-space threshold", ErrNotELF64, f.Entry)
	}

	var imageSize uint64

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if p.Paddr+p.Memsz > uint64(len(mem)) {
			return nil, fmt.Errorf("bootinfo: segment %d at %#x exceeds guest memory size", i, p.Paddr)
		}

		n, err := p.ReadAt(mem[p.Paddr:p.Paddr+p.Filesz], 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("bootinfo: reading segment %d at %#x: %w", i, p.Paddr, err)
		}

		if uint64(n) != p.Filesz {
			return nil, fmt.Errorf("bootinfo: segment %d at %#x: short read %d/%d bytes", i, p.Paddr, n, p.Filesz)
		}

		imageSize += p.Memsz
	}

	if imageSize == 0 {
		return nil, ErrZeroSizeKernel
	}

	return &LoadResult{
		EntryPoint: f.Entry,
		ImageSize:  imageSize,
		AMD64:      f.Machine == elf.EM_X86_64,
	}, nil
}
