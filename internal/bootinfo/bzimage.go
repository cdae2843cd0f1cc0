package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrBzImageSignature is returned when a purported bzImage kernel
// lacks the "HdrS" magic at its header offset.
var ErrBzImageSignature = errors.New("bootinfo: signature not found in bzImage")

const bzImageMagic = 0x53726448 // "HdrS"

// bzHeader mirrors the Linux x86 boot protocol header, read starting
// at file offset 0x01F1.
type bzHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// Load-flags bits this loader sets.
const (
	flagCanUseHeap  = 1 << 7
	flagLoadedHigh  = 1 << 0
	flagKeepSegments = 1 << 6
)

// E820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// e820Entry is one BIOS memory-map record.
type e820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

const (
	offE820Count   = 0x1E8
	offE820Entries = 0x2D0
	maxE820Entries = 128

	bzHeaderFileOffset = 0x01F1
)

// BZParam is the bzImage boot-parameter page: the protocol header plus
// the E820 table, laid out at the same byte offsets the kernel's
// setup code expects to find them at guest-physical bootParamAddr.
type BZParam struct {
	Hdr  bzHeader
	e820 []e820Entry
}

// NewBZParam reads a bzImage's boot protocol header out of raw, the
// full kernel file content.
func NewBZParam(raw []byte) (*BZParam, error) {
	if len(raw) < bzHeaderFileOffset {
		return nil, ErrBzImageSignature
	}

	p := &BZParam{}

	r := bytes.NewReader(raw[bzHeaderFileOffset:])
	if err := binary.Read(r, binary.LittleEndian, &p.Hdr); err != nil {
		return nil, err
	}

	if p.Hdr.Header != bzImageMagic {
		return nil, ErrBzImageSignature
	}

	return p, nil
}

// AddE820Entry appends one BIOS memory-map record.
func (p *BZParam) AddE820Entry(addr, size uint64, typ uint32) {
	p.e820 = append(p.e820, e820Entry{Addr: addr, Size: size, Type: typ})
}

// Bytes renders the boot-parameter page (header plus E820 table) for
// a single copy into guest memory at bootParamAddr.
func (p *BZParam) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &p.Hdr); err != nil {
		return nil, err
	}

	out := make([]byte, offE820Entries)
	copy(out[bzHeaderFileOffset:], buf.Bytes())

	if offE820Count+1 > len(out) {
		out = append(out, make([]byte, offE820Count+1-len(out))...)
	}

	out[offE820Count] = byte(len(p.e820))

	for i, e := range p.e820 {
		if i >= maxE820Entries {
			break
		}

		entry := make([]byte, 20)
		binary.LittleEndian.PutUint64(entry[0:], e.Addr)
		binary.LittleEndian.PutUint64(entry[8:], e.Size)
		binary.LittleEndian.PutUint32(entry[16:], e.Type)

		off := offE820Entries + i*20
		if off+20 > len(out) {
			out = append(out, make([]byte, off+20-len(out))...)
		}

		copy(out[off:], entry)
	}

	return out, nil
}

// LoadBzImage loads a legacy bzImage kernel plus an optional initrd
// into mem, in the shape the Linux x86 boot protocol expects:
// real-mode setup code is skipped, the 32-bit kernel is placed at
// kernelAddr, and the boot-parameter page (with E820 table) is placed
// at paramAddr.
func LoadBzImage(mem []byte, kernel io.ReaderAt, raw []byte, initrd io.ReaderAt,
	params string, kernelAddr, paramAddr, cmdlineAddr, initrdAddr uint64,
) (*BZParam, int, error) {
	bp, err := NewBZParam(raw)
	if err != nil {
		return nil, 0, err
	}

	initrdSize, err := initrd.ReadAt(mem[initrdAddr:], 0)
	if err != nil && initrdSize == 0 && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}

	copy(mem[cmdlineAddr:], params)
	mem[cmdlineAddr+uint64(len(params))] = 0

	bp.Hdr.VidMode = 0xFFFF
	bp.Hdr.TypeOfLoader = 0xFF
	bp.Hdr.RamdiskImage = uint32(initrdAddr)
	bp.Hdr.RamdiskSize = uint32(initrdSize)
	bp.Hdr.LoadFlags |= flagCanUseHeap | flagLoadedHigh | flagKeepSegments
	bp.Hdr.HeapEndPtr = 0xFE00
	bp.Hdr.ExtLoaderVer = 0
	bp.Hdr.CmdlinePtr = uint32(cmdlineAddr)
	bp.Hdr.CmdlineSize = uint32(len(params) + 1)

	setupSize := int(bp.Hdr.SetupSects+1) * 512

	kernSize, err := kernel.ReadAt(mem[kernelAddr:], int64(setupSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}

	if kernSize == 0 {
		return nil, 0, ErrZeroSizeKernel
	}

	b, err := bp.Bytes()
	if err != nil {
		return nil, 0, err
	}

	copy(mem[paramAddr:], b)

	return bp, kernSize, nil
}
