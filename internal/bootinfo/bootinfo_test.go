package bootinfo

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestInfoBytesOffsets(t *testing.T) {
	info := &Info{
		BasePaddr:     0x100000,
		MemLimit:      64 << 20,
		CPUFreqMHz:    2000,
		PossibleCPUs:  4,
		NumaNodes:     1,
		HypervisorTag: 1,
		HostMemBase:   0x7f0000000000,
	}

	buf := info.Bytes()

	if len(buf) != Size {
		t.Fatalf("len(Bytes()) = %d, want %d", len(buf), Size)
	}

	if got := binary.LittleEndian.Uint64(buf[OffBasePaddr:]); got != info.BasePaddr {
		t.Errorf("base_paddr = %#x, want %#x", got, info.BasePaddr)
	}

	if got := binary.LittleEndian.Uint64(buf[OffMemLimit:]); got != info.MemLimit {
		t.Errorf("mem_limit = %#x, want %#x", got, info.MemLimit)
	}

	if got := binary.LittleEndian.Uint32(buf[OffPossibleCPUs:]); got != info.PossibleCPUs {
		t.Errorf("possible_cpus = %d, want %d", got, info.PossibleCPUs)
	}

	if got := binary.LittleEndian.Uint32(buf[OffHypervisorTag:]); got != 1 {
		t.Errorf("hypervisor_tag = %d, want 1", got)
	}
}

func TestSetImageSize(t *testing.T) {
	buf := make([]byte, Size)
	SetImageSize(buf, 0x123456)

	if got := binary.LittleEndian.Uint64(buf[OffImageSize:]); got != 0x123456 {
		t.Errorf("image_size = %#x, want %#x", got, 0x123456)
	}
}

func TestSetNetwork(t *testing.T) {
	info := &Info{}
	if err := info.SetNetwork("192.168.20.1", "192.168.20.254", "255.255.255.0"); err != nil {
		t.Fatalf("SetNetwork: %v", err)
	}

	if !bytes.Equal(info.IP[:], []byte{192, 168, 20, 1}) {
		t.Errorf("IP = %v, want 192.168.20.1", info.IP)
	}

	if !bytes.Equal(info.Mask[:], []byte{255, 255, 255, 0}) {
		t.Errorf("Mask = %v, want 255.255.255.0", info.Mask)
	}
}

func TestSetNetworkInvalid(t *testing.T) {
	info := &Info{}
	if err := info.SetNetwork("not-an-ip", "", ""); err == nil {
		t.Error("SetNetwork: expected error for invalid address")
	}
}

func TestLoadRejectsNonELF(t *testing.T) {
	mem := make([]byte, 1<<20)
	r := bytes.NewReader([]byte("not an elf file at all"))

	if _, err := Load(mem, r); err == nil {
		t.Error("Load: expected error for non-ELF input")
	}
}
