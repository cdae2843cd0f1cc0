package checkpoint

import "testing"

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := ConfigFile{NCPUs: 2, MemSize: 1 << 26, EntryPoint: 0x100000, Index: 3, Full: true}
	if err := WriteConfig(dir, cfg); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	got, err := ReadConfig(dir)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	if *got != cfg {
		t.Errorf("ReadConfig = %+v, want %+v", *got, cfg)
	}
}

func TestConfigFullCheckpointNoTrailingNewline(t *testing.T) {
	dir := t.TempDir()

	if err := WriteConfig(dir, ConfigFile{NCPUs: 1, MemSize: 1, Index: 1, Full: false}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	got, err := ReadConfig(dir)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	if got.Full {
		t.Error("Full = true, want false")
	}
}

func TestCoreFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	state := &VCPUState{
		Sregs:   []byte{1, 2, 3},
		Regs:    []byte{4, 5, 6},
		MSRs:    []MSREntry{{Index: 0x10, Data: 0xdead}},
		MPState: 2,
	}

	if err := WriteCoreFile(dir, 0, 1, state); err != nil {
		t.Fatalf("WriteCoreFile: %v", err)
	}

	got, err := ReadCoreFile(dir, 0, 1)
	if err != nil {
		t.Fatalf("ReadCoreFile: %v", err)
	}

	if got.MPState != 2 || len(got.MSRs) != 1 || got.MSRs[0].Data != 0xdead {
		t.Errorf("ReadCoreFile = %+v", got)
	}
}

func TestMemFileFullRoundTrip(t *testing.T) {
	dir := t.TempDir()

	mem := make([]byte, 4096)
	copy(mem, "hello guest memory")

	vm := VMState{Clock: []byte{1, 2}}

	if err := WriteMemFile(dir, 0, vm, ModeFull, mem, nil); err != nil {
		t.Fatalf("WriteMemFile: %v", err)
	}

	mf, err := ReadMemFile(dir, 0)
	if err != nil {
		t.Fatalf("ReadMemFile: %v", err)
	}

	if string(mf.Full[:18]) != "hello guest memory" {
		t.Errorf("Full memory mismatch: %q", mf.Full[:18])
	}
}

func TestMemFileIncrementalRoundTrip(t *testing.T) {
	dir := t.TempDir()

	records := []PageRecord{
		{Location: 0x1000, Bytes: []byte{1, 1, 1}},
		{Location: 0x3000 | pgPSE, Bytes: []byte{2, 2, 2}},
	}

	if err := WriteMemFile(dir, 2, VMState{}, ModeDirtyLog, nil, records); err != nil {
		t.Fatalf("WriteMemFile: %v", err)
	}

	mf, err := ReadMemFile(dir, 2)
	if err != nil {
		t.Fatalf("ReadMemFile: %v", err)
	}

	if len(mf.Records) != 2 || mf.Records[1].Location&pgPSE == 0 {
		t.Errorf("ReadMemFile records = %+v", mf.Records)
	}
}

func TestApplyPageRecords(t *testing.T) {
	mem := make([]byte, 8192)
	records := []PageRecord{{Location: 0x1000, Bytes: []byte{9, 9, 9}}}

	ApplyPageRecords(mem, records)

	if mem[0x1000] != 9 || mem[0x1001] != 9 || mem[0x1002] != 9 {
		t.Errorf("ApplyPageRecords did not copy bytes")
	}
}
