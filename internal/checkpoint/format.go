package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConfigFile is the on-disk contents of checkpoint/chk_config.txt.
type ConfigFile struct {
	NCPUs      int
	MemSize    int
	EntryPoint uint64
	Index      int
	Full       bool
}

const configFileName = "chk_config.txt"

// Dir returns the checkpoint directory path rooted at base, creating
// it if absent.
func Dir(base string) (string, error) {
	dir := filepath.Join(base, "checkpoint")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}

	return dir, nil
}

func coreFilePath(dir string, index, cpu int) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_core%d.dat", index, cpu))
}

func memFilePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_mem.dat", index))
}

// WriteConfig rewrites the checkpoint config file. Per the invariant
// that the config update is the last write of a snapshot, callers
// must call this only after every core and mem file for the new
// index has been fully written.
func WriteConfig(dir string, cfg ConfigFile) error {
	full := "false"
	if cfg.Full {
		full = "true"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "ncpus: %d\n", cfg.NCPUs)
	fmt.Fprintf(&b, "memsize: %d\n", cfg.MemSize)
	fmt.Fprintf(&b, "entry point: %d\n", cfg.EntryPoint)
	fmt.Fprintf(&b, "checkpoint number: %d\n", cfg.Index)
	fmt.Fprintf(&b, "full checkpoint: %s", full)

	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("checkpoint: write config: %w", err)
	}

	return nil
}

// ErrMalformedConfigLine is returned for a config line without a
// "key: value" shape.
var ErrMalformedConfigLine = errors.New("checkpoint: malformed config line")

// ReadConfig parses the checkpoint config file, tolerating the
// "full checkpoint" field with or without a trailing newline.
func ReadConfig(dir string) (*ConfigFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read config: %w", err)
	}

	cfg := &ConfigFile{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedConfigLine, line)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "ncpus":
			cfg.NCPUs, err = strconv.Atoi(value)
		case "memsize":
			cfg.MemSize, err = strconv.Atoi(value)
		case "entry point":
			var ep uint64
			ep, err = strconv.ParseUint(value, 10, 64)
			cfg.EntryPoint = ep
		case "checkpoint number":
			cfg.Index, err = strconv.Atoi(value)
		case "full checkpoint":
			cfg.Full = value == "true"
		}

		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse %q: %w", line, err)
		}
	}

	return cfg, nil
}

// WriteCoreFile gob-encodes a vCPU's state to its chk{i}_core{c}.dat
// file.
func WriteCoreFile(dir string, index, cpu int, state *VCPUState) error {
	f, err := os.Create(coreFilePath(dir, index, cpu))
	if err != nil {
		return fmt.Errorf("checkpoint: create core file: %w", err)
	}

	defer f.Close()

	if err := gob.NewEncoder(f).Encode(state); err != nil {
		return fmt.Errorf("checkpoint: encode core file: %w", err)
	}

	return nil
}

// ReadCoreFile decodes a previously written chk{i}_core{c}.dat file.
func ReadCoreFile(dir string, index, cpu int) (*VCPUState, error) {
	f, err := os.Open(coreFilePath(dir, index, cpu))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open core file: %w", err)
	}

	defer f.Close()

	state := &VCPUState{}
	if err := gob.NewDecoder(f).Decode(state); err != nil {
		return nil, fmt.Errorf("checkpoint: decode core file: %w", err)
	}

	return state, nil
}

// memFileHeader is the portion of chk{i}_mem.dat preceding the page
// stream: the VM-wide hardware state plus the dump mode.
type memFileHeader struct {
	VM   VMState
	Mode Mode
}

// WriteMemFile writes the VM-wide state header followed by either a
// full raw memory image (ModeFull) or a stream of PageRecords
// (ModeDirtyLog / ModePageTableWalk).
func WriteMemFile(dir string, index int, vm VMState, mode Mode, fullMem []byte, records []PageRecord) error {
	f, err := os.Create(memFilePath(dir, index))
	if err != nil {
		return fmt.Errorf("checkpoint: create mem file: %w", err)
	}

	defer f.Close()

	enc := gob.NewEncoder(f)

	if err := enc.Encode(memFileHeader{VM: vm, Mode: mode}); err != nil {
		return fmt.Errorf("checkpoint: encode mem header: %w", err)
	}

	if mode == ModeFull {
		if err := enc.Encode(fullMem); err != nil {
			return fmt.Errorf("checkpoint: encode full memory: %w", err)
		}

		return nil
	}

	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("checkpoint: encode page records: %w", err)
	}

	return nil
}

// MemFile is a decoded chk{i}_mem.dat: the VM-wide state, the mode it
// was written under, and either a full image or a page-record stream.
type MemFile struct {
	VM      VMState
	Mode    Mode
	Full    []byte
	Records []PageRecord
}

// ReadMemFile decodes a chk{i}_mem.dat file in full.
func ReadMemFile(dir string, index int) (*MemFile, error) {
	f, err := os.Open(memFilePath(dir, index))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open mem file: %w", err)
	}

	defer f.Close()

	dec := gob.NewDecoder(f)

	var hdr memFileHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("checkpoint: decode mem header: %w", err)
	}

	mf := &MemFile{VM: hdr.VM, Mode: hdr.Mode}

	if hdr.Mode == ModeFull {
		if err := dec.Decode(&mf.Full); err != nil {
			return nil, fmt.Errorf("checkpoint: decode full memory: %w", err)
		}

		return mf, nil
	}

	if err := dec.Decode(&mf.Records); err != nil {
		return nil, fmt.Errorf("checkpoint: decode page records: %w", err)
	}

	return mf, nil
}

// ApplyPageRecords copies each record's bytes into mem at location
// with its flag bits (PGPSE included) masked off. The copy length is
// the record's own byte length, cut short at the end of mem; the PGPSE
// bit is not consulted.
func ApplyPageRecords(mem []byte, records []PageRecord) {
	for _, r := range records {
		addr := r.Location & pteAddrMask

		size := len(r.Bytes)
		if addr+uint64(size) > uint64(len(mem)) {
			size = len(mem) - int(addr)
		}

		copy(mem[addr:addr+uint64(size)], r.Bytes[:size])
	}
}
