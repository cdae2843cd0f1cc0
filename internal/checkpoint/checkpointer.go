package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"uhyve/internal/kvmapi"
	"uhyve/internal/machine"
)

// Checkpointer periodically snapshots a running Machine to an
// on-disk directory, and can rebuild a Machine from that directory at
// startup.
type Checkpointer struct {
	m          *machine.Machine
	dir        string
	entryPoint uint64
	fullMode   bool
	gate       *machine.PauseGate

	index    int
	firstRun bool
}

// New wires a Checkpointer to an already-built machine. baseDir is the
// base directory under which "checkpoint/" is created. fullMode
// selects whether every snapshot dumps the complete memory image
// (true) or an incremental one (false).
func New(m *machine.Machine, baseDir string, entryPoint uint64, fullMode bool) (*Checkpointer, error) {
	dir, err := Dir(baseDir)
	if err != nil {
		return nil, err
	}

	c := &Checkpointer{
		m:          m,
		dir:        dir,
		entryPoint: entryPoint,
		fullMode:   fullMode,
		gate:       machine.NewPauseGate(m.NCPUs()),
		firstRun:   true,
	}

	if !fullMode && m.Caps.DirtyLog {
		if err := m.Mem.EnableDirtyLogging(m.VMFd()); err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
	}

	m.EnableCheckpointing(c.gate, c.serializeVCPU)

	return c, nil
}

// serializeVCPU runs on each vCPU from inside the barrier round: it
// captures that vCPU's state and writes its own chk{i}_core{cpu}.dat.
// Each vCPU writes only its own file, so no locking is required
// beyond what the barrier itself already provides.
func (c *Checkpointer) serializeVCPU(cpu int) error {
	state, err := CaptureVCPU(c.m, c.m.KVMFd(), cpu)
	if err != nil {
		return fmt.Errorf("checkpoint: capture vcpu %d: %w", cpu, err)
	}

	if err := WriteCoreFile(c.dir, c.index, cpu, state); err != nil {
		return fmt.Errorf("checkpoint: write core file: %w", err)
	}

	return nil
}

// Snapshot drives one full snapshot round: arms the pause gate, waits
// for every vCPU to serialize its own core file (phase 1), dumps
// memory and VM state, rewrites the config file, then releases every
// vCPU (phase 2).
//
// A checkpoint I/O failure is fatal per this monitor's error policy:
// a silently dropped checkpoint would break the incremental chain, so
// the caller is expected to abort the process on a non-nil error.
func (c *Checkpointer) Snapshot() error {
	c.index++

	release := c.gate.RequestPause()

	var snapshotErr error

	defer func() {
		release()

		if snapshotErr != nil {
			c.index--
		}
	}()

	vmState, err := CaptureVMState(c.m.VMFd())
	if err != nil {
		snapshotErr = err

		return err
	}

	mode, fullMem, records, err := c.dumpMemory()
	if err != nil {
		snapshotErr = err

		return err
	}

	if err := WriteMemFile(c.dir, c.index, *vmState, mode, fullMem, records); err != nil {
		snapshotErr = err

		return err
	}

	cfg := ConfigFile{
		NCPUs:      c.m.NCPUs(),
		MemSize:    len(c.m.Mem.Buf),
		EntryPoint: c.entryPoint,
		Index:      c.index,
		Full:       c.fullMode,
	}

	if err := WriteConfig(c.dir, cfg); err != nil {
		snapshotErr = err

		return err
	}

	c.firstRun = false

	return nil
}

func (c *Checkpointer) dumpMemory() (Mode, []byte, []PageRecord, error) {
	if c.fullMode {
		return ModeFull, c.m.Mem.Buf, nil, nil
	}

	if c.m.Caps.DirtyLog {
		records, err := c.dumpDirtyLog()

		return ModeDirtyLog, nil, records, err
	}

	cr3, err := c.bootVCPUCR3()
	if err != nil {
		return ModePageTableWalk, nil, nil, err
	}

	records := WalkPageTables(c.m.Mem.Buf, cr3, c.entryPoint+PageSize, c.firstRun)

	return ModePageTableWalk, nil, records, nil
}

func (c *Checkpointer) bootVCPUCR3() (uint64, error) {
	sregs, err := kvmapi.GetSregs(c.m.VCPUFd(0))
	if err != nil {
		return 0, fmt.Errorf("checkpoint: GetSregs cpu0: %w", err)
	}

	return sregs.CR3, nil
}

func (c *Checkpointer) dumpDirtyLog() ([]PageRecord, error) {
	var records []PageRecord

	for slot := range c.m.Mem.Slots {
		bitmap, err := c.m.Mem.DirtyBitmap(c.m.VMFd(), slot)
		if err != nil {
			return nil, err
		}

		s := c.m.Mem.Slots[slot]

		for wordIdx, word := range bitmap {
			for bit := 0; bit < 64 && word != 0; bit++ {
				if word&(1<<uint(bit)) == 0 {
					continue
				}

				page := uint64(wordIdx*64+bit) * PageSize
				addr := s.GPAddr + page

				if addr+PageSize > s.GPAddr+s.Size {
					continue
				}

				data := make([]byte, PageSize)
				copy(data, c.m.Mem.Buf[addr:addr+PageSize])
				records = append(records, PageRecord{Location: addr, Bytes: data})
			}
		}
	}

	return records, nil
}

// RunPeriodic drives Snapshot every interval until stop is closed,
// logging each round's index via onSnapshot (nil is fine). A
// checkpoint I/O error is reported through onError and then the loop
// exits, since continuing would have no way to extend a broken chain.
func (c *Checkpointer) RunPeriodic(interval time.Duration, stop <-chan struct{}, onSnapshot func(index int), onError func(error)) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Snapshot(); err != nil {
				if onError != nil {
					onError(err)
				}

				return
			}

			if onSnapshot != nil {
				onSnapshot(c.index)
			}
		}
	}
}

// ErrEmptyChain is returned when Restore is asked to replay a
// checkpoint chain with index 0 (nothing written yet).
var ErrEmptyChain = errors.New("checkpoint: no checkpoints recorded")

// Restore rebuilds a Machine from an on-disk checkpoint directory:
// replays the chain of memory snapshots and applies each vCPU's saved
// register state. Incremental checkpoints only record pages dirtied
// since the previous round, so the full chain chk1..chkIndex must be
// replayed to reconstruct memory; a full checkpoint is self-contained,
// so only the latest one needs replaying.
func Restore(baseDir string, build func(cfg ConfigFile) (*machine.Machine, error)) (*machine.Machine, *ConfigFile, error) {
	dir, err := Dir(baseDir)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := ReadConfig(dir)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Index == 0 {
		return nil, nil, ErrEmptyChain
	}

	m, err := build(*cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: build machine: %w", err)
	}

	start := 1
	if cfg.Full {
		start = cfg.Index
	}

	var lastVM *VMState

	for i := start; i <= cfg.Index; i++ {
		mf, err := ReadMemFile(dir, i)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: read chk%d_mem.dat: %w", i, err)
		}

		if mf.Mode == ModeFull {
			copy(m.Mem.Buf, mf.Full)
		} else {
			ApplyPageRecords(m.Mem.Buf, mf.Records)
		}

		vm := mf.VM
		lastVM = &vm
	}

	if lastVM != nil {
		if err := RestoreVMState(m.VMFd(), lastVM); err != nil {
			return nil, nil, fmt.Errorf("checkpoint: restore VM state: %w", err)
		}
	}

	for cpu := 0; cpu < cfg.NCPUs; cpu++ {
		state, err := ReadCoreFile(dir, cfg.Index, cpu)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: read core file cpu%d: %w", cpu, err)
		}

		if err := RestoreVCPU(m, cpu, state); err != nil {
			return nil, nil, fmt.Errorf("checkpoint: restore vcpu %d: %w", cpu, err)
		}
	}

	return m, cfg, nil
}
