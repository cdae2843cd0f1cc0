package checkpoint

import (
	"os"
	"testing"

	"uhyve/internal/machine"
)

func buildTestMachine(t *testing.T) *machine.Machine {
	t.Helper()

	m, err := machine.Build(machine.Config{
		KVMPath: "/dev/kvm",
		NCPUs:   1,
		MemSize: machine.MinMemSize,
	})
	if err != nil {
		t.Fatalf("machine.Build: %v", err)
	}

	t.Cleanup(func() { m.Close() })

	return m
}

func TestCaptureRestoreVCPU(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	m := buildTestMachine(t)

	state, err := CaptureVCPU(m, m.KVMFd(), 0)
	if err != nil {
		t.Fatalf("CaptureVCPU: %v", err)
	}

	if len(state.Regs) == 0 || len(state.Sregs) == 0 {
		t.Fatalf("CaptureVCPU returned empty Regs/Sregs")
	}

	if err := RestoreVCPU(m, 0, state); err != nil {
		t.Fatalf("RestoreVCPU: %v", err)
	}
}

func TestCaptureRestoreVMState(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	m := buildTestMachine(t)

	vm, err := CaptureVMState(m.VMFd())
	if err != nil {
		t.Fatalf("CaptureVMState: %v", err)
	}

	if len(vm.Clock) == 0 {
		t.Fatalf("CaptureVMState returned empty Clock")
	}

	if err := RestoreVMState(m.VMFd(), vm); err != nil {
		t.Fatalf("RestoreVMState: %v", err)
	}
}

func TestCheckpointerSnapshotAndRestore(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	m := buildTestMachine(t)

	dir := t.TempDir()

	c, err := New(m, dir, 0x100000, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Snapshot's barrier blocks until every vCPU's RunLoop has called
	// Checkpoint; simulate the single configured vCPU without actually
	// running the guest.
	stopVCPU := make(chan struct{})
	defer close(stopVCPU)

	go func() {
		for {
			select {
			case <-stopVCPU:
				return
			default:
				_ = c.gate.Checkpoint(0, c.serializeVCPU)
			}
		}
	}()

	if err := c.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if err := c.Snapshot(); err != nil {
		t.Fatalf("second Snapshot: %v", err)
	}

	restored, cfg, err := Restore(dir, func(cfg ConfigFile) (*machine.Machine, error) {
		return machine.Build(machine.Config{KVMPath: "/dev/kvm", NCPUs: cfg.NCPUs, MemSize: cfg.MemSize})
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	t.Cleanup(func() { restored.Close() })

	if cfg.Index != 2 {
		t.Errorf("restored config index = %d, want 2", cfg.Index)
	}

	if !cfg.Full {
		t.Errorf("restored config Full = false, want true")
	}
}
