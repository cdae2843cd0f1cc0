package checkpoint

import (
	"errors"
	"fmt"
	"unsafe"

	"uhyve/internal/kvmapi"
	"uhyve/internal/machine"
)

// structBytes returns a byte slice aliasing the memory of v, a
// pointer to a fixed-size struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// cloneBytes copies s into a freshly-allocated slice.
func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("%w: got %d want %d", errShortStateRecord, len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

var errShortStateRecord = errors.New("checkpoint: state record too short")

func msrIndexList(kvmFd uintptr) ([]uint32, error) {
	list, err := kvmapi.GetMSRIndexList(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("GetMSRIndexList: %w", err)
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indicies[:list.NMSRs])

	return indices, nil
}

// CaptureVCPU serializes one vCPU's full architectural state in the
// on-disk record order: sregs, regs, fpu, msrs, lapic, xsave, xcrs,
// events, mp_state.
func CaptureVCPU(m *machine.Machine, kvmFd uintptr, cpu int) (*VCPUState, error) {
	fd := m.VCPUFd(cpu)

	state := &VCPUState{}

	sregs, err := kvmapi.GetSregs(fd)
	if err != nil {
		return nil, fmt.Errorf("GetSregs cpu%d: %w", cpu, err)
	}

	state.Sregs = cloneBytes(structBytes(sregs))

	regs, err := kvmapi.GetRegs(fd)
	if err != nil {
		return nil, fmt.Errorf("GetRegs cpu%d: %w", cpu, err)
	}

	state.Regs = cloneBytes(structBytes(regs))

	fpu := &kvmapi.FPU{}
	if err := kvmapi.GetFPU(fd, fpu); err != nil {
		return nil, fmt.Errorf("GetFPU cpu%d: %w", cpu, err)
	}

	state.FPU = cloneBytes(structBytes(fpu))

	indices, err := msrIndexList(kvmFd)
	if err != nil {
		return nil, err
	}

	msrs := &kvmapi.MSRS{NMSRs: uint32(len(indices))}
	for i, idx := range indices {
		msrs.Entries[i].Index = idx
	}

	if err := kvmapi.GetMSRs(fd, msrs); err != nil {
		return nil, fmt.Errorf("GetMSRs cpu%d: %w", cpu, err)
	}

	state.MSRs = make([]MSREntry, msrs.NMSRs)
	for i := range state.MSRs {
		state.MSRs[i] = MSREntry{Index: msrs.Entries[i].Index, Data: msrs.Entries[i].Data}
	}

	lapic := &kvmapi.LAPICState{}
	if err := kvmapi.GetLocalAPIC(fd, lapic); err != nil {
		return nil, fmt.Errorf("GetLocalAPIC cpu%d: %w", cpu, err)
	}

	state.LAPIC = cloneBytes(structBytes(lapic))

	xsave := &kvmapi.XSave{}
	if err := kvmapi.GetXSave(fd, xsave); err != nil {
		return nil, fmt.Errorf("GetXSave cpu%d: %w", cpu, err)
	}

	state.XSave = cloneBytes(structBytes(xsave))

	xcrs := &kvmapi.XCRS{}
	if err := kvmapi.GetXCRS(fd, xcrs); err != nil {
		return nil, fmt.Errorf("GetXCRS cpu%d: %w", cpu, err)
	}

	state.XCRS = cloneBytes(structBytes(xcrs))

	events := &kvmapi.VCPUEvents{}
	if err := kvmapi.GetVCPUEvents(fd, events); err != nil {
		return nil, fmt.Errorf("GetVCPUEvents cpu%d: %w", cpu, err)
	}

	state.Events = cloneBytes(structBytes(events))

	mps := &kvmapi.MPState{}
	if err := kvmapi.GetMPState(fd, mps); err != nil {
		return nil, fmt.Errorf("GetMPState cpu%d: %w", cpu, err)
	}

	state.MPState = mps.MPState

	return state, nil
}

// RestoreVCPU applies a previously captured VCPUState.
func RestoreVCPU(m *machine.Machine, cpu int, state *VCPUState) error {
	fd := m.VCPUFd(cpu)

	var sregs kvmapi.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fmt.Errorf("decode sregs cpu%d: %w", cpu, err)
	}

	if err := kvmapi.SetSregs(fd, &sregs); err != nil {
		return fmt.Errorf("SetSregs cpu%d: %w", cpu, err)
	}

	var regs kvmapi.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fmt.Errorf("decode regs cpu%d: %w", cpu, err)
	}

	if err := kvmapi.SetRegs(fd, &regs); err != nil {
		return fmt.Errorf("SetRegs cpu%d: %w", cpu, err)
	}

	var fpu kvmapi.FPU
	if err := copyStruct(&fpu, state.FPU); err != nil {
		return fmt.Errorf("decode fpu cpu%d: %w", cpu, err)
	}

	if err := kvmapi.SetFPU(fd, &fpu); err != nil {
		return fmt.Errorf("SetFPU cpu%d: %w", cpu, err)
	}

	msrs := &kvmapi.MSRS{NMSRs: uint32(len(state.MSRs))}
	for i, e := range state.MSRs {
		msrs.Entries[i] = kvmapi.MSREntry{Index: e.Index, Data: e.Data}
	}

	if err := kvmapi.SetMSRs(fd, msrs); err != nil {
		return fmt.Errorf("SetMSRs cpu%d: %w", cpu, err)
	}

	var lapic kvmapi.LAPICState
	if err := copyStruct(&lapic, state.LAPIC); err != nil {
		return fmt.Errorf("decode lapic cpu%d: %w", cpu, err)
	}

	if err := kvmapi.SetLocalAPIC(fd, &lapic); err != nil {
		return fmt.Errorf("SetLocalAPIC cpu%d: %w", cpu, err)
	}

	var xsave kvmapi.XSave
	if err := copyStruct(&xsave, state.XSave); err != nil {
		return fmt.Errorf("decode xsave cpu%d: %w", cpu, err)
	}

	if err := kvmapi.SetXSave(fd, &xsave); err != nil {
		return fmt.Errorf("SetXSave cpu%d: %w", cpu, err)
	}

	var xcrs kvmapi.XCRS
	if err := copyStruct(&xcrs, state.XCRS); err != nil {
		return fmt.Errorf("decode xcrs cpu%d: %w", cpu, err)
	}

	if err := kvmapi.SetXCRS(fd, &xcrs); err != nil {
		return fmt.Errorf("SetXCRS cpu%d: %w", cpu, err)
	}

	var events kvmapi.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return fmt.Errorf("decode events cpu%d: %w", cpu, err)
	}

	if err := kvmapi.SetVCPUEvents(fd, &events); err != nil {
		return fmt.Errorf("SetVCPUEvents cpu%d: %w", cpu, err)
	}

	mps := kvmapi.MPState{MPState: state.MPState}
	if err := kvmapi.SetMPState(fd, &mps); err != nil {
		return fmt.Errorf("SetMPState cpu%d: %w", cpu, err)
	}

	return nil
}

// CaptureVMState captures VM-wide hardware state: clock, both PICs,
// the IOAPIC, and the PIT.
func CaptureVMState(vmFd uintptr) (*VMState, error) {
	state := &VMState{}

	cd := &kvmapi.ClockData{}
	if err := kvmapi.GetClock(vmFd, cd); err != nil {
		return nil, fmt.Errorf("GetClock: %w", err)
	}

	state.Clock = cloneBytes(structBytes(cd))

	for chipID, dst := range [](*[]byte){&state.IRQChipPIC0, &state.IRQChipPIC1, &state.IRQChipIOAPIC} {
		chip, err := kvmapi.GetIRQChip(vmFd, uint32(chipID))
		if err != nil {
			return nil, fmt.Errorf("GetIRQChip(%d): %w", chipID, err)
		}

		*dst = cloneBytes(structBytes(chip))
	}

	pit := &kvmapi.PITState2{}
	if err := kvmapi.GetPIT2(vmFd, pit); err != nil {
		return nil, fmt.Errorf("GetPIT2: %w", err)
	}

	state.PIT2 = cloneBytes(structBytes(pit))

	return state, nil
}

// RestoreVMState applies previously captured VM-wide state: the clock,
// both PICs, the IOAPIC and the PIT, each unconditionally. Restore
// calls it once, with the state recorded in the last checkpoint of the
// chain; no adjust-clock capability check is made before the clock is
// set.
func RestoreVMState(vmFd uintptr, state *VMState) error {
	var cd kvmapi.ClockData
	if err := copyStruct(&cd, state.Clock); err != nil {
		return fmt.Errorf("decode clock: %w", err)
	}

	if err := kvmapi.SetClock(vmFd, &cd); err != nil {
		return fmt.Errorf("SetClock: %w", err)
	}

	for _, src := range [][]byte{state.IRQChipPIC0, state.IRQChipPIC1, state.IRQChipIOAPIC} {
		var chip kvmapi.IRQChip
		if err := copyStruct(&chip, src); err != nil {
			return fmt.Errorf("decode irqchip: %w", err)
		}

		if err := kvmapi.SetIRQChip(vmFd, &chip); err != nil {
			return fmt.Errorf("SetIRQChip(%d): %w", chip.Chip, err)
		}
	}

	var pit kvmapi.PITState2
	if err := copyStruct(&pit, state.PIT2); err != nil {
		return fmt.Errorf("decode pit: %w", err)
	}

	if err := kvmapi.SetPIT2(vmFd, &pit); err != nil {
		return fmt.Errorf("SetPIT2: %w", err)
	}

	return nil
}

