package machine

import (
	"errors"
	"fmt"
	"runtime"

	"uhyve/internal/kvmapi"

	"golang.org/x/sync/errgroup"
)

// ErrHalt is returned by RunOnce's caller-visible path when the guest
// halts; RunAll (and cmd/uhyve's vCPU loops) treat it as a graceful
// stop for that vCPU.
var ErrHalt = errors.New("machine: vCPU halted")

// InitBootRegs sets up the general-purpose and special registers
// every vCPU shares at a fresh boot: a flat or long-mode GDT/page
// table (depending on amd64), rip at entry, rflags cleared to its
// reserved bit.
func (m *Machine) InitBootRegs(cpu int, entry uint64, amd64 bool) error {
	fd := m.vcpuFds[cpu]

	regs, err := kvmapi.GetRegs(fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = entry
	regs.RSI = BootInfoAddr

	if err := kvmapi.SetRegs(fd, regs); err != nil {
		return err
	}

	return m.initSregs(fd, amd64)
}

func (m *Machine) initSregs(vcpufd uintptr, amd64 bool) error {
	sregs, err := kvmapi.GetSregs(vcpufd)
	if err != nil {
		return err
	}

	if !amd64 {
		sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
		sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
		sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
		sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
		sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
		sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1
		sregs.CS.DB, sregs.SS.DB = 1, 1
		sregs.CR0 |= CR0xPE

		return kvmapi.SetSregs(vcpufd, sregs)
	}

	if vcpufd == m.vcpuFds[0] {
		if err := m.buildPageTables(); err != nil {
			return err
		}
	}

	sregs.CR3 = PageTableBase
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA

	seg := kvmapi.Segment{
		Base: 0, Limit: 0xffffffff, Selector: 1 << 3,
		Typ: 11, Present: 1, S: 1, L: 1, G: 1,
	}
	sregs.CS = seg

	seg.Typ = 3
	seg.Selector = 2 << 3
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg

	return kvmapi.SetSregs(vcpufd, sregs)
}

// buildPageTables writes a PML4/PDPT/PD at PageTableBase that
// identity-maps [0, 0x1_0000_0000) using 2 MiB entries, built once by
// the boot vCPU and shared by every vCPU's sregs.
func (m *Machine) buildPageTables() error {
	region := m.Mem.Buf[PageTableBase : PageTableBase+0x6000]
	for i := range region {
		region[i] = 0
	}

	// PML4[0] -> PDPT at PageTableBase+0x1000.
	writeEntry(region, 0, PageTableBase+0x1000|0x3)

	// PDPT[0..3] -> four PDs at PageTableBase+0x2000.. +0x5000.
	for i := uint64(0); i < 4; i++ {
		pdAddr := PageTableBase + (i+2)*0x1000
		writeEntry(region, 0x1000+int(i)*8, pdAddr|0x63)
	}

	// PD entries: 2 MiB pages covering the low 4 GiB.
	for i := uint64(0); i < 0x1_0000_0000; i += 0x200000 {
		off := 0x2000 + int(i/0x200000)*8
		writeEntry(region, off, i|0xe3)
	}

	return nil
}

func writeEntry(buf []byte, off int, entry uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(entry >> (8 * i))
	}
}

// IOPortHandler registers a handler for the port range [start, end)
// (per-direction in/out), used by cmd/uhyve to route the paravirtual
// port range to a portbus.Bus and the UART console range to
// internal/serial.
func (m *Machine) IOPortHandler(start, end uint16, in, out IOPortFunc) {
	for p := int(start); p < int(end); p++ {
		if in != nil {
			m.ioportHandlers[p][kvmapi.ExitIODirIn] = in
		}

		if out != nil {
			m.ioportHandlers[p][kvmapi.ExitIODirOut] = out
		}
	}
}

// RunOnce re-enters guest execution on cpu until the next exit,
// dispatches it, and reports whether the caller should loop again.
func (m *Machine) RunOnce(cpu int) (cont bool, err error) {
	fd := m.vcpuFds[cpu]

	runErr := kvmapi.Run(fd)

	run := m.runs[cpu]

	switch run.ExitReason {
	case kvmapi.ExitHLT:
		return false, ErrHalt

	case kvmapi.ExitIO:
		port, out, data := run.IO(runBase(run))

		dir := kvmapi.ExitIODirIn
		if out {
			dir = kvmapi.ExitIODirOut
		}

		h := m.ioportHandlers[port][dir]
		if h == nil {
			return false, m.fatal(cpu, fmt.Errorf("%w: unexpected io port %#x", kvmapi.ErrUnexpectedExitReason, port))
		}

		if err := h(port, data); err != nil {
			return false, err
		}

		return true, nil

	case kvmapi.ExitUnknown:
		return true, runErr

	case kvmapi.ExitIntr:
		return true, nil

	case kvmapi.ExitDebug:
		return false, m.fatal(cpu, kvmapi.ErrDebug)

	default:
		if runErr != nil {
			return false, m.fatal(cpu, runErr)
		}

		return false, m.fatal(cpu, fmt.Errorf("%w: %s", kvmapi.ErrUnexpectedExitReason, run.ExitReason.String()))
	}
}

// fatal annotates err with a register dump for cpu, for any exit this
// run loop treats as unrecoverable (spec requires a fatal VM exit to
// dump guest rip and registers before the caller exits non-zero). If
// the registers themselves can't be read, err is returned unadorned
// rather than masked by a second error.
func (m *Machine) fatal(cpu int, err error) error {
	fd := m.vcpuFds[cpu]

	regs, rErr := kvmapi.GetRegs(fd)
	if rErr != nil {
		return err
	}

	sregs, sErr := kvmapi.GetSregs(fd)
	if sErr != nil {
		return err
	}

	dump := FatalDump(cpu, regs, sregs) + m.describeFault(cpu, regs)

	return fmt.Errorf("%w\n%s", err, dump)
}

// RunLoop locks the calling goroutine to its OS thread (KVM vCPU fds
// are thread-affine) and repeatedly calls RunOnce until it returns a
// non-continuable result.
func (m *Machine) RunLoop(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := m.RunOnce(cpu)
		if cont {
			if m.pauseGate != nil {
				if err := m.pauseGate.Checkpoint(cpu, m.checkpointHook); err != nil {
					return err
				}
			}

			continue
		}

		return err
	}
}

// RunAll starts every vCPU's run loop in its own goroutine (the
// calling goroutine included, for vCPU 0) and waits for the first
// error or a clean halt from every vCPU, propagating whichever error
// occurs first via errgroup.
func (m *Machine) RunAll() error {
	var eg errgroup.Group

	for cpu := 1; cpu < m.NCPUs(); cpu++ {
		cpu := cpu

		eg.Go(func() error {
			if err := m.RunLoop(cpu); err != nil && !errors.Is(err, ErrHalt) {
				return err
			}

			return nil
		})
	}

	if err := m.RunLoop(0); err != nil && !errors.Is(err, ErrHalt) {
		eg.Go(func() error { return err })
	}

	return eg.Wait()
}
