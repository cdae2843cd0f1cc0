package machine

import (
	"fmt"
	"reflect"
	"strings"

	"uhyve/internal/kvmapi"

	"golang.org/x/arch/x86/x86asm"
)

// Translate walks the guest's current page tables on every vCPU,
// returning one Translation per vCPU.
func (m *Machine) Translate(vaddr uint64) ([]*kvmapi.Translation, error) {
	out := make([]*kvmapi.Translation, 0, len(m.vcpuFds))

	for _, fd := range m.vcpuFds {
		t, err := kvmapi.GetTranslate(fd, vaddr)
		if err != nil {
			return out, err
		}

		out = append(out, t)
	}

	return out, nil
}

// FatalDump renders a vCPU's registers for a fatal-exit report, in the
// style of a reflection-based struct dump: field name, then value, one
// per line, for both the general and special register sets.
func FatalDump(cpu int, regs *kvmapi.Regs, sregs *kvmapi.Sregs) string {
	var b strings.Builder

	fmt.Fprintf(&b, "vCPU %d fatal exit\n", cpu)
	dumpStruct(&b, "regs", regs)
	dumpStruct(&b, "sregs", sregs)

	return b.String()
}

func dumpStruct(b *strings.Builder, name string, v interface{}) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}

	rt := rv.Type()

	fmt.Fprintf(b, "%s:\n", name)

	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.Name == "_" {
			continue
		}

		fmt.Fprintf(b, "  %-12s %#v\n", f.Name, rv.Field(i).Interface())
	}
}

// describeFault decodes the instruction at regs.RIP through the
// guest's current page-table translation and appends it to a fatal
// dump, resolving any memory operand's effective address via GetReg.
// Decode failures are reported inline rather than aborting the dump.
func (m *Machine) describeFault(cpu int, regs *kvmapi.Regs) string {
	var b strings.Builder

	trs, err := m.Translate(regs.RIP)
	if err != nil || cpu >= len(trs) {
		fmt.Fprintf(&b, "fault decode: translate rip %#x: %v\n", regs.RIP, err)

		return b.String()
	}

	pa := trs[cpu].PhysicalAddress
	if pa+16 > uint64(len(m.Mem.Buf)) {
		fmt.Fprintf(&b, "fault decode: rip %#x translates out of range\n", regs.RIP)

		return b.String()
	}

	inst, err := x86asm.Decode(m.Mem.Buf[pa:pa+16], 64)
	if err != nil {
		fmt.Fprintf(&b, "fault decode: %v\n", err)

		return b.String()
	}

	fmt.Fprintf(&b, "faulting instruction: %s\n", inst.String())

	for _, arg := range inst.Args {
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}

		addr, err := effectiveAddr(regs, mem)
		if err != nil {
			continue
		}

		fmt.Fprintf(&b, "  operand address: %#x\n", addr)
	}

	return b.String()
}

// effectiveAddr computes a memory operand's effective address as
// base + disp + scale*index. An index register GetReg doesn't
// recognize (e.g. an absent one) is skipped; an unrecognized base
// register is returned as an error.
func effectiveAddr(regs *kvmapi.Regs, mem x86asm.Mem) (uint64, error) {
	base, err := GetReg(regs, mem.Base)
	if err != nil {
		return 0, err
	}

	addr := base + uint64(mem.Disp)

	if idx, err := GetReg(regs, mem.Index); err == nil {
		addr += uint64(mem.Scale) * idx
	}

	return addr, nil
}

// GetReg maps an x86asm register operand to its value in regs, for
// decoding the faulting instruction's operands during a fatal dump.
func GetReg(regs *kvmapi.Regs, reg x86asm.Reg) (uint64, error) {
	switch reg {
	case x86asm.RAX, x86asm.EAX, x86asm.AX, x86asm.AL:
		return regs.RAX, nil
	case x86asm.RBX, x86asm.EBX, x86asm.BX, x86asm.BL:
		return regs.RBX, nil
	case x86asm.RCX, x86asm.ECX, x86asm.CX, x86asm.CL:
		return regs.RCX, nil
	case x86asm.RDX, x86asm.EDX, x86asm.DX, x86asm.DL:
		return regs.RDX, nil
	case x86asm.RSI, x86asm.ESI, x86asm.SI:
		return regs.RSI, nil
	case x86asm.RDI, x86asm.EDI, x86asm.DI:
		return regs.RDI, nil
	case x86asm.RSP, x86asm.ESP, x86asm.SP:
		return regs.RSP, nil
	case x86asm.RBP, x86asm.EBP, x86asm.BP:
		return regs.RBP, nil
	case x86asm.R8:
		return regs.R8, nil
	case x86asm.R9:
		return regs.R9, nil
	case x86asm.R10:
		return regs.R10, nil
	case x86asm.R11:
		return regs.R11, nil
	case x86asm.R12:
		return regs.R12, nil
	case x86asm.R13:
		return regs.R13, nil
	case x86asm.R14:
		return regs.R14, nil
	case x86asm.R15:
		return regs.R15, nil
	}

	return 0, fmt.Errorf("machine: unsupported register %v", reg)
}
