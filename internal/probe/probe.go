// Package probe reports what the host's /dev/kvm actually supports,
// for the "uhyve probe" diagnostic subcommand.
package probe

import (
	"fmt"
	"io"
	"os"

	"uhyve/internal/kvmapi"
)

// capabilities is every KVM_CAP_* this monitor cares about, in the
// order it is printed.
var capabilities = []kvmapi.Capability{
	kvmapi.CapIRQChip,
	kvmapi.CapUserMemory,
	kvmapi.CapSetTSSAddr,
	kvmapi.CapExtCPUID,
	kvmapi.CapMPState,
	kvmapi.CapCoalescedMMIO,
	kvmapi.CapUserNMI,
	kvmapi.CapSetGuestDebug,
	kvmapi.CapReinjectControl,
	kvmapi.CapIRQRouting,
	kvmapi.CapIOMMU,
	kvmapi.CapMCE,
	kvmapi.CapIRQFD,
	kvmapi.CapPIT2,
	kvmapi.CapSetBootCPUID,
	kvmapi.CapPITState2,
	kvmapi.CapIOEventFD,
	kvmapi.CapAdjustClock,
	kvmapi.CapKVMClockCtrl,
	kvmapi.CapNRMemSlots,
	kvmapi.CapNopIODelay,
}

// Result is one capability's probed outcome.
type Result struct {
	Cap     kvmapi.Capability
	Present bool
	Extra   int
}

// Capabilities opens kvmPath and runs CheckExtension for every
// capability this monitor depends on, in declared order.
func Capabilities(kvmPath string) ([]Result, error) {
	f, err := os.Open(kvmPath)
	if err != nil {
		return nil, fmt.Errorf("probe: open %s: %w", kvmPath, err)
	}
	defer f.Close()

	fd := f.Fd()

	results := make([]Result, 0, len(capabilities))

	for _, cap := range capabilities {
		v, err := kvmapi.CheckExtension(fd, cap)
		if err != nil {
			return nil, fmt.Errorf("probe: CheckExtension(%s): %w", cap, err)
		}

		results = append(results, Result{Cap: cap, Present: v > 0, Extra: v})
	}

	return results, nil
}

// PrintCapabilities writes Capabilities' results to w, one line per
// capability, in the "%-30s: %t" shape the teacher's capability
// dumper used.
func PrintCapabilities(w io.Writer, kvmPath string) error {
	results, err := Capabilities(kvmPath)
	if err != nil {
		return err
	}

	for _, r := range results {
		fmt.Fprintf(w, "%-30s: %t\n", r.Cap, r.Present)
	}

	return nil
}

// CPUID opens kvmPath and returns every CPUID leaf
// KVM_GET_SUPPORTED_CPUID reports for this host.
func CPUID(kvmPath string) (*kvmapi.CPUID, error) {
	f, err := os.Open(kvmPath)
	if err != nil {
		return nil, fmt.Errorf("probe: open %s: %w", kvmPath, err)
	}
	defer f.Close()

	c := &kvmapi.CPUID{Nent: 100}

	if err := kvmapi.GetSupportedCPUID(f.Fd(), c); err != nil {
		return nil, fmt.Errorf("probe: GetSupportedCPUID: %w", err)
	}

	return c, nil
}

// PrintCPUID writes CPUID's leaves to w, one per line.
func PrintCPUID(w io.Writer, kvmPath string) error {
	c, err := CPUID(kvmPath)
	if err != nil {
		return err
	}

	for i := 0; i < int(c.Nent); i++ {
		e := c.Entries[i]
		fmt.Fprintf(w, "0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flag:%x)\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags)
	}

	return nil
}
