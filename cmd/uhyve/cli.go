package main

import (
	"github.com/alecthomas/kong"
)

// CLI is the top-level kong command tree. It stays a thin shim over
// the internal packages, gathering config and handing off to
// config/machine/checkpoint/probe; the actual work is in the Run
// methods of BootCmd, CheckpointCmd, RestoreCmd and ProbeCmd.
type CLI struct {
	Boot       BootCmd       `cmd:"" help:"boot a guest kernel"`
	Checkpoint CheckpointCmd `cmd:"" help:"print the configuration recorded in a checkpoint directory"`
	Restore    RestoreCmd    `cmd:"" help:"resume a guest from its last checkpoint"`
	Probe      ProbeCmd      `cmd:"" help:"report KVM capabilities and supported CPUID leaves"`
}

// BootCmd boots a fresh guest. HERMIT_* environment variables (see
// internal/config) are the primary configuration source; these flags
// override them for interactive or scripted use.
type BootCmd struct {
	Kernel  string `arg:"" help:"path to the ELF or bzImage kernel"`
	Dev     string `default:"/dev/kvm" help:"path of the KVM device"`
	Initrd  string `help:"initrd path"`
	TapIf   string `help:"tap interface name, or @<fd> to inherit an open descriptor"`
	Mac     string `help:"override the guest's network MAC address"`
	Params  string `help:"kernel command-line parameters"`
	CkptDir string `default:"." help:"base directory for checkpoint files"`
}

// CheckpointCmd prints the configuration recorded in a checkpoint
// directory (index, vCPU count, memory size, entry point, full mode).
// It does not trigger a checkpoint of a running guest.
type CheckpointCmd struct {
	Dir string `arg:"" help:"base directory holding the checkpoint/ subdirectory"`
}

// RestoreCmd resumes a guest from its last complete checkpoint.
type RestoreCmd struct {
	Dir   string `arg:"" default:"." help:"base directory holding the checkpoint/ subdirectory"`
	Dev   string `default:"/dev/kvm" help:"path of the KVM device"`
	TapIf string `help:"tap interface name, or @<fd> to inherit an open descriptor"`
	Mac   string `help:"override the guest's network MAC address"`
}

// ProbeCmd reports what the host's KVM implementation supports.
type ProbeCmd struct {
	Dev   string `default:"/dev/kvm" help:"path of the KVM device"`
	CPUID bool   `help:"print supported CPUID leaves instead of capability flags"`
}

// parse mirrors the reference loader's kong.Parse+ctx.Run() shape:
// kong.Parse itself handles usage errors (it calls os.Exit), so the
// only error the returned context's Run() reports is whatever the
// selected command's Run() method produces.
func parse() *kong.Context {
	c := &CLI{}

	return kong.Parse(c,
		kong.Name("uhyve"),
		kong.Description("uhyve is a small Linux KVM monitor for hermit-os unikernels"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
}
