// Command uhyve is a small Linux KVM monitor that boots a single
// hermit-os-style unikernel ELF/bzImage image, services its
// paravirtual port-call ABI, and can checkpoint/restore it to/from an
// on-disk directory.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"uhyve/internal/bootinfo"
	"uhyve/internal/checkpoint"
	"uhyve/internal/config"
	"uhyve/internal/kvmapi"
	"uhyve/internal/machine"
	"uhyve/internal/netbridge"
	"uhyve/internal/portbus"
	"uhyve/internal/probe"
	"uhyve/internal/serial"
	"uhyve/internal/term"

	"golang.org/x/sync/errgroup"
)

func main() {
	ctx := parse()

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}

// irqPulse raises then lowers irq on vmFd, the host-side equivalent of
// a guest device's one-shot level-triggered interrupt.
func irqPulse(vmFd uintptr, irq uint32) error {
	if err := kvmapi.IRQLine(vmFd, irq, 1); err != nil {
		return err
	}

	return kvmapi.IRQLine(vmFd, irq, 0)
}

type serialIRQ struct{ m *machine.Machine }

func (s serialIRQ) InjectSerialIRQ() error { return irqPulse(s.m.VMFd(), machine.SerialIRQ) }

type netIRQ struct{ m *machine.Machine }

func (n netIRQ) InjectNetIRQ() error { return irqPulse(n.m.VMFd(), machine.NetIRQ) }

// devices bundles every paravirtual device this monitor wires into a
// freshly built Machine's port bus, for reuse between boot and restore.
type devices struct {
	bridge *netbridge.Bridge
	uart   *serial.Serial
}

// wireDevices registers the serial console, the paravirtual file-I/O
// ABI, and (if tapIf is non-empty) the network bridge, against m's
// I/O port table.
func wireDevices(m *machine.Machine, tapIf, mac string, argv []string) (*devices, error) {
	translator := func(gpa uint64, length int) []byte { return m.Mem.Buf[gpa : gpa+uint64(length)] }
	bus := portbus.New(translator)

	bus.Register(portbus.Write, portbus.WriteHandler(portbus.OSFileOps))
	bus.Register(portbus.Read, portbus.ReadHandler(portbus.OSFileOps))
	bus.Register(portbus.Open, portbus.OpenHandler(portbus.OSFileOps))
	bus.Register(portbus.Close, portbus.CloseHandler(portbus.OSFileOps))
	bus.Register(portbus.Lseek, portbus.LseekHandler(portbus.OSFileOps))
	bus.Register(portbus.Exit, portbus.ExitHandler(func(status int32) {
		os.Exit(portbus.ReportExitStatus(status))
	}))
	bus.Register(portbus.CmdSize, portbus.CmdSizeHandler(argv, os.Environ()))
	bus.Register(portbus.CmdVal, portbus.CmdValHandler(argv, os.Environ()))

	d := &devices{uart: serial.New(serialIRQ{m})}

	if tapIf != "" {
		bridge, err := netbridge.New(tapIf, mac, netIRQ{m})
		if err != nil {
			return nil, fmt.Errorf("uhyve: netbridge: %w", err)
		}

		d.bridge = bridge

		bus.Register(portbus.NetInfo, bridge.NetInfoHandler())
		bus.Register(portbus.NetWrite, bridge.NetWriteHandler())
		bus.Register(portbus.NetRead, bridge.NetReadHandler())
		bus.Register(portbus.NetStat, bridge.NetStatHandler())
	}

	m.IOPortHandler(serial.COM1Addr, serial.COM1Addr+8, d.uart.In, d.uart.Out)
	m.IOPortHandler(portbus.Write, portbus.CmdVal+1, nil, func(port uint16, data []byte) error {
		return bus.Dispatch(port, data)
	})

	return d, nil
}

// runVCPUs boots every vCPU: each waits its turn at the boot barrier,
// gets its registers initialized, then runs until halt or error.
// Mirrors machine.RunAll's shape with the per-cpu boot step inlined.
func runVCPUs(m *machine.Machine, entry uint64, amd64 bool) error {
	var eg errgroup.Group

	for cpu := 0; cpu < m.NCPUs(); cpu++ {
		cpu := cpu

		eg.Go(func() error {
			m.WaitBootBarrier(uint32(cpu))

			if err := m.InitBootRegs(cpu, entry, amd64); err != nil {
				return fmt.Errorf("uhyve: InitBootRegs(%d): %w", cpu, err)
			}

			if err := m.RunLoop(cpu); err != nil && !errors.Is(err, machine.ErrHalt) {
				return err
			}

			return nil
		})
	}

	return eg.Wait()
}

// resumeVCPUs runs every vCPU from state already installed by
// checkpoint.Restore, skipping the boot barrier and register init a
// fresh boot needs.
func resumeVCPUs(m *machine.Machine) error {
	var eg errgroup.Group

	for cpu := 0; cpu < m.NCPUs(); cpu++ {
		cpu := cpu

		eg.Go(func() error {
			if err := m.RunLoop(cpu); err != nil && !errors.Is(err, machine.ErrHalt) {
				return err
			}

			return nil
		})
	}

	return eg.Wait()
}

// startConsole wires uart's input queue to the host terminal, if stdin
// is one: raw mode is enabled and a background goroutine pumps
// keystrokes in until EOF or the guest exit sequence (Ctrl-A x), which
// restores the terminal mode before returning. A non-terminal stdin
// (piped input, a daemonized run) is left alone.
func startConsole(uart *serial.Serial) {
	if !term.IsTerminal() {
		return
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		log.Printf("term: SetRawMode: %v", err)

		return
	}

	go func() {
		if err := uart.Start(bufio.NewReader(os.Stdin), restoreMode); err != nil {
			log.Printf("serial: console pump: %v", err)
		}
	}()
}

func ipStringOrEmpty(ip net.IP) string {
	if ip == nil {
		return ""
	}

	return ip.String()
}

func (b *BootCmd) Run() error {
	cfg, err := config.FromEnviron()
	if err != nil {
		return err
	}

	m, err := machine.Build(machine.Config{KVMPath: b.Dev, NCPUs: cfg.CPUs, MemSize: cfg.MemSize})
	if err != nil {
		return err
	}
	defer m.Close()

	raw, err := os.ReadFile(b.Kernel)
	if err != nil {
		return fmt.Errorf("uhyve: read kernel: %w", err)
	}

	entry, amd64, err := b.loadKernel(m, raw, cfg)
	if err != nil {
		return err
	}

	argv := append([]string{b.Kernel}, strings.Fields(b.Params)...)

	mac := b.Mac
	if mac == "" && cfg.NetifMAC != nil {
		mac = cfg.NetifMAC.String()
	}

	d, err := wireDevices(m, b.TapIf, mac, argv)
	if err != nil {
		return err
	}

	d.uart.SetOutput(os.Stdout)
	startConsole(d.uart)

	if d.bridge != nil {
		defer d.bridge.Close()
	}

	var stopCheckpoint chan struct{}

	if cfg.CheckpointEvery > 0 {
		c, err := checkpoint.New(m, b.CkptDir, entry, cfg.FullCheckpoint)
		if err != nil {
			return fmt.Errorf("uhyve: checkpoint setup: %w", err)
		}

		stopCheckpoint = make(chan struct{})

		go c.RunPeriodic(time.Duration(cfg.CheckpointEvery)*time.Second, stopCheckpoint,
			func(index int) { log.Printf("checkpoint: wrote snapshot %d", index) },
			func(err error) { log.Fatalf("checkpoint: snapshot failed: %v", err) })

		defer close(stopCheckpoint)
	}

	return runVCPUs(m, entry, amd64)
}

// loadKernel loads raw into m's guest memory, picking the loader by
// magic: a hermit-os unikernel ELF goes through bootinfo.Load and
// publishes the BootInfo block; anything else is treated as a legacy
// bzImage kernel (LoadBzImage publishes its own boot-parameter page at
// the same guest address). Once a file is confirmed ELF, a loader
// failure is never silently retried as a bzImage.
func (b *BootCmd) loadKernel(m *machine.Machine, raw []byte, cfg *config.Config) (entry uint64, amd64 bool, err error) {
	r := bytes.NewReader(raw)

	if bootinfo.LooksLikeELF(r) {
		res, err := bootinfo.Load(m.Mem.Buf, r)
		if err != nil {
			return 0, false, fmt.Errorf("uhyve: load kernel: %w", err)
		}

		info := &bootinfo.Info{
			BasePaddr:    machine.HighMemBase,
			MemLimit:     uint64(len(m.Mem.Buf)),
			PossibleCPUs: uint32(cfg.CPUs),
			HostMemBase:  m.HostMemBase(),
		}

		ipStr := ipStringOrEmpty(cfg.IP)
		gwStr := ipStringOrEmpty(cfg.Gateway)
		maskStr := ipStringOrEmpty(cfg.Mask)

		if ipStr != "" || gwStr != "" || maskStr != "" {
			if err := info.SetNetwork(ipStr, gwStr, maskStr); err != nil {
				return 0, false, err
			}
		}

		copy(m.Mem.Buf[machine.BootInfoAddr:], info.Bytes())
		bootinfo.SetImageSize(m.Mem.Buf[machine.BootInfoAddr:], res.ImageSize)

		if err := b.loadInitrd(m); err != nil {
			return 0, false, err
		}

		if b.Params != "" {
			copy(m.Mem.Buf[machine.CmdlineAddr:], b.Params)
		}

		return res.EntryPoint, res.AMD64, nil
	}

	initrd, err := b.initrdReader()
	if err != nil {
		return 0, false, err
	}

	if _, _, err := bootinfo.LoadBzImage(m.Mem.Buf, r, raw, initrd, b.Params,
		machine.HighMemBase, machine.BootInfoAddr, machine.CmdlineAddr, machine.InitrdAddr); err != nil {
		return 0, false, fmt.Errorf("uhyve: load bzImage kernel: %w", err)
	}

	return machine.HighMemBase, false, nil
}

// loadInitrd copies an ELF unikernel's optional initrd into guest
// memory at the published InitrdAddr.
func (b *BootCmd) loadInitrd(m *machine.Machine) error {
	if b.Initrd == "" {
		return nil
	}

	initrd, err := os.Open(b.Initrd)
	if err != nil {
		return fmt.Errorf("uhyve: open initrd: %w", err)
	}
	defer initrd.Close()

	if _, err := initrd.Read(m.Mem.Buf[machine.InitrdAddr:]); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("uhyve: load initrd: %w", err)
	}

	return nil
}

// initrdReader returns a reader over the initrd file for the bzImage
// loader, or an empty reader if none was given.
func (b *BootCmd) initrdReader() (io.ReaderAt, error) {
	if b.Initrd == "" {
		return bytes.NewReader(nil), nil
	}

	raw, err := os.ReadFile(b.Initrd)
	if err != nil {
		return nil, fmt.Errorf("uhyve: read initrd: %w", err)
	}

	return bytes.NewReader(raw), nil
}

func (c *CheckpointCmd) Run() error {
	dir, err := checkpoint.Dir(c.Dir)
	if err != nil {
		return err
	}

	cfg, err := checkpoint.ReadConfig(dir)
	if err != nil {
		return fmt.Errorf("uhyve: read checkpoint config: %w", err)
	}

	fmt.Printf("checkpoint %d: %d cpus, %d bytes memory, entry %#x, full=%t\n",
		cfg.Index, cfg.NCPUs, cfg.MemSize, cfg.EntryPoint, cfg.Full)

	return nil
}

func (r *RestoreCmd) Run() error {
	m, _, err := checkpoint.Restore(r.Dir, func(cfg checkpoint.ConfigFile) (*machine.Machine, error) {
		return machine.Build(machine.Config{KVMPath: r.Dev, NCPUs: cfg.NCPUs, MemSize: cfg.MemSize})
	})
	if err != nil {
		return fmt.Errorf("uhyve: restore: %w", err)
	}
	defer m.Close()

	d, err := wireDevices(m, r.TapIf, r.Mac, []string{r.Dir})
	if err != nil {
		return err
	}

	d.uart.SetOutput(os.Stdout)
	startConsole(d.uart)

	if d.bridge != nil {
		defer d.bridge.Close()
	}

	return resumeVCPUs(m)
}

func (p *ProbeCmd) Run() error {
	if p.CPUID {
		return probe.PrintCPUID(os.Stdout, p.Dev)
	}

	return probe.PrintCapabilities(os.Stdout, p.Dev)
}
