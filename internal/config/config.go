// Package config parses the HERMIT_* environment variables that
// configure a uhyve VM, following the env-first convention of the
// reference loader.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config is the fully-resolved set of knobs a VM boot needs. Kong CLI
// flags (see cmd/uhyve) override these where both are given.
type Config struct {
	MemSize         int
	CPUs            int
	Verbose         bool
	Mergeable       bool
	HugePage        bool
	CheckpointEvery int
	FullCheckpoint  bool
	IP              net.IP
	Gateway         net.IP
	Mask            net.IP
	NetifMAC        net.HardwareAddr
}

// Default values used when the corresponding HERMIT_* variable is unset.
const (
	DefaultMemSize = 64 << 20
	DefaultCPUs    = 1
)

// FromEnviron builds a Config by reading HERMIT_* variables out of the
// process environment, applying defaults for anything unset.
func FromEnviron() (*Config, error) {
	c := &Config{
		MemSize: DefaultMemSize,
		CPUs:    DefaultCPUs,
	}

	var err error

	if v, ok := os.LookupEnv("HERMIT_MEM"); ok && v != "" {
		if c.MemSize, err = ParseSize(v); err != nil {
			return nil, fmt.Errorf("HERMIT_MEM: %w", err)
		}
	}

	if v, ok := os.LookupEnv("HERMIT_CPUS"); ok && v != "" {
		if c.CPUs, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("HERMIT_CPUS: %w", err)
		}
	}

	if v, ok := os.LookupEnv("HERMIT_VERBOSE"); ok {
		c.Verbose = v != "0"
	}

	c.Mergeable = envBool("HERMIT_MERGEABLE")
	c.HugePage = envBool("HERMIT_HUGEPAGE")

	if v, ok := os.LookupEnv("HERMIT_CHECKPOINT"); ok {
		if c.CheckpointEvery, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("HERMIT_CHECKPOINT: %w", err)
		}
	}

	c.FullCheckpoint = envBool("HERMIT_FULLCHECKPOINT")

	if v, ok := os.LookupEnv("HERMIT_IP"); ok {
		if c.IP = net.ParseIP(v); c.IP == nil {
			return nil, fmt.Errorf("HERMIT_IP: invalid address %q", v)
		}
	}

	if v, ok := os.LookupEnv("HERMIT_GATEWAY"); ok {
		if c.Gateway = net.ParseIP(v); c.Gateway == nil {
			return nil, fmt.Errorf("HERMIT_GATEWAY: invalid address %q", v)
		}
	}

	if v, ok := os.LookupEnv("HERMIT_MASK"); ok {
		if c.Mask = net.ParseIP(v); c.Mask == nil {
			return nil, fmt.Errorf("HERMIT_MASK: invalid address %q", v)
		}
	}

	if v, ok := os.LookupEnv("HERMIT_NETIF_MAC"); ok {
		if c.NetifMAC, err = net.ParseMAC(v); err != nil {
			return nil, fmt.Errorf("HERMIT_NETIF_MAC: %w", err)
		}
	}

	return c, nil
}

// envBool reports whether an environment variable is set to anything
// other than "0" or empty, matching HERMIT_VERBOSE's truthiness rule.
func envBool(name string) bool {
	v, ok := os.LookupEnv(name)

	return ok && v != "0" && v != ""
}

// ParseSize parses a size string with an optional K/M/G/T/P/E suffix
// (case-insensitive) into a byte count.
func ParseSize(s string) (int, error) {
	sz := strings.TrimRight(s, "kKmMgGtTpPeE")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[kKmMgGtTpPeE]", s)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	unit := ""
	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch strings.ToLower(unit) {
	case "":
		return int(amt), nil
	case "k":
		return int(amt) << 10, nil
	case "m":
		return int(amt) << 20, nil
	case "g":
		return int(amt) << 30, nil
	case "t":
		return int(amt) << 40, nil
	case "p":
		return int(amt) << 50, nil
	case "e":
		return int(amt) << 60, nil
	}

	return -1, fmt.Errorf("%q: unrecognized size suffix %q", s, unit)
}
