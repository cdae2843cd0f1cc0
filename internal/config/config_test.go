package config

import "testing"

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"1G", 1 << 30},
		{"64M", 64 << 20},
		{"512k", 512 << 10},
		{"128", 128},
		{"2E", 2 << 60},
	}

	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}

		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"", "G", "abcM"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q): expected error, got nil", in)
		}
	}
}

func TestFromEnvironDefaults(t *testing.T) {
	t.Setenv("HERMIT_MEM", "")
	t.Setenv("HERMIT_CPUS", "")

	c, err := FromEnviron()
	if err != nil {
		t.Fatalf("FromEnviron: %v", err)
	}

	if c.MemSize != DefaultMemSize {
		t.Errorf("MemSize = %d, want default %d", c.MemSize, DefaultMemSize)
	}

	if c.CPUs != DefaultCPUs {
		t.Errorf("CPUs = %d, want default %d", c.CPUs, DefaultCPUs)
	}
}

func TestFromEnvironOverrides(t *testing.T) {
	t.Setenv("HERMIT_MEM", "256M")
	t.Setenv("HERMIT_CPUS", "4")
	t.Setenv("HERMIT_VERBOSE", "1")
	t.Setenv("HERMIT_HUGEPAGE", "1")
	t.Setenv("HERMIT_MERGEABLE", "0")

	c, err := FromEnviron()
	if err != nil {
		t.Fatalf("FromEnviron: %v", err)
	}

	if c.MemSize != 256<<20 {
		t.Errorf("MemSize = %d, want %d", c.MemSize, 256<<20)
	}

	if c.CPUs != 4 {
		t.Errorf("CPUs = %d, want 4", c.CPUs)
	}

	if !c.Verbose {
		t.Error("Verbose = false, want true")
	}

	if !c.HugePage {
		t.Error("HugePage = false, want true")
	}

	if c.Mergeable {
		t.Error("Mergeable = true, want false")
	}
}
