package probe

import (
	"bytes"
	"os"
	"testing"
)

func TestCapabilitiesAgainstDevKVM(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	results, err := Capabilities("/dev/kvm")
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}

	if len(results) != len(capabilities) {
		t.Errorf("got %d results, want %d", len(results), len(capabilities))
	}
}

func TestPrintCapabilitiesAgainstDevKVM(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	var buf bytes.Buffer

	if err := PrintCapabilities(&buf, "/dev/kvm"); err != nil {
		t.Fatalf("PrintCapabilities: %v", err)
	}

	if buf.Len() == 0 {
		t.Error("PrintCapabilities wrote nothing")
	}
}

func TestCPUIDAgainstDevKVM(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	c, err := CPUID("/dev/kvm")
	if err != nil {
		t.Fatalf("CPUID: %v", err)
	}

	if c.Nent == 0 {
		t.Error("CPUID returned zero leaves")
	}
}

func TestCapabilitiesMissingDevice(t *testing.T) {
	if _, err := Capabilities("/nonexistent/kvm-device"); err == nil {
		t.Error("expected error opening a nonexistent device")
	}
}
