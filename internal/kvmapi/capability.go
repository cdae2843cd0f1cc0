package kvmapi

import "fmt"

// Capability identifies an optional KVM feature queryable via
// KVM_CHECK_EXTENSION.
type Capability int

// Capabilities exercised by the packages in this module, named after
// their KVM_CAP_* counterparts.
const (
	CapIRQChip         Capability = 0
	CapUserMemory      Capability = 3
	CapSetTSSAddr      Capability = 4
	CapExtCPUID        Capability = 7
	CapCoalescedMMIO   Capability = 8
	CapNopIODelay      Capability = 12
	CapPIT2            Capability = 15
	CapUserNMI         Capability = 22
	CapSetGuestDebug   Capability = 23
	CapReinjectControl Capability = 24
	CapIRQRouting      Capability = 25
	CapIOMMU           Capability = 18
	CapMCE             Capability = 31
	CapIRQFD           Capability = 32
	CapPITState2       Capability = 35
	CapSetBootCPUID    Capability = 34
	CapAdjustClock     Capability = 39
	CapTSCDeadline     Capability = 72
	CapIOEventFD       Capability = 36
	CapKVMClockCtrl    Capability = 76
	CapMPState         Capability = 14
	CapNRMemSlots      Capability = 10
)

// String renders a Capability by name where known, falling back to
// Capability(N) otherwise.
func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapUserMemory:
		return "CapUserMemory"
	case CapSetTSSAddr:
		return "CapSetTSSAddr"
	case CapExtCPUID:
		return "CapExtCPUID"
	case CapCoalescedMMIO:
		return "CapCoalescedMMIO"
	case CapNopIODelay:
		return "CapNopIODelay"
	case CapPIT2:
		return "CapPIT2"
	case CapUserNMI:
		return "CapUserNMI"
	case CapSetGuestDebug:
		return "CapSetGuestDebug"
	case CapReinjectControl:
		return "CapReinjectControl"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapIOMMU:
		return "CapIOMMU"
	case CapMCE:
		return "CapMCE"
	case CapIRQFD:
		return "CapIRQFD"
	case CapPITState2:
		return "CapPITState2"
	case CapSetBootCPUID:
		return "CapSetBootCPUID"
	case CapAdjustClock:
		return "CapAdjustClock"
	case CapTSCDeadline:
		return "CapTSCDeadline"
	case CapIOEventFD:
		return "CapIOEventFD"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	case CapMPState:
		return "CapMPState"
	case CapNRMemSlots:
		return "CapNRMemSlots"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

// CheckExtension reports whether fd (a /dev/kvm or VM fd) supports cap,
// and if so, its extension-specific value (commonly a count or boolean).
func CheckExtension(fd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(fd, IIO(nrCheckExtension), uintptr(cap))

	return int(r), err
}
