package kvmapi

import (
	"fmt"
	"unsafe"
)

// ExitType names why KVM_RUN returned control to userspace.
type ExitType uint32

// Exit reasons, mirroring KVM_EXIT_*.
const (
	ExitUnknown ExitType = iota
	ExitException
	ExitIO
	ExitHypercall
	ExitDebug
	ExitHLT
	ExitMMIO
	ExitIRQWindowOpen
	ExitShutdown
	ExitFailEntry
	ExitIntr
	ExitSetTPR
	ExitTPRAccess
	ExitS390Sieic
	ExitS390Reset
	ExitDCR
	ExitNMI
	ExitInternalError
)

//go:generate stringer -type=ExitType

// String renders an ExitType by name where known.
func (e ExitType) String() string {
	switch e {
	case ExitUnknown:
		return "EXITUNKNOWN"
	case ExitException:
		return "EXITEXCEPTION"
	case ExitIO:
		return "EXITIO"
	case ExitHypercall:
		return "EXITHYPERCALL"
	case ExitDebug:
		return "EXITDEBUG"
	case ExitHLT:
		return "EXITHLT"
	case ExitMMIO:
		return "EXITMMIO"
	case ExitIRQWindowOpen:
		return "EXITIRQWINDOWOPEN"
	case ExitShutdown:
		return "EXITSHUTDOWN"
	case ExitFailEntry:
		return "EXITFAILENTRY"
	case ExitIntr:
		return "EXITINTR"
	case ExitSetTPR:
		return "EXITSETTPR"
	case ExitTPRAccess:
		return "EXITTPRACCESS"
	case ExitS390Sieic:
		return "EXITS390SIEIC"
	case ExitS390Reset:
		return "EXITS390RESET"
	case ExitDCR:
		return "EXITDCR"
	case ExitNMI:
		return "EXITNMI"
	case ExitInternalError:
		return "EXITINTERNALERROR"
	default:
		return fmt.Sprintf("ExitType(%d)", uint32(e))
	}
}

// IO directions within the kvm_run.io union member.
const (
	ExitIODirIn  uint8 = 0
	ExitIODirOut uint8 = 1
)

// runIO is the KVM_EXIT_IO payload: port, direction and a packed
// count/size describing the data transferred through the mmap'd
// kvm_run page's data offset.
type runIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// RunData is a typed view over the shared kvm_run mmap page. Only the
// header fields common to every exit reason and the io union member
// are modeled; the other union members are not.
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             ExitType
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	runIO                  runIO
}

// IO decodes the io union member of a KVM_EXIT_IO exit, returning the
// port, direction, and a byte slice over the associated data in the
// mmap region base.
func (r *RunData) IO(base uintptr) (port uint16, out bool, data []byte) {
	addr := base + uintptr(r.runIO.DataOffset)
	size := int(r.runIO.Size) * int(r.runIO.Count)
	data = unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	return r.runIO.Port, r.runIO.Direction == ExitIODirOut, data
}
