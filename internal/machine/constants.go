package machine

// Guest-physical layout constants. These addresses are a published ABI
// the guest's boot code and the Loader/BootInfo agree on.
const (
	BootInfoAddr  = 0x10000
	CmdlineAddr   = 0x20000
	InitrdAddr    = 0xf000000
	HighMemBase   = 0x100000
	PageTableBase = 0x30_000

	BootGDTAddr = PageTableBase + 0x8000

	SerialIRQ    = 4
	VirtioNetIRQ = 9
	VirtioBlkIRQ = 10
	NetIRQ       = 11

	// GapStart and GapSize carve the x86_64 32-bit-architectural gap
	// out of the guest address space once guest memory exceeds it.
	GapStart = 0xC0000000
	GapSize  = 0x30000000

	// MinMemSize is the smallest guest memory size this monitor will
	// configure.
	MinMemSize = 1 << 25
)

// CR0 bits.
const (
	CR0xPE = 1
	CR0xMP = 1 << 1
	CR0xEM = 1 << 2
	CR0xTS = 1 << 3
	CR0xET = 1 << 4
	CR0xNE = 1 << 5
	CR0xWP = 1 << 16
	CR0xAM = 1 << 18
	CR0xNW = 1 << 29
	CR0xCD = 1 << 30
	CR0xPG = 1 << 31
)

// CR4 bits.
const (
	CR4xVME        = 1
	CR4xPVI        = 1 << 1
	CR4xTSD        = 1 << 2
	CR4xDE         = 1 << 3
	CR4xPSE        = 1 << 4
	CR4xPAE        = 1 << 5
	CR4xMCE        = 1 << 6
	CR4xPGE        = 1 << 7
	CR4xPCE        = 1 << 8
	CR4xOSFXSR     = 1 << 9
	CR4xOSXMMEXCPT = 1 << 10
	CR4xUMIP       = 1 << 11
	CR4xVMXE       = 1 << 13
	CR4xSMXE       = 1 << 14
	CR4xFSGSBASE   = 1 << 16
	CR4xPCIDE      = 1 << 17
	CR4xOSXSAVE    = 1 << 18
	CR4xSMEP       = 1 << 20
	CR4xSMAP       = 1 << 21
)

// EFER bits.
const (
	EFERxSCE = 1
	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10
	EFERxNXE = 1 << 11
)

// Page-directory/table entry bits.
const (
	PDE64xPRESENT  = 1
	PDE64xRW       = 1 << 1
	PDE64xUSER     = 1 << 2
	PDE64xACCESSED = 1 << 5
	PDE64xDIRTY    = 1 << 6
	PDE64xPS       = 1 << 7
	PDE64xG        = 1 << 8
)

// Poison is placed across unused guest memory: a mov/nop/ud2 sequence
// that traps instead of silently executing zero bytes as add-family
// instructions.
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// ApicDefaultBase is the architectural default local-APIC MMIO base.
const ApicDefaultBase = 0xfee00000
