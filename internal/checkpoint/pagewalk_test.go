package checkpoint

import (
	"encoding/binary"
	"testing"
)

func writeEntry(mem []byte, addr uint64, entry uint64) {
	binary.LittleEndian.PutUint64(mem[addr:], entry)
}

// buildOnePML4Chain wires a minimal PML4->PDPT->PD chain with a
// single 2 MiB leaf at leafAddr, flagged with the given extra bits on
// top of Present.
func buildOnePML4Chain(mem []byte, pml4Base, pdptBase, pdBase, leafAddr uint64, flags uint64) {
	writeEntry(mem, pml4Base, pdptBase|pgPresent)
	writeEntry(mem, pdptBase, pdBase|pgPresent)
	writeEntry(mem, pdBase, leafAddr|pgPresent|pgPSE|flags)
}

func TestWalkPageTablesFirstCheckpointAccessed(t *testing.T) {
	mem := make([]byte, 8<<20)

	const pml4Base, pdptBase, pdBase, leaf = 0x1000, 0x2000, 0x3000, uint64(0x400000)

	buildOnePML4Chain(mem, pml4Base, pdptBase, pdBase, leaf, pgAccessed)
	copy(mem[leaf:], "dirty-page-data")

	records := WalkPageTables(mem, pml4Base, 0, true)

	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	if records[0].Location&pteAddrMask != leaf {
		t.Errorf("location = %#x, want %#x", records[0].Location, leaf)
	}

	if records[0].Location&pgPSE == 0 {
		t.Error("expected PGPSE bit set for a 2 MiB leaf")
	}

	pde := binary.LittleEndian.Uint64(mem[pdBase:])
	if pde&pgAccessed != 0 {
		t.Error("Accessed bit not cleared after walk")
	}
}

func TestWalkPageTablesSuccessorUsesDirtyBit(t *testing.T) {
	mem := make([]byte, 8<<20)

	const pml4Base, pdptBase, pdBase, leaf = 0x1000, 0x2000, 0x3000, uint64(0x400000)

	buildOnePML4Chain(mem, pml4Base, pdptBase, pdBase, leaf, pgAccessed)

	records := WalkPageTables(mem, pml4Base, 0, false)

	if len(records) != 0 {
		t.Errorf("records = %d, want 0 (Accessed set but not Dirty, successor round)", len(records))
	}
}

func TestWalkPageTablesSkipsBeforeStart(t *testing.T) {
	mem := make([]byte, 8<<20)

	const pml4Base, pdptBase, pdBase, leaf = 0x1000, 0x2000, 0x3000, uint64(0x200000)

	buildOnePML4Chain(mem, pml4Base, pdptBase, pdBase, leaf, pgAccessed)

	records := WalkPageTables(mem, pml4Base, leaf+HugePageSize, true)

	if len(records) != 0 {
		t.Errorf("records = %d, want 0 (leaf below startGPA)", len(records))
	}
}
