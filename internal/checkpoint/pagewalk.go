package checkpoint

import "encoding/binary"

// x86 page-table entry flag bits relevant to the incremental
// checkpoint walk.
const (
	pgPresent = 1 << 0
	pgAccessed = 1 << 5
	pgDirty    = 1 << 6
	pgPSE      = 1 << 7

	pteAddrMask = ^uint64(0xFFF)

	entriesPerTable = 512
)

// PageSize is the architectural 4 KiB page size.
const PageSize = 4096

// HugePageSize is the 2 MiB large-page size used by the identity
// map's PD entries.
const HugePageSize = 2 << 20

// clearFlag clears the given flag bits in the entry at entryAddr, so
// that the next incremental checkpoint only sees subsequent changes.
func clearFlag(mem []byte, entryAddr uint64, flag uint64) {
	v := binary.LittleEndian.Uint64(mem[entryAddr:])
	binary.LittleEndian.PutUint64(mem[entryAddr:], v&^flag)
}

// WalkPageTables walks the guest's own PML4/PDPT/PD/PT rooted at cr3,
// starting from startGPA, and emits one PageRecord per present leaf
// whose Accessed (first checkpoint) or Dirty (successor checkpoints)
// bit is set. It then clears both bits on every leaf it reported so
// that the next round only reports new writes; leaves it skipped keep
// their bits.
//
// 2 MiB PD leaves are reported with the PGPSE bit set in their
// location, matching the spec's location-encoding convention that
// disambiguates a 2 MiB leaf from a 4 KiB one sharing the same
// physical alignment (the PAT bit occupies the same position in a
// 4 KiB PTE).
func WalkPageTables(mem []byte, cr3 uint64, startGPA uint64, firstCheckpoint bool) []PageRecord {
	flag := uint64(pgDirty)
	if firstCheckpoint {
		flag = pgAccessed
	}

	var records []PageRecord

	pml4Base := cr3 & pteAddrMask

	for i4 := 0; i4 < entriesPerTable; i4++ {
		pml4e := binary.LittleEndian.Uint64(mem[pml4Base+uint64(i4)*8:])
		if pml4e&pgPresent == 0 {
			continue
		}

		pdptBase := pml4e & pteAddrMask

		for i3 := 0; i3 < entriesPerTable; i3++ {
			pdptEntryAddr := pdptBase + uint64(i3)*8
			pdpte := binary.LittleEndian.Uint64(mem[pdptEntryAddr:])

			if pdpte&pgPresent == 0 {
				continue
			}

			pdBase := pdpte & pteAddrMask

			for i2 := 0; i2 < entriesPerTable; i2++ {
				pdEntryAddr := pdBase + uint64(i2)*8
				pde := binary.LittleEndian.Uint64(mem[pdEntryAddr:])

				if pde&pgPresent == 0 {
					continue
				}

				if pde&pgPSE != 0 {
					addr := pde & pteAddrMask

					if addr+HugePageSize <= uint64(len(mem)) && addr >= startGPA && pde&flag != 0 {
						page := make([]byte, HugePageSize)
						copy(page, mem[addr:addr+HugePageSize])
						records = append(records, PageRecord{Location: addr | pgPSE, Bytes: page})
						clearFlag(mem, pdEntryAddr, pgAccessed|pgDirty)
					}

					continue
				}

				ptBase := pde & pteAddrMask

				for i1 := 0; i1 < entriesPerTable; i1++ {
					ptEntryAddr := ptBase + uint64(i1)*8
					pte := binary.LittleEndian.Uint64(mem[ptEntryAddr:])

					if pte&pgPresent == 0 {
						continue
					}

					addr := pte & pteAddrMask
					if addr < startGPA || addr+PageSize > uint64(len(mem)) {
						continue
					}

					if pte&flag == 0 {
						continue
					}

					page := make([]byte, PageSize)
					copy(page, mem[addr:addr+PageSize])
					records = append(records, PageRecord{Location: addr, Bytes: page})
					clearFlag(mem, ptEntryAddr, pgAccessed|pgDirty)
				}
			}
		}
	}

	return records
}
