package vmm

import (
	"unsafe"

	"github.com/hgruniaux/os/kernel/mem"
)

const (
	// pageLevels is the number of radix levels walked for a 4 KiB granule
	// with a 48-bit address space (T0SZ/T1SZ = 16).
	pageLevels = 4

	// tableIndexBits is the number of virtual address bits consumed per
	// level; each one-page table holds 1<<tableIndexBits entries.
	tableIndexBits = 9
)

// pageLevelShifts contains the virtual address bit position of each level's
// table index.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// tableWalker is a function that can be passed to the walk method. The
// function receives the current level and a pointer to the descriptor that
// the virtual address selects at this level. If the function returns false,
// then the walk is aborted.
type tableWalker func(level uint8, entry *tableEntry) bool

// walk visits the descriptor chain for the given virtual address, one entry
// per level starting at the root. Descending below a level requires a valid
// table descriptor; walkFn is expected to either install one (when mapping)
// or return false to abort.
func (t *TranslationTable) walk(va mem.VirtualAddress, walkFn tableWalker) {
	tableVA := t.root

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := uintptr(va) >> pageLevelShifts[level] & ((1 << tableIndexBits) - 1)
		entry := (*tableEntry)(unsafe.Pointer(uintptr(tableVA) + entryIndex<<mem.PointerShift))

		if !walkFn(level, entry) {
			return
		}

		if level < pageLevels-1 {
			if !entry.Valid() {
				return
			}
			tableVA = t.alloc.ResolveVirt(entry.PhysAddr())
		}
	}
}
