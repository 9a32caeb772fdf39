package vmm

import (
	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/mem"
)

var (
	// ErrInvalidMapping is returned when an operation requires a virtual
	// address that is already mapped but the address does not point to a
	// mapped physical page.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrOverlapsMapping is returned by MapRange when any page in the
	// requested range is already mapped. Remapping is never silent; the
	// caller must unmap first or pick a different window.
	ErrOverlapsMapping = &kernel.Error{Module: "vmm", Message: "range overlaps an existing mapping"}

	errUnalignedAddress = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}
	errInvalidRange     = &kernel.Error{Module: "vmm", Message: "range end precedes range start"}
)

// MapRange maps the inclusive virtual range [vaStart, vaEnd] to the physical
// range of matching length starting at paStart, installing missing
// intermediate tables via the table's allocator. All three addresses must be
// page-aligned: vaEnd is the address of the last page in the range, matching
// the end-inclusive convention used by the boot sequencer.
//
// Mapping over an already-mapped page is an error, not an overwrite; the
// whole range is verified unmapped before the first descriptor is written so
// an overlap failure leaves the table unchanged.
func (t *TranslationTable) MapRange(vaStart, vaEnd mem.VirtualAddress, paStart mem.PhysicalAddress, attrs PageAttributes) *kernel.Error {
	if !vaStart.IsPageAligned() || !vaEnd.IsPageAligned() || !paStart.IsPageAligned() {
		return errUnalignedAddress
	}
	if vaEnd < vaStart {
		return errInvalidRange
	}

	encodedAttrs, err := attrs.encode(t.kind)
	if err != nil {
		return err
	}

	if overlaps := t.visitRange(vaStart, vaEnd, func(va mem.VirtualAddress) bool {
		_, entryErr := t.pageEntry(va)
		return entryErr == nil
	}); overlaps {
		return ErrOverlapsMapping
	}

	pa := paStart
	for va := vaStart; ; va, pa = va+mem.VirtualAddress(mem.PageSize), pa+mem.PhysicalAddress(mem.PageSize) {
		if err = t.mapPage(va, pa, encodedAttrs); err != nil {
			return err
		}
		if va == vaEnd {
			return nil
		}
	}
}

// ChangeAttrRange rewrites the attribute bits of every page in the inclusive
// virtual range [vaStart, vaEnd] without touching the physical backing. The
// range must be fully mapped; a partially-unmapped range fails before any
// descriptor is modified. ChangeAttrRange never allocates.
func (t *TranslationTable) ChangeAttrRange(vaStart, vaEnd mem.VirtualAddress, attrs PageAttributes) *kernel.Error {
	if !vaStart.IsPageAligned() || !vaEnd.IsPageAligned() {
		return errUnalignedAddress
	}
	if vaEnd < vaStart {
		return errInvalidRange
	}

	encodedAttrs, err := attrs.encode(t.kind)
	if err != nil {
		return err
	}

	if unmapped := t.visitRange(vaStart, vaEnd, func(va mem.VirtualAddress) bool {
		_, entryErr := t.pageEntry(va)
		return entryErr != nil
	}); unmapped {
		return ErrInvalidMapping
	}

	t.visitRange(vaStart, vaEnd, func(va mem.VirtualAddress) bool {
		entry, _ := t.pageEntry(va)
		entry.replaceAttrs(encodedAttrs)
		return false
	})

	return nil
}

// UnmapRange invalidates the page descriptors for the inclusive virtual
// range [vaStart, vaEnd]. The range must be fully mapped; intermediate
// tables are kept so the virtual window can be remapped cheaply. TLB
// maintenance is the caller's responsibility: the engine also runs before
// translation is enabled, where no TLB entries can exist.
func (t *TranslationTable) UnmapRange(vaStart, vaEnd mem.VirtualAddress) *kernel.Error {
	if !vaStart.IsPageAligned() || !vaEnd.IsPageAligned() {
		return errUnalignedAddress
	}
	if vaEnd < vaStart {
		return errInvalidRange
	}

	if unmapped := t.visitRange(vaStart, vaEnd, func(va mem.VirtualAddress) bool {
		_, entryErr := t.pageEntry(va)
		return entryErr != nil
	}); unmapped {
		return ErrInvalidMapping
	}

	t.visitRange(vaStart, vaEnd, func(va mem.VirtualAddress) bool {
		entry, _ := t.pageEntry(va)
		entry.clear()
		return false
	})

	return nil
}

// mapPage installs a single page descriptor, allocating intermediate tables
// on demand.
func (t *TranslationTable) mapPage(va mem.VirtualAddress, pa mem.PhysicalAddress, encodedAttrs uint64) *kernel.Error {
	var err *kernel.Error

	t.walk(va, func(level uint8, entry *tableEntry) bool {
		if level == pageLevels-1 {
			if entry.Valid() {
				err = ErrOverlapsMapping
				return false
			}
			entry.setPage(pa, encodedAttrs)
			return true
		}

		// Intermediate table missing: allocate a zeroed page owned by
		// this table and descend into it.
		if !entry.Valid() {
			var tableVA mem.VirtualAddress
			if tableVA, err = t.alloc.AllocZeroedPage(); err != nil {
				return false
			}
			entry.setNextTable(t.alloc.ResolvePhys(tableVA))
		}

		return true
	})

	return err
}

// pageEntry returns the level-3 descriptor mapping va, or ErrInvalidMapping
// when any level along the walk is missing. It never allocates.
func (t *TranslationTable) pageEntry(va mem.VirtualAddress) (*tableEntry, *kernel.Error) {
	var pageDesc *tableEntry

	t.walk(va, func(level uint8, entry *tableEntry) bool {
		if !entry.Valid() {
			return false
		}
		if level == pageLevels-1 {
			pageDesc = entry
		}
		return true
	})

	if pageDesc == nil {
		return nil, ErrInvalidMapping
	}

	return pageDesc, nil
}

// visitRange invokes visit for every page in the inclusive range and returns
// true as soon as visit does.
func (t *TranslationTable) visitRange(vaStart, vaEnd mem.VirtualAddress, visit func(va mem.VirtualAddress) bool) bool {
	for va := vaStart; ; va += mem.VirtualAddress(mem.PageSize) {
		if visit(va) {
			return true
		}
		if va == vaEnd {
			return false
		}
	}
}
