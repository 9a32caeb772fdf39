package vmm

import (
	"github.com/hgruniaux/os/kernel/mem"
)

const (
	// Descriptor format shared by all 4 translation levels. Bits [1:0]
	// discriminate the entry kind: 0b11 is a table descriptor at levels
	// 0-2 and a page descriptor at level 3; everything else is invalid
	// and faults when walked by the MMU.
	entryValid uint64 = 1 << 0
	entryTable uint64 = 1 << 1
	entryPage  uint64 = 1 << 1

	// Lower attribute bits of page descriptors.
	entryAttrIndexShift        = 2
	entryAPUnprivileged uint64 = 1 << 6
	entryAPReadOnly     uint64 = 1 << 7
	entrySHShift               = 8
	entryAccessFlag     uint64 = 1 << 10
	entryNotGlobal      uint64 = 1 << 11

	// Upper attribute bits of page descriptors.
	entryPXN uint64 = 1 << 53
	entryUXN uint64 = 1 << 54

	// entryAddrMask extracts the 48-bit page-aligned output address.
	entryAddrMask uint64 = 0x0000_ffff_ffff_f000

	// entryAttrMask covers every attribute bit managed by PageAttributes;
	// ChangeAttrRange rewrites exactly these bits and nothing else.
	entryAttrMask = (0x3ff << entryAttrIndexShift) | entryPXN | entryUXN
)

// tableEntry describes a single 64-bit descriptor within a translation table.
type tableEntry uint64

// Valid returns true if the MMU will walk through (or map via) this entry.
func (e tableEntry) Valid() bool {
	return uint64(e)&entryValid != 0
}

// PhysAddr returns the physical output address encoded in this entry.
func (e tableEntry) PhysAddr() mem.PhysicalAddress {
	return mem.PhysicalAddress(uint64(e) & entryAddrMask)
}

// setNextTable rewrites this entry as a table descriptor pointing to the
// next-level table at the supplied physical address.
func (e *tableEntry) setNextTable(pa mem.PhysicalAddress) {
	*e = tableEntry(uint64(pa)&entryAddrMask | entryValid | entryTable)
}

// setPage rewrites this entry as a level-3 page descriptor combining the
// output address with the pre-encoded attribute bits.
func (e *tableEntry) setPage(pa mem.PhysicalAddress, encodedAttrs uint64) {
	*e = tableEntry(uint64(pa)&entryAddrMask | encodedAttrs | entryValid | entryPage)
}

// replaceAttrs rewrites the attribute bits of this page descriptor keeping
// its output address (and validity) intact.
func (e *tableEntry) replaceAttrs(encodedAttrs uint64) {
	*e = tableEntry(uint64(*e)&^entryAttrMask | encodedAttrs)
}

// clear invalidates this entry.
func (e *tableEntry) clear() {
	*e = 0
}
