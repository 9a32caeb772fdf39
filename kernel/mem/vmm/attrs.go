package vmm

import (
	"github.com/hgruniaux/os/kernel"
)

// Shareability selects the cache-coherence domain for a mapped region.
type Shareability uint8

// Supported shareability domains.
const (
	NonShareable Shareability = iota
	OuterShareable
	InnerShareable
)

// ExecutionPermission controls instruction fetches from a mapped region.
type ExecutionPermission uint8

// Supported execution permissions.
const (
	NeverExecute ExecutionPermission = iota
	PrivilegedExecute
)

// ReadWritePermission controls data writes to a mapped region.
type ReadWritePermission uint8

// Supported read/write permissions.
const (
	ReadOnly ReadWritePermission = iota
	ReadWrite
)

// Accessibility selects the privilege level that may access a mapped region.
type Accessibility uint8

// Supported access levels.
const (
	Privileged Accessibility = iota
	User
)

// MemoryType selects the memory-attribute indirection slot for a mapped
// region. The constant values double as the MAIR slot index, so they must
// stay in sync with the MAIR value programmed by the bring-up sequencer.
type MemoryType uint8

// Supported memory types.
const (
	// Normal is write-back cacheable memory.
	Normal MemoryType = iota

	// NormalNoCache is normal memory bypassing the caches.
	NormalNoCache

	// DeviceStrict is strongly-ordered device memory (nGnRnE): no
	// gathering, no reordering, no early write acknowledgement.
	DeviceStrict

	// DeviceGathered is device memory that permits gathering (nGRE); used
	// for the VideoCore window where write combining is safe.
	DeviceGathered
)

// PageAttributes describes the full attribute tuple applied to each page of
// a mapped range.
type PageAttributes struct {
	Sh     Shareability
	Exec   ExecutionPermission
	RW     ReadWritePermission
	Access Accessibility
	Type   MemoryType
}

var errDeviceExecute = &kernel.Error{Module: "vmm", Message: "device memory types cannot be mapped executable"}

// encode translates the attribute tuple into page-descriptor bits. Device
// memory types never co-occur with execute permission; such a combination is
// rejected before anything is written to a table. Process tables get
// not-global entries so that translations are tagged with the table's ASID.
func (attrs PageAttributes) encode(kind Kind) (uint64, *kernel.Error) {
	isDevice := attrs.Type == DeviceStrict || attrs.Type == DeviceGathered
	if isDevice && attrs.Exec != NeverExecute {
		return 0, errDeviceExecute
	}

	encoded := entryAccessFlag | uint64(attrs.Type)<<entryAttrIndexShift

	switch attrs.Sh {
	case OuterShareable:
		encoded |= 0b10 << entrySHShift
	case InnerShareable:
		encoded |= 0b11 << entrySHShift
	}

	if attrs.RW == ReadOnly {
		encoded |= entryAPReadOnly
	}

	// User pages never carry privileged execute rights and privileged
	// pages are never executable from user mode.
	encoded |= entryUXN
	if attrs.Access == User {
		encoded |= entryAPUnprivileged
		encoded &^= entryUXN
		encoded |= entryPXN
	}

	if attrs.Exec == NeverExecute {
		encoded |= entryPXN | entryUXN
	}

	if kind == KindProcess {
		encoded |= entryNotGlobal
	}

	return encoded, nil
}

// decodeAttributes recovers the attribute tuple from a page descriptor. It is
// the inverse of encode for every tuple encode accepts.
func decodeAttributes(e tableEntry) PageAttributes {
	var attrs PageAttributes

	attrs.Type = MemoryType(uint64(e) >> entryAttrIndexShift & 0b11)

	switch uint64(e) >> entrySHShift & 0b11 {
	case 0b10:
		attrs.Sh = OuterShareable
	case 0b11:
		attrs.Sh = InnerShareable
	}

	if uint64(e)&entryAPReadOnly == 0 {
		attrs.RW = ReadWrite
	}

	if uint64(e)&entryAPUnprivileged != 0 {
		attrs.Access = User
		if uint64(e)&entryUXN == 0 {
			attrs.Exec = PrivilegedExecute
		}
	} else if uint64(e)&entryPXN == 0 {
		attrs.Exec = PrivilegedExecute
	}

	return attrs
}
