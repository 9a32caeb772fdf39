package mem

// PhysicalAddress describes an address in the physical address space. It is
// never implicitly interchangeable with a VirtualAddress; translating between
// the two spaces always goes through a translation-table resolver (the two
// spaces coincide only while the boot identity mapping is active).
type PhysicalAddress uintptr

// VirtualAddress describes an address in a virtual address space.
type VirtualAddress uintptr

// IsPageAligned returns true if this address is aligned to the translation
// granule.
func (pa PhysicalAddress) IsPageAligned() bool {
	return pa&(PhysicalAddress(PageSize)-1) == 0
}

// AlignDown rounds this address down to the nearest page boundary.
func (pa PhysicalAddress) AlignDown() PhysicalAddress {
	return pa & ^(PhysicalAddress(PageSize) - 1)
}

// AlignUp rounds this address up to the nearest page boundary.
func (pa PhysicalAddress) AlignUp() PhysicalAddress {
	return (pa + PhysicalAddress(PageSize) - 1) & ^(PhysicalAddress(PageSize) - 1)
}

// IsPageAligned returns true if this address is aligned to the translation
// granule.
func (va VirtualAddress) IsPageAligned() bool {
	return va&(VirtualAddress(PageSize)-1) == 0
}

// AlignDown rounds this address down to the nearest page boundary.
func (va VirtualAddress) AlignDown() VirtualAddress {
	return va & ^(VirtualAddress(PageSize) - 1)
}

// AlignUp rounds this address up to the nearest page boundary.
func (va VirtualAddress) AlignUp() VirtualAddress {
	return (va + VirtualAddress(PageSize) - 1) & ^(VirtualAddress(PageSize) - 1)
}
