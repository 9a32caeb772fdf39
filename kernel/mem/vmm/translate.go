package vmm

import (
	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/mem"
)

// Translate walks the table and returns the physical address that va maps to
// together with the page's attribute tuple. It returns ErrInvalidMapping if
// the walk hits a missing level.
func (t *TranslationTable) Translate(va mem.VirtualAddress) (mem.PhysicalAddress, PageAttributes, *kernel.Error) {
	entry, err := t.pageEntry(va.AlignDown())
	if err != nil {
		return 0, PageAttributes{}, err
	}

	pageOffset := mem.PhysicalAddress(va & (mem.VirtualAddress(mem.PageSize) - 1))
	return entry.PhysAddr() + pageOffset, decodeAttributes(*entry), nil
}
