package vmm

import (
	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/mem"
)

// Kind discriminates the two translation-table variants supported by the
// engine.
type Kind uint8

const (
	// KindKernel tables map the upper half of the address space. Their
	// intermediate pages come from the boot arena and are never freed.
	KindKernel Kind = iota

	// KindProcess tables map the lower half of the address space on
	// behalf of a single process and tag their entries with an ASID.
	KindProcess
)

// Allocator is the capability a TranslationTable needs to build itself: it
// hands out zeroed pages for intermediate tables and resolves between the
// two address spaces. The boot bump arena implements it with identity
// resolvers; process tables use the kernel's page allocator with the normal
// memory window as the virtual view.
type Allocator interface {
	// AllocZeroedPage reserves one zero-initialized page and returns the
	// virtual address through which the caller may write it.
	AllocZeroedPage() (mem.VirtualAddress, *kernel.Error)

	// ResolvePhys returns the physical address backing a virtual address
	// previously handed out by this allocator.
	ResolvePhys(va mem.VirtualAddress) mem.PhysicalAddress

	// ResolveVirt returns the virtual address through which a physical
	// page owned by this allocator can be accessed.
	ResolveVirt(pa mem.PhysicalAddress) mem.VirtualAddress
}

// PageFreer is optionally implemented by allocators that support releasing
// individual pages. Kernel-table allocators intentionally do not implement
// it: pages handed out during boot are never returned.
type PageFreer interface {
	FreePage(va mem.VirtualAddress)
}

// TranslationTable owns the root of a 4-level radix translation table plus
// the allocator used to grow it. Intermediate tables are allocated on demand
// while mapping and are owned exclusively by this table; they are never
// shared across TranslationTable instances.
type TranslationTable struct {
	kind  Kind
	asid  uint8
	root  mem.VirtualAddress
	alloc Allocator
}

// NewTranslationTable allocates a zeroed root table page and returns a table
// ready for MapRange calls.
func NewTranslationTable(kind Kind, asid uint8, alloc Allocator) (TranslationTable, *kernel.Error) {
	root, err := alloc.AllocZeroedPage()
	if err != nil {
		return TranslationTable{}, err
	}

	return TranslationTable{kind: kind, asid: asid, root: root, alloc: alloc}, nil
}

// Kind returns the table variant.
func (t *TranslationTable) Kind() Kind {
	return t.kind
}

// ASID returns the address-space identifier entries of this table are tagged
// with. Kernel tables always use ASID 0.
func (t *TranslationTable) ASID() uint8 {
	return t.asid
}

// Root returns the physical address of the root table page, in the form the
// translation-table-base registers expect.
func (t *TranslationTable) Root() mem.PhysicalAddress {
	return t.alloc.ResolvePhys(t.root)
}
