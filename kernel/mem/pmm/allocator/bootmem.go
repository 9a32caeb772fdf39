// Package allocator implements the physical page allocator that backs the
// construction of the kernel translation table during boot.
package allocator

import (
	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/mem"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// BootArena implements a rudimentary physical memory allocator which is used
// while bootstrapping the kernel translation table.
//
// The arena bump-allocates zero-initialized pages from the bounded physical
// region between the end of the kernel image and the start of the hardware
// description blob. Allocations are tracked via an internal counter; due to
// the way the allocator works it is not possible to free individual pages.
// The final counters are persisted at the end of boot so the next stage can
// resume the bump allocation without re-deriving the bounds.
//
// The arena initially runs under the boot identity mapping and resolves
// virtual and physical addresses to one another unchanged. Once the MMU is
// on, SetVirtualView switches the resolvers to the fixed-offset kernel
// window through which all RAM stays reachable.
type BootArena struct {
	// firstPage is the physical address of the first page of the arena.
	firstPage mem.PhysicalAddress

	// upperBound is the physical address at which the arena ends; the
	// page starting at upperBound is not allocatable.
	upperBound mem.PhysicalAddress

	// allocCount tracks the total number of allocated pages.
	allocCount uint64

	// windowBase is the virtual address physical page 0 resolves to. It
	// is zero under the boot identity mapping.
	windowBase mem.VirtualAddress
}

// Init sets up the arena extents. The lower bound is rounded up and the
// upper bound down to the nearest page boundary.
func (a *BootArena) Init(firstPage, upperBound mem.PhysicalAddress) {
	a.firstPage = firstPage.AlignUp()
	a.upperBound = upperBound.AlignDown()
	a.allocCount = 0
	a.windowBase = 0
}

// SetVirtualView switches the arena resolvers from the boot identity mapping
// to the fixed-offset window at windowBase (virtual = windowBase + physical).
// Must be called once address translation is enabled, before any further
// allocation.
func (a *BootArena) SetVirtualView(windowBase mem.VirtualAddress) {
	a.windowBase = windowBase
}

// AllocZeroedPage reserves the next free page of the arena, zeroes it and
// returns the virtual address through which it is currently reachable. It
// returns an error if the arena is exhausted.
func (a *BootArena) AllocZeroedPage() (mem.VirtualAddress, *kernel.Error) {
	pageAddr := a.firstPage + mem.PhysicalAddress(a.allocCount)*mem.PhysicalAddress(mem.PageSize)
	if pageAddr+mem.PhysicalAddress(mem.PageSize) > a.upperBound {
		return 0, errBootAllocOutOfMemory
	}

	a.allocCount++

	pageVA := a.ResolveVirt(pageAddr)
	kernel.Memset(uintptr(pageVA), 0, uintptr(mem.PageSize))
	return pageVA, nil
}

// ResolvePhys returns the physical address backing a virtual address handed
// out by this arena.
func (a *BootArena) ResolvePhys(va mem.VirtualAddress) mem.PhysicalAddress {
	return mem.PhysicalAddress(va - a.windowBase)
}

// ResolveVirt returns the virtual address through which an arena page is
// reachable under the current view.
func (a *BootArena) ResolveVirt(pa mem.PhysicalAddress) mem.VirtualAddress {
	return a.windowBase + mem.VirtualAddress(pa)
}

// FirstPage returns the physical address of the first arena page.
func (a *BootArena) FirstPage() mem.PhysicalAddress {
	return a.firstPage
}

// AllocCount returns the total number of pages handed out so far.
func (a *BootArena) AllocCount() uint64 {
	return a.allocCount
}
