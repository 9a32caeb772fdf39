package kmain

import (
	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/kfmt"
	"github.com/hgruniaux/os/kernel/mem"
	"github.com/hgruniaux/os/kernel/mem/chunk"
	"github.com/hgruniaux/os/kernel/mem/mmu"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code zeroes BSS, fills in the image layout
// from linker symbols and invokes Kmain with the physical address of the
// flattened device tree handed over by the firmware.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(dtbPtr uintptr, layout mmu.ImageLayout) {
	mmu.Init(dtbPtr, layout)

	// Translation is on; physical memory is now only reachable through
	// the fixed kernel window.
	arena := mmu.BootAllocator()
	arena.SetVirtualView(mmu.NormalMemoryBase)

	chunk.SetKernelTable(mmu.KernelTable())
	chunk.SetFrameAllocator(allocContiguousFrames, nil)

	kfmt.Printf("mmu: translation enabled, %d boot pages in use\n", arena.AllocCount())

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// allocContiguousFrames serves chunk frame requests by resuming the boot
// arena's bump allocation. Successive arena pages are physically contiguous
// by construction, and frames are never returned.
func allocContiguousFrames(pageCount int) (mem.PhysicalAddress, *kernel.Error) {
	arena := mmu.BootAllocator()

	var firstFrame mem.PhysicalAddress
	for pageIndex := 0; pageIndex < pageCount; pageIndex++ {
		pageVA, err := arena.AllocZeroedPage()
		if err != nil {
			return 0, err
		}
		if pageIndex == 0 {
			firstFrame = arena.ResolvePhys(pageVA)
		}
	}

	return firstFrame, nil
}
