package mmu

import (
	"github.com/hgruniaux/os/kernel/mem"
)

// Fixed virtual windows of the kernel (upper) half of the address space. Each
// window is 32 TiB wide, which comfortably exceeds anything the supported
// boards can populate.
const (
	// NormalMemoryBase is the window through which all usable RAM is
	// visible at a fixed offset: virtual = NormalMemoryBase + physical.
	NormalMemoryBase = mem.VirtualAddress(0xffff_0000_0000_0000)

	// VCMemoryBase is the window exposing the VideoCore reservation.
	VCMemoryBase = mem.VirtualAddress(0xffff_2000_0000_0000)

	// DeviceMemoryBase is the window exposing the SoC MMIO ranges, packed
	// back to back at a running offset.
	DeviceMemoryBase = mem.VirtualAddress(0xffff_4000_0000_0000)

	// StackMemoryBase is the window holding the boot core's kernel stack.
	StackMemoryBase = mem.VirtualAddress(0xffff_8000_0000_0000)

	// kernelStackSize is the size of the boot core kernel stack mapping.
	kernelStackSize = 16 * mem.Kb
)

// ImageLayout carries the link-time addresses the bring-up sequencer needs:
// the segment boundaries of the kernel image and the scratch slot used to
// hand the allocator state over to the next boot stage. The boot shim fills
// it in from linker symbols so that the sequencer itself stays free of
// symbol-resolution assembly.
type ImageLayout struct {
	// TextStart, RodataStart and RWDataStart are the virtual addresses
	// (inside the normal memory window) of the text, read-only data and
	// read-write data segment starts. Each segment ends where the next
	// one begins; all three are page-aligned by the linker script.
	TextStart   mem.VirtualAddress
	RodataStart mem.VirtualAddress
	RWDataStart mem.VirtualAddress

	// KernelEnd is the physical address of the first byte past the kernel
	// image; the boot page arena starts here.
	KernelEnd mem.PhysicalAddress

	// ScratchSlot is the physical address of the fixed low-memory slot
	// receiving the persisted boot record.
	ScratchSlot mem.PhysicalAddress
}
