// Package mmu contains the one-shot bring-up sequencer that builds the
// kernel translation table from the discovered memory topology and switches
// address translation on. It runs on the boot core with the identity mapping
// of the boot shim still active; nothing here may allocate from the Go
// runtime or log, and any failure halts the processor since no recovery
// mechanism exists this early.
package mmu

import (
	"unsafe"

	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/cpu"
	"github.com/hgruniaux/os/kernel/hal/dtb"
	"github.com/hgruniaux/os/kernel/mem"
	"github.com/hgruniaux/os/kernel/mem/pmm/allocator"
	"github.com/hgruniaux/os/kernel/mem/topology"
	"github.com/hgruniaux/os/kernel/mem/vmm"
)

// Register and memory access hooks. Tests swap these out to observe the
// programmed values without running on real hardware.
var (
	writeMAIRFn  = cpu.WriteMAIREL1
	writeTCRFn   = cpu.WriteTCREL1
	writeTTBR0Fn = cpu.WriteTTBR0EL1
	writeTTBR1Fn = cpu.WriteTTBR1EL1
	readSCTLRFn  = cpu.ReadSCTLREL1
	writeSCTLRFn = cpu.WriteSCTLREL1
	dsbFn        = cpu.DataSyncBarrier
	isbFn        = cpu.InstrSyncBarrier
	flushTLBFn   = cpu.FlushTLB
	haltFn       = cpu.Halt
	store64Fn    = store64
)

// Attribute tuples used by the boot mappings.
var (
	kernelCodeAttrs = vmm.PageAttributes{Sh: vmm.InnerShareable, Exec: vmm.PrivilegedExecute, RW: vmm.ReadOnly, Access: vmm.Privileged, Type: vmm.Normal}
	rwMemoryAttrs   = vmm.PageAttributes{Sh: vmm.InnerShareable, Exec: vmm.NeverExecute, RW: vmm.ReadWrite, Access: vmm.Privileged, Type: vmm.Normal}
	roMemoryAttrs   = vmm.PageAttributes{Sh: vmm.InnerShareable, Exec: vmm.NeverExecute, RW: vmm.ReadOnly, Access: vmm.Privileged, Type: vmm.Normal}
	vcMemoryAttrs   = vmm.PageAttributes{Sh: vmm.OuterShareable, Exec: vmm.NeverExecute, RW: vmm.ReadWrite, Access: vmm.Privileged, Type: vmm.DeviceGathered}
	deviceMemAttrs  = vmm.PageAttributes{Sh: vmm.OuterShareable, Exec: vmm.NeverExecute, RW: vmm.ReadWrite, Access: vmm.Privileged, Type: vmm.DeviceStrict}
)

const (
	// MAIR attribute byte per memory type, placed at the slot matching the
	// vmm.MemoryType value used as AttrIndx.
	mairNormal         = 0xbb // normal, write-back non-transient RW-allocate
	mairNormalNoCache  = 0x44 // normal, inner and outer non-cacheable
	mairDeviceStrict   = 0x00 // device nGnRnE
	mairDeviceGathered = 0x08 // device nGRE

	mairValue = mairNormal<<(8*uint(vmm.Normal)) |
		mairNormalNoCache<<(8*uint(vmm.NormalNoCache)) |
		mairDeviceStrict<<(8*uint(vmm.DeviceStrict)) |
		mairDeviceGathered<<(8*uint(vmm.DeviceGathered))

	// tcrValue selects 4 KiB granules and a 48-bit address space for both
	// halves with write-back cacheable, inner-shareable table walks.
	tcrValue = uint64(0b101)<<32 | // IPS: 48-bit physical addresses
		uint64(0b10)<<30 | // TG1: 4 KiB granule for TTBR1
		uint64(0b11)<<28 | // SH1: inner shareable
		uint64(0b01)<<26 | // ORGN1: write-back write-allocate
		uint64(0b01)<<24 | // IRGN1: write-back write-allocate
		uint64(16)<<16 | // T1SZ: 48-bit upper half, 4 levels
		uint64(0b11)<<12 | // SH0: inner shareable
		uint64(0b01)<<10 | // ORGN0: write-back write-allocate
		uint64(0b01)<<8 | // IRGN0: write-back write-allocate
		uint64(16) // T0SZ: 48-bit lower half, 4 levels

	// ttbrCNP marks the translation table as common to all cores in the
	// inner shareable domain.
	ttbrCNP = 0x1

	// SCTLR fields. The reserved bits must read-modify-write as one.
	sctlrMandatoryBits = uint64(0xc00800)
	sctlrClearBits     = uint64(1<<26 | // UCI: no cache maintenance from EL0
		1<<25 | // EE: little-endian table walks
		1<<24 | // E0E: little-endian EL0 data accesses
		1<<19 | // WXN: writable does not imply execute-never
		1<<18 | // nTWE: trap wfe from EL0
		1<<16 | // nTWI: trap wfi from EL0
		1<<15 | // UCT: no CTR_EL0 access from EL0
		1<<14 | // DZE: no dc zva from EL0
		1<<9 | // UMA: no DAIF access from EL0
		1<<4 | // SA0: no EL0 stack alignment check
		1<<3 | // SA: no EL1 stack alignment check
		1<<1) // A: no alignment check
	sctlrSetBits = uint64(1<<0 | // M: enable the MMU
		1<<2 | // C: enable data caches
		1<<12) // I: enable the instruction cache
)

var (
	initDone    bool
	bootArena   allocator.BootArena
	kernelTable vmm.TranslationTable
)

// KernelTable returns the kernel translation table built during Init. It is
// only valid after Init has run.
func KernelTable() *vmm.TranslationTable {
	return &kernelTable
}

// BootAllocator returns the boot page arena. After Init it no longer serves
// allocations; it survives only so the post-boot allocator can pick up where
// the bump allocation stopped.
func BootAllocator() *allocator.BootArena {
	return &bootArena
}

// Init builds the kernel address space and enables address translation. It
// must be called exactly once per boot, after BSS has been zeroed and before
// anything touches the Go heap. Failures halt the processor.
func Init(dtbPtr uintptr, layout ImageLayout) {
	if initDone {
		haltFn()
	}
	initDone = true

	// The page arena lives between the kernel image and the description
	// blob; both bounds come page-aligned out of Init.
	bootArena.Init(layout.KernelEnd, mem.PhysicalAddress(dtbPtr).AlignDown())

	var err *kernel.Error
	if kernelTable, err = vmm.NewTranslationTable(vmm.KindKernel, 0, &bootArena); err != nil {
		haltFn()
	}

	dt := dtb.FromPointer(dtbPtr)
	if !dt.IsStatusOK() {
		haltFn()
	}

	topo, err := topology.Discover(&dt)
	enforce(err)

	mapNormalMemory(&topo)
	protectKernelImage(layout)
	protectBlob(dtbPtr, dt.TotalSize())
	mapVideoCore(&topo)
	mapDeviceMemory(&topo)
	mapBootStack()

	persistBootRecord(layout.ScratchSlot)

	writeMAIRFn(mairValue)

	writeTCRFn(tcrValue)
	isbFn()

	ttbr := uint64(kernelTable.Root()) | ttbrCNP
	writeTTBR0Fn(ttbr)
	writeTTBR1Fn(ttbr)
	isbFn()

	// Drop any translations the boot shim may have left cached before the
	// new tables become live.
	flushTLBFn()
	dsbFn()
	isbFn()

	sctlr := readSCTLRFn()
	sctlr |= sctlrMandatoryBits
	sctlr &^= sctlrClearBits
	sctlr |= sctlrSetBits
	writeSCTLRFn(sctlr)
	isbFn()
}

// mapNormalMemory maps every usable RAM bank into the normal memory window
// at a fixed offset from its physical address.
func mapNormalMemory(topo *topology.Topology) {
	for regionIndex := 0; regionIndex < topo.RAMCount; regionIndex++ {
		region := topo.RAM[regionIndex]

		vaStart := NormalMemoryBase + mem.VirtualAddress(region.Start)
		vaEnd := vaStart + mem.VirtualAddress(region.Size) - mem.VirtualAddress(mem.PageSize)
		enforce(kernelTable.MapRange(vaStart, vaEnd, region.Start, rwMemoryAttrs))
	}
}

// protectKernelImage narrows the attributes of the text and read-only data
// segments, both already mapped read-write by mapNormalMemory.
func protectKernelImage(layout ImageLayout) {
	pageSize := mem.VirtualAddress(mem.PageSize)

	enforce(kernelTable.ChangeAttrRange(layout.TextStart, layout.RodataStart-pageSize, kernelCodeAttrs))
	enforce(kernelTable.ChangeAttrRange(layout.RodataStart, layout.RWDataStart-pageSize, roMemoryAttrs))
}

// protectBlob remaps the description blob's own pages read-only so a stray
// kernel write cannot corrupt the topology source of truth.
func protectBlob(dtbPtr uintptr, blobSize mem.Size) {
	blobStart := mem.PhysicalAddress(dtbPtr).AlignDown()
	blobEnd := (mem.PhysicalAddress(dtbPtr) + mem.PhysicalAddress(blobSize)).AlignUp() - mem.PhysicalAddress(mem.PageSize)

	vaStart := NormalMemoryBase + mem.VirtualAddress(blobStart)
	vaEnd := NormalMemoryBase + mem.VirtualAddress(blobEnd)
	enforce(kernelTable.ChangeAttrRange(vaStart, vaEnd, roMemoryAttrs))
}

// mapVideoCore maps the (clamped) firmware reservation into the VC window.
func mapVideoCore(topo *topology.Topology) {
	vaEnd := VCMemoryBase + mem.VirtualAddress(topo.VideoCore.Size) - mem.VirtualAddress(mem.PageSize)
	enforce(kernelTable.MapRange(VCMemoryBase, vaEnd, topo.VideoCore.Start, vcMemoryAttrs))
}

// mapDeviceMemory packs the SoC MMIO windows back to back into the device
// memory window, preserving blob declaration order.
func mapDeviceMemory(topo *topology.Topology) {
	offset := mem.VirtualAddress(0)

	for windowIndex := 0; windowIndex < topo.MMIOCount; windowIndex++ {
		window := topo.MMIO[windowIndex]

		vaStart := DeviceMemoryBase + offset
		vaEnd := vaStart + mem.VirtualAddress(window.Size) - mem.VirtualAddress(mem.PageSize)
		enforce(kernelTable.MapRange(vaStart, vaEnd, window.Start, deviceMemAttrs))

		offset += mem.VirtualAddress(window.Size)
	}
}

// mapBootStack maps the boot core's kernel stack window. The backing pages
// start at physical zero, where the boot shim placed the initial stack.
func mapBootStack() {
	vaEnd := StackMemoryBase + mem.VirtualAddress(kernelStackSize) - mem.VirtualAddress(mem.PageSize)
	enforce(kernelTable.MapRange(StackMemoryBase, vaEnd, 0, rwMemoryAttrs))
}

// persistBootRecord stores the root table address and the arena counters at
// the scratch slot as three little-endian 64-bit words, letting the next
// boot stage resume the bump allocation without re-deriving the topology.
func persistBootRecord(slot mem.PhysicalAddress) {
	store64Fn(slot, uint64(kernelTable.Root()))
	store64Fn(slot+8, uint64(bootArena.FirstPage()))
	store64Fn(slot+16, bootArena.AllocCount())
}

// enforce halts the processor on any error; there is no recovery path before
// the MMU is up.
func enforce(err *kernel.Error) {
	if err != nil {
		haltFn()
	}
}

// store64 writes v at the supplied physical address through the boot
// identity mapping. The CPU runs little-endian, so the store layout matches
// the persisted record format.
func store64(pa mem.PhysicalAddress, v uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(pa))) = v
}
