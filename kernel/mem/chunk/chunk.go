// Package chunk implements physically-backed memory chunks: contiguous page
// runs owned by the kernel that can additionally be mapped into any number
// of process address spaces. Chunks back process-visible pages and in-kernel
// byte streams (device buffers, file caches) that need randomly-addressable,
// physically-contiguous storage.
//
// Callers are expected to serialize concurrent mutation of the same chunk
// and of the same process address space; the package itself takes no locks.
package chunk

import (
	"unsafe"

	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/cpu"
	"github.com/hgruniaux/os/kernel/mem"
	"github.com/hgruniaux/os/kernel/mem/vmm"
)

// maxChunkMappings bounds the number of process contexts a single chunk can
// be simultaneously mapped into.
const maxChunkMappings = 16

var (
	// ErrChunkFreed is returned by any operation on a chunk whose backing
	// pages have already been released.
	ErrChunkFreed = &kernel.Error{Module: "chunk", Message: "chunk has been freed"}

	// ErrChunkInvalid is returned by operations on a chunk whose
	// construction failed; IsStatusOK exposes the same condition.
	ErrChunkInvalid = &kernel.Error{Module: "chunk", Message: "chunk construction failed"}

	// ErrDuplicateMapping is returned when registering a process context
	// that already has a registered mapping for this chunk.
	ErrDuplicateMapping = &kernel.Error{Module: "chunk", Message: "process context already has a mapping registered"}

	errTooManyMapping = &kernel.Error{Module: "chunk", Message: "chunk mapping list is full"}
	errNoSuchMapping  = &kernel.Error{Module: "chunk", Message: "process context has no registered mapping"}
)

// chunkDataAttrs is the attribute tuple for the kernel-space view of chunk
// pages.
var chunkDataAttrs = vmm.PageAttributes{
	Sh:     vmm.InnerShareable,
	Exec:   vmm.NeverExecute,
	RW:     vmm.ReadWrite,
	Access: vmm.Privileged,
	Type:   vmm.Normal,
}

// FrameAllocatorFn reserves pageCount contiguous zeroed physical frames and
// returns the address of the first one.
type FrameAllocatorFn func(pageCount int) (mem.PhysicalAddress, *kernel.Error)

// FrameReleaseFn returns a frame run previously obtained from the matching
// FrameAllocatorFn.
type FrameReleaseFn func(firstFrame mem.PhysicalAddress, pageCount int)

var (
	frameAllocFn   FrameAllocatorFn
	frameReleaseFn FrameReleaseFn
	kernelTable    *vmm.TranslationTable

	// reserveRegionFn is a hook for the kernel window reservation.
	reserveRegionFn = vmm.ReserveKernelRegion

	// flushTLBFn is mocked by tests; translation entries torn down by Free
	// must not linger in the TLB.
	flushTLBFn = cpu.FlushTLB
)

// SetFrameAllocator wires the physical frame source used to back new chunks.
// release may be nil if the allocator does not support returning frames.
func SetFrameAllocator(alloc FrameAllocatorFn, release FrameReleaseFn) {
	frameAllocFn = alloc
	frameReleaseFn = release
}

// SetKernelTable wires the kernel translation table that receives the
// kernel-space view of every chunk.
func SetKernelTable(table *vmm.TranslationTable) {
	kernelTable = table
}

type chunkState uint8

const (
	// chunkInvalid marks a chunk whose construction failed (including the
	// zero value); every operation on it fails with ErrChunkInvalid.
	chunkInvalid chunkState = iota
	chunkActive
	chunkFreed
)

type chunkMapping struct {
	proc    Handle
	vaStart mem.VirtualAddress
}

// MemoryChunk owns a run of contiguous physical pages mapped into the
// kernel's heap window, plus the list of process contexts the run is
// currently mapped into. The mapping list stores handles, not pointers; a
// process context that vanishes without unregistering turns its entry stale
// instead of dangling.
type MemoryChunk struct {
	state      chunkState
	pageCount  int
	firstFrame mem.PhysicalAddress
	kernelVA   mem.VirtualAddress

	mappings     [maxChunkMappings]chunkMapping
	mappingCount int
}

// NewMemoryChunk reserves pageCount contiguous physical pages and maps them
// into the kernel heap window. Construction failures are not reported
// loudly; callers must consult IsStatusOK before using the chunk. A
// pageCount below one yields a zero-size chunk that is never usable.
func NewMemoryChunk(pageCount int) *MemoryChunk {
	chunk := &MemoryChunk{pageCount: pageCount}
	if pageCount < 1 || frameAllocFn == nil || kernelTable == nil {
		return chunk
	}

	firstFrame, err := frameAllocFn(pageCount)
	if err != nil {
		return chunk
	}

	kernelVA, err := reserveRegionFn(mem.Size(pageCount) * mem.PageSize)
	if err != nil {
		releaseFrames(firstFrame, pageCount)
		return chunk
	}

	vaEnd := kernelVA + mem.VirtualAddress(pageCount-1)*mem.VirtualAddress(mem.PageSize)
	if err = kernelTable.MapRange(kernelVA, vaEnd, firstFrame, chunkDataAttrs); err != nil {
		releaseFrames(firstFrame, pageCount)
		return chunk
	}

	chunk.firstFrame = firstFrame
	chunk.kernelVA = kernelVA
	chunk.state = chunkActive
	return chunk
}

// IsStatusOK returns true if construction succeeded and the chunk has not
// been freed.
func (c *MemoryChunk) IsStatusOK() bool {
	return c.state == chunkActive
}

// ByteSize returns the chunk's total size in bytes.
func (c *MemoryChunk) ByteSize() mem.Size {
	return mem.Size(c.pageCount) * mem.PageSize
}

// PageByteSize returns the size of a single chunk page.
func (c *MemoryChunk) PageByteSize() mem.Size {
	return mem.PageSize
}

// Read copies chunk contents starting at offset into buf and returns the
// number of bytes copied. Reads beyond the chunk end are clamped, never
// failed: a read at or past ByteSize returns 0 bytes.
func (c *MemoryChunk) Read(offset mem.Size, buf []byte) (int, *kernel.Error) {
	window, err := c.access(offset, mem.Size(len(buf)))
	if err != nil {
		return 0, err
	}

	return copy(buf, window), nil
}

// Write copies buf into the chunk starting at offset and returns the number
// of bytes copied, clamped the same way Read clamps.
func (c *MemoryChunk) Write(offset mem.Size, buf []byte) (int, *kernel.Error) {
	window, err := c.access(offset, mem.Size(len(buf)))
	if err != nil {
		return 0, err
	}

	return copy(window, buf), nil
}

// access returns the kernel-space byte window for [offset, offset+length),
// clamped to the chunk bounds.
func (c *MemoryChunk) access(offset, length mem.Size) ([]byte, *kernel.Error) {
	if err := c.stateError(); err != nil {
		return nil, err
	}

	total := c.ByteSize()
	if offset >= total {
		return nil, nil
	}
	if remaining := total - offset; length > remaining {
		length = remaining
	}

	base := unsafe.Pointer(uintptr(c.kernelVA) + uintptr(offset))
	return unsafe.Slice((*byte)(base), uintptr(length)), nil
}

// RegisterMapping records that the process context behind h has mapped this
// chunk at vaStart in its own table. Registering the same context twice
// without an intervening UnregisterMapping is rejected.
func (c *MemoryChunk) RegisterMapping(h Handle, vaStart mem.VirtualAddress) *kernel.Error {
	if err := c.stateError(); err != nil {
		return err
	}
	if _, err := processByHandle(h); err != nil {
		return err
	}

	for i := 0; i < c.mappingCount; i++ {
		if c.mappings[i].proc == h {
			return ErrDuplicateMapping
		}
	}

	if c.mappingCount == maxChunkMappings {
		return errTooManyMapping
	}

	c.mappings[c.mappingCount] = chunkMapping{proc: h, vaStart: vaStart}
	c.mappingCount++
	return nil
}

// UnregisterMapping removes the mapping record for the process context
// behind h. The caller remains responsible for unmapping the pages from the
// process table.
func (c *MemoryChunk) UnregisterMapping(h Handle) *kernel.Error {
	if err := c.stateError(); err != nil {
		return err
	}

	for i := 0; i < c.mappingCount; i++ {
		if c.mappings[i].proc != h {
			continue
		}

		c.mappingCount--
		c.mappings[i] = c.mappings[c.mappingCount]
		c.mappings[c.mappingCount] = chunkMapping{}
		return nil
	}

	return errNoSuchMapping
}

// Free unmaps the chunk from every still-registered process context and from
// the kernel window, then releases the backing frames. Stale process handles
// are skipped; their contexts are gone along with their tables. A second
// Free fails with ErrChunkFreed.
func (c *MemoryChunk) Free() *kernel.Error {
	if err := c.stateError(); err != nil {
		return err
	}

	lastPageOffset := mem.VirtualAddress(c.pageCount-1) * mem.VirtualAddress(mem.PageSize)

	for i := 0; i < c.mappingCount; i++ {
		mapping := c.mappings[i]
		proc, err := processByHandle(mapping.proc)
		if err != nil {
			continue
		}

		// A failed unmap means the manager already removed the pages;
		// nothing left to do for this context either way.
		_ = proc.Table.UnmapRange(mapping.vaStart, mapping.vaStart+lastPageOffset)
		c.mappings[i] = chunkMapping{}
	}
	c.mappingCount = 0

	if err := kernelTable.UnmapRange(c.kernelVA, c.kernelVA+lastPageOffset); err != nil {
		return err
	}
	flushTLBFn()

	releaseFrames(c.firstFrame, c.pageCount)
	c.state = chunkFreed
	return nil
}

func (c *MemoryChunk) stateError() *kernel.Error {
	switch c.state {
	case chunkActive:
		return nil
	case chunkFreed:
		return ErrChunkFreed
	default:
		return ErrChunkInvalid
	}
}

func releaseFrames(firstFrame mem.PhysicalAddress, pageCount int) {
	if frameReleaseFn != nil {
		frameReleaseFn(firstFrame, pageCount)
	}
}
