package chunk

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/mem"
	"github.com/hgruniaux/os/kernel/mem/pmm/allocator"
	"github.com/hgruniaux/os/kernel/mem/vmm"
)

const envFramePages = 64

var errOutOfTestFrames = &kernel.Error{Module: "chunk_test", Message: "test frame pool exhausted"}

// chunkEnv wires the package against Go-allocated memory: frames come from a
// bump pool and the kernel window reservation is redirected to the frames
// themselves, so reads and writes through the "kernel view" hit real memory.
type chunkEnv struct {
	framesBase mem.PhysicalAddress
	nextFrame  int
	lastAlloc  mem.PhysicalAddress
	released   []frameRun

	tableArena allocator.BootArena
}

type frameRun struct {
	firstFrame mem.PhysicalAddress
	pageCount  int
}

func alignedPages(t *testing.T, pageCount int) mem.PhysicalAddress {
	t.Helper()

	pageSize := uintptr(mem.PageSize)
	backing := make([]byte, uintptr(pageCount+1)*pageSize)
	t.Cleanup(func() { _ = backing })

	return mem.PhysicalAddress((uintptr(unsafe.Pointer(&backing[0])) + pageSize - 1) & ^(pageSize - 1))
}

func setupChunkEnv(t *testing.T) *chunkEnv {
	t.Helper()

	procSlots = [maxProcessContexts]procSlot{}

	origAlloc, origRelease := frameAllocFn, frameReleaseFn
	origTable, origReserve := kernelTable, reserveRegionFn
	origFlushTLB := flushTLBFn
	t.Cleanup(func() {
		frameAllocFn, frameReleaseFn = origAlloc, origRelease
		kernelTable, reserveRegionFn = origTable, origReserve
		flushTLBFn = origFlushTLB
	})
	flushTLBFn = func() {}

	env := &chunkEnv{framesBase: alignedPages(t, envFramePages)}

	tableBase := alignedPages(t, 32)
	env.tableArena.Init(tableBase, tableBase+32*mem.PhysicalAddress(mem.PageSize))

	table, err := vmm.NewTranslationTable(vmm.KindKernel, 0, &env.tableArena)
	if err != nil {
		t.Fatalf("unexpected table allocation error: %v", err)
	}
	envTable := table
	SetKernelTable(&envTable)

	SetFrameAllocator(
		func(pageCount int) (mem.PhysicalAddress, *kernel.Error) {
			if env.nextFrame+pageCount > envFramePages {
				return 0, errOutOfTestFrames
			}

			pa := env.framesBase + mem.PhysicalAddress(env.nextFrame)*mem.PhysicalAddress(mem.PageSize)
			env.nextFrame += pageCount
			env.lastAlloc = pa

			contents := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pa))), pageCount*int(mem.PageSize))
			for i := range contents {
				contents[i] = 0
			}
			return pa, nil
		},
		func(firstFrame mem.PhysicalAddress, pageCount int) {
			env.released = append(env.released, frameRun{firstFrame: firstFrame, pageCount: pageCount})
		},
	)

	// Hand out the frames' own addresses as the kernel window so that
	// chunk accesses hit real memory without an MMU.
	reserveRegionFn = func(mem.Size) (mem.VirtualAddress, *kernel.Error) {
		return mem.VirtualAddress(env.lastAlloc), nil
	}

	return env
}

// newTestProcess builds a process context with its own translation table.
func newTestProcess(t *testing.T, env *chunkEnv) (*ProcessMemory, Handle) {
	t.Helper()

	table, err := vmm.NewTranslationTable(vmm.KindProcess, 1, &env.tableArena)
	if err != nil {
		t.Fatalf("unexpected table allocation error: %v", err)
	}

	proc := &ProcessMemory{Table: &table}
	h, err := RegisterProcess(proc)
	if err != nil {
		t.Fatalf("unexpected process registration error: %v", err)
	}
	return proc, h
}

func TestNewMemoryChunk(t *testing.T) {
	setupChunkEnv(t)

	chunk := NewMemoryChunk(3)
	if !chunk.IsStatusOK() {
		t.Fatal("expected chunk construction to succeed")
	}

	if exp, got := 3*mem.PageSize, chunk.ByteSize(); got != exp {
		t.Fatalf("expected byte size %d; got %d", exp, got)
	}
	if exp, got := mem.PageSize, chunk.PageByteSize(); got != exp {
		t.Fatalf("expected page byte size %d; got %d", exp, got)
	}

	// The kernel view must be mapped page by page onto the frames.
	for pageIndex := 0; pageIndex < 3; pageIndex++ {
		va := chunk.kernelVA + mem.VirtualAddress(pageIndex)*mem.VirtualAddress(mem.PageSize)
		pa, attrs, err := kernelTable.Translate(va)
		if err != nil {
			t.Fatalf("[page %d] unexpected translation error: %v", pageIndex, err)
		}
		if exp := chunk.firstFrame + mem.PhysicalAddress(pageIndex)*mem.PhysicalAddress(mem.PageSize); pa != exp {
			t.Errorf("[page %d] expected kernel view to map to 0x%x; got 0x%x", pageIndex, exp, pa)
		}
		if attrs != chunkDataAttrs {
			t.Errorf("[page %d] expected attributes %+v; got %+v", pageIndex, chunkDataAttrs, attrs)
		}
	}
}

func TestZeroPageChunkIsUnusable(t *testing.T) {
	setupChunkEnv(t)

	chunk := NewMemoryChunk(0)
	if chunk.IsStatusOK() {
		t.Fatal("expected a zero-page chunk to be unusable")
	}
	if chunk.ByteSize() != 0 {
		t.Fatalf("expected a zero byte size; got %d", chunk.ByteSize())
	}

	if _, err := chunk.Read(0, make([]byte, 8)); err != ErrChunkInvalid {
		t.Fatalf("expected error: %v; got %v", ErrChunkInvalid, err)
	}
	if err := chunk.Free(); err != ErrChunkInvalid {
		t.Fatalf("expected error: %v; got %v", ErrChunkInvalid, err)
	}
}

func TestReadWriteClamping(t *testing.T) {
	setupChunkEnv(t)

	chunk := NewMemoryChunk(1)
	if !chunk.IsStatusOK() {
		t.Fatal("expected chunk construction to succeed")
	}

	payload := []byte("0123456789")

	// Only the last two bytes of the chunk can receive the payload.
	written, err := chunk.Write(chunk.ByteSize()-2, payload)
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected a short write of 2 bytes; got %d", written)
	}

	buf := make([]byte, len(payload))
	read, err := chunk.Read(chunk.ByteSize()-2, buf)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if read != 2 || !bytes.Equal(buf[:read], payload[:2]) {
		t.Fatalf("expected to read %q back; got %q (%d bytes)", payload[:2], buf[:read], read)
	}

	// At or past the end both directions return 0 bytes, not an error.
	if n, err := chunk.Write(chunk.ByteSize(), payload); n != 0 || err != nil {
		t.Fatalf("expected (0, nil) writing at the chunk end; got (%d, %v)", n, err)
	}
	if n, err := chunk.Read(chunk.ByteSize()+100, buf); n != 0 || err != nil {
		t.Fatalf("expected (0, nil) reading past the chunk end; got (%d, %v)", n, err)
	}

	// Full roundtrip at offset zero.
	if n, err := chunk.Write(0, payload); n != len(payload) || err != nil {
		t.Fatalf("expected a full write; got (%d, %v)", n, err)
	}
	if n, err := chunk.Read(0, buf); n != len(buf) || !bytes.Equal(buf, payload) {
		t.Fatalf("expected to read %q back; got %q (%d bytes, %v)", payload, buf[:n], n, err)
	}
}

func TestRegisterMappingPolicies(t *testing.T) {
	env := setupChunkEnv(t)

	chunk := NewMemoryChunk(1)
	if !chunk.IsStatusOK() {
		t.Fatal("expected chunk construction to succeed")
	}

	_, h := newTestProcess(t, env)

	if err := chunk.RegisterMapping(h, 0x40_0000); err != nil {
		t.Fatalf("unexpected mapping registration error: %v", err)
	}

	// Same context twice without unregistering is rejected.
	if err := chunk.RegisterMapping(h, 0x80_0000); err != ErrDuplicateMapping {
		t.Fatalf("expected error: %v; got %v", ErrDuplicateMapping, err)
	}

	// After unregistering, the context may register again.
	if err := chunk.UnregisterMapping(h); err != nil {
		t.Fatalf("unexpected mapping unregistration error: %v", err)
	}
	if err := chunk.RegisterMapping(h, 0x80_0000); err != nil {
		t.Fatalf("unexpected mapping registration error: %v", err)
	}

	if err := chunk.UnregisterMapping(Handle(0)); err != errNoSuchMapping && err != ErrStaleHandle {
		t.Fatalf("expected a lookup failure for the zero handle; got %v", err)
	}

	// A stale process handle is rejected outright.
	stale := h
	if err := UnregisterProcess(h); err != nil {
		t.Fatalf("unexpected process unregistration error: %v", err)
	}
	if err := chunk.RegisterMapping(stale, 0xc0_0000); err != ErrStaleHandle {
		t.Fatalf("expected error: %v; got %v", ErrStaleHandle, err)
	}
}

func TestFreeUnmapsEverywhere(t *testing.T) {
	env := setupChunkEnv(t)

	chunk := NewMemoryChunk(2)
	if !chunk.IsStatusOK() {
		t.Fatal("expected chunk construction to succeed")
	}
	kernelVA := chunk.kernelVA

	// Map the chunk into a process address space the way an address-space
	// manager would, then register the mapping.
	proc, h := newTestProcess(t, env)
	procVA := mem.VirtualAddress(0x40_0000)
	procAttrs := vmm.PageAttributes{Sh: vmm.InnerShareable, Exec: vmm.NeverExecute, RW: vmm.ReadWrite, Access: vmm.User, Type: vmm.Normal}
	if err := proc.Table.MapRange(procVA, procVA+mem.VirtualAddress(mem.PageSize), chunk.firstFrame, procAttrs); err != nil {
		t.Fatalf("unexpected process mapping error: %v", err)
	}
	if err := chunk.RegisterMapping(h, procVA); err != nil {
		t.Fatalf("unexpected mapping registration error: %v", err)
	}

	if err := chunk.Free(); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}

	// No stale translation may remain in the process table.
	if _, _, err := proc.Table.Translate(procVA); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected the process mapping to be gone; got %v", err)
	}
	if _, _, err := kernelTable.Translate(kernelVA); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected the kernel view to be gone; got %v", err)
	}

	// The backing frames are returned exactly once.
	if len(env.released) != 1 || env.released[0] != (frameRun{firstFrame: chunk.firstFrame, pageCount: 2}) {
		t.Fatalf("expected a single release of the chunk frames; got %+v", env.released)
	}

	if chunk.IsStatusOK() {
		t.Fatal("expected a freed chunk to fail the status check")
	}
	if err := chunk.Free(); err != ErrChunkFreed {
		t.Fatalf("expected error: %v; got %v", ErrChunkFreed, err)
	}
	if _, err := chunk.Read(0, make([]byte, 8)); err != ErrChunkFreed {
		t.Fatalf("expected error: %v; got %v", ErrChunkFreed, err)
	}
}

func TestFreeSkipsStaleContexts(t *testing.T) {
	env := setupChunkEnv(t)

	chunk := NewMemoryChunk(1)
	if !chunk.IsStatusOK() {
		t.Fatal("expected chunk construction to succeed")
	}

	proc, h := newTestProcess(t, env)
	procVA := mem.VirtualAddress(0x40_0000)
	procAttrs := vmm.PageAttributes{Sh: vmm.InnerShareable, Exec: vmm.NeverExecute, RW: vmm.ReadWrite, Access: vmm.User, Type: vmm.Normal}
	if err := proc.Table.MapRange(procVA, procVA, chunk.firstFrame, procAttrs); err != nil {
		t.Fatalf("unexpected process mapping error: %v", err)
	}
	if err := chunk.RegisterMapping(h, procVA); err != nil {
		t.Fatalf("unexpected mapping registration error: %v", err)
	}

	// The process vanishes without unregistering its mapping; Free must
	// skip the stale handle instead of touching the dead context.
	if err := UnregisterProcess(h); err != nil {
		t.Fatalf("unexpected process unregistration error: %v", err)
	}
	if err := chunk.Free(); err != nil {
		t.Fatalf("unexpected free error: %v", err)
	}
}

func TestProcessHandleGenerations(t *testing.T) {
	setupChunkEnv(t)

	first := &ProcessMemory{}
	h1, err := RegisterProcess(first)
	if err != nil {
		t.Fatalf("unexpected process registration error: %v", err)
	}
	if err = UnregisterProcess(h1); err != nil {
		t.Fatalf("unexpected process unregistration error: %v", err)
	}

	// The freed slot is reused with a bumped generation; the old handle
	// must not resolve to the new occupant.
	second := &ProcessMemory{}
	h2, err := RegisterProcess(second)
	if err != nil {
		t.Fatalf("unexpected process registration error: %v", err)
	}

	if _, err = processByHandle(h1); err != ErrStaleHandle {
		t.Fatalf("expected error: %v; got %v", ErrStaleHandle, err)
	}
	if proc, err := processByHandle(h2); err != nil || proc != second {
		t.Fatalf("expected the new handle to resolve; got (%v, %v)", proc, err)
	}
}
