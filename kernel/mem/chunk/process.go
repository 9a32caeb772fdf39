package chunk

import (
	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/mem/vmm"
)

// maxProcessContexts bounds the process context arena.
const maxProcessContexts = 64

var (
	// ErrStaleHandle is returned when a handle refers to a process context
	// that has been unregistered (or never existed).
	ErrStaleHandle = &kernel.Error{Module: "chunk", Message: "process handle is stale"}

	errRegistryFull = &kernel.Error{Module: "chunk", Message: "process context arena is full"}
)

// ProcessMemory is the per-process address-space context a chunk can be
// mapped into. The surrounding process manager owns it; chunks only ever
// refer to it through a Handle.
type ProcessMemory struct {
	// Table is the process translation table the chunk pages get mapped
	// into.
	Table *vmm.TranslationTable
}

// Handle is a stable, generation-checked reference to a registered process
// context. The zero Handle is never valid. Handles do not keep the context
// alive; lookups against a context that has since been unregistered fail
// with ErrStaleHandle instead of dereferencing stale memory.
type Handle uint64

func makeHandle(slot int, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(slot)+1)
}

func (h Handle) slot() int          { return int(uint32(h)) - 1 }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

type procSlot struct {
	proc       *ProcessMemory
	generation uint32
}

var procSlots [maxProcessContexts]procSlot

// RegisterProcess adds a process context to the arena and returns its
// handle. The generation counter of the chosen slot is bumped so handles to
// any context previously occupying the slot turn stale.
func RegisterProcess(proc *ProcessMemory) (Handle, *kernel.Error) {
	for slot := range procSlots {
		if procSlots[slot].proc != nil {
			continue
		}

		procSlots[slot].generation++
		procSlots[slot].proc = proc
		return makeHandle(slot, procSlots[slot].generation), nil
	}

	return 0, errRegistryFull
}

// UnregisterProcess removes a process context from the arena. Chunks still
// holding the handle will skip this context on their next Free.
func UnregisterProcess(h Handle) *kernel.Error {
	slot, err := lookupSlot(h)
	if err != nil {
		return err
	}

	slot.proc = nil
	return nil
}

// processByHandle resolves a handle, validating slot and generation.
func processByHandle(h Handle) (*ProcessMemory, *kernel.Error) {
	slot, err := lookupSlot(h)
	if err != nil {
		return nil, err
	}

	return slot.proc, nil
}

func lookupSlot(h Handle) (*procSlot, *kernel.Error) {
	index := h.slot()
	if index < 0 || index >= maxProcessContexts {
		return nil, ErrStaleHandle
	}

	slot := &procSlots[index]
	if slot.proc == nil || slot.generation != h.generation() {
		return nil, ErrStaleHandle
	}

	return slot, nil
}
