package vmm

import (
	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/mem"
)

// The kernel heap window hosts the kernel-space view of memory chunks and
// any other physically-backed region reserved after boot. It sits between
// the fixed boot-time windows (normal/VC/device memory) and the per-core
// stack window.
const (
	kernelHeapWindowBottom = mem.VirtualAddress(0xffff_6000_0000_0000)
	kernelHeapWindowTop    = mem.VirtualAddress(0xffff_7000_0000_0000)
)

var (
	// heapReserveLastUsed tracks the last reserved page address and is
	// decreased after each reservation request.
	heapReserveLastUsed = kernelHeapWindowTop

	errHeapReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining kernel heap window not large enough to satisfy reservation request"}
)

// ReserveKernelRegion reserves a page-aligned contiguous virtual region of
// the requested size inside the kernel heap window and returns its start
// address. If size is not a multiple of mem.PageSize it is automatically
// rounded up. Reservations are handed out top-down and are never recycled;
// the window is large enough that this is not a practical concern.
func ReserveKernelRegion(size mem.Size) (mem.VirtualAddress, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	if mem.VirtualAddress(size) > heapReserveLastUsed-kernelHeapWindowBottom {
		return 0, errHeapReserveNoSpace
	}

	heapReserveLastUsed -= mem.VirtualAddress(size)
	return heapReserveLastUsed, nil
}
