// Package topology discovers the physical memory layout of the board from
// the hardware description blob: usable RAM banks, the VideoCore firmware
// reservation and the SoC's MMIO windows. Discovery runs once during boot,
// before the MMU is enabled, and therefore performs no allocations.
package topology

import (
	"math"
	"strings"

	"github.com/hgruniaux/os/kernel"
	"github.com/hgruniaux/os/kernel/hal/dtb"
	"github.com/hgruniaux/os/kernel/mem"
)

const (
	// maxRAMRegions and maxMMIOWindows bound the fixed region lists. The
	// boards we target describe at most a couple of banks each; a blob
	// exceeding these bounds is treated as corrupted.
	maxRAMRegions  = 8
	maxMMIOWindows = 8
)

var (
	errMissingProperty   = &kernel.Error{Module: "topology", Message: "hardware description blob lacks a required property"}
	errBadCellWidth      = &kernel.Error{Module: "topology", Message: "cell width property must be 1 or 2"}
	errTruncatedProperty = &kernel.Error{Module: "topology", Message: "property value ends mid-field"}
	errTooManyRegions    = &kernel.Error{Module: "topology", Message: "region count exceeds the supported maximum"}
)

// Region describes one contiguous physical memory region.
type Region struct {
	Start mem.PhysicalAddress
	Size  mem.Size
}

// Topology captures everything the bring-up sequencer needs to know about
// the board's physical memory layout. The region lists preserve blob
// declaration order.
type Topology struct {
	// RAM contains the usable RAM banks advertised by the memory@ nodes.
	RAM      [maxRAMRegions]Region
	RAMCount int

	// MMIO contains the SoC's bus windows translated to physical
	// addresses, and LowestMMIOBase the smallest of their base addresses.
	MMIO           [maxMMIOWindows]Region
	MMIOCount      int
	LowestMMIOBase mem.PhysicalAddress

	// VideoCore is the firmware reservation, its size clamped so that the
	// region never reaches into the MMIO windows sitting above it.
	VideoCore Region
}

// cellWidths caches the integer field widths declared at the root and SoC
// levels. Each field of a reg or ranges value is either one or two 32-bit
// cells wide.
type cellWidths struct {
	rootAddr64 bool
	rootSize64 bool
	socAddr64  bool
	socSize64  bool
}

// Discover parses the memory topology out of the supplied device tree. The
// tree must have been validated via IsStatusOK by the caller.
func Discover(dt *dtb.DeviceTree) (Topology, *kernel.Error) {
	var topo Topology

	widths, err := readCellWidths(dt)
	if err != nil {
		return topo, err
	}

	if err = discoverRAM(dt, widths, &topo); err != nil {
		return topo, err
	}
	if err = discoverMMIO(dt, widths, &topo); err != nil {
		return topo, err
	}
	if err = discoverVideoCore(dt, &topo); err != nil {
		return topo, err
	}

	return topo, nil
}

// readCellWidths reads the four cell width declarations exactly once and
// validates that each is either 1 or 2 cells.
func readCellWidths(dt *dtb.DeviceTree) (cellWidths, *kernel.Error) {
	var widths cellWidths

	for _, decl := range []struct {
		path string
		is64 *bool
	}{
		{"/#address-cells", &widths.rootAddr64},
		{"/#size-cells", &widths.rootSize64},
		{"/soc/#address-cells", &widths.socAddr64},
		{"/soc/#size-cells", &widths.socSize64},
	} {
		prop, found := dt.FindProperty(decl.path)
		if !found {
			return widths, errMissingProperty
		}

		cells, ok := prop.GetU32()
		if !ok || cells == 0 || cells > 2 {
			return widths, errBadCellWidth
		}
		*decl.is64 = cells != 1
	}

	return widths, nil
}

// discoverRAM collects the (address, size) tuples of every memory@ child of
// the root node, decoded with the root's cell widths, in node order.
func discoverRAM(dt *dtb.DeviceTree, widths cellWidths, topo *Topology) *kernel.Error {
	root, ok := dt.Root()
	if !ok {
		return errMissingProperty
	}

	var err *kernel.Error
	foundMemoryNode := false

	root.VisitChildren(func(child dtb.Node) bool {
		if !strings.HasPrefix(child.Name(), "memory@") {
			return true
		}
		foundMemoryNode = true

		reg, found := child.FindProperty("reg")
		if !found {
			err = errMissingProperty
			return false
		}

		for cursor := 0; cursor < reg.Length; {
			var start, size uint64
			if !reg.GetVariableInt(&cursor, &start, widths.rootAddr64) ||
				!reg.GetVariableInt(&cursor, &size, widths.rootSize64) {
				err = errTruncatedProperty
				return false
			}

			if topo.RAMCount == maxRAMRegions {
				err = errTooManyRegions
				return false
			}
			topo.RAM[topo.RAMCount] = Region{Start: mem.PhysicalAddress(start), Size: mem.Size(size)}
			topo.RAMCount++
		}

		return true
	})

	if err == nil && !foundMemoryNode {
		err = errMissingProperty
	}
	return err
}

// discoverMMIO decodes the SoC ranges property. Each entry is a
// (child-address, parent-address, size) triple: the child address lives in
// the SoC's own address domain and is skipped, the parent address is the
// physical window base and uses the root's address width, and the size uses
// the SoC's size width.
func discoverMMIO(dt *dtb.DeviceTree, widths cellWidths, topo *Topology) *kernel.Error {
	ranges, found := dt.FindProperty("/soc/ranges")
	if !found {
		return errMissingProperty
	}

	topo.LowestMMIOBase = mem.PhysicalAddress(math.MaxUint64)

	for cursor := 0; cursor < ranges.Length; {
		var base, size uint64
		if !ranges.GetVariableInt(&cursor, nil, widths.socAddr64) ||
			!ranges.GetVariableInt(&cursor, &base, widths.rootAddr64) ||
			!ranges.GetVariableInt(&cursor, &size, widths.socSize64) {
			return errTruncatedProperty
		}

		if topo.MMIOCount == maxMMIOWindows {
			return errTooManyRegions
		}
		topo.MMIO[topo.MMIOCount] = Region{Start: mem.PhysicalAddress(base), Size: mem.Size(size)}
		topo.MMIOCount++

		if mem.PhysicalAddress(base) < topo.LowestMMIOBase {
			topo.LowestMMIOBase = mem.PhysicalAddress(base)
		}
	}

	return nil
}

// discoverVideoCore reads the first entry of the blob's memory reservation
// block. Reservation entries are always a pair of 64-bit words regardless of
// any cell width declaration. By convention the VideoCore memory sits right
// below the MMIO windows, so the reservation size is clamped to the distance
// between its start and the lowest MMIO base.
func discoverVideoCore(dt *dtb.DeviceTree, topo *Topology) *kernel.Error {
	rsv, found := dt.FindProperty("/memreserve")
	if !found {
		return errMissingProperty
	}

	cursor := 0
	var start, size uint64
	if !rsv.GetVariableInt(&cursor, &start, true) || !rsv.GetVariableInt(&cursor, &size, true) {
		return errTruncatedProperty
	}

	if topo.MMIOCount > 0 && mem.PhysicalAddress(start) <= topo.LowestMMIOBase {
		if headroom := uint64(topo.LowestMMIOBase) - start; size > headroom {
			size = headroom
		}
	}

	topo.VideoCore = Region{Start: mem.PhysicalAddress(start), Size: mem.Size(size)}
	return nil
}
