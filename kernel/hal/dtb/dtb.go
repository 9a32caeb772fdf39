// Package dtb provides a read-only view of the flattened device tree blob
// that the firmware hands over to the kernel entry point. The blob is parsed
// in place; no part of it is ever copied or mutated, which allows the package
// to be used before the Go allocator is available.
package dtb

import (
	"strings"
	"unsafe"

	"github.com/hgruniaux/os/kernel/mem"
)

const (
	fdtMagic = 0xd00dfeed

	// Token values for the structure block.
	fdtBeginNode = 0x1
	fdtEndNode   = 0x2
	fdtProp      = 0x3
	fdtNop       = 0x4
	fdtEnd       = 0x9

	// The memory reservation block is a list of (address, size) pairs that
	// are always encoded as 64-bit big-endian words, regardless of the
	// #address-cells/#size-cells values of any node.
	memRsvEntrySize = 16

	// maxNameLen bounds node/property name scans so that a corrupted blob
	// cannot send the parser into an unbounded loop.
	maxNameLen = 256
)

// DeviceTree provides access to the nodes and properties of a flattened
// device tree blob.
type DeviceTree struct {
	base       uintptr
	totalSize  uint32
	offStruct  uint32
	offStrings uint32
	offMemRsv  uint32
	ok         bool
}

// FromPointer parses the device tree header located at the supplied physical
// pointer. Callers must consult IsStatusOK before using the returned tree.
func FromPointer(ptr uintptr) DeviceTree {
	var dt DeviceTree

	if ptr == 0 || ptr&3 != 0 {
		return dt
	}

	if readBE32(ptr) != fdtMagic {
		return dt
	}

	dt.base = ptr
	dt.totalSize = readBE32(ptr + 4)
	dt.offStruct = readBE32(ptr + 8)
	dt.offStrings = readBE32(ptr + 12)
	dt.offMemRsv = readBE32(ptr + 16)
	dt.ok = dt.offStruct < dt.totalSize && dt.offStrings < dt.totalSize && dt.offMemRsv < dt.totalSize

	return dt
}

// IsStatusOK returns true if the blob header was successfully validated.
func (dt *DeviceTree) IsStatusOK() bool {
	return dt.ok
}

// TotalSize returns the size of the blob in bytes as declared by its header.
func (dt *DeviceTree) TotalSize() mem.Size {
	return mem.Size(dt.totalSize)
}

// Property describes a single property value. The value is accessed through
// cursor-based accessors as device tree integers have a variable (1 or 2
// cell) width.
type Property struct {
	data   uintptr
	Length int
}

// GetU32 decodes this property as a single big-endian 32-bit value.
func (p Property) GetU32() (uint32, bool) {
	if p.data == 0 || p.Length != 4 {
		return 0, false
	}

	return readBE32(p.data), true
}

// GetVariableInt decodes the big-endian integer found at *cursor and advances
// the cursor by 4 or 8 bytes depending on the requested cell width. A nil out
// argument skips over the field. GetVariableInt fails if the read would reach
// past the declared property length.
func (p Property) GetVariableInt(cursor *int, out *uint64, is64 bool) bool {
	width := 4
	if is64 {
		width = 8
	}

	if p.data == 0 || *cursor < 0 || *cursor+width > p.Length {
		return false
	}

	if out != nil {
		if is64 {
			*out = readBE64(p.data + uintptr(*cursor))
		} else {
			*out = uint64(readBE32(p.data + uintptr(*cursor)))
		}
	}

	*cursor += width
	return true
}

// Node references a FDT_BEGIN_NODE token inside the structure block.
type Node struct {
	dt  *DeviceTree
	off uint32
}

// Name returns the node's name (including any unit address suffix). The
// returned string aliases the blob contents and must not be retained past the
// lifetime of the blob mapping.
func (n Node) Name() string {
	nameAddr := n.dt.structAddr(n.off + 4)
	nameLen := cstrLen(nameAddr)
	if nameLen == 0 {
		return ""
	}

	return unsafe.String((*byte)(unsafe.Pointer(nameAddr)), nameLen)
}

// FindProperty looks up a property of this node by name. Properties of child
// nodes are not considered.
func (n Node) FindProperty(name string) (Property, bool) {
	var (
		prop  Property
		found bool
	)

	n.visitProps(func(propName string, p Property) bool {
		if propName == name {
			prop, found = p, true
			return false
		}
		return true
	})

	return prop, found
}

// VisitChildren invokes the visitor for every direct child of this node in
// declaration order. Returning false from the visitor stops the iteration.
func (n Node) VisitChildren(visitor func(child Node) bool) {
	off, limit := n.contentOffset(), n.dt.structLimit()

	for off < limit {
		switch n.dt.token(off) {
		case fdtNop:
			off += 4
		case fdtProp:
			off = n.dt.skipProp(off)
		case fdtBeginNode:
			if !visitor(Node{dt: n.dt, off: off}) {
				return
			}
			off = n.dt.skipNode(off)
		default:
			// fdtEndNode, fdtEnd or a corrupted token: stop.
			return
		}
	}
}

// visitProps invokes the visitor for every property of this node in
// declaration order. Returning false from the visitor stops the iteration.
func (n Node) visitProps(visitor func(name string, p Property) bool) {
	off, limit := n.contentOffset(), n.dt.structLimit()

	for off < limit {
		switch n.dt.token(off) {
		case fdtNop:
			off += 4
		case fdtProp:
			length := n.dt.structU32(off + 4)
			nameOff := n.dt.structU32(off + 8)
			prop := Property{data: n.dt.structAddr(off + 12), Length: int(length)}
			if !visitor(n.dt.propName(nameOff), prop) {
				return
			}
			off = n.dt.skipProp(off)
		default:
			// Properties always precede child nodes; any other token
			// terminates the property list.
			return
		}
	}
}

// contentOffset returns the structure-block offset of the first token
// following this node's name.
func (n Node) contentOffset() uint32 {
	nameAddr := n.dt.structAddr(n.off + 4)
	nameLen := cstrLen(nameAddr)

	return align4(n.off + 4 + uint32(nameLen) + 1)
}

// Root returns the root node of the tree.
func (dt *DeviceTree) Root() (Node, bool) {
	if !dt.ok {
		return Node{}, false
	}

	for off, limit := uint32(0), dt.structLimit(); off < limit; off += 4 {
		switch dt.token(off) {
		case fdtNop:
		case fdtBeginNode:
			return Node{dt: dt, off: off}, true
		default:
			return Node{}, false
		}
	}

	return Node{}, false
}

// FindProperty resolves a slash-separated path to a property. The first
// path components name nested nodes starting at the root (a component
// matches a node either exactly or up to the node's unit address) and the
// last component names the property itself.
//
// The pseudo path "/memreserve" resolves to the blob's memory reservation
// block: a list of (address, size) pairs, each encoded as two 64-bit words.
func (dt *DeviceTree) FindProperty(path string) (Property, bool) {
	if !dt.ok || len(path) < 2 || path[0] != '/' {
		return Property{}, false
	}

	if path == "/memreserve" {
		return dt.memReserveProperty()
	}

	node, ok := dt.Root()
	if !ok {
		return Property{}, false
	}

	rest := path[1:]
	for {
		sep := strings.IndexByte(rest, '/')
		if sep == -1 {
			return node.FindProperty(rest)
		}

		component := rest[:sep]
		rest = rest[sep+1:]

		var next Node
		found := false
		node.VisitChildren(func(child Node) bool {
			if nodeNameMatches(child.Name(), component) {
				next, found = child, true
				return false
			}
			return true
		})

		if !found {
			return Property{}, false
		}
		node = next
	}
}

// memReserveProperty exposes the memory reservation block as a property. The
// block is terminated by an all-zero entry which is not part of the value.
func (dt *DeviceTree) memReserveProperty() (Property, bool) {
	start := dt.base + uintptr(dt.offMemRsv)
	maxEntries := (uintptr(dt.totalSize) - uintptr(dt.offMemRsv)) / memRsvEntrySize

	var count uintptr
	for ; count < maxEntries; count++ {
		entry := start + count*memRsvEntrySize
		if readBE64(entry) == 0 && readBE64(entry+8) == 0 {
			break
		}
	}

	if count == 0 {
		return Property{}, false
	}

	return Property{data: start, Length: int(count * memRsvEntrySize)}, true
}

// skipNode returns the offset just past the node (and all of its children)
// that begins at off.
func (dt *DeviceTree) skipNode(off uint32) uint32 {
	node := Node{dt: dt, off: off}
	off, limit := node.contentOffset(), dt.structLimit()

	for off < limit {
		switch dt.token(off) {
		case fdtNop:
			off += 4
		case fdtProp:
			off = dt.skipProp(off)
		case fdtBeginNode:
			off = dt.skipNode(off)
		case fdtEndNode:
			return off + 4
		default:
			return limit
		}
	}

	return limit
}

// skipProp returns the offset just past the property token at off.
func (dt *DeviceTree) skipProp(off uint32) uint32 {
	length := dt.structU32(off + 4)
	return align4(off + 12 + length)
}

func (dt *DeviceTree) token(off uint32) uint32     { return dt.structU32(off) }
func (dt *DeviceTree) structU32(off uint32) uint32 { return readBE32(dt.structAddr(off)) }
func (dt *DeviceTree) structAddr(off uint32) uintptr {
	return dt.base + uintptr(dt.offStruct) + uintptr(off)
}
func (dt *DeviceTree) structLimit() uint32 { return dt.totalSize - dt.offStruct }

// propName returns the NUL-terminated property name stored at the given
// strings-block offset.
func (dt *DeviceTree) propName(nameOff uint32) string {
	nameAddr := dt.base + uintptr(dt.offStrings) + uintptr(nameOff)
	nameLen := cstrLen(nameAddr)
	if nameLen == 0 {
		return ""
	}

	return unsafe.String((*byte)(unsafe.Pointer(nameAddr)), nameLen)
}

// nodeNameMatches reports whether a node name matches a path component. The
// unit address suffix ("uart@3f201000") is ignored when the component does
// not include one.
func nodeNameMatches(name, component string) bool {
	if !strings.HasPrefix(name, component) {
		return false
	}

	return len(name) == len(component) || name[len(component)] == '@'
}

// align4 rounds a structure-block offset up to the next token boundary; all
// tokens are 32-bit aligned.
func align4(v uint32) uint32 {
	return (v + 3) &^ 3
}

// cstrLen returns the length of the NUL-terminated string at addr, bounded
// by maxNameLen.
func cstrLen(addr uintptr) int {
	for i := 0; i < maxNameLen; i++ {
		if *(*byte)(unsafe.Pointer(addr + uintptr(i))) == 0 {
			return i
		}
	}

	return maxNameLen
}

func readBE32(addr uintptr) uint32 {
	b := *(*[4]byte)(unsafe.Pointer(addr))
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func readBE64(addr uintptr) uint64 {
	return uint64(readBE32(addr))<<32 | uint64(readBE32(addr+4))
}
