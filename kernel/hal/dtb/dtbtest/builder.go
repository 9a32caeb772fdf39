// Package dtbtest assembles flattened device tree blobs in memory. It exists
// purely as test support for the packages that consume device tree data; the
// kernel itself only ever parses blobs supplied by the firmware.
package dtbtest

import "encoding/binary"

const (
	fdtMagic = 0xd00dfeed

	fdtBeginNode = 0x1
	fdtEndNode   = 0x2
	fdtProp      = 0x3
	fdtEnd       = 0x9

	headerSize = 40
	fdtVersion = 17
)

// Builder incrementally assembles a device tree blob.
type Builder struct {
	reservations []uint64
	structBlock  []byte
	stringsBlock []byte
	stringOffs   map[string]uint32
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{stringOffs: make(map[string]uint32)}
}

// Reserve appends an entry to the memory reservation block.
func (b *Builder) Reserve(addr, size uint64) *Builder {
	b.reservations = append(b.reservations, addr, size)
	return b
}

// BeginNode opens a new node. Calls may be nested; every BeginNode must be
// paired with an EndNode.
func (b *Builder) BeginNode(name string) *Builder {
	b.appendU32(fdtBeginNode)
	b.structBlock = append(b.structBlock, name...)
	b.structBlock = append(b.structBlock, 0)
	b.pad()
	return b
}

// EndNode closes the innermost open node.
func (b *Builder) EndNode() *Builder {
	b.appendU32(fdtEndNode)
	return b
}

// Prop appends a property with a raw value to the innermost open node.
func (b *Builder) Prop(name string, value []byte) *Builder {
	b.appendU32(fdtProp)
	b.appendU32(uint32(len(value)))
	b.appendU32(b.stringOffset(name))
	b.structBlock = append(b.structBlock, value...)
	b.pad()
	return b
}

// PropU32 appends a single-cell property.
func (b *Builder) PropU32(name string, v uint32) *Builder {
	return b.Prop(name, U32(v))
}

// Build produces the final blob. The root node must have been closed.
func (b *Builder) Build() []byte {
	structBlock := append(append([]byte{}, b.structBlock...), U32(fdtEnd)...)

	memRsvSize := (len(b.reservations) + 2) * 8
	offMemRsv := headerSize
	offStruct := offMemRsv + memRsvSize
	offStrings := offStruct + len(structBlock)
	totalSize := offStrings + len(b.stringsBlock)

	blob := make([]byte, totalSize)
	be := binary.BigEndian
	be.PutUint32(blob[0:], fdtMagic)
	be.PutUint32(blob[4:], uint32(totalSize))
	be.PutUint32(blob[8:], uint32(offStruct))
	be.PutUint32(blob[12:], uint32(offStrings))
	be.PutUint32(blob[16:], uint32(offMemRsv))
	be.PutUint32(blob[20:], fdtVersion)
	be.PutUint32(blob[24:], 16) // last compatible version
	be.PutUint32(blob[32:], uint32(len(b.stringsBlock)))
	be.PutUint32(blob[36:], uint32(len(structBlock)))

	for i, word := range b.reservations {
		be.PutUint64(blob[offMemRsv+i*8:], word)
	}
	// the reservation list terminator is the implicit all-zero entry

	copy(blob[offStruct:], structBlock)
	copy(blob[offStrings:], b.stringsBlock)

	return blob
}

// U32 encodes a single 32-bit cell.
func U32(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[:]
}

// U64 encodes a two-cell (64-bit) value.
func U64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// Cells concatenates pre-encoded cells into a single property value.
func Cells(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (b *Builder) appendU32(v uint32) {
	b.structBlock = append(b.structBlock, U32(v)...)
}

func (b *Builder) pad() {
	for len(b.structBlock)%4 != 0 {
		b.structBlock = append(b.structBlock, 0)
	}
}

func (b *Builder) stringOffset(name string) uint32 {
	if off, ok := b.stringOffs[name]; ok {
		return off
	}

	off := uint32(len(b.stringsBlock))
	b.stringsBlock = append(b.stringsBlock, name...)
	b.stringsBlock = append(b.stringsBlock, 0)
	b.stringOffs[name] = off
	return off
}
