package dtb

import (
	"testing"
	"unsafe"

	"github.com/hgruniaux/os/kernel/hal/dtb/dtbtest"
)

func buildTestBlob() []byte {
	return dtbtest.NewBuilder().
		Reserve(0x3b400000, 0x4000000).
		BeginNode("").
		PropU32("#address-cells", 2).
		PropU32("#size-cells", 1).
		BeginNode("memory@0").
		Prop("reg", dtbtest.Cells(dtbtest.U64(0), dtbtest.U32(0x3b400000))).
		EndNode().
		BeginNode("soc").
		PropU32("#address-cells", 1).
		PropU32("#size-cells", 1).
		Prop("ranges", dtbtest.Cells(
			dtbtest.U32(0x7e000000), dtbtest.U64(0x3f000000), dtbtest.U32(0x1000000),
		)).
		BeginNode("uart@3f201000").
		PropU32("interrupts", 57).
		EndNode().
		EndNode().
		EndNode().
		Build()
}

func TestFromPointerValidatesHeader(t *testing.T) {
	blob := buildTestBlob()

	dt := FromPointer(uintptr(unsafe.Pointer(&blob[0])))
	if !dt.IsStatusOK() {
		t.Fatal("expected IsStatusOK to return true for a well-formed blob")
	}

	if exp, got := len(blob), int(dt.TotalSize()); exp != got {
		t.Fatalf("expected TotalSize to return %d; got %d", exp, got)
	}

	// Corrupt the magic value
	blob[0] ^= 0xff
	if dt := FromPointer(uintptr(unsafe.Pointer(&blob[0]))); dt.IsStatusOK() {
		t.Fatal("expected IsStatusOK to return false for a corrupted blob")
	}

	if dt := FromPointer(0); dt.IsStatusOK() {
		t.Fatal("expected IsStatusOK to return false for a nil pointer")
	}
}

func TestFindProperty(t *testing.T) {
	blob := buildTestBlob()
	dt := FromPointer(uintptr(unsafe.Pointer(&blob[0])))

	specs := []struct {
		path      string
		expFound  bool
		expLength int
	}{
		{"/#address-cells", true, 4},
		{"/#size-cells", true, 4},
		{"/soc/#address-cells", true, 4},
		{"/soc/ranges", true, 16},
		{"/soc/uart/interrupts", true, 4},
		{"/soc/uart@3f201000/interrupts", true, 4},
		{"/memreserve", true, 16},
		{"/soc/bogus", false, 0},
		{"/nonexistent/ranges", false, 0},
		{"relative/path", false, 0},
	}

	for specIndex, spec := range specs {
		prop, found := dt.FindProperty(spec.path)
		if found != spec.expFound {
			t.Errorf("[spec %d] expected found=%t for path %q; got %t", specIndex, spec.expFound, spec.path, found)
			continue
		}

		if found && prop.Length != spec.expLength {
			t.Errorf("[spec %d] expected property length %d for path %q; got %d", specIndex, spec.expLength, spec.path, prop.Length)
		}
	}
}

func TestGetU32(t *testing.T) {
	blob := buildTestBlob()
	dt := FromPointer(uintptr(unsafe.Pointer(&blob[0])))

	prop, found := dt.FindProperty("/#address-cells")
	if !found {
		t.Fatal("expected /#address-cells to be found")
	}

	if v, ok := prop.GetU32(); !ok || v != 2 {
		t.Fatalf("expected GetU32 to return (2, true); got (%d, %t)", v, ok)
	}

	// GetU32 must reject multi-cell values
	ranges, _ := dt.FindProperty("/soc/ranges")
	if _, ok := ranges.GetU32(); ok {
		t.Fatal("expected GetU32 to fail for a multi-cell property")
	}
}

func TestGetVariableInt(t *testing.T) {
	blob := buildTestBlob()
	dt := FromPointer(uintptr(unsafe.Pointer(&blob[0])))

	prop, found := dt.FindProperty("/memory@0/reg")
	if !found {
		t.Fatal("expected /memory@0/reg to be found")
	}

	var (
		cursor      int
		start, size uint64
	)

	if !prop.GetVariableInt(&cursor, &start, true) {
		t.Fatal("expected 64-bit read of the region start to succeed")
	}
	if !prop.GetVariableInt(&cursor, &size, false) {
		t.Fatal("expected 32-bit read of the region size to succeed")
	}

	if start != 0 || size != 0x3b400000 {
		t.Fatalf("expected (start, size) to be (0x0, 0x3b400000); got (0x%x, 0x%x)", start, size)
	}

	if cursor != prop.Length {
		t.Fatalf("expected cursor to stop at the property length %d; got %d", prop.Length, cursor)
	}

	// Reading past the declared length must fail without moving the cursor
	if prop.GetVariableInt(&cursor, &size, false) {
		t.Fatal("expected read past the property length to fail")
	}
	if cursor != prop.Length {
		t.Fatalf("expected failed read to leave the cursor at %d; got %d", prop.Length, cursor)
	}

	// A nil out argument skips the field
	cursor = 0
	if !prop.GetVariableInt(&cursor, nil, true) || cursor != 8 {
		t.Fatalf("expected skip read to advance the cursor to 8; got %d", cursor)
	}
}

func TestTokenRealignment(t *testing.T) {
	// Property values are padded to the next 32-bit token boundary; a value
	// whose length is not a multiple of 4 must not derail the parse of
	// whatever follows it.
	blob := dtbtest.NewBuilder().
		BeginNode("").
		Prop("compatible", []byte("pi\x00")).
		PropU32("#address-cells", 1).
		BeginNode("led").
		Prop("label", []byte("status\x00")).
		PropU32("gpios", 42).
		EndNode().
		EndNode().
		Build()
	dt := FromPointer(uintptr(unsafe.Pointer(&blob[0])))

	if prop, found := dt.FindProperty("/#address-cells"); !found || prop.Length != 4 {
		t.Fatal("expected the property after an odd-length value to resolve")
	}

	prop, found := dt.FindProperty("/led/gpios")
	if !found {
		t.Fatal("expected the nested property after an odd-length value to resolve")
	}
	if v, ok := prop.GetU32(); !ok || v != 42 {
		t.Fatalf("expected GetU32 to return (42, true); got (%d, %t)", v, ok)
	}
}

func TestMemReserveBlock(t *testing.T) {
	blob := buildTestBlob()
	dt := FromPointer(uintptr(unsafe.Pointer(&blob[0])))

	prop, found := dt.FindProperty("/memreserve")
	if !found {
		t.Fatal("expected the memory reservation block to be exposed")
	}

	var (
		cursor      int
		start, size uint64
	)

	// Reservation entries are always 64-bit, independent of cell widths.
	if !prop.GetVariableInt(&cursor, &start, true) || !prop.GetVariableInt(&cursor, &size, true) {
		t.Fatal("expected two 64-bit reads to succeed")
	}

	if start != 0x3b400000 || size != 0x4000000 {
		t.Fatalf("expected reservation (0x3b400000, 0x4000000); got (0x%x, 0x%x)", start, size)
	}

	// No reservations at all: the pseudo property must not resolve.
	empty := dtbtest.NewBuilder().BeginNode("").EndNode().Build()
	dtEmpty := FromPointer(uintptr(unsafe.Pointer(&empty[0])))
	if _, found := dtEmpty.FindProperty("/memreserve"); found {
		t.Fatal("expected /memreserve lookup to fail for a blob without reservations")
	}
}

func TestVisitChildren(t *testing.T) {
	blob := buildTestBlob()
	dt := FromPointer(uintptr(unsafe.Pointer(&blob[0])))

	root, ok := dt.Root()
	if !ok {
		t.Fatal("expected the root node to be found")
	}

	var names []string
	root.VisitChildren(func(child Node) bool {
		names = append(names, child.Name())
		return true
	})

	if len(names) != 2 || names[0] != "memory@0" || names[1] != "soc" {
		t.Fatalf("expected children [memory@0 soc]; got %v", names)
	}

	// Early termination
	visits := 0
	root.VisitChildren(func(Node) bool {
		visits++
		return false
	})
	if visits != 1 {
		t.Fatalf("expected visitor to be invoked once; got %d", visits)
	}
}
