package reloc

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/symtab"
)

// liveBuf allocates n bytes and returns both the slice and its address
// as memview sees it, so Apply can write into real process memory
// without a real mmap'd image backing the test.
func liveBuf(n int) ([]byte, uint64) {
	b := make([]byte, n)
	return b, uint64(uintptr(unsafe.Pointer(&b[0])))
}

type fakeBackend struct {
	wordSize int
	kinds    map[uint32]Kind
}

func (f fakeBackend) Classify(rtype uint32) Kind {
	if k, ok := f.kinds[rtype]; ok {
		return k
	}
	return KindUnknown
}
func (f fakeBackend) WordSize() int { return f.wordSize }

func TestApplyRelative(t *testing.T) {
	buf, addr := liveBuf(8)
	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{1: KindRelative}}
	base := uint64(0x400000)
	target := Target{Base: base, Class: elfbits.Class64, Arch: backend}

	entries := []Entry{{Offset: addr - base, Type: 1, Addend: 0x20, IsRela: true}}
	if err := Apply(target, entries); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := binary.LittleEndian.Uint64(buf)
	if want := base + 0x20; got != want {
		t.Fatalf("RELATIVE wrote %#x, want %#x", got, want)
	}
}

func TestApplyGlobDatSymIndexZeroWritesZero(t *testing.T) {
	buf, addr := liveBuf(8)
	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{2: KindGlobDat}}
	base := uint64(0x500000)

	var lookedUp string
	target := Target{
		Base:  base,
		Class: elfbits.Class64,
		Arch:  backend,
		Lookup: func(name string, weak bool) (uint64, bool, error) {
			lookedUp = name
			return 0xdeadbeef, true, nil
		},
	}
	// No Symtab configured: sym_index 0 means "no symbol", S = 0.
	entries := []Entry{{Offset: addr - base, Type: 2, SymIdx: 0, IsRela: true}}
	if err := Apply(target, entries); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if lookedUp != "" {
		t.Fatalf("did not expect a lookup for sym_index 0")
	}
	got := binary.LittleEndian.Uint64(buf)
	if got != 0 {
		t.Fatalf("GLOB_DAT with sym_index 0 wrote %#x, want 0", got)
	}
}

func TestApplyUnknownRejectedByDefault(t *testing.T) {
	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{}}
	target := Target{Base: 0x1000, Class: elfbits.Class64, Arch: backend}
	err := Apply(target, []Entry{{Offset: 0, Type: 99}})
	if err == nil {
		t.Fatalf("expected an error for an unrecognized relocation type")
	}
}

func TestApplyUnknownHandlerOverride(t *testing.T) {
	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{}}
	called := false
	target := Target{
		Base:  0x1000,
		Class: elfbits.Class64,
		Arch:  backend,
		OnUnknown: func(e Entry, t Target) error {
			called = true
			return nil
		},
	}
	if err := Apply(target, []Entry{{Offset: 0, Type: 77}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !called {
		t.Fatalf("expected the custom OnUnknown handler to run")
	}
}

func TestApplyIRelative(t *testing.T) {
	buf, addr := liveBuf(8)
	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{3: KindIRelative}}
	base := uint64(0x600000)
	target := Target{
		Base:  base,
		Class: elfbits.Class64,
		Arch:  backend,
		CallIFunc: func(resolverAddr uint64) (uint64, error) {
			return 0x1234, nil
		},
	}
	entries := []Entry{{Offset: addr - base, Type: 3, Addend: 0x10}}
	if err := Apply(target, entries); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 0x1234 {
		t.Fatalf("IRELATIVE wrote %#x, want 0x1234", got)
	}
}

func TestApplyWeakUndefinedResolvesNull(t *testing.T) {
	buf, addr := liveBuf(8)
	binary.LittleEndian.PutUint64(buf, 0xffffffffffffffff)
	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{2: KindGlobDat}}
	base := uint64(0x700000)

	// Symbol 1 is an undefined (shndx 0) STB_WEAK reference; index 0
	// is the mandatory null symbol.
	str := []byte("\x00weak_ref\x00")
	strtab := symtab.NewStrTab(uint64(uintptr(unsafe.Pointer(&str[0]))))
	const symEntSize = 24
	symBuf := make([]byte, symEntSize*2)
	binary.LittleEndian.PutUint32(symBuf[symEntSize+0:], 1)
	symBuf[symEntSize+4] = byte(symtab.BindWeak)<<4 | byte(symtab.TypeObject)
	symtabAddr := uint64(uintptr(unsafe.Pointer(&symBuf[0])))

	var sawWeak bool
	target := Target{
		Base:   base,
		Class:  elfbits.Class64,
		Arch:   backend,
		Symtab: symtab.NewCustom(symtabAddr, strtab, 2, elfbits.Class64),
		Lookup: func(name string, weak bool) (uint64, bool, error) {
			sawWeak = weak
			return 0, false, nil
		},
	}
	entries := []Entry{{Offset: addr - base, Type: 2, SymIdx: 1, IsRela: true}}
	if err := Apply(target, entries); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !sawWeak {
		t.Fatalf("expected Lookup to be told the reference is weak")
	}
	if got := binary.LittleEndian.Uint64(buf); got != 0 {
		t.Fatalf("undefined weak-equivalent wrote %#x, want 0", got)
	}
}

// fakeCopyTable builds a one-symbol symtab.Table describing a COPY
// relocation's defined destination entry: name at index 1, Shndx != 0
// (defined), Value/Size as given. Index 0 is the mandatory null symbol.
func fakeCopyTable(name string, value, size uint64) *symtab.Table {
	str := append([]byte{0}, append([]byte(name), 0)...)
	strBuf := make([]byte, len(str))
	copy(strBuf, str)
	strtab := symtab.NewStrTab(uint64(uintptr(unsafe.Pointer(&strBuf[0]))))

	const symEntSize = 24
	symBuf := make([]byte, symEntSize*2)
	binary.LittleEndian.PutUint32(symBuf[symEntSize+0:], 1)
	symBuf[symEntSize+4] = byte(symtab.BindGlobal)<<4 | byte(symtab.TypeObject)
	binary.LittleEndian.PutUint16(symBuf[symEntSize+6:], 1) // defined: shndx != 0
	binary.LittleEndian.PutUint64(symBuf[symEntSize+8:], value)
	binary.LittleEndian.PutUint64(symBuf[symEntSize+16:], size)
	symtabAddr := uint64(uintptr(unsafe.Pointer(&symBuf[0])))

	return symtab.NewCustom(symtabAddr, strtab, 2, elfbits.Class64)
}

// TestApplyCopyUsesCopyLookupNotLookup exercises spec.md §4.5's COPY
// rule: the source address must come from a self-excluding lookup, even
// when the ordinary Lookup (the one every other relocation kind uses)
// would resolve to this module's own placeholder and silently copy the
// destination onto itself.
func TestApplyCopyUsesCopyLookupNotLookup(t *testing.T) {
	dst, dstAddr := liveBuf(4)
	src := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	srcAddr := uint64(uintptr(unsafe.Pointer(&src[0])))

	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{5: KindCopy}}
	base := uint64(0x800000)

	lookupCalled := false
	target := Target{
		Base:   base,
		Class:  elfbits.Class64,
		Arch:   backend,
		Symtab: fakeCopyTable("my_var", 0x30, 4),
		Lookup: func(name string, weak bool) (uint64, bool, error) {
			// Simulates a scope that includes this module itself: wrong
			// for COPY, resolving back into the destination buffer.
			lookupCalled = true
			return dstAddr, true, nil
		},
		CopyLookup: func(name string, weak bool) (uint64, bool, error) {
			if name != "my_var" {
				t.Fatalf("CopyLookup name = %q, want my_var", name)
			}
			return srcAddr, true, nil
		},
	}
	entries := []Entry{{Offset: dstAddr - base, Type: 5, SymIdx: 1}}
	if err := Apply(target, entries); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if lookupCalled {
		t.Fatalf("COPY relocation must not consult Lookup when CopyLookup is set")
	}
	if string(dst) != string(src) {
		t.Fatalf("COPY wrote %x, want %x copied from the CopyLookup address", dst, src)
	}
}

// TestApplyCopyFallsBackToLookupWhenCopyLookupUnset keeps the
// zero-value behavior working: a Target built without CopyLookup still
// resolves COPY relocations through the ordinary Lookup.
func TestApplyCopyFallsBackToLookupWhenCopyLookupUnset(t *testing.T) {
	dst, dstAddr := liveBuf(4)
	src := []byte{1, 2, 3, 4}
	srcAddr := uint64(uintptr(unsafe.Pointer(&src[0])))

	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{5: KindCopy}}
	base := uint64(0x900000)

	target := Target{
		Base:   base,
		Class:  elfbits.Class64,
		Arch:   backend,
		Symtab: fakeCopyTable("other_var", 0x40, 4),
		Lookup: func(name string, weak bool) (uint64, bool, error) {
			return srcAddr, true, nil
		},
	}
	entries := []Entry{{Offset: dstAddr - base, Type: 5, SymIdx: 1}}
	if err := Apply(target, entries); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if string(dst) != string(src) {
		t.Fatalf("COPY wrote %x, want %x", dst, src)
	}
}

// TestApplyCopyOrdersBeforeIRelative pins spec.md §4.5's ordering rule:
// within one module, COPY relocations apply before IRELATIVE, even when
// the entry table lists IRELATIVE first.
func TestApplyCopyOrdersBeforeIRelative(t *testing.T) {
	copyDst, copyAddr := liveBuf(4)
	src := []byte{9, 9, 9, 9}
	srcAddr := uint64(uintptr(unsafe.Pointer(&src[0])))
	ifuncDst, ifuncAddr := liveBuf(8)

	backend := fakeBackend{wordSize: 8, kinds: map[uint32]Kind{
		5: KindCopy,
		6: KindIRelative,
	}}
	base := uint64(0xa00000)

	var order []string
	target := Target{
		Base:   base,
		Class:  elfbits.Class64,
		Arch:   backend,
		Symtab: fakeCopyTable("ordered_var", 0x50, 4),
		CopyLookup: func(name string, weak bool) (uint64, bool, error) {
			order = append(order, "copy")
			return srcAddr, true, nil
		},
		CallIFunc: func(resolverAddr uint64) (uint64, error) {
			order = append(order, "irelative")
			return 0xfeed, nil
		},
	}
	// IRELATIVE listed first in the table; Apply must still run COPY first.
	entries := []Entry{
		{Offset: ifuncAddr - base, Type: 6, Addend: 0x8},
		{Offset: copyAddr - base, Type: 5, SymIdx: 1},
	}
	if err := Apply(target, entries); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(order) != 2 || order[0] != "copy" || order[1] != "irelative" {
		t.Fatalf("relocation order = %v, want [copy irelative]", order)
	}
	if string(copyDst) != string(src) {
		t.Fatalf("COPY destination = %x, want %x", copyDst, src)
	}
	if got := binary.LittleEndian.Uint64(ifuncDst); got != 0xfeed {
		t.Fatalf("IRELATIVE wrote %#x, want 0xfeed", got)
	}
}

func TestAddendOfPrefersExplicitRelaZero(t *testing.T) {
	buf, addr := liveBuf(8)
	binary.LittleEndian.PutUint64(buf, 0xffffffffffffffff) // poison the implicit slot
	e := Entry{Offset: 0, IsRela: true, Addend: 0}
	if got := addendOf(e, addr, 8); got != 0 {
		t.Fatalf("RELA addend 0 must not fall back to the implicit in-place value, got %#x", got)
	}
}

func TestAddendOfReadsImplicitForRel(t *testing.T) {
	buf, addr := liveBuf(8)
	binary.LittleEndian.PutUint64(buf, 0x2a)
	e := Entry{Offset: 0, IsRela: false}
	if got := addendOf(e, addr, 8); got != 0x2a {
		t.Fatalf("REL addend = %#x, want 0x2a", got)
	}
}
