package elfloader

import (
	"debug/elf"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/kalium-systems/elfloader/dynamic"
	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/mmapx"
	"github.com/kalium-systems/elfloader/reloc"
	"github.com/kalium-systems/elfloader/segment"
	"github.com/kalium-systems/elfloader/symtab"
)

// newRelaBuf lays out n Elf64_Rela entries (offset, info, addend, all
// 8 bytes) backed by real memory and returns it alongside its address,
// so reloc.ParseTable (driven through Relocate, not called directly)
// can decode them exactly as it would a real DT_RELA table.
func newRelaBuf(entries [][3]uint64) ([]byte, uint64) {
	buf, addr := liveBuf(24 * len(entries))
	for i, e := range entries {
		off := i * 24
		binary.LittleEndian.PutUint64(buf[off:], e[0])
		binary.LittleEndian.PutUint64(buf[off+8:], e[1])
		binary.LittleEndian.PutUint64(buf[off+16:], e[2])
	}
	return buf, addr
}

func relaInfo(symIdx uint32, rtype uint32) uint64 {
	return uint64(symIdx)<<32 | uint64(rtype)
}

// newUnrelocatedImage builds an UnrelocatedImage whose "segment" is a
// plain heap buffer rather than a real mmap'd region, with dyn (if
// non-nil) wired in as the parsed dynamic section.
func newUnrelocatedImage(t *testing.T, dyn *dynamic.Record) (*UnrelocatedImage, []byte) {
	t.Helper()
	buf, addr := liveBuf(64)
	region := mmapx.Region{Addr: uintptr(addr), Len: uintptr(len(buf))}
	img := &UnrelocatedImage{
		Name:     "test.so",
		Header:   &elfbits.Header{Class: elfbits.Class64},
		Mapped:   segment.Mapped{Region: region},
		Dynamic:  dyn,
		Arch:     x86Backend(t),
		Provider: &fakeProvider{},
	}
	return img, buf
}

func TestRelocatorRelocateAppliesRelativeWithEmptyScope(t *testing.T) {
	// spec.md §8: "A module whose only relocations are RELATIVE can be
	// relocated with an empty pre-find, empty scope, and empty
	// post-find."
	_, relaAddr := newRelaBuf([][3]uint64{
		{8, relaInfo(0, uint64(elf.R_X86_64_RELATIVE)), 0x30},
	})

	img, buf := newUnrelocatedImage(t, &dynamic.Record{
		RelKind:    dynamic.RelRELA,
		RelAddr:    relaAddr,
		RelSize:    24,
		RelEntSize: 24,
	})

	r := NewRelocator(img, false)
	m, err := r.Relocate()
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}

	base := img.Base()
	got := binary.LittleEndian.Uint64(buf[8:16])
	if want := base + 0x30; got != want {
		t.Fatalf("RELATIVE site = %#x, want %#x", got, want)
	}
	if !m.IsInitialized() {
		t.Fatalf("Relocate's default AutoRunInit should mark the module initialized")
	}
}

func TestRelocatorRelocateUndefinedNonWeakFails(t *testing.T) {
	// One GLOB_DAT entry against an undefined, non-weak symbol with
	// nothing in scope to satisfy it: Relocate must fail rather than
	// return a partially-relocated module (spec.md §8, "non-weak
	// references cause relocate to fail").
	_, relaAddr := newRelaBuf([][3]uint64{
		{8, relaInfo(1, uint64(elf.R_X86_64_GLOB_DAT)), 0},
	})
	img, _ := newUnrelocatedImage(t, &dynamic.Record{
		RelKind:    dynamic.RelRELA,
		RelAddr:    relaAddr,
		RelSize:    24,
		RelEntSize: 24,
	})
	img.Symtab = fakeUndefTable(t, "missing_symbol")

	r := NewRelocator(img, false)
	if _, err := r.Relocate(); err == nil {
		t.Fatalf("expected Relocate to fail for an undefined non-weak symbol with no scope")
	}
}

func TestRelocatorOnRelocatableImageRejectsRelocate(t *testing.T) {
	img, _ := newUnrelocatedImage(t, nil)
	img.IsRelocatable = true
	r := NewRelocator(img, false)
	if _, err := r.Relocate(); err == nil {
		t.Fatalf("Relocate on an ET_REL image must fail; use RelocateObject")
	}
}

func TestRelocatorRelocateObjectOnNonRelocatableImageFails(t *testing.T) {
	img, _ := newUnrelocatedImage(t, nil)
	r := NewRelocator(img, false)
	_, scratchAddr := liveBuf(256)
	_, gotAddr := liveBuf(64)
	err := r.RelocateObject(nil, ObjectScratch{PLTBase: scratchAddr, GOTBase: gotAddr, Capacity: 8})
	if err == nil {
		t.Fatalf("RelocateObject on a non-ET_REL image must fail; use Relocate")
	}
}

func TestRelocatorRelocateObjectRelocatesEntries(t *testing.T) {
	img, buf := newUnrelocatedImage(t, nil)
	img.IsRelocatable = true

	r := NewRelocator(img, false)
	_, pltAddr := liveBuf(256)
	_, gotAddr := liveBuf(64)

	base := img.Base()
	entries := []reloc.Entry{
		{Offset: 16, Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x40, IsRela: true},
	}
	if err := r.RelocateObject(entries, ObjectScratch{PLTBase: pltAddr, GOTBase: gotAddr, Capacity: 4}); err != nil {
		t.Fatalf("RelocateObject: %v", err)
	}
	got := binary.LittleEndian.Uint64(buf[16:24])
	if want := base + 0x40; got != want {
		t.Fatalf("RELATIVE site = %#x, want %#x", got, want)
	}
}

// fakeUndefTable builds a symtab.Table holding one undefined, globally
// bound symbol named name at index 1 (index 0 is the mandatory null
// entry); a hash lookup of name in this table never matches a defined
// symbol, so Target.resolve always falls through to the Lookup
// callback, exactly like a real undefined reference into another
// module's scope.
func fakeUndefTable(t *testing.T, name string) *symtab.Table {
	t.Helper()
	str := append([]byte{0}, append([]byte(name), 0)...)
	strBuf := make([]byte, len(str))
	copy(strBuf, str)
	strtab := symtab.NewStrTab(uint64(uintptr(unsafe.Pointer(&strBuf[0]))))

	const symEntSize = 24
	symBuf := make([]byte, symEntSize*2)
	binary.LittleEndian.PutUint32(symBuf[symEntSize+0:], 1)
	symBuf[symEntSize+4] = byte(symtab.BindGlobal)<<4 | byte(symtab.TypeFunc)
	binary.LittleEndian.PutUint16(symBuf[symEntSize+6:], 0) // undefined
	symtabAddr := uint64(uintptr(unsafe.Pointer(&symBuf[0])))
	return symtab.NewCustom(symtabAddr, strtab, 2, elfbits.Class64)
}

func TestRelocatorScopeIncludesPriorModules(t *testing.T) {
	dep := &Module{base: 0x20000, symtab: fakeExportTable(t, "helper", 0x5)}

	_, relaAddr := newRelaBuf([][3]uint64{
		{8, relaInfo(1, uint64(elf.R_X86_64_GLOB_DAT)), 0},
	})

	img, buf := newUnrelocatedImage(t, &dynamic.Record{
		RelKind:    dynamic.RelRELA,
		RelAddr:    relaAddr,
		RelSize:    24,
		RelEntSize: 24,
	})
	img.Symtab = fakeUndefTable(t, "helper")

	r := NewRelocator(img, false)
	r.Scope([]*Module{dep})
	m, err := r.Relocate()
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if !m.IsInitialized() {
		t.Fatalf("relocated module should auto-run its (empty) init sequence")
	}
	got := binary.LittleEndian.Uint64(buf[8:16])
	if want := dep.base + 0x5; got != want {
		t.Fatalf("GLOB_DAT resolved to %#x, want dependency export %#x", got, want)
	}
}
