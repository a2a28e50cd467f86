package reloc

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/symtab"
)

// fakeUndefSymtab builds a real symtab.Table backed by live memory,
// holding exactly one undefined, globally-bound symbol named name at
// index 1 (index 0 is the mandatory null entry every ELF symtab
// carries). A hash-based Table.Lookup never matches an undefined
// symbol, so resolving this name always falls through to the
// caller-supplied Lookup, exactly like a real undefined PLT reference.
func fakeUndefSymtab(t *testing.T, name string) (*symtab.Table, uint32) {
	t.Helper()
	str := append([]byte{0}, append([]byte(name), 0)...)
	strBuf := make([]byte, len(str))
	copy(strBuf, str)
	strtab := symtab.NewStrTab(uint64(uintptr(unsafe.Pointer(&strBuf[0]))))

	const symEntSize = 24 // Elf64_Sym
	symBuf := make([]byte, symEntSize*2)
	// index 1: st_name = 1, st_info = (GLOBAL<<4)|FUNC, st_shndx = 0 (undefined)
	binary.LittleEndian.PutUint32(symBuf[symEntSize+0:], 1)
	symBuf[symEntSize+4] = byte(symtab.BindGlobal)<<4 | byte(symtab.TypeFunc)
	binary.LittleEndian.PutUint16(symBuf[symEntSize+6:], 0)
	symtabAddr := uint64(uintptr(unsafe.Pointer(&symBuf[0])))

	tab := symtab.NewCustom(symtabAddr, strtab, 2, elfbits.Class64)
	return tab, 1
}

func TestInstallLazySeedsTrampolineAddrs(t *testing.T) {
	got, addr := liveBuf(8)
	gotBase, _ := liveBuf(8 * 3) // PLTGOT[0..2]

	base := addr&^0xfff + 0x10000 // an arbitrary "load bias" distinct from addr
	l := LazyPLT{
		Base:     base,
		GotBase:  uint64(uintptr(unsafe.Pointer(&gotBase[0]))),
		WordSize: 8,
		Entries:  []Entry{{Offset: addr - base, Addend: 0x999, IsRela: true}},
	}
	InstallLazy(l, 0xc0b, 0xe7a0)

	wantTrampoline := base + 0x999
	if gotAddr := binary.LittleEndian.Uint64(got); gotAddr != wantTrampoline {
		t.Fatalf("GOT slot = %#x, want trampoline addr %#x", gotAddr, wantTrampoline)
	}
	if cookie := binary.LittleEndian.Uint64(gotBase[8:16]); cookie != 0xc0b {
		t.Fatalf("PLTGOT[1] = %#x, want module cookie 0xc0b", cookie)
	}
	if resolver := binary.LittleEndian.Uint64(gotBase[16:24]); resolver != 0xe7a0 {
		t.Fatalf("PLTGOT[2] = %#x, want resolver entry 0xe7a0", resolver)
	}
}

func TestResolveLazyIsIdempotent(t *testing.T) {
	slot, addr := liveBuf(8)
	base := addr&^0xfff + 0x20000
	tab, idx := fakeUndefSymtab(t, "do_thing")
	e := Entry{Offset: addr - base, Addend: 0x50, IsRela: true, SymIdx: idx}
	binary.LittleEndian.PutUint64(slot, base+uint64(e.Addend)) // as InstallLazy would have left it

	calls := 0
	target := Target{
		Base:   base,
		Arch:   fakeBackend{wordSize: 8},
		Symtab: tab,
		Lookup: func(name string, weak bool) (uint64, bool, error) {
			calls++
			if name != "do_thing" {
				t.Fatalf("Lookup called with name %q, want do_thing", name)
			}
			return 0xabc123, true, nil
		},
	}

	first, err := ResolveLazy(target, e)
	if err != nil {
		t.Fatalf("first ResolveLazy: %v", err)
	}
	if first != 0xabc123 {
		t.Fatalf("first resolution = %#x, want 0xabc123", first)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one Lookup call, got %d", calls)
	}

	second, err := ResolveLazy(target, e)
	if err != nil {
		t.Fatalf("second ResolveLazy: %v", err)
	}
	if second != 0xabc123 {
		t.Fatalf("second resolution = %#x, want the already-resolved value", second)
	}
	if calls != 1 {
		t.Fatalf("a slot already resolved must not call Lookup again, got %d calls", calls)
	}
}
