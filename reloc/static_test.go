package reloc

import (
	"encoding/binary"
	"testing"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/memview"
)

type fakeStaticBackend struct {
	fakeBackend
	pltEntrySize int
	plt0Writes   int
	stubWrites   []uint32 // index argument of each WriteLazyStub call
}

func (f *fakeStaticBackend) PLTEntrySize() int { return f.pltEntrySize }
func (f *fakeStaticBackend) WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32) {
	f.stubWrites = append(f.stubWrites, index)
}
func (f *fakeStaticBackend) WritePLT0(addr, gotBase uint64) { f.plt0Writes++ }
func (f *fakeStaticBackend) FlushICache(addr uint64, n int) {}

func newStaticTarget(backend StaticBackend, lookup LookupFunc) StaticTarget {
	pltRegion, pltAddr := liveBuf(256)
	gotRegion, gotAddr := liveBuf(8 * 64)
	_, _ = pltRegion, gotRegion
	return StaticTarget{
		Target: Target{
			Base:   0x10000,
			Class:  elfbits.Class64,
			Arch:   backend,
			Lookup: lookup,
		},
		PLTBase:  pltAddr,
		GOTBase:  gotAddr,
		Capacity: 8,
	}
}

func TestGotPCRelSlotIsMemoizedPerName(t *testing.T) {
	backend := &fakeStaticBackend{fakeBackend: fakeBackend{wordSize: 8}, pltEntrySize: 16}
	st := newStaticTarget(backend, func(name string, weak bool) (uint64, bool, error) {
		return 0xcafe0000, true, nil
	})
	alloc, err := NewPLTGOTAllocator(st)
	if err != nil {
		t.Fatalf("NewPLTGOTAllocator: %v", err)
	}

	slot1, err := alloc.gotSlot("target_fn", func() (uint64, error) { return 0xcafe0000, nil })
	if err != nil {
		t.Fatalf("gotSlot: %v", err)
	}
	slot2, err := alloc.gotSlot("target_fn", func() (uint64, error) {
		t.Fatalf("resolve must not run twice for the same name")
		return 0, nil
	})
	if err != nil {
		t.Fatalf("gotSlot (memoized): %v", err)
	}
	if slot1 != slot2 {
		t.Fatalf("gotSlot returned different addresses for the same name: %#x vs %#x", slot1, slot2)
	}
	if got := binary.LittleEndian.Uint64(memview.Bytes(slot1, 8)); got != 0xcafe0000 {
		t.Fatalf("GOT slot holds %#x, want the resolved address 0xcafe0000", got)
	}
}

func TestGotPCRelAllocatorExhaustion(t *testing.T) {
	backend := &fakeStaticBackend{fakeBackend: fakeBackend{wordSize: 8}, pltEntrySize: 16}
	st := newStaticTarget(backend, func(name string, weak bool) (uint64, bool, error) { return 1, true, nil })
	st.Capacity = 1
	alloc, err := NewPLTGOTAllocator(st)
	if err != nil {
		t.Fatalf("NewPLTGOTAllocator: %v", err)
	}
	if _, err := alloc.gotSlot("a", func() (uint64, error) { return 1, nil }); err != nil {
		t.Fatalf("first gotSlot: %v", err)
	}
	if _, err := alloc.gotSlot("b", func() (uint64, error) { return 2, nil }); err == nil {
		t.Fatalf("expected the second distinct name to exhaust a 1-slot allocator")
	}
}

func TestPCRelFallsBackToPLTOnOverflow(t *testing.T) {
	backend := &fakeStaticBackend{fakeBackend: fakeBackend{wordSize: 8}, pltEntrySize: 16}
	// A target far enough away that S + A - P overflows an int32.
	far := uint64(1) << 40
	st := newStaticTarget(backend, func(name string, weak bool) (uint64, bool, error) {
		return far, true, nil
	})
	tab, idx := fakeUndefSymtab(t, "far_fn")
	st.Symtab = tab
	alloc, err := NewPLTGOTAllocator(st)
	if err != nil {
		t.Fatalf("NewPLTGOTAllocator: %v", err)
	}

	_, callAddr := liveBuf(4)
	e := Entry{Offset: callAddr - st.Base, Type: 7, SymIdx: idx}
	if err := relocateStaticOnly(st, alloc, e, KindPCRel); err != nil {
		t.Fatalf("relocateStaticOnly: %v", err)
	}
	if backend.plt0Writes != 1 {
		t.Fatalf("expected PLT0 to be written once on first PLT allocation, got %d", backend.plt0Writes)
	}
	if len(backend.stubWrites) != 1 {
		t.Fatalf("expected one lazy stub write, got %d", len(backend.stubWrites))
	}
}

func TestPCRelDirectPatchWithinRange(t *testing.T) {
	backend := &fakeStaticBackend{fakeBackend: fakeBackend{wordSize: 8}, pltEntrySize: 16}
	callBuf, callAddr := liveBuf(4)
	base := callAddr &^ 0xfff
	near := base + 0x40 // well within the +-2GiB PC-relative range
	st := newStaticTarget(backend, func(name string, weak bool) (uint64, bool, error) {
		return near, true, nil
	})
	st.Base = base
	tab, idx := fakeUndefSymtab(t, "near_fn")
	st.Symtab = tab
	alloc, _ := NewPLTGOTAllocator(st)

	e := Entry{Offset: callAddr - base, Type: 7, SymIdx: idx}
	if err := relocateStaticOnly(st, alloc, e, KindPCRel); err != nil {
		t.Fatalf("relocateStaticOnly: %v", err)
	}
	if backend.plt0Writes != 0 {
		t.Fatalf("a direct patch within range must not synthesize a PLT stub")
	}
	want := int32(near - callAddr)
	if got := int32(binary.LittleEndian.Uint32(callBuf)); got != want {
		t.Fatalf("PC-relative patch = %#x, want %#x", got, want)
	}
}
