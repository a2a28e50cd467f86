// Relocatable-object (ET_REL) support: spec.md §4.5's "static
// relocator" reuses the shared RELATIVE/GLOB_DAT/COPY/... machinery in
// apply.go for the families object files also carry, and adds the two
// families that only ever appear in ET_REL input (PC-relative direct
// branches and GOT-PC-relative data references), plus on-demand PLT/GOT
// allocation for undefined symbols a relocation needs to call or
// address indirectly. Ported from original_source's
// format/relocatable.rs and image/kinds/object.rs.
package reloc

// StaticBackend is the arch capability set on-demand PLT/GOT building
// needs, on top of Backend.
type StaticBackend interface {
	Backend
	PLTEntrySize() int
	WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32)
	WritePLT0(addr, gotBase uint64)
	FlushICache(addr uint64, n int)
}

// StaticTarget is Target plus the scratch PLT/GOT regions the caller
// reserved for synthesizing trampolines and data slots, since an
// object file carries neither in its own image.
type StaticTarget struct {
	Target
	PLTBase  uint64 // caller-reserved, executable, at least Capacity+1 entries
	GOTBase  uint64 // caller-reserved, writable, at least 3+2*Capacity words
	Capacity int
}

func (t StaticTarget) backend() (StaticBackend, error) {
	sb, ok := t.Arch.(StaticBackend)
	if !ok {
		return nil, relocationError("arch backend does not implement on-demand PLT/GOT building", nil)
	}
	return sb, nil
}

// PLTGOTAllocator assigns one PLT trampoline and/or one GOT data slot
// per distinct undefined symbol name the relocations of one object
// reference, memoizing by name so repeated call sites to the same
// external symbol share a slot.
type PLTGOTAllocator struct {
	t           StaticTarget
	backend     StaticBackend
	pltByName   map[string]uint64
	gotByName   map[string]uint64
	nextPLT     int
	nextGOT     int
	plt0Written bool
}

// NewPLTGOTAllocator prepares an allocator bound to t's reserved
// scratch regions.
func NewPLTGOTAllocator(t StaticTarget) (*PLTGOTAllocator, error) {
	backend, err := t.backend()
	if err != nil {
		return nil, err
	}
	return &PLTGOTAllocator{
		t:         t,
		backend:   backend,
		pltByName: make(map[string]uint64),
		gotByName: make(map[string]uint64),
	}, nil
}

// pltSlot returns the address of a callable trampoline for name,
// synthesizing one (and PLT0, on first use) if this is the first
// reference to it.
func (a *PLTGOTAllocator) pltSlot(name string, resolve func() (uint64, error)) (uint64, error) {
	if addr, ok := a.pltByName[name]; ok {
		return addr, nil
	}
	if !a.plt0Written {
		a.backend.WritePLT0(a.t.PLTBase, a.t.GOTBase)
		a.backend.FlushICache(a.t.PLTBase, a.backend.PLTEntrySize())
		a.plt0Written = true
	}
	if a.nextPLT >= a.t.Capacity {
		return 0, relocationError("PLT allocator exhausted its reserved slot capacity for "+name, nil)
	}
	idx := a.nextPLT
	a.nextPLT++
	entSize := uint64(a.backend.PLTEntrySize())
	pltAddr := a.t.PLTBase + entSize*uint64(idx+1)
	gotSlot := a.t.GOTBase + uint64(3+idx)*uint64(a.t.Arch.WordSize())

	target, err := resolve()
	if err != nil {
		return 0, err
	}
	writeWord(gotSlot, target, a.t.Arch.WordSize())
	a.backend.WriteLazyStub(pltAddr, gotSlot, a.t.PLTBase, uint32(idx))
	a.backend.FlushICache(pltAddr, int(entSize))

	a.pltByName[name] = pltAddr
	return pltAddr, nil
}

// gotSlot returns the address of a data GOT slot holding name's
// resolved address, allocating one on first reference.
func (a *PLTGOTAllocator) gotSlot(name string, resolve func() (uint64, error)) (uint64, error) {
	if addr, ok := a.gotByName[name]; ok {
		return addr, nil
	}
	if a.nextGOT >= a.t.Capacity {
		return 0, relocationError("GOT allocator exhausted its reserved slot capacity for "+name, nil)
	}
	ws := a.t.Arch.WordSize()
	slot := a.t.GOTBase + uint64(3+a.t.Capacity+a.nextGOT)*uint64(ws)
	a.nextGOT++

	target, err := resolve()
	if err != nil {
		return 0, err
	}
	writeWord(slot, target, ws)
	a.gotByName[name] = slot
	return slot, nil
}

// Relocate applies every entry of one ET_REL relocation section. In
// addition to the families Apply already handles (RELATIVE, GLOB_DAT,
// COPY, TLS, IRELATIVE), it implements the two static-only families:
// PC-relative direct references (S + A - P) and GOT-PC-relative
// references, allocating a PLT or GOT slot on demand the first time an
// undefined symbol needs one.
func Relocate(t StaticTarget, entries []Entry, alloc *PLTGOTAllocator) error {
	if t.OnUnknown == nil {
		t.OnUnknown = defaultUnknown
	}
	for _, e := range entries {
		kind := t.Arch.Classify(e.Type)
		switch kind {
		case KindPCRel, KindGotPCRel:
			if err := relocateStaticOnly(t, alloc, e, kind); err != nil {
				return err
			}
		default:
			if err := applyOne(t.Target, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func relocateStaticOnly(t StaticTarget, alloc *PLTGOTAllocator, e Entry, kind Kind) error {
	p := t.Base + e.Offset
	name, weak, symVal, hasSym := t.symbolFor(e.SymIdx)
	resolve := func() (uint64, error) { return t.resolve(name, weak, symVal, hasSym) }

	switch kind {
	case KindPCRel:
		s, err := resolve()
		if err != nil {
			return err
		}
		val := int64(s) + e.Addend - int64(p)
		if val > 1<<31-1 || val < -(1<<31) {
			// Out of direct branch range (typically an undefined symbol
			// that resolved to a distant shared-library export): route
			// the call through a synthesized PLT stub instead of failing
			// the load.
			pltAddr, perr := alloc.pltSlot(name, resolve)
			if perr != nil {
				return relocationError("PC-relative static relocation overflows 32 bits and cannot synthesize a PLT stub", perr)
			}
			val = int64(pltAddr) + e.Addend - int64(p)
			if val > 1<<31-1 || val < -(1<<31) {
				return relocationError("PC-relative static relocation overflows 32 bits even via its PLT stub", nil)
			}
		}
		writeWord(p, uint64(uint32(val)), 4)
		return nil

	case KindGotPCRel:
		slot, err := alloc.gotSlot(name, resolve)
		if err != nil {
			return err
		}
		val := int64(slot) - int64(p) + e.Addend
		if val > 1<<31-1 || val < -(1<<31) {
			return relocationError("GOT-PC-relative static relocation overflows 32 bits", nil)
		}
		writeWord(p, uint64(uint32(val)), 4)
		return nil
	}
	return t.OnUnknown(e, t.Target)
}
