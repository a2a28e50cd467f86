package reloc

import (
	"github.com/kalium-systems/elfloader/log"
	"github.com/kalium-systems/elfloader/memview"
)

// LazyPLT describes one module's PLT-associated GOT slots and the
// JMPREL entries that fill them. For a normal ET_DYN image the PLT
// trampolines already exist in the mapped file (the static linker
// wrote them); lazy binding only has to repoint GOT[3+i] at its own
// trampoline ("GOT[3+i] = base + original_addend", spec.md §4.5) and
// seed the two loader-owned slots PLT0 reads on a miss. Synthesizing
// trampoline bytes from nothing is only needed for ET_REL objects,
// which is what reloc/static.go's on-demand PLT builder (and
// arch.Backend.WriteLazyStub/WritePLT0) is for.
type LazyPLT struct {
	Base     uint64 // load bias
	GotBase  uint64 // PLTGOT[0]
	WordSize int
	Entries  []Entry // JMPREL entries, r_offset order, index i == PLTGOT[3+i]

	Log *log.Logger // nil disables logging
}

// InstallLazy seeds PLTGOT[1] (module cookie) and PLTGOT[2] (resolver
// entry point — an embedder-supplied address the compiled PLT0 stub
// jumps to on a first call; 0 if the embedder hasn't wired one, in
// which case intra-module PLT calls that never go through this
// library's Module.ResolveLazySlot won't resolve), and leaves every
// PLT-associated GOT slot pointing at its own trampoline.
func InstallLazy(l LazyPLT, cookie, resolverEntry uint64) {
	ws := l.WordSize
	if ws == 0 {
		ws = 8
	}
	writeWord(l.GotBase+uint64(ws), cookie, ws)
	writeWord(l.GotBase+uint64(2*ws), resolverEntry, ws)
	for _, e := range l.Entries {
		p := l.Base + e.Offset
		writeWord(p, l.Base+uint64(addendOf(e, p, ws)), ws)
	}
	if l.Log != nil {
		l.Log.Info("lazy PLT installed", log.Addr(l.GotBase), log.Size(uint64(len(l.Entries))))
	}
}

// ResolveLazy resolves the symbol a single JMPREL entry names and
// patches its GOT slot, unless another caller already resolved it:
// the slot's current value is compared against the not-yet-resolved
// trampoline address, so two concurrent first-calls both compute the
// same deterministic result and only the comparison, not the write,
// needs to be safe to race (§5: "the write is idempotent because the
// resolution is deterministic for a given scope").
func ResolveLazy(t Target, e Entry) (uint64, error) {
	ws := t.Arch.WordSize()
	p := t.Base + e.Offset
	trampoline := t.Base + uint64(addendOf(e, p, ws))

	current := readWord(p, ws)
	if current != trampoline {
		t.logDebug("lazy PLT slot already resolved", log.Addr(p))
		return current, nil // already resolved by a prior call
	}

	name, weak, symVal, hasSym := t.symbolFor(e.SymIdx)
	s, err := t.resolve(name, weak, symVal, hasSym)
	if err != nil {
		return 0, err
	}

	// Release store: any thread that subsequently loads this GOT slot
	// through the instruction stream must see either the trampoline or
	// the fully resolved function, never a torn pointer.
	memview.StoreRelease(p, s, ws)
	if t.Log != nil {
		t.Log.Info("lazy-binding resolved", log.Sym(name), log.Addr(s))
	}
	return s, nil
}

func readWord(addr uint64, wordSize int) uint64 {
	if wordSize == 4 {
		return uint64(memview.ReadU32(addr))
	}
	return memview.ReadU64(addr)
}
