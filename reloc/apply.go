package reloc

import (
	"fmt"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/log"
	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/symtab"
)

// Backend is the subset of reloc/arch.Backend the engine needs.
// Declared here, not imported from reloc/arch, because reloc/arch
// imports this package for Kind — importing it back would cycle.
// arch.Backend satisfies this interface structurally.
type Backend interface {
	Classify(rtype uint32) Kind
	WordSize() int
}

// LookupFunc resolves a symbol name to an address. weak reports
// whether the reference may resolve to null without error.
type LookupFunc func(name string, weak bool) (addr uint64, ok bool, err error)

// CallFunc invokes a function pointer living inside a mapped module
// (used for IRELATIVE resolvers), returning its result.
type CallFunc func(addr uint64) (uint64, error)

// UnknownHandler is invoked for relocation types Classify doesn't
// recognize, so experimental codes can be implemented out-of-tree. The
// zero value rejects every unknown type ("unsupported relocation
// type").
type UnknownHandler func(e Entry, t Target) error

// disassembler is implemented by arch backends that can decode the
// instruction at a relocation write site, for the JUMP_SLOT/PLT debug
// trace (reloc/arch/disasm_arm64.go's arm64Backend is the only backend
// that implements it today). t.Arch's static type is the narrower
// Backend interface declared above, but the type assertion still sees
// through to the concrete backend value, so this works for any backend
// regardless of which interface it was assigned through.
type disassembler interface {
	DisassembleRelocSite(addr uint64) (string, error)
}

// Target bundles everything the engine needs to know about the module
// being relocated.
type Target struct {
	Base   uint64
	Class  elfbits.Class
	Arch   Backend
	Symtab *symtab.Table // nil for modules with no dynamic symbol table

	Lookup     LookupFunc
	CopyLookup LookupFunc // used only for COPY relocations: must exclude this module
	CallIFunc  CallFunc   // nil disables IRELATIVE support
	OnUnknown  UnknownHandler

	// Log receives a Debug record for each resolution event this Target
	// processes. Nil disables logging; Target is a plain value so the
	// nil check stays on every call site instead of a Nop logger alloc.
	Log *log.Logger
}

func (t Target) logDebug(msg string, fields ...log.Field) {
	if t.Log != nil {
		t.Log.Debug(msg, fields...)
	}
}

func defaultUnknown(e Entry, t Target) error {
	return relocationError(fmt.Sprintf("unsupported relocation type %d at offset %#x", e.Type, e.Offset), nil)
}

// Apply processes every entry against t, in the order spec.md §4.5
// requires: RELATIVE entries first (bulk, no symbol lookup), then COPY
// (so a copied variable's initializer is in place before anything else
// in this module can observe it), then every other general relocation
// including IRELATIVE.
func Apply(t Target, entries []Entry) error {
	if t.OnUnknown == nil {
		t.OnUnknown = defaultUnknown
	}
	t.logDebug("applying relocations", log.Size(uint64(len(entries))))
	var copies, rest []Entry
	for _, e := range entries {
		switch t.Arch.Classify(e.Type) {
		case KindRelative:
			if err := applyOne(t, e); err != nil {
				return err
			}
		case KindCopy:
			copies = append(copies, e)
		default:
			rest = append(rest, e)
		}
	}
	for _, e := range copies {
		if err := applyOne(t, e); err != nil {
			return err
		}
	}
	for _, e := range rest {
		if err := applyOne(t, e); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPLTEager applies every JUMP_SLOT entry immediately (bind-now
// semantics); used when the dynamic section requests DT_BIND_NOW or
// the caller forces eager binding.
func ApplyPLTEager(t Target, entries []Entry) error {
	for _, e := range entries {
		if err := applyOne(t, e); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(t Target, e Entry) error {
	p := t.Base + e.Offset
	kind := t.Arch.Classify(e.Type)

	switch kind {
	case KindRelative:
		writeWord(p, t.Base+uint64(addendOf(e, p, t.Arch.WordSize())), t.Arch.WordSize())
		return nil

	case KindGlobDat, KindAbs:
		name, weak, symVal, hasSym := t.symbolFor(e.SymIdx)
		s, err := t.resolve(name, weak, symVal, hasSym)
		if err != nil {
			return err
		}
		t.logDebug("resolved GLOB_DAT/ABS relocation", log.Sym(name), log.Addr(s), log.RelocType(e.Type))
		a := addendOf(e, p, t.Arch.WordSize())
		writeWord(p, s+uint64(a), t.Arch.WordSize())
		return nil

	case KindJumpSlot:
		name, weak, symVal, hasSym := t.symbolFor(e.SymIdx)
		s, err := t.resolve(name, weak, symVal, hasSym)
		if err != nil {
			return err
		}
		fields := []log.Field{log.Sym(name), log.Addr(s)}
		if d, ok := t.Arch.(disassembler); ok && t.Log != nil && t.Log.DebugEnabled() {
			if insn, err := d.DisassembleRelocSite(p); err == nil {
				fields = append(fields, log.Insn(insn))
			}
		}
		t.logDebug("resolved JUMP_SLOT relocation", fields...)
		writeWord(p, s, t.Arch.WordSize())
		return nil

	case KindCopy:
		name, _, _, hasSym := t.symbolFor(e.SymIdx)
		if !hasSym {
			return relocationError("COPY relocation with no symbol", nil)
		}
		lookup := t.CopyLookup
		if lookup == nil {
			lookup = t.Lookup
		}
		src, ok, err := lookup(name, false)
		if err != nil {
			return err
		}
		if !ok {
			return relocationError("COPY relocation: undefined symbol "+name, nil)
		}
		sym, _, found := t.Symtab.Lookup(name)
		if !found {
			return relocationError("COPY relocation: symbol missing from table: "+name, nil)
		}
		t.logDebug("resolved COPY relocation", log.Sym(name), log.Addr(src), log.Size(sym.Size))
		memview.CopyFrom(p, src, int(sym.Size))
		return nil

	case KindTLSDTPMod:
		// Static TLS model: a single module id (1 for the first/only
		// module this loader places into static TLS) is sufficient
		// here since there is no dynamic TLS model to disambiguate.
		writeWord(p, 1, t.Arch.WordSize())
		return nil

	case KindTLSDTPOff, KindTLSTPOff:
		// Static TLS model: the offset is the symbol's module-relative
		// value plus the addend; no cross-scope lookup is needed since
		// static TLS only ever references a symbol in the same image.
		_, _, symVal, _ := t.symbolFor(e.SymIdx)
		writeWord(p, symVal+uint64(e.Addend), t.Arch.WordSize())
		return nil

	case KindIRelative:
		if t.CallIFunc == nil {
			return relocationError("IRELATIVE relocation but no CallIFunc resolver configured", nil)
		}
		resolverAddr := t.Base + uint64(e.Addend)
		result, err := t.CallIFunc(resolverAddr)
		if err != nil {
			return relocationError("IRELATIVE resolver call failed", err)
		}
		t.logDebug("resolved IRELATIVE relocation", log.Addr(resolverAddr), log.Addr(result))
		writeWord(p, result, t.Arch.WordSize())
		return nil

	case KindPCRel:
		name, weak, symVal, hasSym := t.symbolFor(e.SymIdx)
		s, err := t.resolve(name, weak, symVal, hasSym)
		if err != nil {
			return err
		}
		val := int64(s) + e.Addend - int64(p)
		if val > 1<<31-1 || val < -(1<<31) {
			return relocationError("PC-relative relocation overflows 32 bits", nil)
		}
		t.logDebug("resolved PC-relative relocation", log.Sym(name), log.Addr(s))
		writeWord(p, uint64(uint32(val)), 4)
		return nil

	case KindGotPCRel:
		// GOT-PC-REL only arises in ET_REL objects, which allocate a
		// GOT slot on demand; see static.go's Relocate, which never
		// dispatches here because it handles this kind itself.
		return t.OnUnknown(e, t)

	default:
		return t.OnUnknown(e, t)
	}
}

func addendOf(e Entry, p uint64, wordSize int) int64 {
	if e.IsRela {
		return e.Addend
	}
	return readImplicitAddend(p, wordSize)
}

func readImplicitAddend(p uint64, wordSize int) int64 {
	if wordSize == 4 {
		return int64(int32(memview.ReadU32(p)))
	}
	return int64(memview.ReadU64(p))
}

func writeWord(addr, v uint64, wordSize int) {
	if wordSize == 4 {
		memview.WriteU32(addr, uint32(v))
		return
	}
	memview.WriteU64(addr, v)
}

// symbolFor resolves a dynamic-symbol-table index to its name, weak
// bit, and relative value. hasSym is false for sym_index == 0 ("no
// symbol"), per spec.md §4.5: "S = 0" when r_sym == 0.
func (t Target) symbolFor(idx uint32) (name string, weak bool, value uint64, hasSym bool) {
	if idx == 0 || t.Symtab == nil {
		return "", false, 0, false
	}
	sym := t.Symtab.Symbol(int(idx))
	return t.Symtab.Name(sym), sym.IsWeak(), sym.Value, true
}

// resolve computes S: for a locally-defined symbol this is its
// relative value plus the module base; for an undefined reference it
// goes through the caller-supplied Lookup.
func (t Target) resolve(name string, weak bool, localValue uint64, hasSym bool) (uint64, error) {
	if !hasSym {
		return 0, nil
	}
	sym, _, found := t.Symtab.Lookup(name)
	if found && sym.Defined() {
		return t.Base + sym.Value, nil
	}
	addr, ok, err := t.Lookup(name, weak)
	if err != nil {
		return 0, err
	}
	if !ok {
		if weak {
			return 0, nil
		}
		return 0, relocationError("undefined symbol: "+name, nil)
	}
	return addr, nil
}
