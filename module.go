package elfloader

import (
	"sync/atomic"
	"weak"

	"github.com/kalium-systems/elfloader/dynamic"
	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/log"
	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/mmapx"
	"github.com/kalium-systems/elfloader/reloc"
	"github.com/kalium-systems/elfloader/reloc/arch"
	"github.com/kalium-systems/elfloader/resolve"
	"github.com/kalium-systems/elfloader/segment"
	"github.com/kalium-systems/elfloader/symtab"
)

// Module is the reference-counted handle a caller receives once a
// Relocator finishes. Its backing memory is immutable past this point
// except for the is_initialized flag and the GOT slots lazy binding
// patches (spec.md §2: "Module" invariants).
type Module struct {
	Name    string
	base    uint64
	length  uint64
	class   elfbits.Class
	phdrs   []elfbits.ProgramHeader
	symtab  *symtab.Table
	dynamic *dynamic.Record
	needed  []string

	arch           arch.Backend
	provider       mmapx.Provider
	mapped         segment.Mapped
	log            *log.Logger
	lazyPLTEntries []reloc.Entry

	lazyScope atomic.Pointer[resolve.LazyScope]
	// weakRefs holds the scope this module was relocated against, by
	// weak reference: the lazy-scope closure stored in lazyScope
	// may indirectly keep these modules reachable from this one, and a
	// strong back-reference here would let two modules in each other's
	// scope keep each other alive forever (spec.md §2's "weak
	// back-reference set for lazy binding").
	weakRefs []weak.Pointer[Module]

	userData atomic.Pointer[any]

	isInitialized atomic.Bool
}

// Base is the live load address.
func (m *Module) Base() uint64 { return m.base }

// Length is the span of the module's reserved address-space window.
func (m *Module) Length() uint64 { return m.length }

// Needed returns the DT_NEEDED soname list, in file order.
func (m *Module) Needed() []string { return m.needed }

// LookupExport satisfies resolve.Module: a scope member's own defined,
// non-local symbols are what other modules' relocations can bind to.
func (m *Module) LookupExport(name string) (uint64, bool) {
	if m.symtab == nil {
		return 0, false
	}
	sym, _, ok := m.symtab.Lookup(name)
	if !ok || sym.Bind == symtab.BindLocal {
		return 0, false
	}
	return m.base + sym.Value, true
}

// SetUserData stores an arbitrary caller value in the module's
// user-data slot, replacing any previous value.
func (m *Module) SetUserData(v any) { m.userData.Store(&v) }

// UserData retrieves the module's user-data slot, or nil if unset.
func (m *Module) UserData() any {
	p := m.userData.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ScopeRefs returns the still-live modules this module was relocated
// against, skipping any that have since been garbage collected.
func (m *Module) ScopeRefs() []*Module {
	out := make([]*Module, 0, len(m.weakRefs))
	for _, w := range m.weakRefs {
		if p := w.Value(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// setLazyScope installs the closure lazy PLT resolution consults
// instead of the relocation-time scope (spec.md §4.4 point 5).
func (m *Module) setLazyScope(s resolve.LazyScope) { m.lazyScope.Store(&s) }

// ResolveLazySlot resolves and patches the JMPREL entry at index i in
// the module's lazy PLT table; called from the PLT0 resolver entry
// point an embedder wires at PLTGOT[2] (spec.md §4.5's lazy-binding
// trampoline). Safe to call concurrently and from multiple first-calls
// to the same slot (idempotent per spec.md §5).
func (m *Module) ResolveLazySlot(i int) (uint64, error) {
	entries := m.lazyPLTEntries
	if i < 0 || i >= len(entries) {
		return 0, relocationError("lazy PLT index out of range", nil)
	}
	scopeP := m.lazyScope.Load()
	lookup := resolve.LazyScope(nil)
	if scopeP != nil {
		lookup = *scopeP
	}
	t := reloc.Target{
		Base:   m.base,
		Class:  m.class,
		Arch:   m.arch,
		Symtab: m.symtab,
		Lookup: func(name string, weak bool) (uint64, bool, error) {
			if lookup == nil {
				return 0, false, nil
			}
			return lookup(name, weak)
		},
		Log: m.log,
	}
	return reloc.ResolveLazy(t, entries[i])
}

// runInitArray calls every DT_INIT_ARRAY entry in file order, then
// DT_INIT itself if present, invoking each as a zero-argument native
// call (spec.md §1's init-array bookkeeping, the one place relocation
// hands off to running the loaded module's own code). The first call
// that fails ends the sequence with an error; on a host architecture
// with no CallNative trampoline that is the first non-zero entry, which
// fails with arch.ErrCallUnsupported.
func (m *Module) runInitArray() error {
	if m.dynamic == nil {
		return nil
	}
	ws := m.arch.WordSize()
	for off := uint64(0); off < m.dynamic.InitArraySize; off += uint64(ws) {
		addr := m.dynamic.InitArray + off
		fn := memview.ReadU64(addr)
		if ws == 4 {
			fn = uint64(memview.ReadU32(addr))
		}
		if fn == 0 {
			continue
		}
		if m.log != nil {
			m.log.Debug("calling init_array entry", log.Addr(fn))
		}
		if _, err := arch.CallNative(fn); err != nil {
			return relocationError("init_array entry failed", err)
		}
	}
	if m.dynamic.InitFunc != 0 {
		if m.log != nil {
			m.log.Debug("calling DT_INIT", log.Addr(m.dynamic.InitFunc))
		}
		if _, err := arch.CallNative(m.dynamic.InitFunc); err != nil {
			return relocationError("DT_INIT failed", err)
		}
	}
	m.isInitialized.Store(true)
	if m.log != nil {
		m.log.Info("module initialized", log.Addr(m.base))
	}
	return nil
}

// IsInitialized reports whether runInitArray has completed.
func (m *Module) IsInitialized() bool { return m.isInitialized.Load() }

// Close invokes every DT_FINI_ARRAY entry (reverse file order) and
// DT_FINI, then unmaps the module's segments. A Module must not be
// used afterward.
func (m *Module) Close() error {
	if m.dynamic != nil {
		ws := m.arch.WordSize()
		for off := m.dynamic.FiniArraySize; off >= uint64(ws) && off > 0; off -= uint64(ws) {
			addr := m.dynamic.FiniArray + off - uint64(ws)
			fn := memview.ReadU64(addr)
			if ws == 4 {
				fn = uint64(memview.ReadU32(addr))
			}
			if fn != 0 {
				if m.log != nil {
					m.log.Debug("calling fini_array entry", log.Addr(fn))
				}
				_, _ = arch.CallNative(fn)
			}
		}
		if m.dynamic.FiniFunc != 0 {
			if m.log != nil {
				m.log.Debug("calling DT_FINI", log.Addr(m.dynamic.FiniFunc))
			}
			_, _ = arch.CallNative(m.dynamic.FiniFunc)
		}
	}
	if m.log != nil {
		m.log.Info("module closed", log.Addr(m.base))
	}
	return m.provider.Munmap(m.mapped.Region)
}
