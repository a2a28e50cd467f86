package elfloader

import (
	"unsafe"
	"weak"

	"github.com/kalium-systems/elfloader/log"
	"github.com/kalium-systems/elfloader/reloc"
	"github.com/kalium-systems/elfloader/reloc/arch"
	"github.com/kalium-systems/elfloader/resolve"
	"github.com/kalium-systems/elfloader/segment"
)

// Relocator is the fluent builder that turns an UnrelocatedImage into
// a Module: spec.md §1's "relocator()" surface, with
// ".symbols(pre_find)", ".post_find(cb)", ".scope(modules)",
// ".lazy(bool)", ".lazy_scope(cb)", ".use_scope_as_lazy()",
// ".on_unknown(handler)", ".relocate()" all present as chained calls.
type Relocator struct {
	img *UnrelocatedImage

	preFind  resolve.PreFind
	postFind resolve.PostFind
	scope    resolve.Scope

	lazy           bool
	lazyScopeFn    resolve.LazyScope
	useScopeAsLazy bool
	resolverEntry  uint64

	onUnknown    reloc.UnknownHandler
	autoRunInit  bool
}

// NewRelocator prepares a builder for img. Lazy PLT binding starts at
// defaultLazy; config.Defaults.Lazy is not read here.
func NewRelocator(img *UnrelocatedImage, defaultLazy bool) *Relocator {
	return &Relocator{img: img, lazy: defaultLazy, autoRunInit: true}
}

// Symbols installs the highest-priority resolver stage.
func (r *Relocator) Symbols(pf resolve.PreFind) *Relocator { r.preFind = pf; return r }

// PostFind installs the last-resort dynamic resolver stage.
func (r *Relocator) PostFind(cb resolve.PostFind) *Relocator { r.postFind = cb; return r }

// Scope sets the ordered module list searched between pre_find and
// post_find. Include the image's own eventual Module explicitly if
// self-resolution is wanted; it isn't implicit (spec.md §4.4 point 2).
func (r *Relocator) Scope(modules []*Module) *Relocator {
	s := make(resolve.Scope, len(modules))
	for i, m := range modules {
		s[i] = m
	}
	r.scope = s
	return r
}

// Lazy toggles lazy PLT/JUMP_SLOT binding. DT_BIND_NOW / DT_FLAGS_1
// DF_1_NOW in the image always force eager binding regardless of this
// setting.
func (r *Relocator) Lazy(b bool) *Relocator { r.lazy = b; return r }

// LazyScopeFn installs the closure lazy PLT resolution consults instead
// of the relocation-time pre_find/scope/post_find sequence.
func (r *Relocator) LazyScopeFn(cb resolve.LazyScope) *Relocator {
	r.lazyScopeFn = cb
	return r
}

// UseScopeAsLazy captures the builder's current pre_find/scope/
// post_find sequence as the module's lazy scope, instead of requiring
// a separate LazyScopeFn.
func (r *Relocator) UseScopeAsLazy() *Relocator { r.useScopeAsLazy = true; return r }

// LazyResolverEntry sets the address PLTGOT[2] receives: the embedder's
// resolver entry point the compiled PLT0 stub jumps to on a cold call.
// Leave at zero if intra-module PLT calls only ever happen through this
// library's Module.ResolveLazySlot (e.g. plugin exports called from Go,
// never from the loaded code's own call sites).
func (r *Relocator) LazyResolverEntry(addr uint64) *Relocator {
	r.resolverEntry = addr
	return r
}

// OnUnknown installs the handler consulted for relocation types
// Classify doesn't recognize.
func (r *Relocator) OnUnknown(h reloc.UnknownHandler) *Relocator { r.onUnknown = h; return r }

// AutoRunInit controls whether Relocate invokes DT_INIT_ARRAY/DT_INIT
// before returning. Defaults to true.
func (r *Relocator) AutoRunInit(b bool) *Relocator { r.autoRunInit = b; return r }

// Relocate applies every relocation and returns the finished Module.
// On error, the image's reservation is unmapped and the Relocator must
// not be reused (spec.md §5's cancellation policy).
func (r *Relocator) Relocate() (*Module, error) {
	img := r.img
	if img.IsRelocatable {
		return nil, relocationError("Relocate called on an ET_REL image; use RelocateObject", nil)
	}

	resolver := &resolve.Resolver{PreFind: r.preFind, Scope: r.scope, PostFind: r.postFind}
	general, plt := img.relocEntries()

	target := reloc.Target{
		Base:       img.Base(),
		Class:      img.Header.Class,
		Arch:       img.Arch,
		Symtab:     img.Symtab,
		Lookup:     resolver.Lookup,
		CopyLookup: copyLookupExcludingSelf(resolver, img.Base(), uint64(img.Mapped.Region.Len)),
		CallIFunc: func(addr uint64) (uint64, error) {
			return arch.CallNative(addr)
		},
		OnUnknown: r.onUnknown,
		Log:       img.log,
	}

	if err := reloc.Apply(target, general); err != nil {
		_ = img.Unmap()
		return nil, relocationError("apply relocations", err)
	}

	bindNow := r.img.Dynamic != nil && r.img.Dynamic.BindNow
	eager := bindNow || !r.lazy

	var lazyScope resolve.LazyScope
	if len(plt) > 0 {
		if eager {
			if err := reloc.ApplyPLTEager(target, plt); err != nil {
				_ = img.Unmap()
				return nil, relocationError("apply PLT relocations", err)
			}
		} else {
			lazy := reloc.LazyPLT{
				Base:     img.Base(),
				GotBase:  img.Dynamic.PltGotAddr,
				WordSize: img.Arch.WordSize(),
				Entries:  plt,
				Log:      img.log,
			}
			cookie := uint64(uintptr(unsafe.Pointer(img)))
			reloc.InstallLazy(lazy, cookie, r.resolverEntry)

			if r.lazyScopeFn != nil {
				lazyScope = r.lazyScopeFn
			} else if r.useScopeAsLazy {
				lazyScope = resolve.FromResolver(resolver)
			}
		}
	}

	if start, end, ok := segment.RelroRange(img.Phdrs, img.Mapped.Bias); ok {
		if err := segment.FinalizeRelro(img.Provider, start, end, img.log); err != nil {
			_ = img.Unmap()
			return nil, mmapError("finalize PT_GNU_RELRO", err)
		}
	}

	m := &Module{
		Name:           img.Name,
		base:           img.Base(),
		length:         uint64(img.Mapped.Region.Len),
		class:          img.Header.Class,
		phdrs:          img.Phdrs,
		symtab:         img.Symtab,
		dynamic:        img.Dynamic,
		needed:         neededNames(img),
		arch:           img.Arch,
		provider:       img.Provider,
		mapped:         img.Mapped,
		log:            img.log,
		lazyPLTEntries: plt,
	}
	for _, s := range r.scope {
		if sm, ok := s.(*Module); ok {
			m.weakRefs = append(m.weakRefs, weak.Make(sm))
		}
	}
	if lazyScope != nil {
		m.setLazyScope(lazyScope)
	}

	if m.log != nil {
		m.log.Info("module relocated", log.Addr(m.base), log.Size(m.length))
	}

	if r.autoRunInit {
		if err := m.runInitArray(); err != nil {
			_ = img.Unmap()
			return nil, err
		}
	}
	return m, nil
}

// copyLookupExcludingSelf builds the LookupFunc COPY relocations use to
// find the defining symbol's address, per spec.md §4.5: the search must
// exclude the current module even when the caller's scope includes it
// for self-resolution of ordinary (non-COPY) references. The module
// being relocated has no *Module yet at this point, so exclusion is by
// address range [base, base+length) rather than identity: any scope
// match landing inside that range is this image's own placeholder
// definition, not an external one, and is skipped.
func copyLookupExcludingSelf(resolver *resolve.Resolver, base, length uint64) reloc.LookupFunc {
	return func(name string, weak bool) (uint64, bool, error) {
		if resolver.PreFind != nil {
			if addr, ok := resolver.PreFind(name); ok {
				return addr, true, nil
			}
		}
		for _, m := range resolver.Scope {
			addr, ok := m.LookupExport(name)
			if !ok || (addr >= base && addr < base+length) {
				continue
			}
			return addr, true, nil
		}
		if resolver.PostFind != nil {
			if addr, ok := resolver.PostFind(name); ok {
				return addr, true, nil
			}
		}
		if weak {
			return 0, false, nil
		}
		return 0, false, &resolve.UndefinedSymbolError{Name: name}
	}
}

// ObjectScratch describes the executable PLT region and writable GOT
// region an embedder has reserved for one ET_REL image's on-demand PLT/
// GOT synthesis (spec.md §4.5, "Static (ET_REL) relocation"); neither
// region exists in the object file itself, so the caller owns their
// placement and lifetime.
type ObjectScratch struct {
	PLTBase  uint64
	GOTBase  uint64
	Capacity int
}

// RelocateObject relocates one ET_REL section's worth of entries
// in-place against scratch, synthesizing a PLT/GOT entry the first
// time an external symbol needs one. It does not return a Module: an
// object file has no segments of its own and no init/fini arrays: the
// caller is relocating sections it has already placed into a Module it
// owns (e.g. loading a plugin's compiled .o into a region carved out of
// a host dylib's BSS).
func (r *Relocator) RelocateObject(entries []reloc.Entry, scratch ObjectScratch) error {
	img := r.img
	if !img.IsRelocatable {
		return relocationError("RelocateObject called on a non-ET_REL image; use Relocate", nil)
	}
	resolver := &resolve.Resolver{PreFind: r.preFind, Scope: r.scope, PostFind: r.postFind}

	st := reloc.StaticTarget{
		Target: reloc.Target{
			Base:       img.Base(),
			Class:      img.Header.Class,
			Arch:       img.Arch,
			Symtab:     img.Symtab,
			Lookup:     resolver.Lookup,
			CopyLookup: copyLookupExcludingSelf(resolver, img.Base(), uint64(img.Mapped.Region.Len)),
			CallIFunc: func(addr uint64) (uint64, error) {
				return arch.CallNative(addr)
			},
			OnUnknown: r.onUnknown,
			Log:       img.log,
		},
		PLTBase:  scratch.PLTBase,
		GOTBase:  scratch.GOTBase,
		Capacity: scratch.Capacity,
	}

	alloc, err := reloc.NewPLTGOTAllocator(st)
	if err != nil {
		return relocationError("prepare PLT/GOT allocator", err)
	}
	if err := reloc.Relocate(st, entries, alloc); err != nil {
		return relocationError("relocate object section", err)
	}
	return nil
}

func neededNames(img *UnrelocatedImage) []string {
	if img.Dynamic == nil || img.Symtab == nil {
		return nil
	}
	out := make([]string, 0, len(img.Dynamic.NeededOff))
	for _, off := range img.Dynamic.NeededOff {
		out = append(out, img.Symtab.Strtab.String(off))
	}
	return out
}
