// Package resolve implements the ordered symbol resolution model of
// spec.md §4.4: pre_find callback, then each module in a caller-ordered
// scope, then post_find, then the weak/non-weak fallback rule. It has
// no dependency on the relocation engine; reloc.LookupFunc is satisfied
// by Resolver.Lookup so the two packages compose without either
// importing the other's internals.
package resolve

// PreFind is consulted first, ahead of any module's own symbol table.
// It returns ok == false to fall through to the next stage.
type PreFind func(name string) (addr uint64, ok bool)

// PostFind is the last-resort dynamic resolver, consulted after every
// module in scope has been searched.
type PostFind func(name string) (addr uint64, ok bool)

// Module is the subset of the loaded-module surface a Scope needs to
// search: a name-to-address lookup over the module's own defined,
// exported symbols.
type Module interface {
	// LookupExport returns the address of name if this module defines
	// and exports it.
	LookupExport(name string) (addr uint64, ok bool)
}

// Scope is an ordered list of modules searched in caller-supplied
// order; the current module is included explicitly when
// self-resolution is wanted (spec.md §4.4 point 2).
type Scope []Module

func (s Scope) find(name string) (uint64, bool) {
	for _, m := range s {
		if addr, ok := m.LookupExport(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// Resolver implements the four-stage lookup order and the weak/
// non-weak fallback rule. The zero value is a Resolver with an empty
// scope and no callbacks, which resolves nothing but RELATIVE-only
// images still relocate correctly against it (spec.md §8, seed case:
// "A module whose only relocations are RELATIVE can be relocated with
// an empty pre-find, empty scope, and empty post-find").
type Resolver struct {
	PreFind  PreFind
	Scope    Scope
	PostFind PostFind
}

// Lookup resolves name against the four stages in order. It matches
// reloc.LookupFunc's signature, so a *Resolver can be used directly as
// a reloc.Target.Lookup.
func (r *Resolver) Lookup(name string, weak bool) (addr uint64, ok bool, err error) {
	if r.PreFind != nil {
		if addr, ok := r.PreFind(name); ok {
			return addr, true, nil
		}
	}
	if addr, ok := r.Scope.find(name); ok {
		return addr, true, nil
	}
	if r.PostFind != nil {
		if addr, ok := r.PostFind(name); ok {
			return addr, true, nil
		}
	}
	if weak {
		return 0, false, nil
	}
	return 0, false, &UndefinedSymbolError{Name: name}
}

// UndefinedSymbolError reports a non-weak reference that no stage of
// the resolver order could satisfy.
type UndefinedSymbolError struct{ Name string }

func (e *UndefinedSymbolError) Error() string { return "undefined symbol: " + e.Name }

// LazyScope is the closure consulted for lazy PLT resolution instead of
// the relocation-time scope (spec.md §4.4 point 5): installed on a
// module at relocation time, it is looked up again, independently, each
// time a PLT slot resolves, so it must be safe to call concurrently and
// must not capture the module it's installed on by strong reference
// (the module holds the closure; a closure holding the module back
// would cycle — callers close over a *weak* handle instead).
type LazyScope func(name string, weak bool) (addr uint64, ok bool, err error)

// FromResolver captures r's current pre_find/scope/post_find sequence
// as a LazyScope, used by Relocator.UseScopeAsLazy when no dedicated
// lazy_scope was supplied.
func FromResolver(r *Resolver) LazyScope {
	return func(name string, weak bool) (uint64, bool, error) {
		return r.Lookup(name, weak)
	}
}
