package elfloader

import (
	"unsafe"

	"github.com/kalium-systems/elfloader/reloc/arch"
)

// TypedSymbol is a callable, type-checked reference to a symbol a
// Module exports (spec.md §1: "produces callable, type-checked
// references to symbols defined by the loaded objects"). T names the
// symbol's Go-side shape: a data type for As, or left as any for a
// pure function handle used only through Call0.
type TypedSymbol[T any] struct {
	name  string
	addr  uint64
	found bool
}

// Get looks up name in m's own export table (not a full resolver
// search — Get is how an embedder pulls a concrete handle out of a
// Module it already holds, after relocation; resolver scopes are for
// cross-module relocation, not this accessor).
func Get[T any](m *Module, name string) (TypedSymbol[T], bool) {
	addr, ok := m.LookupExport(name)
	return TypedSymbol[T]{name: name, addr: addr, found: ok}, ok
}

// Addr returns the symbol's live address.
func (s TypedSymbol[T]) Addr() uint64 { return s.addr }

// Found reports whether the lookup that produced s succeeded.
func (s TypedSymbol[T]) Found() bool { return s.found }

// As reinterprets the symbol's live memory as *T, for data symbols
// (objects, arrays, structs laid out the way T describes). The caller
// is responsible for T matching the symbol's actual in-memory layout;
// this is exactly as unchecked as a reinterpret cast in the source
// language this behavior was ported from.
func (s TypedSymbol[T]) As() *T {
	if !s.found {
		return nil
	}
	return (*T)(unsafe.Pointer(uintptr(s.addr)))
}

// Call0 invokes the symbol as a zero-argument, pointer-returning
// native function — the one calling convention arch.CallNative can
// express without cgo (see reloc/arch/call_amd64.go). Functions
// needing real arguments are out of scope for this accessor; an
// embedder that needs arbitrary signatures links a cgo-backed
// trampoline of its own against the resolved Addr().
func (s TypedSymbol[T]) Call0() (uint64, error) {
	if !s.found {
		return 0, relocationError("symbol not found: "+s.name, nil)
	}
	return arch.CallNative(s.addr)
}
