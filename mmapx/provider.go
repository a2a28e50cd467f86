// Package mmapx defines the memory-mapping provider contract the loader
// core consumes (the Mmap provider is an external collaborator
// supplied by the embedder) and ships one reference implementation for
// the host running the build, backed by golang.org/x/sys/unix.
package mmapx

import "fmt"

// Prot is a bitmask of requested page protections.
type Prot uint32

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
)

// Flags modify how a mapping is established.
type Flags uint32

const (
	FlagPrivate Flags = 1 << iota
	FlagFixed
)

// Region is a live mapping: a base address and length the caller can
// read, write, or pass back to Munmap/Mprotect.
type Region struct {
	Addr uintptr
	Len  uintptr
}

// CanFileMap reports whether a Provider can map file contents directly
// (vs. requiring the caller to read-then-copy into an anonymous
// mapping). The segment builder branches on this.
type CanFileMap interface {
	CanFileMap() bool
}

// Provider is the platform-specific mapping/protection primitive set
// the segment builder and relocation engine are written against. The
// loader never constructs one itself; the embedder supplies it.
type Provider interface {
	CanFileMap

	// Mmap maps len bytes of fd at offset, or an anonymous region if fd
	// is nil, at addr when addr != 0 and FlagFixed is set.
	Mmap(addr uintptr, len uintptr, prot Prot, flags Flags, fd *uintptr, offset int64) (Region, error)
	// MmapAnonymous maps a fresh zero-filled anonymous region.
	MmapAnonymous(addr uintptr, len uintptr, prot Prot, flags Flags) (Region, error)
	// MmapReserve reserves len bytes of address space with no access
	// rights, for a later Mprotect once segments are placed inside it.
	MmapReserve(addr uintptr, len uintptr) (Region, error)
	// Munmap releases a region obtained from any of the above.
	Munmap(r Region) error
	// Mprotect changes the protection of an existing region.
	Mprotect(r Region, prot Prot) error
}

// ErrUnsupported is returned by provider methods a given build doesn't
// implement (e.g. file-mapping on a provider that always copies).
var ErrUnsupported = fmt.Errorf("mmapx: operation not supported by this provider")
