// Package arch isolates the one place relocation processing actually
// depends on the target machine: translating a raw r_type code to a
// reloc.Kind, and emitting the handful of machine-code bytes a lazy
// PLT slot or a statically-built PLT entry needs.
package arch

import (
	"debug/elf"
	"fmt"

	"github.com/kalium-systems/elfloader/reloc"
)

// Backend is the per-architecture capability set the relocation engine
// is written against. Everything else in reloc/ is architecture-blind.
type Backend interface {
	// Name identifies the backend for logging.
	Name() string
	// Classify maps a raw r_type to the family of formula it applies.
	Classify(rtype uint32) reloc.Kind
	// WordSize is 4 or 8, the width of a RELATIVE/GLOB_DAT/ABS slot.
	WordSize() int
	// PLTEntrySize is the byte length of one lazy-binding PLT stub.
	PLTEntrySize() int
	// WriteLazyStub emits, at pltAddr, the trampoline for PLT slot
	// index that loads PLTGOT[3+index] (already pointing at pltAddr
	// itself until resolved) and, on first call, falls through to the
	// shared PLT0 resolver stub at plt0Addr.
	WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32)
	// WritePLT0 emits the single shared resolver-entry stub every lazy
	// slot in a module falls through to. It loads the module cookie
	// from PLTGOT[1] and the resolver entry point from PLTGOT[2], and
	// arranges the call so the index pushed by WriteLazyStub is passed
	// through.
	WritePLT0(addr, gotBase uint64)
	// FlushICache is called for [addr, addr+n) after code has been
	// written there. amd64 needs nothing (coherent instruction/data
	// caches); the other backends delegate to flushICacheRange, which
	// performs no cache maintenance.
	FlushICache(addr uint64, n int)
}

// ForMachine returns the Backend for m, or an error if unsupported.
func ForMachine(m elf.Machine) (Backend, error) {
	switch m {
	case elf.EM_X86_64:
		return amd64Backend{}, nil
	case elf.EM_AARCH64:
		return arm64Backend{}, nil
	case elf.EM_ARM:
		return armBackend{}, nil
	case elf.EM_RISCV:
		return riscv64Backend{}, nil
	case elf.EM_LOONGARCH:
		return loong64Backend{}, nil
	default:
		return nil, fmt.Errorf("arch: unsupported machine %s", m)
	}
}

// RISCV32 returns the riscv32 backend; ELF32 RISC-V shares
// EM_RISCV with the 64-bit variant, so the class must disambiguate.
func RISCV32() Backend { return riscv32Backend{} }
