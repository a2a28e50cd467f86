// Package memview provides raw reads and writes against already-mapped
// process memory. Once the segment builder has mapped a module's
// PT_LOAD ranges, every dynamic-section structure (string table, symbol
// table, hash table, relocation entries) lives at a real virtual
// address in this process — the loader reads and writes it directly,
// the way the reference Rust implementation dereferences raw pointers,
// rather than bouncing back through a file-offset API.
package memview

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Bytes returns a slice aliasing n bytes of live memory at addr. The
// caller must ensure addr..addr+n lies inside a mapping this process
// owns; the loader only ever calls this for ranges it mapped itself.
func Bytes(addr uint64, n int) []byte {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// ReadU64 reads a little-endian uint64 at addr.
func ReadU64(addr uint64) uint64 { return binary.LittleEndian.Uint64(Bytes(addr, 8)) }

// WriteU64 writes a little-endian uint64 at addr.
func WriteU64(addr uint64, v uint64) { binary.LittleEndian.PutUint64(Bytes(addr, 8), v) }

// ReadU32 reads a little-endian uint32 at addr.
func ReadU32(addr uint64) uint32 { return binary.LittleEndian.Uint32(Bytes(addr, 4)) }

// WriteU32 writes a little-endian uint32 at addr.
func WriteU32(addr uint64, v uint32) { binary.LittleEndian.PutUint32(Bytes(addr, 4), v) }

// ReadU16 reads a little-endian uint16 at addr.
func ReadU16(addr uint64) uint16 { return binary.LittleEndian.Uint16(Bytes(addr, 2)) }

// ReadU8 reads a single byte at addr.
func ReadU8(addr uint64) uint8 { return Bytes(addr, 1)[0] }

// ReadString reads a NUL-terminated string starting at addr.
func ReadString(addr uint64) string {
	const chunkSize = 64
	var out []byte
	for off := uint64(0); ; off += chunkSize {
		chunk := Bytes(addr+off, chunkSize)
		if i := indexZero(chunk); i >= 0 {
			out = append(out, chunk[:i]...)
			return string(out)
		}
		out = append(out, chunk...)
	}
}

// StoreRelease writes a GOT slot with release ordering: lazy PLT
// resolution (reloc.ResolveLazy) uses this so a concurrent reader that
// loads the slot through the instruction stream observes either the
// trampoline address or the fully resolved function, never a torn
// pointer (spec.md §5).
func StoreRelease(addr uint64, v uint64, wordSize int) {
	if wordSize == 4 {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(uintptr(addr))), uint32(v))
		return
	}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(uintptr(addr))), v)
}

// CopyFrom copies n bytes from src to dst, both live addresses (used by
// COPY relocations).
func CopyFrom(dst, src uint64, n int) { copy(Bytes(dst, n), Bytes(src, n)) }

// Zero fills n bytes starting at addr with zero.
func Zero(addr uint64, n int) {
	b := Bytes(addr, n)
	for i := range b {
		b[i] = 0
	}
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
