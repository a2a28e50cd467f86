package symtab

import "github.com/kalium-systems/elfloader/memview"

// StrTab is a read-only view over a mapped string table: NUL-terminated
// entries addressed by byte offset, at a live virtual address.
type StrTab struct {
	addr uint64
}

// NewStrTab wraps the string table at the given (already-relocated)
// base address.
func NewStrTab(addr uint64) *StrTab {
	return &StrTab{addr: addr}
}

// String returns the NUL-terminated string at byte offset off.
func (s *StrTab) String(off uint64) string {
	return memview.ReadString(s.addr + off)
}
