package reloc

import (
	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/memview"
)

// Entry is one decoded REL/RELA record, already split into its offset,
// raw r_type, symbol table index, and addend (zero for REL, since REL
// carries its addend implicitly in the relocated location instead).
type Entry struct {
	Offset uint64
	Type   uint32
	SymIdx uint32
	Addend int64
	IsRela bool
}

// ParseTable decodes count entries of size entsize starting at addr,
// honoring the REL vs RELA layout difference and the 32/64-bit r_info
// packing difference.
func ParseTable(addr uint64, entsize uint64, count int, rela bool, class elfbits.Class) []Entry {
	out := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		base := addr + uint64(i)*entsize
		e := Entry{IsRela: rela}
		if class == elfbits.Class64 {
			e.Offset = memview.ReadU64(base)
			info := memview.ReadU64(base + 8)
			e.SymIdx = uint32(info >> 32)
			e.Type = uint32(info)
			if rela {
				e.Addend = int64(memview.ReadU64(base + 16))
			}
		} else {
			e.Offset = uint64(memview.ReadU32(base))
			info := memview.ReadU32(base + 4)
			e.SymIdx = info >> 8
			e.Type = info & 0xff
			if rela {
				e.Addend = int64(int32(memview.ReadU32(base + 8)))
			}
		}
		out = append(out, e)
	}
	return out
}

// CountFor derives the entry count for a table whose total byte size
// and per-entry size are both known (DT_RELSZ/DT_RELENT and friends).
func CountFor(totalSize, entSize uint64) int {
	if entSize == 0 {
		return 0
	}
	return int(totalSize / entSize)
}
