package symtab

import (
	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/memview"
)

// sysvHash is the classic SysV .hash format: {nbucket, nchain} header
// followed by bucket and chain arrays. Ported from original_source's
// src/hash/sysv.rs.
type sysvHash struct {
	nbucket uint32
	nchain  uint32

	bucketAddr uint64
	chainAddr  uint64
}

func parseSysVHash(addr uint64) *sysvHash {
	s := &sysvHash{
		nbucket: memview.ReadU32(addr),
		nchain:  memview.ReadU32(addr + 4),
	}
	s.bucketAddr = addr + 8
	s.chainAddr = s.bucketAddr + uint64(s.nbucket)*4
	return s
}

// sysvHashName computes the SysV ELF hash of name.
func sysvHashName(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xF0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &= ^g
	}
	return h
}

func (s *sysvHash) lookup(pc *PreCompute, strtab *StrTab, symtabAddr uint64, class elfbits.Class) (Symbol, int, bool) {
	if !pc.sysvDone {
		pc.sysvHash = sysvHashName(pc.name)
		pc.sysvDone = true
	}
	if s.nbucket == 0 {
		return Symbol{}, 0, false
	}

	idx := memview.ReadU32(s.bucketAddr + uint64(pc.sysvHash%s.nbucket)*4)
	for idx != 0 {
		sym := ReadSymbol(symtabAddr, int(idx), class)
		if strtab.String(sym.NameOff) == pc.name {
			return sym, int(idx), true
		}
		idx = memview.ReadU32(s.chainAddr + uint64(idx)*4)
	}
	return Symbol{}, 0, false
}
