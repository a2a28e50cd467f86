package symtab

import "github.com/kalium-systems/elfloader/elfbits"

// customHash is the fallback table built when a module carries a raw
// symbol array but neither .hash nor .gnu.hash. It's a plain
// name->index map; the original source's fixed-seed hasher is non-stable
// and only needs lookup semantics matching exact string equality of
// names, which a Go map keyed by string already gives.
type customHash struct {
	byName map[string]int
}

// buildCustomHash scans every symbol in [0, count) and indexes it by
// name, skipping STT_FILE entries.
func buildCustomHash(symtabAddr uint64, strtab *StrTab, count int, class elfbits.Class) *customHash {
	c := &customHash{byName: make(map[string]int, count)}
	for i := 0; i < count; i++ {
		sym := ReadSymbol(symtabAddr, i, class)
		if sym.Type == TypeFile {
			continue
		}
		name := strtab.String(sym.NameOff)
		if name == "" {
			continue
		}
		if _, exists := c.byName[name]; !exists {
			c.byName[name] = i
		}
	}
	return c
}

func (c *customHash) lookup(pc *PreCompute, strtab *StrTab, symtabAddr uint64, class elfbits.Class) (Symbol, int, bool) {
	idx, ok := c.byName[pc.name]
	if !ok {
		return Symbol{}, 0, false
	}
	return ReadSymbol(symtabAddr, idx, class), idx, true
}
