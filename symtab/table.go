// Package symtab implements the dynamic symbol table, its string table,
// and the three hash-table lookup strategies (GNU, SysV, and a custom
// fallback), plus the PreCompute memoization struct and optional
// version matching.
package symtab

import (
	"github.com/kalium-systems/elfloader/dynamic"
	"github.com/kalium-systems/elfloader/elfbits"
)

// Table bundles the symbol table, its string table, and its hash index
// ({symtab, strtab, hashtab}).
type Table struct {
	SymtabAddr uint64
	Strtab     *StrTab
	Hash       *HashTable
	Class      elfbits.Class

	versions *versionInfo // nil unless EnableVersioning was called
}

// NewFromDynamic builds a Table from a parsed dynamic Record. The hash
// table variant follows rec.HashKind exactly.
func NewFromDynamic(rec *dynamic.Record, class elfbits.Class) *Table {
	t := &Table{
		SymtabAddr: rec.SymTabAddr,
		Strtab:     NewStrTab(rec.StrTabAddr),
		Class:      class,
	}
	ht := &HashTable{}
	switch rec.HashKind {
	case dynamic.HashGNU:
		ht.Variant = VariantGNU
		ht.gnu = parseGNUHash(rec.HashAddr)
	case dynamic.HashSysV:
		ht.Variant = VariantSysV
		ht.sysv = parseSysVHash(rec.HashAddr)
	}
	t.Hash = ht
	return t
}

// NewCustom builds a Table backed only by a raw symbol array (no
// .hash/.gnu.hash section), as used for ET_REL objects and any image
// whose dynamic section omits both hash tags.
func NewCustom(symtabAddr uint64, strtab *StrTab, symCount int, class elfbits.Class) *Table {
	return &Table{
		SymtabAddr: symtabAddr,
		Strtab:     strtab,
		Class:      class,
		Hash: &HashTable{
			Variant: VariantCustom,
			custom:  buildCustomHash(symtabAddr, strtab, symCount, class),
		},
	}
}

// Lookup finds name in the table. A match must be Defined(); when
// unversioned matching is in effect the first structural match wins.
func (t *Table) Lookup(name string) (Symbol, int, bool) {
	pc := NewPreCompute(name)
	sym, idx, ok := t.Hash.Lookup(pc, t.Strtab, t.SymtabAddr, t.Class)
	if !ok || !sym.Defined() {
		return Symbol{}, 0, false
	}
	return sym, idx, true
}

// LookupVersioned finds name restricted to the given version, when
// version matching has been enabled; falls back to plain Lookup
// otherwise: default versions match unversioned queries, so an empty
// version argument behaves like plain Lookup.
func (t *Table) LookupVersioned(name, version string) (Symbol, int, bool) {
	if t.versions == nil || version == "" {
		return t.Lookup(name)
	}
	pc := NewPreCompute(name)
	sym, idx, ok := t.Hash.Lookup(pc, t.Strtab, t.SymtabAddr, t.Class)
	if !ok || !sym.Defined() {
		return Symbol{}, 0, false
	}
	if !t.versions.matches(idx, version) {
		return Symbol{}, 0, false
	}
	return sym, idx, true
}

// Name returns the symbol name for a table entry.
func (t *Table) Name(sym Symbol) string { return t.Strtab.String(sym.NameOff) }

// Symbol re-reads the table entry at idx (used by relocation processing
// which addresses symbols by index from r_info).
func (t *Table) Symbol(idx int) Symbol { return ReadSymbol(t.SymtabAddr, idx, t.Class) }
