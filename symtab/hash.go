package symtab

import "github.com/kalium-systems/elfloader/elfbits"

// HashVariant tags which lookup strategy a HashTable uses. Spec §9
// calls for "a tagged sum rather than dispatch through a capability
// interface, because the number of variants is fixed and the fast path
// is a branch plus a straight-line lookup."
type HashVariant int

const (
	VariantGNU HashVariant = iota
	VariantSysV
	VariantCustom
)

// HashTable is the tagged union over the three lookup strategies spec
// §4.3 describes.
type HashTable struct {
	Variant HashVariant
	gnu     *gnuHash
	sysv    *sysvHash
	custom  *customHash
}

// PreCompute memoizes the GNU, SysV, and custom hashes of one query
// name for the duration of one table search. Table.Lookup and
// Table.LookupVersioned build a fresh PreCompute on every call, so a
// multi-scope lookup computes each hash once per table searched, not
// once for the whole scope.
type PreCompute struct {
	name string

	gnuDone  bool
	gnuHash  uint32
	gnuFofs  uint32
	gnuFmask uint

	sysvDone bool
	sysvHash uint32

	customDone bool
	customHash uint64
}

// NewPreCompute starts a memoization scope for name.
func NewPreCompute(name string) *PreCompute {
	return &PreCompute{name: name}
}

// Lookup resolves name (already bound to this PreCompute) against the
// table, dispatching on Variant.
func (t *HashTable) Lookup(pc *PreCompute, strtab *StrTab, symtabAddr uint64, class elfbits.Class) (Symbol, int, bool) {
	switch t.Variant {
	case VariantGNU:
		return t.gnu.lookup(pc, strtab, symtabAddr, class)
	case VariantSysV:
		return t.sysv.lookup(pc, strtab, symtabAddr, class)
	default:
		return t.custom.lookup(pc, strtab, symtabAddr, class)
	}
}
