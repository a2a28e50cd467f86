package symtab

import (
	"github.com/kalium-systems/elfloader/dynamic"
	"github.com/kalium-systems/elfloader/memview"
)

// versionInfo maps a symbol table index to its version string, built
// from DT_VERSYM/DT_VERDEF/DT_VERNEED when a loader opts into version
// matching. Disabled by default: most dynamic symbol resolution in
// practice matches purely on name, and a module without any VER* tags
// has nothing to parse here anyway.
type versionInfo struct {
	names map[int]string
}

// EnableVersioning parses the version tables referenced in rec, if
// present, and attaches them to t so LookupVersioned can restrict
// matches by version string. A no-op (but not an error) when rec
// carries no version tags.
func (t *Table) EnableVersioning(rec *dynamic.Record) {
	if rec.VerSymAddr == 0 {
		return
	}
	vi := &versionInfo{names: make(map[int]string)}

	defNames := map[uint16]string{}
	if rec.VerDefAddr != 0 {
		off := rec.VerDefAddr
		for {
			vdVersion := memview.ReadU16(off)
			vdNdx := memview.ReadU16(off + 4)
			vdAux := memview.ReadU32(off + 12)
			vdNext := memview.ReadU32(off + 16)
			_ = vdVersion
			if vdAux != 0 {
				auxOff := off + uint64(vdAux)
				vdaName := memview.ReadU32(auxOff)
				defNames[vdNdx] = t.Strtab.String(uint64(vdaName))
			}
			if vdNext == 0 {
				break
			}
			off += uint64(vdNext)
		}
	}

	needNames := map[uint16]string{}
	if rec.VerNeedAddr != 0 {
		off := rec.VerNeedAddr
		for {
			vnAux := memview.ReadU32(off + 8)
			vnNext := memview.ReadU32(off + 12)
			if vnAux != 0 {
				auxOff := off + uint64(vnAux)
				for {
					vnaOther := memview.ReadU16(auxOff + 6)
					vnaName := memview.ReadU32(auxOff + 8)
					vnaNext := memview.ReadU32(auxOff + 12)
					needNames[vnaOther] = t.Strtab.String(uint64(vnaName))
					if vnaNext == 0 {
						break
					}
					auxOff += uint64(vnaNext)
				}
			}
			if vnNext == 0 {
				break
			}
			off += uint64(vnNext)
		}
	}

	idx := 0
	for {
		versym := memview.ReadU16(rec.VerSymAddr + uint64(idx)*2)
		ndx := versym &^ 0x8000
		if ndx == 0 || ndx == 1 {
			idx++
			if idx > maxVersionScan {
				break
			}
			continue
		}
		if name, ok := defNames[ndx]; ok {
			vi.names[idx] = name
		} else if name, ok := needNames[ndx]; ok {
			vi.names[idx] = name
		}
		idx++
		if idx > maxVersionScan {
			break
		}
	}

	t.versions = vi
}

// maxVersionScan bounds the linear VERSYM walk above; real symbol
// tables top out in the low thousands of entries and this loader has
// no independent symbol count at this layer (see Table.LookupVersioned
// callers, which only probe indices returned by a hash lookup).
const maxVersionScan = 1 << 20

func (v *versionInfo) matches(idx int, version string) bool {
	name, ok := v.names[idx]
	if !ok {
		return version == ""
	}
	return name == version
}
