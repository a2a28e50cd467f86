package elfloader

import (
	"github.com/kalium-systems/elfloader/dynamic"
	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/log"
	"github.com/kalium-systems/elfloader/mmapx"
	"github.com/kalium-systems/elfloader/reloc"
	"github.com/kalium-systems/elfloader/reloc/arch"
	"github.com/kalium-systems/elfloader/segment"
	"github.com/kalium-systems/elfloader/symtab"
)

// UnrelocatedImage is the Loader's output: headers parsed, segments
// mapped at their final addresses, dynamic section interpreted, symbol
// table ready to search — but relocations not yet applied. Segments
// without PF_W already carry their final protection (segment.Place
// sets it while mapping); only a PT_GNU_RELRO range is made read-only
// later, after relocation. A Relocator consumes exactly one of these
// and produces a Module.
type UnrelocatedImage struct {
	Name   string
	Header *elfbits.Header
	Phdrs  []elfbits.ProgramHeader
	Mapped segment.Mapped

	Dynamic *dynamic.Record // nil for a module with no PT_DYNAMIC (static, no-op relocation)
	Symtab  *symtab.Table   // nil alongside Dynamic

	Interp string // PT_INTERP contents, informational only

	IsRelocatable bool // true for ET_REL input; Relocate rejects it, RelocateObject handles it

	Provider mmapx.Provider
	Arch     arch.Backend

	log *log.Logger
}

// Base is the live load address: add a module-relative (p_vaddr-ish)
// offset to this to get a real address inside the mapping.
func (img *UnrelocatedImage) Base() uint64 { return uint64(img.Mapped.Region.Addr) }

// Unmap releases the reservation without ever returning a Module,
// the cancellation path spec.md §5 requires ("dropping the in-flight
// UnrelocatedImage ... unmaps any reservation it has claimed").
func (img *UnrelocatedImage) Unmap() error {
	if img.Mapped.Region.Len == 0 {
		return nil
	}
	return img.Provider.Munmap(img.Mapped.Region)
}

// relocEntries decodes this image's DT_REL/DT_RELA and DT_JMPREL
// tables; both are empty for an image with no dynamic section.
func (img *UnrelocatedImage) relocEntries() (general, plt []reloc.Entry) {
	if img.Dynamic == nil {
		return nil, nil
	}
	return relocEntries(img.Dynamic, img.Header.Class)
}
