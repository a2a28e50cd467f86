package elfloader

import (
	"debug/elf"

	"github.com/kalium-systems/elfloader/config"
	"github.com/kalium-systems/elfloader/dynamic"
	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/log"
	"github.com/kalium-systems/elfloader/mmapx"
	"github.com/kalium-systems/elfloader/reader"
	"github.com/kalium-systems/elfloader/reloc"
	"github.com/kalium-systems/elfloader/reloc/arch"
	"github.com/kalium-systems/elfloader/segment"
	"github.com/kalium-systems/elfloader/symtab"
)

// Loader is the entry point of the pipeline: parse headers, reserve
// address space, map segments, parse the dynamic section, build the
// symbol/hash table, and hand back an UnrelocatedImage for a Relocator
// to finish (spec.md §1's "Control flow" line). It holds no per-load
// state; a single Loader can load any number of images concurrently.
type Loader struct {
	provider mmapx.Provider
	cfg      config.Defaults
	log      *log.Logger
}

// New builds a Loader against the given mapping provider. The embedder
// supplies the provider; mmapx.NewDefaultProvider() is the unix
// reference implementation.
func New(provider mmapx.Provider) *Loader {
	cfg := config.Load()
	log.Init(cfg.Debug)
	return &Loader{provider: provider, cfg: cfg, log: log.L}
}

// LoadDylib opens path and loads it as a shared object (ET_DYN),
// mapped at an address the provider chooses.
func (l *Loader) LoadDylib(path string) (*UnrelocatedImage, error) {
	r, err := reader.Open(path)
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	return l.loadReader(r, true)
}

// LoadExec opens path and loads it as an executable (ET_EXEC or a
// PIE-as-ET_DYN), honoring its preferred load address when it has one.
func (l *Loader) LoadExec(path string) (*UnrelocatedImage, error) {
	r, err := reader.Open(path)
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	return l.loadReader(r, false)
}

// Load dispatches on the file's own e_type: ET_DYN (shared objects and
// PIEs) loads like a dylib (free placement), every ET_EXEC loads at its
// preferred address, and ET_REL routes to LoadRelocatable.
func (l *Loader) Load(path string) (*UnrelocatedImage, error) {
	r, err := reader.Open(path)
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	h, err := elfbits.ParseHeader(r)
	if err != nil {
		return nil, parseHeaderError("parse header", err)
	}
	if h.Type == elf.ET_REL {
		return l.loadRelocatableReader(r, h)
	}
	return l.loadReader(r, h.Type == elf.ET_DYN)
}

// LoadRelocatable opens path and loads it as an object file (ET_REL):
// no PT_LOAD segments of its own to map, just sections whose
// relocations are resolved on demand against a caller-reserved PLT/GOT
// scratch region (spec.md §4.5, "Static (ET_REL) relocation").
func (l *Loader) LoadRelocatable(path string) (*UnrelocatedImage, error) {
	r, err := reader.Open(path)
	if err != nil {
		return nil, ioError("open "+path, err)
	}
	h, err := elfbits.ParseHeader(r)
	if err != nil {
		return nil, parseHeaderError("parse header", err)
	}
	return l.loadRelocatableReader(r, h)
}

func (l *Loader) loadReader(r reader.ElfReader, isDylib bool) (*UnrelocatedImage, error) {
	h, err := elfbits.ParseHeader(r)
	if err != nil {
		return nil, parseHeaderError("parse header", err)
	}
	return l.buildImage(r, h, isDylib)
}

func (l *Loader) buildImage(r reader.ElfReader, h *elfbits.Header, isDylib bool) (*UnrelocatedImage, error) {
	phdrs, err := elfbits.ParseProgramHeaders(r, h)
	if err != nil {
		return nil, parsePhdrError("parse program headers", err)
	}

	layout := segment.ComputeLayout(phdrs, isDylib)
	if isDylib && l.cfg.Base != 0 {
		layout.BaseHint = l.cfg.Base
		layout.HasHint = true
	}
	region, err := segment.Reserve(l.provider, layout, l.log)
	if err != nil {
		return nil, mmapError("reserve address space", err)
	}

	segs := segment.BuildSegments(phdrs)
	var fd *uintptr
	if f, ok := r.Fd(); ok {
		fd = &f
	}
	mapped, err := segment.Place(l.provider, r, fd, region, layout, segs, l.log)
	if err != nil {
		_ = l.provider.Munmap(region)
		return nil, mmapError("place segments", err)
	}

	backend, err := archFor(h)
	if err != nil {
		_ = l.provider.Munmap(region)
		return nil, parseHeaderError("select arch backend", err)
	}

	img := &UnrelocatedImage{
		Name:     r.FileName(),
		Header:   h,
		Phdrs:    phdrs,
		Mapped:   mapped,
		Provider: l.provider,
		Arch:     backend,
		log:      l.log.WithModule(r.FileName()),
	}

	dynPhdr, hasDyn := elfbits.Find(phdrs, elf.PT_DYNAMIC)
	if hasDyn {
		rec, err := dynamic.Parse(r, h, dynPhdr, mapped.Bias)
		if err != nil {
			_ = l.provider.Munmap(region)
			return nil, parseDynamicError("parse dynamic section", err)
		}
		img.Dynamic = rec
		img.Symtab = symtab.NewFromDynamic(rec, h.Class)
	}

	if interpPhdr, ok := elfbits.Find(phdrs, elf.PT_INTERP); ok {
		img.Interp = readInterp(r, interpPhdr)
	}

	return img, nil
}

func (l *Loader) loadRelocatableReader(r reader.ElfReader, h *elfbits.Header) (*UnrelocatedImage, error) {
	backend, err := archFor(h)
	if err != nil {
		return nil, parseHeaderError("select arch backend", err)
	}
	return &UnrelocatedImage{
		Name:          r.FileName(),
		Header:        h,
		Arch:          backend,
		IsRelocatable: true,
		log:           l.log.WithModule(r.FileName()),
	}, nil
}

func archFor(h *elfbits.Header) (arch.Backend, error) {
	if h.Machine == elf.EM_RISCV && h.Class == elfbits.Class32 {
		return arch.RISCV32(), nil
	}
	return arch.ForMachine(h.Machine)
}

func readInterp(r reader.ElfReader, ph elfbits.ProgramHeader) string {
	buf := make([]byte, ph.Filesz)
	if err := r.ReadAt(buf, int64(ph.Off)); err != nil {
		return ""
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// relocEntries decodes a module's DT_REL/DT_RELA and DT_JMPREL tables
// from its already-parsed dynamic record.
func relocEntries(rec *dynamic.Record, class elfbits.Class) (general, plt []reloc.Entry) {
	if rec.RelKind != dynamic.RelNone && rec.RelEntSize != 0 {
		n := reloc.CountFor(rec.RelSize, rec.RelEntSize)
		general = reloc.ParseTable(rec.RelAddr, rec.RelEntSize, n, rec.RelKind == dynamic.RelRELA, class)
	}
	if rec.HasPLT() {
		entSize := rec.RelEntSize
		if entSize == 0 {
			if class == elfbits.Class64 {
				entSize = 24
			} else {
				entSize = 12
			}
		}
		n := reloc.CountFor(rec.PltRelSize, entSize)
		plt = reloc.ParseTable(rec.JmpRelAddr, entSize, n, rec.PltRelKind == dynamic.RelRELA, class)
	}
	return general, plt
}
