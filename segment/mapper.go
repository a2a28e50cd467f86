package segment

import (
	"debug/elf"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/log"
	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/mmapx"
	"github.com/kalium-systems/elfloader/reader"
)

// Mapped is the live result of reserving and populating a Layout: the
// base address the OS actually chose, and the Segments placed inside
// it, now expressed as absolute addresses.
type Mapped struct {
	Region   mmapx.Region
	Bias     uint64 // Region.Addr - Layout.MinVaddr; add to any p_vaddr to get a live address
	Segments []Segment
}

// Reserve asks the provider for the whole address-space window a
// module's segments need: PROT_NONE when the provider maps file content
// directly, PROT_WRITE when it instead reads-then-copies, matching the
// two strategies CanFileMap chooses between.
func Reserve(p mmapx.Provider, l Layout, logger *log.Logger) (mmapx.Region, error) {
	addr := uintptr(0)
	if l.HasHint {
		addr = uintptr(l.BaseHint)
	}
	var r mmapx.Region
	var err error
	if p.CanFileMap() {
		r, err = p.MmapReserve(addr, uintptr(l.Len))
	} else {
		r, err = p.MmapAnonymous(addr, uintptr(l.Len), mmapx.ProtWrite, mmapx.FlagPrivate)
	}
	if err != nil && logger != nil {
		logger.Warn("reserve address space failed", log.Size(uint64(l.Len)))
	}
	return r, err
}

// Place maps every segment into region, either directly from fd (when
// the provider supports file mapping) or by reading the bytes through r
// and copying them into an anonymous mapping. Either way, BSS tails are
// zero-filled and each segment ends up at its final protection.
func Place(p mmapx.Provider, r reader.ElfReader, fd *uintptr, region mmapx.Region, layout Layout, segs []Segment, logger *log.Logger) (Mapped, error) {
	bias := uint64(region.Addr) - layout.MinVaddr
	m := Mapped{Region: region, Bias: bias, Segments: segs}

	useFile := p.CanFileMap() && fd != nil
	for _, s := range segs {
		absAddr := uintptr(s.Vaddr + bias)
		flags := mmapx.FlagPrivate | mmapx.FlagFixed

		if useFile {
			if _, err := p.Mmap(absAddr, uintptr(s.MemLen), s.Prot|mmapx.ProtWrite, flags, fd, int64(s.FileOffset)); err != nil {
				if logger != nil {
					logger.Warn("map segment from file failed", log.Addr(uint64(absAddr)), log.Size(uint64(s.MemLen)))
				}
				return Mapped{}, err
			}
			if s.ZeroLen > 0 {
				memview.Zero(uint64(absAddr)+s.FileLen, int(s.ZeroLen))
			}
		} else {
			if _, err := p.MmapAnonymous(absAddr, uintptr(s.MemLen), mmapx.ProtRead|mmapx.ProtWrite, flags); err != nil {
				if logger != nil {
					logger.Warn("anonymous map segment failed", log.Addr(uint64(absAddr)), log.Size(uint64(s.MemLen)))
				}
				return Mapped{}, err
			}
			buf := make([]byte, s.FileLen)
			if err := r.ReadAt(buf, int64(s.FileOffset)); err != nil {
				if logger != nil {
					logger.Warn("read segment content failed", log.Addr(uint64(absAddr)))
				}
				return Mapped{}, err
			}
			copy(memview.Bytes(uint64(absAddr), int(s.FileLen)), buf)
		}

		if s.Prot&mmapx.ProtWrite == 0 {
			if err := p.Mprotect(mmapx.Region{Addr: absAddr, Len: uintptr(s.MemLen)}, s.Prot); err != nil {
				if logger != nil {
					logger.Warn("finalize segment protection failed", log.Addr(uint64(absAddr)))
				}
				return Mapped{}, err
			}
		}
	}
	return m, nil
}

// RelroRange returns the live [addr, addr+len) that a PT_GNU_RELRO
// header covers, for FinalizeRelro to mark read-only once relocation has
// finished writing to it.
func RelroRange(phdrs []elfbits.ProgramHeader, bias uint64) (uint64, uint64, bool) {
	ph, ok := elfbits.Find(phdrs, elf.PT_GNU_RELRO)
	if !ok {
		return 0, 0, false
	}
	start := roundDown(ph.Vaddr+bias, PageSize)
	end := roundUp(ph.Vaddr+ph.Memsz+bias, PageSize)
	return start, end, true
}

// FinalizeRelro mprotects a PT_GNU_RELRO range read-only after all
// relocations touching it have been written.
func FinalizeRelro(p mmapx.Provider, start, end uint64, logger *log.Logger) error {
	if end <= start {
		return nil
	}
	if err := p.Mprotect(mmapx.Region{Addr: uintptr(start), Len: uintptr(end - start)}, mmapx.ProtRead); err != nil {
		if logger != nil {
			logger.Warn("finalize PT_GNU_RELRO failed", log.Addr(start), log.Size(end-start))
		}
		return err
	}
	return nil
}
