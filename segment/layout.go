// Package segment turns PT_LOAD program headers into a single reserved
// address-space range and the individual mapped regions inside it,
// following the reserve-whole-range-then-map-each-segment strategy.
package segment

import (
	"debug/elf"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/mmapx"
)

const PageSize = 4096

func roundDown(v, align uint64) uint64 { return v &^ (align - 1) }
func roundUp(v, align uint64) uint64   { return roundDown(v+align-1, align) }

// Layout is the page-aligned address range every PT_LOAD segment of one
// module must fit inside.
type Layout struct {
	MinVaddr uint64 // aligned down, the module's load bias subtracts this
	Len      uint64 // aligned-up span from MinVaddr to the last segment's end
	BaseHint uint64 // preferred load address for non-PIE executables; 0 for dylibs unless the Loader sets one
	HasHint  bool
}

// ComputeLayout scans the PT_LOAD headers and derives the reservation
// window. Executables (isDylib false) request their on-disk preferred
// address; shared objects let the provider choose.
func ComputeLayout(phdrs []elfbits.ProgramHeader, isDylib bool) Layout {
	minVaddr := ^uint64(0)
	maxVaddr := uint64(0)
	for _, ph := range phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if ph.Vaddr < minVaddr {
			minVaddr = ph.Vaddr
		}
		if end := ph.Vaddr + ph.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}
	if minVaddr == ^uint64(0) {
		minVaddr = 0
	}
	alignedMin := roundDown(minVaddr, PageSize)
	alignedMax := roundUp(maxVaddr, PageSize)

	l := Layout{MinVaddr: alignedMin, Len: alignedMax - alignedMin}
	if !isDylib {
		l.BaseHint = alignedMin
		l.HasHint = true
	}
	return l
}

// Segment is one page-aligned PT_LOAD mapping: the vaddr window it
// covers within a Layout, the slice of that window sourced from the
// file, and the remainder that must be zero-filled (BSS).
type Segment struct {
	Vaddr       uint64 // aligned down, absolute within the file's address space
	MemLen      uint64 // aligned-up span of this segment
	FileOffset  uint64 // aligned down
	FileLen     uint64 // file bytes to place at Vaddr, including the alignment pad
	ZeroLen     uint64 // MemLen - FileLen, the BSS tail
	Prot        mmapx.Prot
	SourceIndex int // index into the original phdrs slice, for diagnostics
}

// BuildSegments converts every PT_LOAD header into a Segment.
func BuildSegments(phdrs []elfbits.ProgramHeader) []Segment {
	var out []Segment
	for i, ph := range phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		minVaddr := roundDown(ph.Vaddr, PageSize)
		maxVaddr := roundUp(ph.Vaddr+ph.Memsz, PageSize)
		memLen := maxVaddr - minVaddr

		fileOff := roundDown(ph.Off, PageSize)
		pad := ph.Off - fileOff
		fileLen := ph.Filesz + pad

		out = append(out, Segment{
			Vaddr:       minVaddr,
			MemLen:      memLen,
			FileOffset:  fileOff,
			FileLen:     fileLen,
			ZeroLen:     memLen - fileLen,
			Prot:        segmentProt(ph.Flags),
			SourceIndex: i,
		})
	}
	return out
}

// segmentProt maps PF_R/PF_W/PF_X onto the mmapx protection bitmask.
func segmentProt(f elf.ProgFlag) mmapx.Prot {
	var p mmapx.Prot
	if f&elf.PF_R != 0 {
		p |= mmapx.ProtRead
	}
	if f&elf.PF_W != 0 {
		p |= mmapx.ProtWrite
	}
	if f&elf.PF_X != 0 {
		p |= mmapx.ProtExec
	}
	return p
}
