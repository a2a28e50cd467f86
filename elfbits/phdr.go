package elfbits

import (
	"debug/elf"

	"github.com/kalium-systems/elfloader/reader"
)

// ProgramHeader mirrors the on-disk {type, flags, file_offset, vaddr,
// file_size, mem_size, alignment} tuple.
type ProgramHeader struct {
	Type     elf.ProgType
	Flags    elf.ProgFlag
	Off      uint64
	Vaddr    uint64
	Paddr    uint64
	Filesz   uint64
	Memsz    uint64
	Align    uint64
}

const (
	phdrSize32 = 32
	phdrSize64 = 56
)

// ParseProgramHeaders reads the e_phnum entries starting at e_phoff.
func ParseProgramHeaders(r reader.ElfReader, h *Header) ([]ProgramHeader, error) {
	if h.PhNum == 0 {
		return nil, nil
	}
	entSize := int(h.PhEntSize)
	wantSize := phdrSize64
	if h.Class == Class32 {
		wantSize = phdrSize32
	}
	if entSize < wantSize {
		return nil, parsePhdrErr("phentsize too small for class")
	}

	phdrs := make([]ProgramHeader, 0, h.PhNum)
	buf := make([]byte, entSize)
	for i := 0; i < int(h.PhNum); i++ {
		off := int64(h.PhOff) + int64(i)*int64(entSize)
		if err := r.ReadAt(buf, off); err != nil {
			return nil, wrapParsePhdrErr("read phdr", err)
		}
		ph, err := decodePhdr(buf, h)
		if err != nil {
			return nil, err
		}
		phdrs = append(phdrs, ph)
	}

	// Invariant: for PT_LOAD entries, file_size <= mem_size.
	for _, ph := range phdrs {
		if ph.Type == elf.PT_LOAD && ph.Filesz > ph.Memsz {
			return nil, parsePhdrErr("PT_LOAD file_size exceeds mem_size")
		}
	}
	return phdrs, nil
}

func decodePhdr(buf []byte, h *Header) (ProgramHeader, error) {
	e := h.Endian
	var ph ProgramHeader
	if h.Class == Class64 {
		ph.Type = elf.ProgType(e.Uint32(buf[0:4]))
		ph.Flags = elf.ProgFlag(e.Uint32(buf[4:8]))
		ph.Off = e.Uint64(buf[8:16])
		ph.Vaddr = e.Uint64(buf[16:24])
		ph.Paddr = e.Uint64(buf[24:32])
		ph.Filesz = e.Uint64(buf[32:40])
		ph.Memsz = e.Uint64(buf[40:48])
		ph.Align = e.Uint64(buf[48:56])
	} else {
		ph.Type = elf.ProgType(e.Uint32(buf[0:4]))
		ph.Off = uint64(e.Uint32(buf[4:8]))
		ph.Vaddr = uint64(e.Uint32(buf[8:12]))
		ph.Paddr = uint64(e.Uint32(buf[12:16]))
		ph.Filesz = uint64(e.Uint32(buf[16:20]))
		ph.Memsz = uint64(e.Uint32(buf[20:24]))
		ph.Flags = elf.ProgFlag(e.Uint32(buf[24:28]))
		ph.Align = uint64(e.Uint32(buf[28:32]))
	}
	return ph, nil
}

// Find returns the first program header of the given type, if any.
func Find(phdrs []ProgramHeader, t elf.ProgType) (ProgramHeader, bool) {
	for _, ph := range phdrs {
		if ph.Type == t {
			return ph, true
		}
	}
	return ProgramHeader{}, false
}

// FindAll returns every program header of the given type.
func FindAll(phdrs []ProgramHeader, t elf.ProgType) []ProgramHeader {
	var out []ProgramHeader
	for _, ph := range phdrs {
		if ph.Type == t {
			out = append(out, ph)
		}
	}
	return out
}

func parsePhdrErr(msg string) error { return &ParseError{Stage: "phdr", Msg: msg} }
func wrapParsePhdrErr(msg string, cause error) error {
	return &ParseError{Stage: "phdr", Msg: msg, Cause: cause}
}
