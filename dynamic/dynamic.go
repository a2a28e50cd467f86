// Package dynamic parses the PT_DYNAMIC array into a typed Record
// holding every tag the relocation and symbol-resolution engines need.
package dynamic

import (
	"debug/elf"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/reader"
)

// HashKind identifies which hash table variant a module carries.
type HashKind int

const (
	HashNone HashKind = iota
	HashSysV
	HashGNU
)

// RelKind distinguishes REL (implicit addend) from RELA (explicit).
type RelKind int

const (
	RelNone RelKind = iota
	RelREL
	RelRELA
)

// Record is the parsed form of PT_DYNAMIC: pointers and sizes for every
// tag the relocation and symbol-resolution engines need, plus the
// informational tags (SONAME, NEEDED, init/fini) callers inspect.
type Record struct {
	StrTabAddr uint64
	StrTabSize uint64
	SymTabAddr uint64
	SymEntSize uint64

	HashKind HashKind
	HashAddr uint64 // DT_HASH or DT_GNU_HASH, per HashKind

	RelKind    RelKind
	RelAddr    uint64
	RelSize    uint64
	RelEntSize uint64

	PltRelKind RelKind
	JmpRelAddr uint64
	PltRelSize uint64
	PltGotAddr uint64

	RelaCount uint64

	InitFunc      uint64
	FiniFunc      uint64
	InitArray     uint64
	InitArraySize uint64
	FiniArray     uint64
	FiniArraySize uint64

	SonameOff uint64
	HasSoname bool
	NeededOff []uint64

	Flags   uint64
	Flags1  uint64
	BindNow bool

	VerDefAddr  uint64
	VerDefNum   uint64
	VerNeedAddr uint64
	VerNeedNum  uint64
	VerSymAddr  uint64

	TextRel bool
}

// DF_BIND_NOW / DF_1_NOW mirror the SysV ABI flag bits.
const (
	dfBindNow = 0x8
	dfTextRel = 0x4
	df1Now    = 0x1
)

// Parse walks the PT_DYNAMIC entries until DT_NULL, relative to base
// (the load bias already applied to every address-valued tag).
func Parse(r reader.ElfReader, h *elfbits.Header, dynPhdr elfbits.ProgramHeader, base uint64) (*Record, error) {
	entSize := 16
	if h.Class == elfbits.Class32 {
		entSize = 8
	}
	count := int(dynPhdr.Filesz) / entSize
	rec := &Record{}

	buf := make([]byte, entSize)
	for i := 0; i < count; i++ {
		off := int64(dynPhdr.Off) + int64(i)*int64(entSize)
		if err := r.ReadAt(buf, off); err != nil {
			return nil, wrapErr("read dyn entry", err)
		}
		var tag int64
		var val uint64
		if h.Class == elfbits.Class32 {
			tag = int64(int32(h.Endian.Uint32(buf[0:4])))
			val = uint64(h.Endian.Uint32(buf[4:8]))
		} else {
			tag = int64(h.Endian.Uint64(buf[0:8]))
			val = h.Endian.Uint64(buf[8:16])
		}

		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			i = count // stop
		case elf.DT_STRTAB:
			rec.StrTabAddr = val + base
		case elf.DT_STRSZ:
			rec.StrTabSize = val
		case elf.DT_SYMTAB:
			rec.SymTabAddr = val + base
		case elf.DT_SYMENT:
			rec.SymEntSize = val
		case elf.DT_HASH:
			rec.HashKind = HashSysV
			rec.HashAddr = val + base
		case elf.DT_GNU_HASH:
			rec.HashKind = HashGNU
			rec.HashAddr = val + base
		case elf.DT_REL:
			rec.RelKind = RelREL
			rec.RelAddr = val + base
		case elf.DT_RELSZ:
			rec.RelSize = val
		case elf.DT_RELENT:
			rec.RelEntSize = val
		case elf.DT_RELA:
			rec.RelKind = RelRELA
			rec.RelAddr = val + base
		case elf.DT_RELASZ:
			rec.RelSize = val
		case elf.DT_RELAENT:
			rec.RelEntSize = val
		case elf.DT_RELACOUNT:
			rec.RelaCount = val
		case elf.DT_JMPREL:
			rec.JmpRelAddr = val + base
		case elf.DT_PLTRELSZ:
			rec.PltRelSize = val
		case elf.DT_PLTREL:
			if elf.DynTag(val) == elf.DT_RELA {
				rec.PltRelKind = RelRELA
			} else {
				rec.PltRelKind = RelREL
			}
		case elf.DT_PLTGOT:
			rec.PltGotAddr = val + base
		case elf.DT_INIT:
			rec.InitFunc = val + base
		case elf.DT_FINI:
			rec.FiniFunc = val + base
		case elf.DT_INIT_ARRAY:
			rec.InitArray = val + base
		case elf.DT_INIT_ARRAYSZ:
			rec.InitArraySize = val
		case elf.DT_FINI_ARRAY:
			rec.FiniArray = val + base
		case elf.DT_FINI_ARRAYSZ:
			rec.FiniArraySize = val
		case elf.DT_SONAME:
			rec.SonameOff = val
			rec.HasSoname = true
		case elf.DT_NEEDED:
			rec.NeededOff = append(rec.NeededOff, val)
		case elf.DT_FLAGS:
			rec.Flags = val
			if val&dfBindNow != 0 {
				rec.BindNow = true
			}
			if val&dfTextRel != 0 {
				rec.TextRel = true
			}
		case elf.DT_FLAGS_1:
			rec.Flags1 = val
			if val&df1Now != 0 {
				rec.BindNow = true
			}
		case elf.DT_BIND_NOW:
			rec.BindNow = true
		case elf.DT_VERDEF:
			rec.VerDefAddr = val + base
		case elf.DT_VERDEFNUM:
			rec.VerDefNum = val
		case elf.DT_VERNEED:
			rec.VerNeedAddr = val + base
		case elf.DT_VERNEEDNUM:
			rec.VerNeedNum = val
		case elf.DT_VERSYM:
			rec.VerSymAddr = val + base
		}
	}

	if err := rec.validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// validate enforces the required-tag set for a relocatable image:
// either DT_HASH or DT_GNU_HASH, plus DT_STRTAB and DT_SYMTAB.
func (r *Record) validate() error {
	if r.HashKind == HashNone {
		return parseErr("missing DT_HASH/DT_GNU_HASH")
	}
	if r.StrTabAddr == 0 {
		return parseErr("missing DT_STRTAB")
	}
	if r.SymTabAddr == 0 {
		return parseErr("missing DT_SYMTAB")
	}
	return nil
}

// HasPLT reports whether the dynamic section declares a PLT relocation
// set (non-zero DT_JMPREL and DT_PLTRELSZ).
func (r *Record) HasPLT() bool {
	return r.JmpRelAddr != 0 && r.PltRelSize != 0
}

func parseErr(msg string) error { return &ParseError{Msg: msg} }
func wrapErr(msg string, cause error) error {
	return &ParseError{Msg: msg, Cause: cause}
}

// ParseError is returned by Parse; the root package translates it into
// a Kind-tagged Error.
type ParseError struct {
	Msg   string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return "dynamic: " + e.Msg + ": " + e.Cause.Error()
	}
	return "dynamic: " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Cause }
