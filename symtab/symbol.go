package symtab

import (
	"debug/elf"

	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/memview"
)

// Bind is the symbol binding: global, local, or weak.
type Bind uint8

const (
	BindLocal  Bind = 0
	BindGlobal Bind = 1
	BindWeak   Bind = 2
)

// Type is the symbol type (function/object/tls/ifunc/section/file).
type Type uint8

const (
	TypeNoType  Type = 0
	TypeObject  Type = 1
	TypeFunc    Type = 2
	TypeSection Type = 3
	TypeFile    Type = 4
	TypeTLS     Type = 6
	TypeIFunc   Type = 10
)

const shnUndef = 0

// Symbol is one entry of the dynamic symbol table.
type Symbol struct {
	NameOff uint64
	Bind    Bind
	Type    Type
	Shndx   uint16
	Value   uint64 // relative-to-base
	Size    uint64
}

// Defined reports whether the symbol has a section index (
// "A matching symbol must have a defined section index (!= SHN_UNDEF)").
func (s Symbol) Defined() bool { return s.Shndx != shnUndef }

// IsWeak reports whether the symbol's binding is STB_WEAK.
func (s Symbol) IsWeak() bool { return s.Bind == BindWeak }

const (
	symEntSize32 = 16
	symEntSize64 = 24
)

// ReadSymbol decodes the symtab entry at logical index idx, relative to
// the already-relocated symtab base address.
func ReadSymbol(symtabAddr uint64, idx int, class elfbits.Class) Symbol {
	if class == elfbits.Class32 {
		addr := symtabAddr + uint64(idx)*symEntSize32
		nameOff := uint64(memview.ReadU32(addr))
		value := uint64(memview.ReadU32(addr + 4))
		size := uint64(memview.ReadU32(addr + 8))
		info := memview.ReadU8(addr + 12)
		shndx := memview.ReadU16(addr + 14)
		return Symbol{
			NameOff: nameOff,
			Bind:    Bind(info >> 4),
			Type:    Type(info & 0xf),
			Shndx:   shndx,
			Value:   value,
			Size:    size,
		}
	}
	addr := symtabAddr + uint64(idx)*symEntSize64
	nameOff := uint64(memview.ReadU32(addr))
	info := memview.ReadU8(addr + 4)
	shndx := memview.ReadU16(addr + 6)
	value := memview.ReadU64(addr + 8)
	size := memview.ReadU64(addr + 16)
	return Symbol{
		NameOff: nameOff,
		Bind:    Bind(info >> 4),
		Type:    Type(info & 0xf),
		Shndx:   shndx,
		Value:   value,
		Size:    size,
	}
}

// StType / StBind helpers mirror debug/elf's accessors for callers that
// already import it for constants elsewhere.
func StType(info byte) elf.SymType { return elf.SymType(info & 0xf) }
func StBind(info byte) elf.SymBind { return elf.SymBind(info >> 4) }
