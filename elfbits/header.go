// Package elfbits implements ELF header and program header parsing for
// both 32- and 64-bit classes, little- and big-endian, independent of
// debug/elf's higher-level (read-only-introspection) model: this package
// is read by the dynamic-section and relocation engines, which need the
// raw field layout, not just a symbol browser.
package elfbits

import (
	"debug/elf"
	"encoding/binary"

	"github.com/kalium-systems/elfloader/reader"
)

const (
	ident0Mag0 = 0x7f
	ident1Mag1 = 'E'
	ident2Mag2 = 'L'
	ident3Mag3 = 'F'

	identClass    = 4
	identData     = 5
	identVersion  = 6
	ehdrSize32    = 52
	ehdrSize64    = 64
	identSize     = 16
	currentEVers  = 1
)

// Class is the ELF word size.
type Class uint8

const (
	ClassNone Class = 0
	Class32   Class = 1
	Class64   Class = 2
)

// Header is a read-only view over the fixed-size ELF header prefix.
type Header struct {
	Class      Class
	Endian     binary.ByteOrder
	Type       elf.Type
	Machine    elf.Machine
	Version    uint32
	Entry      uint64
	PhOff      uint64
	ShOff      uint64
	Flags      uint32
	EhSize     uint16
	PhEntSize  uint16
	PhNum      uint16
	ShEntSize  uint16
	ShNum      uint16
	ShStrNdx   uint16
}

// ParseHeader validates and decodes the ELF header at the start of r.
// Invariants enforced: magic matches, machine is one of the supported
// targets, version is current. The class is not checked against the
// host word size: both 32 and 64 bit are accepted here, and no later
// layer rejects a mismatch.
func ParseHeader(r reader.ElfReader) (*Header, error) {
	ident := make([]byte, identSize)
	if err := r.ReadAt(ident, 0); err != nil {
		return nil, wrapParseErr("read e_ident", err)
	}
	if ident[0] != ident0Mag0 || ident[1] != ident1Mag1 || ident[2] != ident2Mag2 || ident[3] != ident3Mag3 {
		return nil, parseErr("bad magic")
	}

	var class Class
	switch ident[identClass] {
	case 1:
		class = Class32
	case 2:
		class = Class64
	default:
		return nil, parseErr("unsupported ELF class")
	}

	var endian binary.ByteOrder
	switch ident[identData] {
	case 1:
		endian = binary.LittleEndian
	case 2:
		endian = binary.BigEndian
	default:
		return nil, parseErr("unsupported data encoding")
	}

	if ident[identVersion] != currentEVers {
		return nil, parseErr("unsupported e_ident version")
	}

	size := ehdrSize64
	if class == Class32 {
		size = ehdrSize32
	}
	buf := make([]byte, size)
	if err := r.ReadAt(buf, 0); err != nil {
		return nil, wrapParseErr("read ehdr", err)
	}

	h := &Header{Class: class, Endian: endian}
	h.Type = elf.Type(endian.Uint16(buf[16:18]))
	h.Machine = elf.Machine(endian.Uint16(buf[18:20]))
	h.Version = endian.Uint32(buf[20:24])
	if h.Version != currentEVers {
		return nil, parseErr("unsupported e_version")
	}

	if class == Class64 {
		h.Entry = endian.Uint64(buf[24:32])
		h.PhOff = endian.Uint64(buf[32:40])
		h.ShOff = endian.Uint64(buf[40:48])
		h.Flags = endian.Uint32(buf[48:52])
		h.EhSize = endian.Uint16(buf[52:54])
		h.PhEntSize = endian.Uint16(buf[54:56])
		h.PhNum = endian.Uint16(buf[56:58])
		h.ShEntSize = endian.Uint16(buf[58:60])
		h.ShNum = endian.Uint16(buf[60:62])
		h.ShStrNdx = endian.Uint16(buf[62:64])
	} else {
		h.Entry = uint64(endian.Uint32(buf[24:28]))
		h.PhOff = uint64(endian.Uint32(buf[28:32]))
		h.ShOff = uint64(endian.Uint32(buf[32:36]))
		h.Flags = endian.Uint32(buf[36:40])
		h.EhSize = endian.Uint16(buf[40:42])
		h.PhEntSize = endian.Uint16(buf[42:44])
		h.PhNum = endian.Uint16(buf[44:46])
		h.ShEntSize = endian.Uint16(buf[46:48])
		h.ShNum = endian.Uint16(buf[48:50])
		h.ShStrNdx = endian.Uint16(buf[50:52])
	}

	switch h.Type {
	case elf.ET_DYN, elf.ET_EXEC, elf.ET_REL:
	default:
		return nil, parseErr("unsupported object type")
	}

	if !SupportedMachine(h.Machine) {
		return nil, parseErr("unsupported machine: " + h.Machine.String())
	}

	return h, nil
}

// SupportedMachine reports whether m is one of the architectures
// names: x86_64, aarch64, riscv64, riscv32, arm, loongarch64.
func SupportedMachine(m elf.Machine) bool {
	switch m {
	case elf.EM_X86_64, elf.EM_AARCH64, elf.EM_ARM, elf.EM_RISCV, elf.EM_LOONGARCH:
		return true
	}
	return false
}

func parseErr(msg string) error      { return &ParseError{Stage: "header", Msg: msg} }
func wrapParseErr(msg string, cause error) error {
	return &ParseError{Stage: "header", Msg: msg, Cause: cause}
}

// ParseError is returned by every parser in this package; the root
// package translates it into its own Kind-tagged Error.
type ParseError struct {
	Stage string
	Msg   string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return "elfbits: " + e.Stage + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return "elfbits: " + e.Stage + ": " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Cause }
