package arch

import (
	"debug/elf"
	"encoding/binary"

	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/reloc"
)

// amd64Backend classifies x86_64 relocation types and emits the
// classic glibc-style three-instruction PLT stub.
type amd64Backend struct{}

func (amd64Backend) Name() string { return "amd64" }

func (amd64Backend) Classify(rtype uint32) reloc.Kind {
	switch elf.R_X86_64(rtype) {
	case elf.R_X86_64_RELATIVE:
		return reloc.KindRelative
	case elf.R_X86_64_GLOB_DAT:
		return reloc.KindGlobDat
	case elf.R_X86_64_64:
		return reloc.KindGlobDat
	case elf.R_X86_64_JMP_SLOT:
		return reloc.KindJumpSlot
	case elf.R_X86_64_COPY:
		return reloc.KindCopy
	case elf.R_X86_64_DTPMOD64:
		return reloc.KindTLSDTPMod
	case elf.R_X86_64_DTPOFF64:
		return reloc.KindTLSDTPOff
	case elf.R_X86_64_TPOFF64:
		return reloc.KindTLSTPOff
	case elf.R_X86_64_IRELATIVE:
		return reloc.KindIRelative
	case elf.R_X86_64_32:
		return reloc.KindAbs
	case elf.R_X86_64_PC32:
		return reloc.KindPCRel
	case elf.R_X86_64_GOTPCREL:
		return reloc.KindGotPCRel
	default:
		return reloc.KindUnknown
	}
}

func (amd64Backend) WordSize() int     { return 8 }
func (amd64Backend) PLTEntrySize() int { return 16 }

// WriteLazyStub emits the standard three-instruction lazy PLT entry:
//
//	jmp  *GOT[n](%rip)   ; ff 25 disp32       -- through the GOT slot
//	push $index          ; 68 imm32           -- PLT relocation index
//	jmp  PLT0            ; e9 disp32          -- fall through to the resolver
func (amd64Backend) WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32) {
	buf := make([]byte, 16)
	buf[0], buf[1] = 0xff, 0x25
	disp := int32(int64(gotSlotAddr) - int64(pltAddr+6))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(disp))
	buf[6] = 0x68
	binary.LittleEndian.PutUint32(buf[7:11], index)
	buf[11] = 0xe9
	disp2 := int32(int64(plt0Addr) - int64(pltAddr+16))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(disp2))
	copy(memview.Bytes(pltAddr, 16), buf)
}

// WritePLT0 emits the shared resolver entry stub: push the module
// cookie from GOT[1], then jump through GOT[2] (the loader's resolver
// entry point), leaving the index pushed by WriteLazyStub on the stack.
func (amd64Backend) WritePLT0(addr, gotBase uint64) {
	buf := make([]byte, 16)
	// push qword [gotBase+8]   ; ff 35 disp32
	buf[0], buf[1] = 0xff, 0x35
	disp := int32(int64(gotBase+8) - int64(addr+6))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(disp))
	// jmp qword [gotBase+16]   ; ff 25 disp32
	buf[6], buf[7] = 0xff, 0x25
	disp2 := int32(int64(gotBase+16) - int64(addr+12))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(disp2))
	copy(memview.Bytes(addr, 12), buf[:12])
}

// FlushICache is a no-op on amd64: the instruction and data caches are
// coherent, so a plain store is visible to the next fetch.
func (amd64Backend) FlushICache(addr uint64, n int) {}
