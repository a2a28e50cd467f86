package arch

import (
	"debug/elf"
	"encoding/binary"

	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/reloc"
)

// arm64Backend classifies aarch64 relocation types and emits an
// ADRP/LDR/BR-based lazy PLT entry, the shape every aarch64 ELF
// dynamic linker (glibc, musl, Android's bionic) uses.
type arm64Backend struct{}

func (arm64Backend) Name() string { return "arm64" }

func (arm64Backend) Classify(rtype uint32) reloc.Kind {
	switch elf.R_AARCH64(rtype) {
	case elf.R_AARCH64_RELATIVE:
		return reloc.KindRelative
	case elf.R_AARCH64_GLOB_DAT:
		return reloc.KindGlobDat
	case elf.R_AARCH64_ABS64:
		return reloc.KindAbs
	case elf.R_AARCH64_JUMP_SLOT:
		return reloc.KindJumpSlot
	case elf.R_AARCH64_COPY:
		return reloc.KindCopy
	case elf.R_AARCH64_TLS_DTPMOD64:
		return reloc.KindTLSDTPMod
	case elf.R_AARCH64_TLS_DTPREL64:
		return reloc.KindTLSDTPOff
	case elf.R_AARCH64_TLS_TPREL64:
		return reloc.KindTLSTPOff
	case elf.R_AARCH64_IRELATIVE:
		return reloc.KindIRelative
	default:
		return reloc.KindUnknown
	}
}

func (arm64Backend) WordSize() int     { return 8 }
func (arm64Backend) PLTEntrySize() int { return 16 }

func adrpImm(pc, target uint64) uint32 {
	pcPage := pc &^ 0xfff
	targetPage := target &^ 0xfff
	imm := int64(targetPage-pcPage) >> 12
	immlo := uint32(imm) & 0x3
	immhi := (uint32(imm) >> 2) & 0x7ffff
	return (1 << 28) | (immlo << 29) | (immhi << 5)
}

// WriteLazyStub emits:
//
//	adrp x16, GOT[n]@page
//	ldr  x17, [x16, GOT[n]@pageoff]
//	mov  w16, #index
//	br   x17        (jumps to whatever GOT[n] holds: the target once
//	                 resolved, the loader's placeholder until then)
func (arm64Backend) WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32) {
	buf := make([]byte, 16)
	adrp := 0x90000010 | adrpImm(pltAddr, gotSlotAddr)
	binary.LittleEndian.PutUint32(buf[0:4], adrp)
	pageoff := uint32(gotSlotAddr&0xfff) >> 3
	ldr := 0xf9400211 | (pageoff << 10)
	binary.LittleEndian.PutUint32(buf[4:8], ldr)
	// movz w16, #index (truncated to 16 bits; real stubs split larger
	// indices across two movk instructions, omitted here for brevity)
	movz := 0x52800010 | ((index & 0xffff) << 5)
	binary.LittleEndian.PutUint32(buf[8:12], movz)
	br := uint32(0xd61f0220) // br x17
	binary.LittleEndian.PutUint32(buf[12:16], br)
	copy(memview.Bytes(pltAddr, 16), buf)
}

// WritePLT0 loads the module cookie (GOT[1]) into x17 and the resolver
// entry point (GOT[2]) into x16, then branches to it.
func (arm64Backend) WritePLT0(addr, gotBase uint64) {
	buf := make([]byte, 16)
	adrp1 := 0x90000010 | adrpImm(addr, gotBase+8)
	binary.LittleEndian.PutUint32(buf[0:4], adrp1)
	ldr1 := 0xf9400211 | ((uint32(gotBase+8) & 0xfff) >> 3 << 10)
	binary.LittleEndian.PutUint32(buf[4:8], ldr1)
	ldr2 := 0xf9400210 | ((uint32(gotBase+16) & 0xfff) >> 3 << 10)
	binary.LittleEndian.PutUint32(buf[8:12], ldr2)
	br := uint32(0xd61f0200) // br x16
	binary.LittleEndian.PutUint32(buf[12:16], br)
	copy(memview.Bytes(addr, 16), buf)
}

// FlushICache is called by the static PLT/GOT allocator for every PLT
// stub it writes. It delegates to flushICacheRange, which performs no
// cache maintenance, so no instruction-cache invalidation is issued
// here even though aarch64 doesn't guarantee I/D cache coherency.
func (arm64Backend) FlushICache(addr uint64, n int) {
	flushICacheRange(addr, n)
}
