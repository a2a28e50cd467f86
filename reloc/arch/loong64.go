package arch

import (
	"debug/elf"
	"encoding/binary"

	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/reloc"
)

// loong64Backend classifies LoongArch64 relocation types and emits a
// PCADDU12I/LD/JIRL lazy PLT entry, mirroring glibc's loongarch64
// ld.so.
type loong64Backend struct{}

func (loong64Backend) Name() string { return "loong64" }

func (loong64Backend) Classify(rtype uint32) reloc.Kind {
	switch elf.R_LARCH(rtype) {
	case elf.R_LARCH_RELATIVE:
		return reloc.KindRelative
	case elf.R_LARCH_64:
		return reloc.KindGlobDat
	case elf.R_LARCH_JUMP_SLOT:
		return reloc.KindJumpSlot
	case elf.R_LARCH_COPY:
		return reloc.KindCopy
	case elf.R_LARCH_TLS_DTPMOD64:
		return reloc.KindTLSDTPMod
	case elf.R_LARCH_TLS_DTPREL64:
		return reloc.KindTLSDTPOff
	case elf.R_LARCH_TLS_TPREL64:
		return reloc.KindTLSTPOff
	case elf.R_LARCH_IRELATIVE:
		return reloc.KindIRelative
	default:
		return reloc.KindUnknown
	}
}

func (loong64Backend) WordSize() int     { return 8 }
func (loong64Backend) PLTEntrySize() int { return 16 }

// WriteLazyStub emits:
//
//	pcaddu12i $t0, %hi(GOT[n])
//	ld.d      $t0, $t0, %lo(GOT[n])
//	move      $t1, index
//	jirl      $zero, $t0, 0
func (loong64Backend) WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32) {
	buf := make([]byte, 16)
	disp := int32(int64(gotSlotAddr) - int64(pltAddr))
	hi20 := uint32(disp) >> 12
	lo12 := uint32(disp) & 0xfff
	binary.LittleEndian.PutUint32(buf[0:4], 0x1c00000c|hi20<<5)  // pcaddu12i t0, hi20
	binary.LittleEndian.PutUint32(buf[4:8], 0x28c0018c|lo12<<10) // ld.d t0, t0, lo12
	moveImm := (index & 0x3ff) << 10
	binary.LittleEndian.PutUint32(buf[8:12], 0x0380000d|moveImm) // ori t1, zero, index
	binary.LittleEndian.PutUint32(buf[12:16], 0x4c000180)        // jirl zero, t0, 0
	copy(memview.Bytes(pltAddr, 16), buf)
}

func (loong64Backend) WritePLT0(addr, gotBase uint64) {
	buf := make([]byte, 16)
	disp := int32(int64(gotBase+16) - int64(addr))
	hi20 := uint32(disp) >> 12
	lo12 := uint32(disp) & 0xfff
	binary.LittleEndian.PutUint32(buf[0:4], 0x1c00000c|hi20<<5)  // pcaddu12i t0, hi20
	binary.LittleEndian.PutUint32(buf[4:8], 0x28c0018c|lo12<<10) // ld.d t0, t0, lo12
	binary.LittleEndian.PutUint32(buf[8:12], 0x4c000180)         // jirl zero, t0, 0
	copy(memview.Bytes(addr, 12), buf[:12])
}

func (loong64Backend) FlushICache(addr uint64, n int) { flushICacheRange(addr, n) }
