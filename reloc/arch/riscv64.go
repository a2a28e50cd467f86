package arch

import (
	"debug/elf"
	"encoding/binary"

	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/reloc"
)

// riscv64Backend classifies 64-bit RISC-V relocation types and emits
// an AUIPC/LD/JALR lazy PLT entry, the shape glibc's riscv64 ld.so
// uses.
type riscv64Backend struct{}

func (riscv64Backend) Name() string { return "riscv64" }

func (riscv64Backend) Classify(rtype uint32) reloc.Kind {
	switch elf.R_RISCV(rtype) {
	case elf.R_RISCV_RELATIVE:
		return reloc.KindRelative
	case elf.R_RISCV_64:
		return reloc.KindGlobDat
	case elf.R_RISCV_JUMP_SLOT:
		return reloc.KindJumpSlot
	case elf.R_RISCV_COPY:
		return reloc.KindCopy
	case elf.R_RISCV_TLS_DTPMOD64:
		return reloc.KindTLSDTPMod
	case elf.R_RISCV_TLS_DTPREL64:
		return reloc.KindTLSDTPOff
	case elf.R_RISCV_TLS_TPREL64:
		return reloc.KindTLSTPOff
	default:
		return reloc.KindUnknown
	}
}

func (riscv64Backend) WordSize() int     { return 8 }
func (riscv64Backend) PLTEntrySize() int { return 16 }

// WriteLazyStub emits:
//
//	auipc t3, %pcrel_hi(GOT[n])
//	ld    t3, %pcrel_lo(GOT[n])(t3)
//	jalr  t1, t3
//	.word index
func (riscv64Backend) WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32) {
	buf := make([]byte, 16)
	disp := int32(int64(gotSlotAddr) - int64(pltAddr))
	hi20 := uint32(disp+0x800) >> 12
	lo12 := uint32(int32(disp) << 20 >> 20)
	binary.LittleEndian.PutUint32(buf[0:4], 0x00000e17|hi20<<12)  // auipc t3, hi20
	binary.LittleEndian.PutUint32(buf[4:8], 0x000e3e03|lo12<<20)  // ld t3, lo12(t3)
	binary.LittleEndian.PutUint32(buf[8:12], 0x000e0367)          // jalr t1, t3
	binary.LittleEndian.PutUint32(buf[12:16], index)
	copy(memview.Bytes(pltAddr, 16), buf)
}

func (riscv64Backend) WritePLT0(addr, gotBase uint64) {
	buf := make([]byte, 16)
	disp := int32(int64(gotBase+16) - int64(addr))
	hi20 := uint32(disp+0x800) >> 12
	lo12 := uint32(int32(disp) << 20 >> 20)
	binary.LittleEndian.PutUint32(buf[0:4], 0x00000e17|hi20<<12) // auipc t3, hi20
	binary.LittleEndian.PutUint32(buf[4:8], 0x000e3e03|lo12<<20) // ld t3, lo12(t3)
	binary.LittleEndian.PutUint32(buf[8:12], 0x000e0067)         // jr t3
	copy(memview.Bytes(addr, 12), buf[:12])
}

func (riscv64Backend) FlushICache(addr uint64, n int) { flushICacheRange(addr, n) }
