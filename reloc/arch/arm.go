package arch

import (
	"debug/elf"
	"encoding/binary"

	"github.com/kalium-systems/elfloader/memview"
	"github.com/kalium-systems/elfloader/reloc"
)

// armBackend classifies 32-bit ARM (EABI) relocation types and emits a
// classic LDR-PC-relative PLT entry.
type armBackend struct{}

func (armBackend) Name() string { return "arm" }

func (armBackend) Classify(rtype uint32) reloc.Kind {
	switch elf.R_ARM(rtype) {
	case elf.R_ARM_RELATIVE:
		return reloc.KindRelative
	case elf.R_ARM_GLOB_DAT:
		return reloc.KindGlobDat
	case elf.R_ARM_ABS32:
		return reloc.KindAbs
	case elf.R_ARM_JUMP_SLOT:
		return reloc.KindJumpSlot
	case elf.R_ARM_COPY:
		return reloc.KindCopy
	case elf.R_ARM_TLS_DTPMOD32:
		return reloc.KindTLSDTPMod
	case elf.R_ARM_TLS_DTPOFF32:
		return reloc.KindTLSDTPOff
	case elf.R_ARM_TLS_TPOFF32:
		return reloc.KindTLSTPOff
	case elf.R_ARM_IRELATIVE:
		return reloc.KindIRelative
	default:
		return reloc.KindUnknown
	}
}

func (armBackend) WordSize() int     { return 4 }
func (armBackend) PLTEntrySize() int { return 16 }

// WriteLazyStub emits the classic glibc arm.eabi lazy PLT entry:
//
//	ldr  ip, [pc, #4]   ; load GOT[n] address
//	add  ip, pc, ip
//	ldr  pc, [ip]       ; jump through the GOT slot (initially PLT0+index)
//	.word GOT[n] - (pltAddr+12)
func (armBackend) WriteLazyStub(pltAddr, gotSlotAddr, plt0Addr uint64, index uint32) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], 0xe59fc004)  // ldr ip, [pc, #4]
	binary.LittleEndian.PutUint32(buf[4:8], 0xe08fc00c)  // add ip, pc, ip
	binary.LittleEndian.PutUint32(buf[8:12], 0xe59cf000) // ldr pc, [ip]
	offset := uint32(int64(gotSlotAddr) - int64(pltAddr+12))
	binary.LittleEndian.PutUint32(buf[12:16], offset)
	copy(memview.Bytes(pltAddr, 16), buf)
}

// WritePLT0 loads the resolver entry point (GOT[2]) and the module
// cookie (GOT[1]) before branching, mirroring the ARM EABI PLT0 layout.
func (armBackend) WritePLT0(addr, gotBase uint64) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], 0xe52de004)  // push {lr}
	binary.LittleEndian.PutUint32(buf[4:8], 0xe59fc004)  // ldr ip, [pc, #4]
	binary.LittleEndian.PutUint32(buf[8:12], 0xe08cc00f) // add ip, ip, pc
	binary.LittleEndian.PutUint32(buf[12:16], uint32(gotBase+16-(addr+16)))
	copy(memview.Bytes(addr, 16), buf)
}

func (armBackend) FlushICache(addr uint64, n int) { flushICacheRange(addr, n) }
