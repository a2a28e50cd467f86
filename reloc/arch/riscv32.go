package arch

import (
	"debug/elf"

	"github.com/kalium-systems/elfloader/reloc"
)

// riscv32Backend classifies 32-bit RISC-V relocation types. ELF32
// RISC-V shares the R_RISCV tag space with the 64-bit variant (the
// word width, not the code, distinguishes the two); see arch.go's
// RISCV32() constructor for why a class check is needed to select
// this backend instead of riscv64Backend.
type riscv32Backend struct{ riscv64Backend }

func (riscv32Backend) Name() string { return "riscv32" }

func (riscv32Backend) Classify(rtype uint32) reloc.Kind {
	switch elf.R_RISCV(rtype) {
	case elf.R_RISCV_RELATIVE:
		return reloc.KindRelative
	case elf.R_RISCV_32:
		return reloc.KindGlobDat
	case elf.R_RISCV_JUMP_SLOT:
		return reloc.KindJumpSlot
	case elf.R_RISCV_COPY:
		return reloc.KindCopy
	case elf.R_RISCV_TLS_DTPMOD32:
		return reloc.KindTLSDTPMod
	case elf.R_RISCV_TLS_DTPREL32:
		return reloc.KindTLSDTPOff
	case elf.R_RISCV_TLS_TPREL32:
		return reloc.KindTLSTPOff
	default:
		return reloc.KindUnknown
	}
}

func (riscv32Backend) WordSize() int { return 4 }
