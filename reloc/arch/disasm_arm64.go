package arch

import (
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/kalium-systems/elfloader/memview"
)

// DisassembleRelocSite decodes the instruction at a JUMP_SLOT/PLT
// write site for ELFLOADER_DEBUG trace output. It's a debug
// convenience only: relocation itself never depends on instruction
// decoding, just on the byte offsets the dynamic section already
// supplies. reloc/apply.go type-asserts for this method so the decode
// only ever happens on arm64, the one architecture this package
// carries an x/arch decoder for.
func (arm64Backend) DisassembleRelocSite(addr uint64) (string, error) {
	inst, err := arm64asm.Decode(memview.Bytes(addr, 4))
	if err != nil {
		return "", err
	}
	return inst.String(), nil
}
