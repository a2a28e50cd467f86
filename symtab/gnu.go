package symtab

import (
	"github.com/kalium-systems/elfloader/elfbits"
	"github.com/kalium-systems/elfloader/memview"
)

// gnuHash is the GNU hash table format (.gnu.hash): a bloom filter over
// a word-sized array followed by buckets and chains. Ported from
// original_source's src/hash/gnu.rs.
type gnuHash struct {
	nbucket uint32
	symbias uint32
	nbloom  uint32
	nshift  uint32

	bloomAddr  uint64
	bucketAddr uint64
	chainAddr  uint64
}

const wordBits = 64 // this loader targets 64-bit hosts exclusively for the bloom word size

func parseGNUHash(addr uint64) *gnuHash {
	g := &gnuHash{
		nbucket: memview.ReadU32(addr),
		symbias: memview.ReadU32(addr + 4),
		nbloom:  memview.ReadU32(addr + 8),
		nshift:  memview.ReadU32(addr + 12),
	}
	bloomSize := uint64(g.nbloom) * 8
	bucketSize := uint64(g.nbucket) * 4
	g.bloomAddr = addr + 16
	g.bucketAddr = g.bloomAddr + bloomSize
	g.chainAddr = g.bucketAddr + bucketSize
	return g
}

// gnuHashName computes the GNU hash of name: h=5381; h = h*33+b,
// with u32 wraparound.
func gnuHashName(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func (g *gnuHash) lookup(pc *PreCompute, strtab *StrTab, symtabAddr uint64, class elfbits.Class) (Symbol, int, bool) {
	if !pc.gnuDone {
		pc.gnuHash = gnuHashName(pc.name)
		pc.gnuFofs = (pc.gnuHash / wordBits)
		pc.gnuFmask = (1 << (pc.gnuHash % wordBits)) | (1 << ((pc.gnuHash >> g.nshift) % wordBits))
		pc.gnuDone = true
	}
	hash := pc.gnuHash

	bloomIdx := uint64(pc.gnuFofs) % uint64(g.nbloom)
	filter := memview.ReadU64(g.bloomAddr + bloomIdx*8)
	if filter&uint64(pc.gnuFmask) == 0 {
		return Symbol{}, 0, false
	}

	if g.nbucket == 0 {
		return Symbol{}, 0, false
	}
	chainStart := memview.ReadU32(g.bucketAddr + uint64(hash%g.nbucket)*4)
	if chainStart == 0 {
		return Symbol{}, 0, false
	}

	idx := int(chainStart)
	chainOff := uint64(idx) - uint64(g.symbias)
	for {
		chainHash := memview.ReadU32(g.chainAddr + chainOff*4)
		if (hash|1) == (chainHash|1) {
			sym := ReadSymbol(symtabAddr, idx, class)
			if strtab.String(sym.NameOff) == pc.name {
				return sym, idx, true
			}
		}
		if chainHash&1 != 0 {
			break
		}
		chainOff++
		idx++
	}
	return Symbol{}, 0, false
}
