package arch

// flushICacheRange invalidates the instruction cache for [addr, addr+n)
// after this process has written executable code there. A documented
// no-op on every architecture in this package's target list (see each
// backend's FlushICache comment): invalidating the I-cache on
// arm/aarch64/riscv/loong64 from pure Go without cgo or inline assembly
// isn't possible with this module's dependency stack, and amd64 never
// calls this path at all since its instruction and data caches are
// coherent.
func flushICacheRange(addr uint64, n int) {}
