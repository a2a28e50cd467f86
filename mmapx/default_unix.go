package mmapx

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultProvider is the reference Provider for unix-like hosts. Every
// mapping, file-backed or anonymous, goes through a raw mmap(2) syscall
// so an address hint can be passed (golang.org/x/sys/unix's high-level
// Mmap wrapper never takes one); munmap(2) and mprotect(2) are raw
// syscalls too.
//
// Modeled on original_source's os/unix.rs DefaultMmap.
type DefaultProvider struct{}

// NewDefaultProvider returns the unix reference Provider.
func NewDefaultProvider() *DefaultProvider { return &DefaultProvider{} }

func (DefaultProvider) CanFileMap() bool { return true }

func toUnixProt(p Prot) int {
	var v int
	if p&ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

func toUnixFlags(f Flags, anonymous bool) int {
	v := unix.MAP_SHARED
	if f&FlagPrivate != 0 {
		v = unix.MAP_PRIVATE
	}
	if f&FlagFixed != 0 {
		v |= unix.MAP_FIXED
	}
	if anonymous {
		v |= unix.MAP_ANONYMOUS
	}
	return v
}

// rawMmap issues the mmap(2) syscall directly, the only way to pass an
// address hint: unix.Mmap always lets the kernel choose.
func rawMmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func (DefaultProvider) Mmap(addr uintptr, length uintptr, prot Prot, flags Flags, fd *uintptr, offset int64) (Region, error) {
	if fd == nil {
		return DefaultProvider{}.MmapAnonymous(addr, length, prot, flags)
	}
	base, err := rawMmap(addr, length, toUnixProt(prot), toUnixFlags(flags, false), int(*fd), offset)
	if err != nil {
		return Region{}, mapErr("mmap", err)
	}
	return Region{Addr: base, Len: length}, nil
}

func (DefaultProvider) MmapAnonymous(addr uintptr, length uintptr, prot Prot, flags Flags) (Region, error) {
	base, err := rawMmap(addr, length, toUnixProt(prot), toUnixFlags(flags, true), -1, 0)
	if err != nil {
		return Region{}, mapErr("mmap_anonymous", err)
	}
	return Region{Addr: base, Len: length}, nil
}

func (DefaultProvider) MmapReserve(addr uintptr, length uintptr) (Region, error) {
	base, err := rawMmap(addr, length, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return Region{}, mapErr("mmap_reserve", err)
	}
	return Region{Addr: base, Len: length}, nil
}

func (DefaultProvider) Munmap(r Region) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, r.Addr, r.Len, 0)
	if errno != 0 {
		return mapErr("munmap", errno)
	}
	return nil
}

func (DefaultProvider) Mprotect(r Region, prot Prot) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, r.Addr, r.Len, uintptr(toUnixProt(prot)))
	if errno != 0 {
		return mapErr("mprotect", errno)
	}
	return nil
}

func mapErr(op string, err error) error {
	return fmt.Errorf("mmapx: %s failed: %w", op, err)
}
