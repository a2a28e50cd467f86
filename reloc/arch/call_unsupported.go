//go:build !amd64 && !arm64

package arch

import "errors"

// ErrCallUnsupported is returned by CallNative on host architectures
// this build doesn't carry a native-call trampoline for. IRELATIVE
// resolvers and any live PLT landing pad need one because the loaded
// code runs directly on the host CPU rather than an emulator; without
// cgo, that requires a small per-GOARCH assembly shim (see
// call_amd64.s / call_arm64.s), which this module only carries for
// the two most common embedding hosts.
var ErrCallUnsupported = errors.New("arch: native call trampoline not implemented for this GOARCH")

func CallNative(addr uint64) (uint64, error) {
	return 0, ErrCallUnsupported
}
