// Package config holds process-wide defaults for the loader, read once
// from the environment when a Loader is constructed.
package config

import "github.com/xyproto/env/v2"

// Defaults are the environment-derived knobs. The Loader consults Base
// and Debug; Lazy is read from the environment but not passed on, since
// a Relocator takes its lazy-binding default from NewRelocator's
// argument and its per-call override from Relocator.Lazy.
type Defaults struct {
	// Base is the address hint ET_DYN images are reserved at; the
	// provider remains free to place them elsewhere (0 lets the
	// provider pick).
	Base uint64
	// Lazy is the environment's lazy-binding setting for PLT/JUMP_SLOT
	// relocations.
	Lazy bool
	// Debug enables verbose (zap development) logging.
	Debug bool
}

// Load reads Defaults from the environment:
//
//	ELFLOADER_BASE  - default ET_DYN load base (hex or decimal), 0 = auto
//	ELFLOADER_LAZY  - default lazy-binding mode, default true
//	ELFLOADER_DEBUG - verbose logging, default false
func Load() Defaults {
	return Defaults{
		Base:  uint64(env.Int("ELFLOADER_BASE", 0)),
		Lazy:  env.Bool("ELFLOADER_LAZY", true),
		Debug: env.Bool("ELFLOADER_DEBUG", false),
	}
}
