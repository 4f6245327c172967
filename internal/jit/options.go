package jit

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/tinyrange/jitlink/internal/loader"
	"github.com/tinyrange/jitlink/internal/objcache"
	"github.com/tinyrange/jitlink/internal/target"
)

// Options configures a Session. The zero value compiles for the host with
// the built-in generator and loader and resolves leftovers against the C
// runtime.
type Options struct {
	// Target defaults to target.Host().
	Target target.Description

	Generator Generator
	Linker    Linker

	// Host resolves symbols no unit defines. When nil a loader.HostResolver
	// over HostLibraries is opened unless DisableHost is set.
	Host          HostResolver
	HostLibraries []string
	DisableHost   bool

	// Cache, when set, is consulted before compiling a unit.
	Cache *objcache.Cache

	Logger *slog.Logger

	// Parallelism bounds Prefetch. Defaults to GOMAXPROCS.
	Parallelism int
}

func (o *Options) normalize() error {
	if o.Target.IsZero() {
		td, err := target.Host()
		if err != nil {
			return err
		}
		o.Target = td
	}
	if o.Generator == nil {
		o.Generator = DefaultGenerator
	}
	if o.Linker == nil {
		o.Linker = DefaultLinker
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.GOMAXPROCS(0)
	}
	if o.Host == nil && !o.DisableHost {
		host, err := loader.NewHostResolver(o.HostLibraries...)
		switch {
		case errors.Is(err, loader.ErrUnsupportedPlatform):
			o.Logger.Warn("host symbol resolution unavailable", "error", err)
		case err != nil:
			return fmt.Errorf("open host libraries: %w", err)
		default:
			o.Host = host
		}
	}
	return nil
}

// UnitOption adjusts how a unit is registered.
type UnitOption func(*unit)

// Private keeps the unit's symbols out of the shared symbol table. They are
// still reachable through Lookup on the unit itself.
func Private() UnitOption {
	return func(u *unit) {
		u.private = true
	}
}
