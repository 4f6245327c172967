// Package jit implements a lazy JIT linking session.
//
// Units are registered with Add and compiled the first time a Lookup needs
// them. A unit is compiled at most once. Its object is then linked into
// executable memory and its global symbols are published to the session.
//
// Undefined symbols are resolved in this order:
//
//  1. definitions inside the unit itself,
//  2. symbols published by other materialized public units,
//  3. public pending units whose module defines the symbol, materialized on
//     demand in registration order,
//  4. the host process, by unmangled name.
//
// The first pending unit that defines a symbol is authoritative. If it fails
// to compile or link, resolution stops with a DependencyError: later units
// defining the same name and the host are not consulted.
//
// Compilation errors are sticky. Link errors are not: the compiled object is
// kept and the next Lookup retries the link.
package jit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/jitlink/internal/objcache"
	"github.com/tinyrange/jitlink/internal/target"
	"github.com/tinyrange/jitlink/internal/timeslice"
)

var (
	tsCompile   = timeslice.RegisterKind("jit::compile")
	tsCacheRead = timeslice.RegisterKind("jit::cache_read")
	tsLink      = timeslice.RegisterKind("jit::link")
)

// ErrInvalidUnit is returned by Add for an empty name or a nil module.
var ErrInvalidUnit = errors.New("invalid unit")

// UnitState is the lifecycle state of a unit.
type UnitState int

const (
	StatePending UnitState = iota
	StateMaterialized
	StateFailed
)

func (s UnitState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMaterialized:
		return "materialized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("UnitState(%d)", int(s))
	}
}

// Symbol is a resolved address.
type Symbol struct {
	Name    string
	Unit    string
	Address uintptr
}

// UnitInfo describes a registered unit.
type UnitInfo struct {
	Name    string
	State   UnitState
	Private bool
	// Symbols lists the exported mangled names once materialized.
	Symbols []string
}

// Stats counts session activity.
type Stats struct {
	Compilations int64
	CacheHits    int64
	Links        int64
	LinkFailures int64
}

type unit struct {
	name    string
	module  *ir.Module
	private bool
	defines map[string]bool

	compileOnce sync.Once
	blob        []byte
	compileErr  error

	// Written with both linkMu and mu held.
	state   UnitState
	linked  Linked
	exports map[string]uintptr
	deps    map[*unit]bool
}

type published struct {
	addr uintptr
	unit *unit
}

// Session owns a set of compilation units and the memory they are linked
// into. It is safe for concurrent use.
type Session struct {
	target    target.Description
	generator Generator
	linker    Linker
	host      HostResolver
	cache     *objcache.Cache
	log       *slog.Logger
	parallel  int

	mu      sync.RWMutex
	units   map[string]*unit
	order   []*unit
	symbols map[string]published
	closed  bool

	// linkMu serializes linking, publishing, removal and shutdown.
	linkMu   sync.Mutex
	inflight sync.WaitGroup

	compilations atomic.Int64
	cacheHits    atomic.Int64
	links        atomic.Int64
	linkFailures atomic.Int64
}

// New creates a session.
func New(opts Options) (*Session, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &Session{
		target:    opts.Target,
		generator: opts.Generator,
		linker:    opts.Linker,
		host:      opts.Host,
		cache:     opts.Cache,
		log:       opts.Logger,
		parallel:  opts.Parallelism,
		units:     make(map[string]*unit),
		symbols:   make(map[string]published),
	}, nil
}

// Target returns the description code is generated for.
func (s *Session) Target() target.Description {
	return s.target
}

// Add registers m under name. The session takes ownership of m. Nothing is
// compiled until a lookup needs the unit.
func (s *Session) Add(name string, m *ir.Module, opts ...UnitOption) error {
	if name == "" || m == nil {
		return fmt.Errorf("add %q: %w", name, ErrInvalidUnit)
	}
	u := &unit{name: name, module: m, defines: s.definedSymbols(m)}
	for _, opt := range opts {
		opt(u)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.units[name]; ok {
		return fmt.Errorf("add %q: %w", name, ErrDuplicateName)
	}
	s.units[name] = u
	s.order = append(s.order, u)
	s.log.Debug("unit added", "unit", name, "private", u.private, "defines", len(u.defines))
	return nil
}

func (s *Session) definedSymbols(m *ir.Module) map[string]bool {
	defines := make(map[string]bool)
	for _, fn := range m.Funcs {
		if len(fn.Blocks) == 0 {
			continue
		}
		if fn.Linkage == enum.LinkageInternal || fn.Linkage == enum.LinkagePrivate {
			continue
		}
		defines[s.target.Mangle(fn.Name())] = true
	}
	return defines
}

// Lookup materializes the unit if needed and returns the address of symbol,
// given by its source-level name.
func (s *Session) Lookup(unitName, symbol string) (Symbol, error) {
	mangled := s.target.Mangle(symbol)

	s.mu.RLock()
	u, err := s.unitLocked(unitName)
	if err == nil && u.state == StateMaterialized {
		addr, ok := u.exports[mangled]
		s.mu.RUnlock()
		return s.symbolResult(u, symbol, addr, ok)
	}
	if err != nil {
		s.mu.RUnlock()
		return Symbol{}, err
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	if err := s.materialize(u); err != nil {
		return Symbol{}, err
	}

	s.mu.RLock()
	addr, ok := u.exports[mangled]
	s.mu.RUnlock()
	return s.symbolResult(u, symbol, addr, ok)
}

func (s *Session) symbolResult(u *unit, symbol string, addr uintptr, ok bool) (Symbol, error) {
	if !ok {
		return Symbol{}, fmt.Errorf("%s in unit %q: %w", symbol, u.name, ErrSymbolNotFound)
	}
	return Symbol{Name: symbol, Unit: u.name, Address: addr}, nil
}

// unitLocked returns the registered unit. s.mu must be held.
func (s *Session) unitLocked(name string) (*unit, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	u, ok := s.units[name]
	if !ok {
		return nil, fmt.Errorf("unit %q: %w", name, ErrUnitNotFound)
	}
	return u, nil
}

// Prefetch compiles and links the named units ahead of any lookup.
// Compilation runs concurrently up to the configured parallelism.
func (s *Session) Prefetch(ctx context.Context, names ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.mu.RLock()
			u, err := s.unitLocked(name)
			if err != nil {
				s.mu.RUnlock()
				return err
			}
			s.inflight.Add(1)
			s.mu.RUnlock()
			defer s.inflight.Done()
			return s.materialize(u)
		})
	}
	return g.Wait()
}

func (s *Session) materialize(u *unit) error {
	if err := s.compile(u); err != nil {
		return err
	}

	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	return s.link(u, make(map[*unit]bool))
}

func (s *Session) compile(u *unit) error {
	u.compileOnce.Do(func() {
		u.blob, u.compileErr = s.generate(u)
		if u.compileErr != nil {
			s.log.Warn("unit failed to compile", "unit", u.name, "error", u.compileErr)
			s.mu.Lock()
			u.state = StateFailed
			s.mu.Unlock()
		}
	})
	return u.compileErr
}

func (s *Session) generate(u *unit) ([]byte, error) {
	var key objcache.Key
	if s.cache != nil {
		start := time.Now()
		key = objcache.KeyFor(s.target.Triple, u.module.String())
		blob, ok, err := s.cache.Get(key, s.target.Triple)
		timeslice.Since(tsCacheRead, start)
		switch {
		case err != nil:
			s.log.Warn("object cache read failed", "unit", u.name, "error", err)
		case ok:
			s.cacheHits.Add(1)
			s.log.Debug("object cache hit", "unit", u.name, "key", key)
			return blob, nil
		}
	}

	s.compilations.Add(1)
	start := time.Now()
	blob, err := s.generator.Compile(u.module, s.target)
	timeslice.Since(tsCompile, start)
	if err != nil {
		return nil, &CompilationError{Unit: u.name, Err: err}
	}
	s.log.Debug("unit compiled", "unit", u.name, "bytes", len(blob))

	if s.cache != nil {
		if err := s.cache.Put(key, s.target.Triple, blob); err != nil {
			s.log.Warn("object cache write failed", "unit", u.name, "error", err)
		}
	}
	return blob, nil
}

// link maps a compiled unit and publishes its symbols. visiting holds the
// units whose link is in progress further up the stack. linkMu must be held.
func (s *Session) link(u *unit, visiting map[*unit]bool) error {
	if u.state == StateMaterialized {
		return nil
	}
	s.mu.RLock()
	current, ok := s.units[u.name]
	s.mu.RUnlock()
	if !ok || current != u {
		return fmt.Errorf("unit %q: %w", u.name, ErrUnitNotFound)
	}

	visiting[u] = true
	defer delete(visiting, u)

	deps := make(map[*unit]bool)
	start := time.Now()
	linked, err := s.linker.Link(u.blob, resolveFunc(func(name string) (uintptr, error) {
		return s.resolve(u, name, visiting, deps)
	}))
	timeslice.Since(tsLink, start)
	s.links.Add(1)
	if err != nil {
		s.linkFailures.Add(1)
		s.log.Warn("unit failed to link", "unit", u.name, "error", err)
		return &LinkError{Unit: u.name, Err: err}
	}

	exports := linked.Exports()
	if !u.private {
		if err := s.checkDuplicates(u, exports); err != nil {
			s.linkFailures.Add(1)
			if rerr := linked.Release(); rerr != nil {
				s.log.Warn("release after failed link", "unit", u.name, "error", rerr)
			}
			return &LinkError{Unit: u.name, Err: err}
		}
	}

	s.mu.Lock()
	u.linked = linked
	u.exports = exports
	u.deps = deps
	u.state = StateMaterialized
	if !u.private {
		for name, addr := range exports {
			s.symbols[name] = published{addr: addr, unit: u}
		}
	}
	s.mu.Unlock()

	s.log.Debug("unit linked", "unit", u.name, "symbols", len(exports), "deps", len(deps))
	return nil
}

func (s *Session) checkDuplicates(u *unit, exports map[string]uintptr) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if owner, ok := s.symbols[name]; ok && owner.unit != u {
			return fmt.Errorf("%s already defined by %q: %w", name, owner.unit.name, ErrDuplicateSymbol)
		}
	}
	return nil
}

func (s *Session) resolve(u *unit, name string, visiting, deps map[*unit]bool) (uintptr, error) {
	s.mu.RLock()
	entry, ok := s.symbols[name]
	s.mu.RUnlock()
	if ok {
		deps[entry.unit] = true
		return entry.addr, nil
	}

	for _, provider := range s.providers(u, name) {
		if visiting[provider] {
			return 0, fmt.Errorf("%q needs %s from %q: %w", u.name, name, provider.name, ErrCyclicDependency)
		}
		if err := s.compile(provider); err != nil {
			return 0, &DependencyError{Unit: provider.name, Err: err}
		}
		if err := s.link(provider, visiting); err != nil {
			return 0, &DependencyError{Unit: provider.name, Err: err}
		}
		if addr, ok := provider.exports[name]; ok {
			deps[provider] = true
			return addr, nil
		}
	}

	if s.host != nil {
		addr, err := s.host.Resolve(s.target.Demangle(name))
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrSymbolNotFound) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
}

// providers returns the pending public units other than u that define name,
// in registration order.
func (s *Session) providers(u *unit, name string) []*unit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*unit
	for _, other := range s.order {
		if other == u || other.private || other.state == StateMaterialized {
			continue
		}
		if other.defines[name] {
			out = append(out, other)
		}
	}
	return out
}

// Remove releases the unit's memory and forgets its symbols. It fails with
// ErrUnitInUse while another materialized unit was linked against it.
func (s *Session) Remove(name string) error {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	s.mu.Lock()
	u, err := s.unitLocked(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for _, other := range s.order {
		if other != u && other.state == StateMaterialized && other.deps[u] {
			s.mu.Unlock()
			return fmt.Errorf("remove %q: used by %q: %w", name, other.name, ErrUnitInUse)
		}
	}
	delete(s.units, name)
	s.order = slices.DeleteFunc(s.order, func(other *unit) bool { return other == u })
	for sym, entry := range s.symbols {
		if entry.unit == u {
			delete(s.symbols, sym)
		}
	}
	linked := u.linked
	u.linked = nil
	u.exports = nil
	u.state = StatePending
	s.mu.Unlock()

	s.log.Debug("unit removed", "unit", name)
	if linked == nil {
		return nil
	}
	if err := linked.Release(); err != nil {
		return fmt.Errorf("release %q: %w", name, err)
	}
	return nil
}

// Shutdown waits for in-flight lookups, releases every unit in reverse
// registration order and closes the host resolver. Later calls return nil
// and every other operation fails with ErrSessionClosed.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()

	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	s.mu.Lock()
	order := s.order
	s.units = make(map[string]*unit)
	s.order = nil
	s.symbols = make(map[string]published)
	s.mu.Unlock()

	var errs []error
	for idx := len(order) - 1; idx >= 0; idx-- {
		u := order[idx]
		if u.linked == nil {
			continue
		}
		if err := u.linked.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", u.name, err))
		}
		u.linked = nil
	}
	if s.host != nil {
		if err := s.host.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close host resolver: %w", err))
		}
	}
	s.log.Debug("session shut down", "units", len(order))
	return errors.Join(errs...)
}

// Units reports every registered unit in registration order.
func (s *Session) Units() []UnitInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]UnitInfo, 0, len(s.order))
	for _, u := range s.order {
		info := UnitInfo{Name: u.name, State: u.state, Private: u.private}
		for name := range u.exports {
			info.Symbols = append(info.Symbols, name)
		}
		slices.Sort(info.Symbols)
		out = append(out, info)
	}
	return out
}

func (s *Session) Stats() Stats {
	return Stats{
		Compilations: s.compilations.Load(),
		CacheHits:    s.cacheHits.Load(),
		Links:        s.links.Load(),
		LinkFailures: s.linkFailures.Load(),
	}
}

type resolveFunc func(name string) (uintptr, error)

func (f resolveFunc) Resolve(name string) (uintptr, error) {
	return f(name)
}
