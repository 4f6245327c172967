package jit

import (
	"errors"
	"fmt"

	"github.com/tinyrange/jitlink/internal/loader"
)

var (
	ErrDuplicateName    = errors.New("unit name already registered")
	ErrUnitNotFound     = errors.New("unit not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrUnitInUse        = errors.New("unit in use")
	ErrDuplicateSymbol  = errors.New("duplicate symbol")
	ErrCyclicDependency = errors.New("cyclic dependency between units")

	// ErrSymbolNotFound is shared with the loader so a resolver miss is
	// recognized on both sides.
	ErrSymbolNotFound = loader.ErrSymbolNotFound
)

// CompilationError reports a code generator failure. It is sticky: every
// later lookup in the unit returns the same error.
type CompilationError struct {
	Unit string
	Err  error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile unit %q: %v", e.Unit, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// LinkError reports a loader failure, including unresolved symbols. The
// compiled object is kept and the next lookup retries the link.
type LinkError struct {
	Unit string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link unit %q: %v", e.Unit, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// DependencyError reports a unit that could not be materialized while
// resolving a symbol for another unit. A missing symbol inside the dependency
// is not exposed through Unwrap, so the dependent's link aborts with the
// dependency's detail instead of treating the name as undefined.
type DependencyError struct {
	Unit string
	Err  error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %q: %v", e.Unit, e.Err)
}

func (e *DependencyError) Unwrap() error {
	if errors.Is(e.Err, ErrSymbolNotFound) {
		return nil
	}
	return e.Err
}
