// Package codegen turns IR modules into relocatable object code. Backends
// register themselves per architecture; ForTarget picks the one matching a
// target description.
package codegen

import (
	"errors"
	"fmt"
	"sync"

	"github.com/llir/llvm/ir"

	"github.com/tinyrange/jitlink/internal/target"
)

var (
	ErrNoGenerator   = errors.New("no code generator for target")
	ErrInvalidModule = errors.New("invalid module")
	ErrUnsupported   = errors.New("unsupported construct")
)

// Generator compiles an IR module into an ELF relocatable object. Output is
// deterministic for a given module and target.
type Generator interface {
	Compile(m *ir.Module, td target.Description) ([]byte, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(m *ir.Module, td target.Description) ([]byte, error)

func (f GeneratorFunc) Compile(m *ir.Module, td target.Description) ([]byte, error) {
	return f(m, td)
}

var (
	generatorsMu sync.RWMutex
	generators   = make(map[target.Arch]Generator)
)

// Register wires an architecture-specific generator into ForTarget. It
// panics when the same architecture is registered twice so mistakes are
// caught during init.
func Register(arch target.Arch, gen Generator) {
	if arch == "" || arch == target.ArchInvalid {
		panic("codegen: cannot register generator for invalid architecture")
	}
	if gen == nil {
		panic("codegen: generator must be non-nil")
	}

	generatorsMu.Lock()
	defer generatorsMu.Unlock()

	if _, exists := generators[arch]; exists {
		panic(fmt.Sprintf("codegen: generator for %s already registered", arch))
	}
	generators[arch] = gen
}

// ForTarget returns the generator registered for td's architecture.
func ForTarget(td target.Description) (Generator, error) {
	generatorsMu.RLock()
	defer generatorsMu.RUnlock()

	if gen, ok := generators[td.Arch]; ok {
		return gen, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoGenerator, td.Triple)
}

// Compile verifies m and compiles it with the generator registered for td.
func Compile(m *ir.Module, td target.Description) ([]byte, error) {
	if err := Verify(m); err != nil {
		return nil, err
	}
	gen, err := ForTarget(td)
	if err != nil {
		return nil, err
	}
	return gen.Compile(m, td)
}
