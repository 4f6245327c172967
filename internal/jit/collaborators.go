package jit

import (
	"github.com/llir/llvm/ir"

	"github.com/tinyrange/jitlink/internal/codegen"
	_ "github.com/tinyrange/jitlink/internal/codegen/amd64"
	"github.com/tinyrange/jitlink/internal/loader"
	"github.com/tinyrange/jitlink/internal/object"
	"github.com/tinyrange/jitlink/internal/target"
)

// Generator turns an IR module into a relocatable object.
type Generator interface {
	Compile(m *ir.Module, td target.Description) ([]byte, error)
}

// Resolver supplies the address of a mangled symbol, or an error wrapping
// ErrSymbolNotFound.
type Resolver interface {
	Resolve(name string) (uintptr, error)
}

// Linker maps a relocatable object into memory, resolving undefined symbols
// through resolve.
type Linker interface {
	Link(blob []byte, resolve Resolver) (Linked, error)
}

// Linked is the mapped code of one unit. Release frees it; calling it twice
// is harmless.
type Linked interface {
	Exports() map[string]uintptr
	Release() error
}

// HostResolver resolves symbols already present in the process. Names are
// passed without the target's global prefix.
type HostResolver interface {
	Resolve(name string) (uintptr, error)
	Close() error
}

// DefaultGenerator compiles with the code generator registered for the
// target architecture.
var DefaultGenerator Generator = codegen.GeneratorFunc(codegen.Compile)

// DefaultLinker parses ELF objects and maps them with the loader.
var DefaultLinker Linker = loaderLinker{}

type loaderLinker struct{}

func (loaderLinker) Link(blob []byte, resolve Resolver) (Linked, error) {
	obj, err := object.Parse(blob)
	if err != nil {
		return nil, err
	}
	img, err := loader.Load(obj, resolve)
	if err != nil {
		return nil, err
	}
	return img, nil
}
