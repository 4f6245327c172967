// Package sample builds the small IR modules used by the CLI and the tests:
// square, a recursive factorial with a main that checks it, a module that
// calls into another unit and one that calls into the host C library.
package sample

import (
	"errors"
	"fmt"
	"sort"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/tinyrange/jitlink/internal/target"
)

var ErrUnknownSample = errors.New("unknown sample")

// NewModule returns an empty module stamped with td's triple and data layout.
func NewModule(name string, td target.Description) *ir.Module {
	m := ir.NewModule()
	m.SourceFilename = name
	m.TargetTriple = td.Triple
	m.DataLayout = td.DataLayout
	return m
}

// DeclareFunction adds an external, non-variadic function to m. Adding
// blocks to the result turns the declaration into a definition.
func DeclareFunction(m *ir.Module, name string, ret types.Type, params ...types.Type) *ir.Func {
	irParams := make([]*ir.Param, len(params))
	for idx, typ := range params {
		irParams[idx] = ir.NewParam(fmt.Sprintf("a%d", idx), typ)
	}
	return m.NewFunc(name, ret, irParams...)
}

// DefineSquare returns module "square" defining double square(double x).
func DefineSquare(td target.Description) *ir.Module {
	m := NewModule("square", td)
	square := DeclareFunction(m, "square", types.Double, types.Double)
	x := square.Params[0]
	x.SetName("x")

	entry := square.NewBlock("entry")
	entry.NewRet(entry.NewFMul(x, x))
	return m
}

// DefineFactorial returns module "factorial" defining i64 factorial(i64 n)
// and i32 main(). Any n <= 0 takes the base case, so factorial(-1) is 1.
// main returns 1 when factorial(5) is 120 and 0 otherwise.
func DefineFactorial(td target.Description) *ir.Module {
	m := NewModule("factorial", td)
	factorial := defineFactorial(m)
	DefineMain(m, factorial)
	return m
}

func defineFactorial(m *ir.Module) *ir.Func {
	factorial := DeclareFunction(m, "factorial", types.I64, types.I64)
	n := factorial.Params[0]
	n.SetName("n")

	entry := factorial.NewBlock("entry")
	earlyRet := factorial.NewBlock("early_ret")
	recursive := factorial.NewBlock("recursive")

	zero := constant.NewInt(types.I64, 0)
	one := constant.NewInt(types.I64, 1)

	entry.NewCondBr(entry.NewICmp(enum.IPredSLE, n, zero), earlyRet, recursive)

	earlyRet.NewRet(one)

	prev := recursive.NewSub(n, one)
	sub := recursive.NewCall(factorial, prev)
	recursive.NewRet(recursive.NewMul(n, sub))
	return factorial
}

// DefineMain adds i32 main() to m, returning zext(factorial(5) == 120).
func DefineMain(m *ir.Module, factorial *ir.Func) *ir.Func {
	fn := DeclareFunction(m, "main", types.I32)
	entry := fn.NewBlock("entry")
	result := entry.NewCall(factorial, constant.NewInt(types.I64, 5))
	ok := entry.NewICmp(enum.IPredEQ, result, constant.NewInt(types.I64, 120))
	entry.NewRet(entry.NewZExt(ok, types.I32))
	return fn
}

// DefineCaller returns module "caller" declaring double callee(double) and
// defining double quad(double x) = callee(callee(x)). The callee is left
// undefined so it must be linked from another unit.
func DefineCaller(td target.Description, callee string) *ir.Module {
	m := NewModule("caller", td)
	ext := DeclareFunction(m, callee, types.Double, types.Double)
	quad := DeclareFunction(m, "quad", types.Double, types.Double)
	x := quad.Params[0]
	x.SetName("x")

	entry := quad.NewBlock("entry")
	once := entry.NewCall(ext, x)
	entry.NewRet(entry.NewCall(ext, once))
	return m
}

// DefineHostCaller returns module "hostcall" defining
// i64 absdiff(i64 a, i64 b) = labs(a - b), with labs taken from the host.
func DefineHostCaller(td target.Description) *ir.Module {
	m := NewModule("hostcall", td)
	labs := DeclareFunction(m, "labs", types.I64, types.I64)
	absdiff := DeclareFunction(m, "absdiff", types.I64, types.I64, types.I64)
	a, b := absdiff.Params[0], absdiff.Params[1]
	a.SetName("a")
	b.SetName("b")

	entry := absdiff.NewBlock("entry")
	entry.NewRet(entry.NewCall(labs, entry.NewSub(a, b)))
	return m
}

var builders = map[string]func(target.Description) *ir.Module{
	"square":    DefineSquare,
	"factorial": DefineFactorial,
	"caller": func(td target.Description) *ir.Module {
		return DefineCaller(td, "square")
	},
	"hostcall": DefineHostCaller,
}

// Names lists the built-in samples in sorted order.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a built-in sample.
func Known(name string) bool {
	_, ok := builders[name]
	return ok
}

// Named builds the built-in sample called name.
func Named(name string, td target.Description) (*ir.Module, error) {
	build, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownSample, name, Names())
	}
	return build(td), nil
}

// Parse reads a textual IR module from path.
func Parse(path string) (*ir.Module, error) {
	m, err := asm.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// ParseString parses a textual IR module; name is used in error messages.
func ParseString(name, text string) (*ir.Module, error) {
	m, err := asm.ParseString(name, text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return m, nil
}
