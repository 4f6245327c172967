package codegen

import (
	"errors"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

// Verify checks the structural rules every backend relies on: unique named
// functions, a terminator on every block, returns that match the function
// signature and calls whose argument count matches the callee.
func Verify(m *ir.Module) error {
	if m == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidModule)
	}

	var errs []error
	seen := make(map[string]bool, len(m.Funcs))
	for _, f := range m.Funcs {
		name := f.Name()
		if name == "" {
			errs = append(errs, fmt.Errorf("%w: unnamed function", ErrInvalidModule))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("%w: function @%s defined twice", ErrInvalidModule, name))
		}
		seen[name] = true
		if len(f.Blocks) == 0 {
			continue
		}
		for _, err := range verifyFunc(f) {
			errs = append(errs, fmt.Errorf("%w: @%s: %v", ErrInvalidModule, name, err))
		}
	}
	return errors.Join(errs...)
}

func verifyFunc(f *ir.Func) []error {
	var errs []error
	retType := f.Sig.RetType
	for idx, b := range f.Blocks {
		if b.Term == nil {
			errs = append(errs, fmt.Errorf("block %d has no terminator", idx))
			continue
		}
		if ret, ok := b.Term.(*ir.TermRet); ok {
			switch {
			case ret.X == nil && !isVoid(retType):
				errs = append(errs, fmt.Errorf("block %d returns void from function returning %s", idx, retType))
			case ret.X != nil && isVoid(retType):
				errs = append(errs, fmt.Errorf("block %d returns a value from void function", idx))
			case ret.X != nil && !ret.X.Type().Equal(retType):
				errs = append(errs, fmt.Errorf("block %d returns %s, want %s", idx, ret.X.Type(), retType))
			}
		}
		for _, inst := range b.Insts {
			call, ok := inst.(*ir.InstCall)
			if !ok {
				continue
			}
			callee, ok := call.Callee.(*ir.Func)
			if !ok {
				continue
			}
			want := len(callee.Sig.Params)
			if len(call.Args) != want && !(callee.Sig.Variadic && len(call.Args) > want) {
				errs = append(errs, fmt.Errorf("call to @%s passes %d arguments, want %d", callee.Name(), len(call.Args), want))
			}
		}
	}
	return errs
}

func isVoid(t types.Type) bool {
	_, ok := t.(*types.VoidType)
	return ok
}
