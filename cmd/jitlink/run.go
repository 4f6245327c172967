package main

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/spf13/cobra"

	"github.com/tinyrange/jitlink/internal/native"
)

var errUnsupportedSignature = errors.New("unsupported signature")

func (a *app) runCmd() *cobra.Command {
	var deps []string
	cmd := &cobra.Command{
		Use:   "run [flags] <sample|file.ll> <function> [args...]",
		Short: "Link a module and call one of its functions",
		Long: "Link a module and call one of its functions. Arguments are parsed according\n" +
			"to the function's IR signature (integers, double and i1).\n\n" +
			"Flags go before the module. Everything after it is positional, so\n" +
			"negative numbers need no quoting: jitlink run factorial factorial -1",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			td, err := a.target()
			if err != nil {
				return err
			}
			src := parseSource(args[0])
			m, err := src.load(td)
			if err != nil {
				return err
			}
			fn, err := findFunc(m, args[1])
			if err != nil {
				return err
			}
			ft, err := funcType(fn)
			if err != nil {
				return err
			}
			in, err := parseArgs(ft, args[2:])
			if err != nil {
				return err
			}

			sess, err := a.newSession(td)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, sess.Shutdown())
			}()
			if err := sess.Add(src.unit, m); err != nil {
				return err
			}
			depSources := make([]source, len(deps))
			for idx, dep := range deps {
				depSources[idx] = parseSource(dep)
			}
			if _, err := addAll(sess, depSources); err != nil {
				return err
			}

			sym, err := sess.Lookup(src.unit, args[1])
			if err != nil {
				return err
			}
			ptr := reflect.New(ft)
			if err := native.Bind(ptr.Interface(), sym.Address); err != nil {
				return err
			}
			a.log.Debug("calling", "symbol", sym.Name, "address", fmt.Sprintf("%#x", sym.Address), "args", args[2:])
			out := ptr.Elem().Call(in)
			if len(out) == 0 {
				return nil
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out[0].Interface())
			return err
		},
	}
	cmd.Flags().StringSliceVar(&deps, "with", nil, "additional module to make available for linking (repeatable)")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func findFunc(m *ir.Module, name string) (*ir.Func, error) {
	for _, fn := range m.Funcs {
		if fn.Name() == name && len(fn.Blocks) > 0 {
			return fn, nil
		}
	}
	if _, err := firstDefined(m); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("function %q not defined in module", name)
}

// funcType maps an IR signature onto the Go func type used to call it.
func funcType(fn *ir.Func) (reflect.Type, error) {
	if fn.Sig.Variadic {
		return nil, fmt.Errorf("%w: variadic %s", errUnsupportedSignature, fn.Name())
	}
	in := make([]reflect.Type, 0, len(fn.Sig.Params))
	for _, param := range fn.Sig.Params {
		t, err := goType(param)
		if err != nil {
			return nil, err
		}
		in = append(in, t)
	}
	var out []reflect.Type
	if !fn.Sig.RetType.Equal(types.Void) {
		t, err := goType(fn.Sig.RetType)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return reflect.FuncOf(in, out, false), nil
}

func goType(t types.Type) (reflect.Type, error) {
	switch t := t.(type) {
	case *types.IntType:
		switch t.BitSize {
		case 1:
			return reflect.TypeFor[bool](), nil
		case 8:
			return reflect.TypeFor[int8](), nil
		case 16:
			return reflect.TypeFor[int16](), nil
		case 32:
			return reflect.TypeFor[int32](), nil
		case 64:
			return reflect.TypeFor[int64](), nil
		}
	case *types.FloatType:
		if t.Kind == types.FloatKindDouble {
			return reflect.TypeFor[float64](), nil
		}
	case *types.PointerType:
		return reflect.TypeFor[uintptr](), nil
	}
	return nil, fmt.Errorf("%w: type %s", errUnsupportedSignature, t)
}

func parseArgs(ft reflect.Type, args []string) ([]reflect.Value, error) {
	if len(args) != ft.NumIn() {
		return nil, fmt.Errorf("function takes %d arguments, got %d", ft.NumIn(), len(args))
	}
	out := make([]reflect.Value, len(args))
	for idx, arg := range args {
		t := ft.In(idx)
		v := reflect.New(t).Elem()
		switch t.Kind() {
		case reflect.Bool:
			b, err := strconv.ParseBool(arg)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", idx, err)
			}
			v.SetBool(b)
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(arg, 0, t.Bits())
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", idx, err)
			}
			v.SetInt(n)
		case reflect.Uintptr:
			n, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", idx, err)
			}
			v.SetUint(n)
		case reflect.Float64:
			f, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", idx, err)
			}
			v.SetFloat(f)
		default:
			return nil, fmt.Errorf("%w: argument %d of kind %s", errUnsupportedSignature, idx, t.Kind())
		}
		out[idx] = v
	}
	return out, nil
}
