// Package native turns addresses of JIT-compiled functions into callable Go
// func values.
package native

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ebitengine/purego"
)

var (
	ErrNilAddress  = errors.New("nil function address")
	ErrInvalidFunc = errors.New("invalid function pointer")
)

// Bind makes the func pointed to by fptr call the C ABI function at addr.
// fptr must be a non-nil pointer to a func variable whose signature uses only
// integer, float, pointer and bool types.
func Bind(fptr any, addr uintptr) (err error) {
	if addr == 0 {
		return ErrNilAddress
	}
	v := reflect.ValueOf(fptr)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Func {
		return fmt.Errorf("%w: %T", ErrInvalidFunc, fptr)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidFunc, r)
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return nil
}

// Func returns a func of type F bound to addr.
func Func[F any](addr uintptr) (F, error) {
	var fn F
	if err := Bind(&fn, addr); err != nil {
		var zero F
		return zero, err
	}
	return fn, nil
}
