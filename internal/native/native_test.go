package native

import (
	"errors"
	"testing"
)

func TestBindRejectsBadInput(t *testing.T) {
	var fn func(int64) int64
	if err := Bind(&fn, 0); !errors.Is(err, ErrNilAddress) {
		t.Fatalf("Bind(0) error=%v, want ErrNilAddress", err)
	}
	if err := Bind(fn, 0x1000); !errors.Is(err, ErrInvalidFunc) {
		t.Fatalf("Bind(non-pointer) error=%v, want ErrInvalidFunc", err)
	}
	var notFunc int
	if err := Bind(&notFunc, 0x1000); !errors.Is(err, ErrInvalidFunc) {
		t.Fatalf("Bind(*int) error=%v, want ErrInvalidFunc", err)
	}
	if _, err := Func[func() int32](0); !errors.Is(err, ErrNilAddress) {
		t.Fatalf("Func(0) error=%v, want ErrNilAddress", err)
	}
}
