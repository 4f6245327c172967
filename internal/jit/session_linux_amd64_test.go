//go:build linux && amd64

package jit

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/jitlink/internal/native"
	"github.com/tinyrange/jitlink/internal/sample"
)

func newNativeSession(t *testing.T) *Session {
	t.Helper()
	sess, err := New(Options{
		Target: linux,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := sess.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return sess
}

func bind[F any](t *testing.T, sess *Session, unit, symbol string) F {
	t.Helper()
	sym, err := sess.Lookup(unit, symbol)
	if err != nil {
		t.Fatalf("Lookup(%s, %s) failed: %v", unit, symbol, err)
	}
	fn, err := native.Func[F](sym.Address)
	if err != nil {
		t.Fatalf("Func failed: %v", err)
	}
	return fn
}

func TestNativeSquare(t *testing.T) {
	sess := newNativeSession(t)
	if err := sess.Add("unit1", sample.DefineSquare(linux)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	square := bind[func(float64) float64](t, sess, "unit1", "square")
	if got := square(10); got != 100 {
		t.Fatalf("square(10)=%v, want 100", got)
	}
}

func TestNativeFactorial(t *testing.T) {
	sess := newNativeSession(t)
	if err := sess.Add("fact", sample.DefineFactorial(linux)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	factorial := bind[func(int64) int64](t, sess, "fact", "factorial")
	for _, tc := range []struct{ n, want int64 }{{0, 1}, {1, 1}, {5, 120}, {-1, 1}} {
		if got := factorial(tc.n); got != tc.want {
			t.Fatalf("factorial(%d)=%d, want %d", tc.n, got, tc.want)
		}
	}
	mainFn := bind[func() int32](t, sess, "fact", "main")
	if got := mainFn(); got != 1 {
		t.Fatalf("main()=%d, want 1", got)
	}
	if stats := sess.Stats(); stats.Compilations != 1 {
		t.Fatalf("Stats=%+v, want one compilation", stats)
	}
}

func TestNativeCrossUnitAndHost(t *testing.T) {
	sess := newNativeSession(t)
	if err := sess.Add("caller", sample.DefineCaller(linux, "square")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := sess.Lookup("caller", "quad"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("Lookup without callee error=%v, want ErrSymbolNotFound", err)
	}
	if err := sess.Add("callee", sample.DefineSquare(linux)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	quad := bind[func(float64) float64](t, sess, "caller", "quad")
	if got := quad(3); got != 81 {
		t.Fatalf("quad(3)=%v, want 81", got)
	}

	if err := sess.Add("hostcall", sample.DefineHostCaller(linux)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	absdiff := bind[func(int64, int64) int64](t, sess, "hostcall", "absdiff")
	if got := absdiff(3, 10); got != 7 {
		t.Fatalf("absdiff(3, 10)=%d, want 7", got)
	}
}
