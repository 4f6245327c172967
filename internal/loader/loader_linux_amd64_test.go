//go:build linux && amd64

package loader

import (
	"errors"
	"testing"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/jitlink/internal/codegen/amd64"
	"github.com/tinyrange/jitlink/internal/sample"
	"github.com/tinyrange/jitlink/internal/target"
)

var linux = target.MustParse("x86_64-unknown-linux-gnu")

func loadSample(t *testing.T, name string, resolve Resolver) *Image {
	t.Helper()
	m, err := sample.Named(name, linux)
	if err != nil {
		t.Fatalf("Named failed: %v", err)
	}
	obj, err := amd64.Lower(m, linux)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	img, err := Load(obj, resolve)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() {
		if err := img.Release(); err != nil {
			t.Errorf("Release failed: %v", err)
		}
	})
	return img
}

func TestLoadSquare(t *testing.T) {
	img := loadSample(t, "square", nil)
	addr, err := img.Lookup("square")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	var square func(float64) float64
	purego.RegisterFunc(&square, addr)
	if got := square(10); got != 100 {
		t.Fatalf("square(10)=%v, want 100", got)
	}
}

func TestLoadFactorial(t *testing.T) {
	img := loadSample(t, "factorial", nil)
	addr, err := img.Lookup("factorial")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	var factorial func(int64) int64
	purego.RegisterFunc(&factorial, addr)
	for n, want := range map[int64]int64{0: 1, 1: 1, 5: 120, 10: 3628800, -1: 1} {
		if got := factorial(n); got != want {
			t.Fatalf("factorial(%d)=%d, want %d", n, got, want)
		}
	}

	mainAddr, err := img.Lookup("main")
	if err != nil {
		t.Fatalf("Lookup(main) failed: %v", err)
	}
	var mainFn func() int32
	purego.RegisterFunc(&mainFn, mainAddr)
	if got := mainFn(); got != 1 {
		t.Fatalf("main()=%d, want 1", got)
	}
}

func TestLoadHostCaller(t *testing.T) {
	host, err := NewHostResolver()
	if err != nil {
		t.Fatalf("NewHostResolver failed: %v", err)
	}
	defer host.Close()

	img := loadSample(t, "hostcall", host)
	addr, err := img.Lookup("absdiff")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	var absdiff func(int64, int64) int64
	purego.RegisterFunc(&absdiff, addr)
	if got := absdiff(3, 10); got != 7 {
		t.Fatalf("absdiff(3, 10)=%d, want 7", got)
	}
}

func TestLoadCrossImage(t *testing.T) {
	square := loadSample(t, "square", nil)
	img := loadSample(t, "caller", ResolverFunc(func(name string) (uintptr, error) {
		return square.Lookup(name)
	}))
	addr, err := img.Lookup("quad")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	var quad func(float64) float64
	purego.RegisterFunc(&quad, addr)
	if got := quad(3); got != 81 {
		t.Fatalf("quad(3)=%v, want 81", got)
	}
}

func TestLoadReportsUndefined(t *testing.T) {
	m := sample.DefineCaller(linux, "missing")
	obj, err := amd64.Lower(m, linux)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	_, err = Load(obj, nil)
	var undef *UndefinedSymbolsError
	if !errors.As(err, &undef) || len(undef.Names) != 1 || undef.Names[0] != "missing" {
		t.Fatalf("Load error=%v, want undefined missing", err)
	}
}

func TestHostResolver(t *testing.T) {
	host, err := NewHostResolver()
	if err != nil {
		t.Fatalf("NewHostResolver failed: %v", err)
	}
	if _, err := host.Resolve("labs"); err != nil {
		t.Fatalf("Resolve(labs) failed: %v", err)
	}
	if _, err := host.Resolve("definitely_not_a_libc_symbol"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("Resolve error=%v, want ErrSymbolNotFound", err)
	}
	if err := host.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := host.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := host.Resolve("labs"); err == nil {
		t.Fatalf("Resolve after Close succeeded")
	}
}
