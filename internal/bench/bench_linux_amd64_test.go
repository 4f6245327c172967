//go:build linux && amd64

package bench

import (
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/jitlink/internal/codegen/amd64"
	"github.com/tinyrange/jitlink/internal/jit"
	"github.com/tinyrange/jitlink/internal/loader"
	"github.com/tinyrange/jitlink/internal/native"
	"github.com/tinyrange/jitlink/internal/sample"
)

func BenchmarkLoadFactorial(b *testing.B) {
	obj, err := amd64.Lower(sample.DefineFactorial(linux), linux)
	if err != nil {
		b.Fatalf("Lower failed: %v", err)
	}
	for b.Loop() {
		img, err := loader.Load(obj, nil)
		if err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		if err := img.Release(); err != nil {
			b.Fatalf("Release failed: %v", err)
		}
	}
}

func BenchmarkCallFactorial(b *testing.B) {
	sess, err := jit.New(jit.Options{
		Target:      linux,
		DisableHost: true,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}
	defer sess.Shutdown()

	if err := sess.Add("fact", sample.DefineFactorial(linux)); err != nil {
		b.Fatalf("Add failed: %v", err)
	}
	sym, err := sess.Lookup("fact", "factorial")
	if err != nil {
		b.Fatalf("Lookup failed: %v", err)
	}
	factorial, err := native.Func[func(int64) int64](sym.Address)
	if err != nil {
		b.Fatalf("Func failed: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		if got := factorial(10); got != 3628800 {
			b.Fatalf("factorial(10)=%d", got)
		}
	}
}

func BenchmarkLookupMaterialized(b *testing.B) {
	sess, err := jit.New(jit.Options{
		Target:      linux,
		DisableHost: true,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}
	defer sess.Shutdown()

	if err := sess.Add("square", sample.DefineSquare(linux)); err != nil {
		b.Fatalf("Add failed: %v", err)
	}
	if _, err := sess.Lookup("square", "square"); err != nil {
		b.Fatalf("Lookup failed: %v", err)
	}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := sess.Lookup("square", "square"); err != nil {
				b.Errorf("Lookup failed: %v", err)
				return
			}
		}
	})
}
