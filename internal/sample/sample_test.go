package sample

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/jitlink/internal/codegen"
	"github.com/tinyrange/jitlink/internal/target"
)

var linux = target.MustParse("x86_64-unknown-linux-gnu")

func TestSamplesVerify(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			m, err := Named(name, linux)
			if err != nil {
				t.Fatalf("Named failed: %v", err)
			}
			if err := codegen.Verify(m); err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if m.TargetTriple != linux.Triple {
				t.Fatalf("TargetTriple=%q, want %q", m.TargetTriple, linux.Triple)
			}
		})
	}
}

func TestSquareText(t *testing.T) {
	text := DefineSquare(linux).String()
	for _, want := range []string{
		"define double @square(double %x)",
		"fmul double %x, %x",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("module text missing %q:\n%s", want, text)
		}
	}
}

func TestFactorialText(t *testing.T) {
	text := DefineFactorial(linux).String()
	for _, want := range []string{
		"define i64 @factorial(i64 %n)",
		"icmp sle i64 %n, 0",
		"call i64 @factorial(",
		"define i32 @main()",
		"call i64 @factorial(i64 5)",
		"icmp eq i64",
		"zext i1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("module text missing %q:\n%s", want, text)
		}
	}
}

func TestCallerDeclaresCallee(t *testing.T) {
	m := DefineCaller(linux, "square")
	var declared, defined []string
	for _, f := range m.Funcs {
		if len(f.Blocks) == 0 {
			declared = append(declared, f.Name())
		} else {
			defined = append(defined, f.Name())
		}
	}
	if len(declared) != 1 || declared[0] != "square" {
		t.Fatalf("declared=%v, want [square]", declared)
	}
	if len(defined) != 1 || defined[0] != "quad" {
		t.Fatalf("defined=%v, want [quad]", defined)
	}
}

func TestParseStringRoundTrip(t *testing.T) {
	src := DefineFactorial(linux).String()
	m, err := ParseString("factorial.ll", src)
	if err != nil {
		t.Fatalf("ParseString failed: %v", err)
	}
	if len(m.Funcs) != 2 {
		t.Fatalf("parsed %d functions, want 2", len(m.Funcs))
	}
	if err := codegen.Verify(m); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestParseStringRejectsGarbage(t *testing.T) {
	if _, err := ParseString("bad.ll", "define i64 @f( {"); err == nil {
		t.Fatalf("ParseString accepted malformed input")
	}
}

func TestNamedUnknown(t *testing.T) {
	_, err := Named("nope", linux)
	if !errors.Is(err, ErrUnknownSample) {
		t.Fatalf("Named error=%v, want ErrUnknownSample", err)
	}
}

func TestKnown(t *testing.T) {
	for _, name := range Names() {
		if !Known(name) {
			t.Fatalf("Known(%s)=false", name)
		}
	}
	if Known("square.ll") {
		t.Fatalf("Known(square.ll)=true")
	}
}
