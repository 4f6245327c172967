package amd64

import (
	"bytes"
	"debug/elf"
	"errors"
	"slices"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/tinyrange/jitlink/internal/asm/testutil"
	"github.com/tinyrange/jitlink/internal/codegen"
	"github.com/tinyrange/jitlink/internal/object"
	"github.com/tinyrange/jitlink/internal/sample"
	"github.com/tinyrange/jitlink/internal/target"
)

var (
	linux  = target.MustParse("x86_64-unknown-linux-gnu")
	darwin = target.MustParse("x86_64-apple-darwin")
)

func TestLowerSquare(t *testing.T) {
	obj, err := Lower(sample.DefineSquare(linux), linux)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}

	want := []byte{
		// push rbp; mov rbp, rsp; sub rsp, 16
		0x55, 0x48, 0x89, 0xE5, 0x48, 0x83, 0xEC, 0x10,
		// movsd [rbp-8], xmm0
		0xF2, 0x0F, 0x11, 0x45, 0xF8,
		// movsd xmm0, [rbp-8]; movsd xmm1, [rbp-8]
		0xF2, 0x0F, 0x10, 0x45, 0xF8, 0xF2, 0x0F, 0x10, 0x4D, 0xF8,
		// mulsd xmm0, xmm1; movsd [rbp-16], xmm0
		0xF2, 0x0F, 0x59, 0xC1, 0xF2, 0x0F, 0x11, 0x45, 0xF0,
		// movsd xmm0, [rbp-16]; leave; ret
		0xF2, 0x0F, 0x10, 0x45, 0xF0, 0xC9, 0xC3,
	}
	text := obj.Section(".text")
	if text == nil {
		t.Fatalf("no .text section")
	}
	if !bytes.Equal(text.Data, want) {
		t.Fatalf("square code=% x, want % x", text.Data, want)
	}
	if len(text.Relocations) != 0 {
		t.Fatalf("square has %d relocations, want 0", len(text.Relocations))
	}

	sym, ok := obj.Lookup("square")
	if !ok {
		t.Fatalf("square symbol missing")
	}
	if sym.Bind != elf.STB_GLOBAL || sym.Type != elf.STT_FUNC || sym.Value != 0 || sym.Size != uint64(len(want)) {
		t.Fatalf("square symbol=%+v", sym)
	}
}

func TestLowerFactorialRelocations(t *testing.T) {
	obj, err := Lower(sample.DefineFactorial(linux), linux)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}

	fact, ok := obj.Lookup("factorial")
	if !ok || fact.Value != 0 {
		t.Fatalf("factorial symbol=%+v ok=%v", fact, ok)
	}
	mainSym, ok := obj.Lookup("main")
	if !ok || mainSym.Value != 0x80 {
		t.Fatalf("main symbol=%+v ok=%v, want value 0x80", mainSym, ok)
	}
	if undef := obj.Undefined(); len(undef) != 0 {
		t.Fatalf("Undefined()=%v, want none", undef)
	}

	text := obj.Section(".text")
	var offsets []uint64
	for _, rel := range text.Relocations {
		if elf.R_X86_64(rel.Type) != elf.R_X86_64_PLT32 {
			t.Fatalf("relocation type=%s, want R_X86_64_PLT32", elf.R_X86_64(rel.Type))
		}
		if name := obj.SymbolName(rel); name != "factorial" {
			t.Fatalf("relocation against %q, want factorial", name)
		}
		if rel.Addend != -4 {
			t.Fatalf("relocation addend=%d, want -4", rel.Addend)
		}
		if text.Data[rel.Offset-1] != 0xE8 {
			t.Fatalf("relocation at %#x does not follow a call opcode", rel.Offset)
		}
		offsets = append(offsets, rel.Offset)
	}
	if want := []uint64{0x56, 0x90}; !slices.Equal(offsets, want) {
		t.Fatalf("relocation offsets=%#x, want %#x", offsets, want)
	}

	// Padding between functions is int3.
	for off := fact.Size; off < mainSym.Value; off++ {
		if text.Data[off] != 0xCC {
			t.Fatalf("padding byte %#x=%#x, want 0xcc", off, text.Data[off])
		}
	}
}

func TestLowerHostCallerLeavesLabsUndefined(t *testing.T) {
	obj, err := Lower(sample.DefineHostCaller(linux), linux)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if got := obj.Undefined(); !slices.Equal(got, []string{"labs"}) {
		t.Fatalf("Undefined()=%v, want [labs]", got)
	}
	if _, ok := obj.Lookup("labs"); ok {
		t.Fatalf("labs reported as defined")
	}
}

func TestLowerMangles(t *testing.T) {
	obj, err := Lower(sample.DefineCaller(darwin, "square"), darwin)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if _, ok := obj.Lookup("_quad"); !ok {
		t.Fatalf("_quad missing from %v", obj.SymbolNames())
	}
	if got := obj.Undefined(); !slices.Equal(got, []string{"_square"}) {
		t.Fatalf("Undefined()=%v, want [_square]", got)
	}
	if n := len(obj.Section(".text").Relocations); n != 2 {
		t.Fatalf("quad has %d relocations, want 2", n)
	}
}

func TestLowerInternalLinkageIsLocal(t *testing.T) {
	m := sample.DefineFactorial(linux)
	m.Funcs[0].Linkage = enum.LinkageInternal
	obj, err := Lower(m, linux)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	sym, ok := obj.Lookup("factorial")
	if !ok {
		t.Fatalf("factorial missing")
	}
	if sym.Bind != elf.STB_LOCAL {
		t.Fatalf("factorial bind=%s, want STB_LOCAL", sym.Bind)
	}
}

func TestLowerControlFlowAndConversions(t *testing.T) {
	m, err := sample.ParseString("mixed.ll", `
define i32 @clamp(i32 %x, i32 %lo, i32 %hi) {
entry:
  %below = icmp slt i32 %x, %lo
  br i1 %below, label %low, label %check
check:
  %above = icmp sgt i32 %x, %hi
  %r = select i1 %above, i32 %hi, i32 %x
  br label %done
low:
  br label %done
done:
  %v = phi i32 [ %lo, %low ], [ %r, %check ]
  ret i32 %v
}

define double @mix(i64 %a, double %b) {
entry:
  %f = sitofp i64 %a to double
  %s = fadd double %f, %b
  %c = fcmp olt double %s, 0.0
  %n = fneg double %s
  %r = select i1 %c, double %n, double %s
  ret double %r
}

define i64 @bits(i64 %a, i64 %b) {
entry:
  %q = udiv i64 %a, %b
  %r = srem i64 %a, %b
  %x = xor i64 %q, %r
  %s = shl i64 %x, 3
  %t = ashr i64 %s, 1
  %u = trunc i64 %t to i8
  %w = sext i8 %u to i64
  switch i64 %w, label %other [
    i64 0, label %zero
  ]
zero:
  ret i64 0
other:
  ret i64 %w
}
`)
	if err != nil {
		t.Fatalf("ParseString failed: %v", err)
	}
	obj, err := Lower(m, linux)
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	for _, name := range []string{"clamp", "mix", "bits"} {
		if _, ok := obj.Lookup(name); !ok {
			t.Fatalf("%s missing from %v", name, obj.SymbolNames())
		}
	}
}

func TestLowerUnsupported(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"wide integer", "define i128 @f(i128 %a) {\nentry:\n  ret i128 %a\n}\n"},
		{"single precision", "define float @f(float %a) {\nentry:\n  ret float %a\n}\n"},
		{"frem", "define double @f(double %a) {\nentry:\n  %r = frem double %a, %a\n  ret double %r\n}\n"},
		{"too many args", "define i64 @f(i64 %a, i64 %b, i64 %c, i64 %d, i64 %e, i64 %g, i64 %h) {\nentry:\n  ret i64 %h\n}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := sample.ParseString(tc.name+".ll", tc.src)
			if err != nil {
				t.Fatalf("ParseString failed: %v", err)
			}
			if _, err := Lower(m, linux); !errors.Is(err, codegen.ErrUnsupported) {
				t.Fatalf("Lower error=%v, want ErrUnsupported", err)
			}
		})
	}
}

func TestLowerRejectsInvalidModule(t *testing.T) {
	m := ir.NewModule()
	f := m.NewFunc("broken", types.I64)
	f.NewBlock("entry")
	if _, err := Lower(m, linux); !errors.Is(err, codegen.ErrInvalidModule) {
		t.Fatalf("Lower error=%v, want ErrInvalidModule", err)
	}
}

func TestLowerRejectsOtherArch(t *testing.T) {
	arm := target.MustParse("aarch64-unknown-linux-gnu")
	if _, err := Lower(sample.DefineSquare(arm), arm); !errors.Is(err, target.ErrUnsupportedTarget) {
		t.Fatalf("Lower error=%v, want ErrUnsupportedTarget", err)
	}
}

func TestGeneratorRegisteredAndDeterministic(t *testing.T) {
	gen, err := codegen.ForTarget(linux)
	if err != nil {
		t.Fatalf("ForTarget failed: %v", err)
	}
	first, err := gen.Compile(sample.DefineFactorial(linux), linux)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	second, err := codegen.Compile(sample.DefineFactorial(linux), linux)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("Compile is not deterministic")
	}

	obj, err := object.Parse(first)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, ok := obj.Lookup("main"); !ok {
		t.Fatalf("main missing after round trip: %v", obj.SymbolNames())
	}
	tables := obj.RelocationTables()
	if len(tables) != 1 || tables[0].Section != ".text" || len(tables[0].Records) != 2 {
		t.Fatalf("RelocationTables()=%+v", tables)
	}
	if rec := tables[0].Records[0]; rec.Type != "R_X86_64_PLT32" || rec.Symbol != "factorial" {
		t.Fatalf("first relocation=%+v", rec)
	}
}

func TestFactorialDisassembly(t *testing.T) {
	blob, err := Generator{}.Compile(sample.DefineFactorial(linux), linux)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	lines := testutil.DisassembleObject(t, blob, "-M", "intel")
	testutil.VerifySubsequence(t, lines, []testutil.Expectation{
		testutil.Expect("push", "rbp"),
		testutil.Expect("setle"),
		testutil.Expect("jne"),
		testutil.Expect("call"),
		testutil.Expect("imul"),
		testutil.Expect("leave"),
		testutil.Expect("ret"),
	})
	if mnemonics := testutil.Mnemonics(lines); !slices.Contains(mnemonics, "int3") {
		t.Fatalf("no int3 padding between functions: %v", mnemonics)
	}
}
