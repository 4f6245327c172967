package target

import (
	"debug/elf"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		triple string
		arch   Arch
		os     OS
		prefix string
	}{
		{"x86_64-unknown-linux-gnu", ArchX86_64, OSLinux, ""},
		{"x86_64-apple-darwin", ArchX86_64, OSDarwin, "_"},
		{"arm64-apple-macosx14.0.0", ArchAArch64, OSDarwin, "_"},
		{"aarch64-unknown-linux-gnu", ArchAArch64, OSLinux, ""},
	}

	for _, tt := range tests {
		t.Run(tt.triple, func(t *testing.T) {
			d, err := Parse(tt.triple)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if d.Arch != tt.arch {
				t.Fatalf("Arch=%q, want %q", d.Arch, tt.arch)
			}
			if d.OS != tt.os {
				t.Fatalf("OS=%q, want %q", d.OS, tt.os)
			}
			if got := d.GlobalPrefix(); got != tt.prefix {
				t.Fatalf("GlobalPrefix()=%q, want %q", got, tt.prefix)
			}
			if d.PointerSize != 8 {
				t.Fatalf("PointerSize=%d, want 8", d.PointerSize)
			}
		})
	}
}

func TestParseRejectsUnknownTargets(t *testing.T) {
	for _, triple := range []string{"", "riscv64-unknown-linux-gnu", "x86_64-pc-windows-msvc", "x86_64"} {
		if _, err := Parse(triple); !errors.Is(err, ErrUnsupportedTarget) {
			t.Fatalf("Parse(%q) error=%v, want ErrUnsupportedTarget", triple, err)
		}
	}
}

func TestMangleRoundTrip(t *testing.T) {
	darwin := MustParse("x86_64-apple-darwin")
	if got := darwin.Mangle("square"); got != "_square" {
		t.Fatalf("Mangle=%q, want _square", got)
	}
	if got := darwin.Demangle("_square"); got != "square" {
		t.Fatalf("Demangle=%q, want square", got)
	}
	if got := darwin.Mangle(""); got != "" {
		t.Fatalf("Mangle(\"\")=%q, want empty", got)
	}

	linux := MustParse("x86_64-unknown-linux-gnu")
	if got := linux.Mangle("square"); got != "square" {
		t.Fatalf("Mangle=%q, want square", got)
	}
	if got := linux.Demangle("_square"); got != "_square" {
		t.Fatalf("Demangle=%q, want _square", got)
	}
}

func TestELFMachine(t *testing.T) {
	if got := MustParse("x86_64-unknown-linux-gnu").ELFMachine(); got != elf.EM_X86_64 {
		t.Fatalf("ELFMachine=%v, want EM_X86_64", got)
	}
	if got := MustParse("aarch64-unknown-linux-gnu").ELFMachine(); got != elf.EM_AARCH64 {
		t.Fatalf("ELFMachine=%v, want EM_AARCH64", got)
	}
}

func TestHostIsStable(t *testing.T) {
	first, err := Host()
	if err != nil {
		t.Skipf("host target unsupported: %v", err)
	}
	second, err := Host()
	if err != nil {
		t.Fatalf("Host failed on second call: %v", err)
	}
	if first != second {
		t.Fatalf("Host returned %v then %v", first, second)
	}
}

func TestHostTriple(t *testing.T) {
	if got := hostTriple("amd64", "linux"); got != "x86_64-unknown-linux-gnu" {
		t.Fatalf("hostTriple=%q", got)
	}
	if got := hostTriple("arm64", "darwin"); got != "aarch64-apple-darwin" {
		t.Fatalf("hostTriple=%q", got)
	}
}
