// Package target describes the machine that code is generated for: the target
// triple, pointer size, byte order, data layout and the symbol mangling rules
// derived from it.
//
// A Description is an immutable value. Host returns the description of the
// running process; it is computed once and shared, but every consumer takes
// the value explicitly so nothing depends on hidden initialization order.
package target

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

type Arch string

const (
	ArchInvalid Arch = "invalid"
	ArchX86_64  Arch = "x86_64"
	ArchAArch64 Arch = "aarch64"
)

type OS string

const (
	OSLinux  OS = "linux"
	OSDarwin OS = "darwin"
)

var ErrUnsupportedTarget = errors.New("unsupported target")

// Description is the data layout and naming convention of one target.
type Description struct {
	Triple      string
	Arch        Arch
	OS          OS
	PointerSize int
	ByteOrder   binary.ByteOrder
	DataLayout  string
}

var dataLayouts = map[Arch]map[OS]string{
	ArchX86_64: {
		OSLinux:  "e-m:e-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128",
		OSDarwin: "e-m:o-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128",
	},
	ArchAArch64: {
		OSLinux:  "e-m:e-i8:8:32-i16:16:32-i64:64-i128:128-n32:64-S128",
		OSDarwin: "e-m:o-i64:64-i128:128-n32:64-S128",
	},
}

var host = sync.OnceValues(func() (Description, error) {
	return Parse(hostTriple(runtime.GOARCH, runtime.GOOS))
})

// Host returns the description of the running process.
func Host() (Description, error) {
	return host()
}

func hostTriple(goarch, goos string) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = string(ArchX86_64)
	case "arm64":
		arch = string(ArchAArch64)
	}
	switch goos {
	case "darwin":
		return arch + "-apple-darwin"
	case "linux":
		return arch + "-unknown-linux-gnu"
	default:
		return arch + "-unknown-" + goos
	}
}

// Parse builds a Description from an LLVM-style target triple such as
// "x86_64-unknown-linux-gnu" or "arm64-apple-macosx14.0.0".
func Parse(triple string) (Description, error) {
	parts := strings.Split(triple, "-")
	if len(parts) < 2 {
		return Description{}, fmt.Errorf("%w: malformed triple %q", ErrUnsupportedTarget, triple)
	}

	var arch Arch
	switch parts[0] {
	case "x86_64", "amd64":
		arch = ArchX86_64
	case "aarch64", "arm64":
		arch = ArchAArch64
	default:
		return Description{}, fmt.Errorf("%w: architecture %q", ErrUnsupportedTarget, parts[0])
	}

	var os OS
	for _, part := range parts[1:] {
		switch {
		case part == "linux":
			os = OSLinux
		case strings.HasPrefix(part, "darwin"), strings.HasPrefix(part, "macos"):
			os = OSDarwin
		}
	}
	if os == "" {
		return Description{}, fmt.Errorf("%w: operating system in %q", ErrUnsupportedTarget, triple)
	}

	return Description{
		Triple:      triple,
		Arch:        arch,
		OS:          os,
		PointerSize: 8,
		ByteOrder:   binary.LittleEndian,
		DataLayout:  dataLayouts[arch][os],
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level defaults.
func MustParse(triple string) Description {
	d, err := Parse(triple)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Description) String() string {
	return d.Triple
}

// IsZero reports whether d is the zero Description.
func (d Description) IsZero() bool {
	return d.Triple == ""
}

// GlobalPrefix returns the prefix prepended to global symbol names, taken
// from the mangling component ("m:") of the data layout.
func (d Description) GlobalPrefix() string {
	for _, spec := range strings.Split(d.DataLayout, "-") {
		mode, ok := strings.CutPrefix(spec, "m:")
		if !ok {
			continue
		}
		switch mode {
		case "o", "x":
			return "_"
		default:
			return ""
		}
	}
	return ""
}

// Mangle translates a source-level symbol name into its object file form.
func (d Description) Mangle(name string) string {
	if name == "" {
		return ""
	}
	return d.GlobalPrefix() + name
}

// Demangle strips the global prefix added by Mangle. Names without the
// prefix are returned unchanged.
func (d Description) Demangle(name string) string {
	prefix := d.GlobalPrefix()
	if prefix == "" {
		return name
	}
	if trimmed, ok := strings.CutPrefix(name, prefix); ok {
		return trimmed
	}
	return name
}

// ELFMachine returns the e_machine value used for objects of this target.
func (d Description) ELFMachine() elf.Machine {
	switch d.Arch {
	case ArchX86_64:
		return elf.EM_X86_64
	case ArchAArch64:
		return elf.EM_AARCH64
	default:
		return elf.EM_NONE
	}
}
