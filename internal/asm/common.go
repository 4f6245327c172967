// Package asm holds the architecture independent parts of the assembler:
// fragments that emit machine code into a Context, labels, and the assembled
// Program together with the symbol fixups a linker has to resolve.
package asm

import "fmt"

// Variable identifies a machine register. Architectures define their own
// register constants of this type.
type Variable int

type Context interface {
	EmitBytes(data []byte)
	Len() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// FixupKind says how a symbol address is written at a fixup offset.
type FixupKind uint8

const (
	// FixupCall is a 32-bit PC relative call displacement.
	FixupCall FixupKind = iota
	// FixupPCRel32 is a 32-bit PC relative data reference.
	FixupPCRel32
	// FixupAbs64 is a 64-bit absolute address.
	FixupAbs64
)

func (k FixupKind) String() string {
	switch k {
	case FixupCall:
		return "call"
	case FixupPCRel32:
		return "pcrel32"
	case FixupAbs64:
		return "abs64"
	default:
		return fmt.Sprintf("FixupKind(%d)", uint8(k))
	}
}

// Fixup is a reference to a named symbol that the assembler cannot resolve.
type Fixup struct {
	Offset int
	Symbol string
	Kind   FixupKind
	Addend int64
}

type Program struct {
	code   []byte
	fixups []Fixup
}

func NewProgram(code []byte, fixups []Fixup) Program {
	return Program{
		code:   append([]byte(nil), code...),
		fixups: append([]Fixup(nil), fixups...),
	}
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Fixups() []Fixup {
	return append([]Fixup(nil), p.fixups...)
}

func (p Program) Len() int {
	return len(p.code)
}
