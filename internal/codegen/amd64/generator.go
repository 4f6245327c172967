// Package amd64 lowers IR modules to x86-64 relocatable objects.
//
// Code generation is deliberately simple: every SSA value gets an 8-byte
// stack slot below rbp, instructions load their operands into scratch
// registers, compute, and store the result back. Calls always go through
// call rel32 with an R_X86_64_PLT32 relocation against the mangled callee
// name, even when the callee is defined in the same module, so the loader
// decides where every call lands.
package amd64

import (
	"debug/elf"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/tinyrange/jitlink/internal/asm"
	"github.com/tinyrange/jitlink/internal/asm/amd64"
	"github.com/tinyrange/jitlink/internal/codegen"
	"github.com/tinyrange/jitlink/internal/object"
	"github.com/tinyrange/jitlink/internal/target"
)

const functionAlignment = 16

func init() {
	codegen.Register(target.ArchX86_64, Generator{})
}

// Generator is the x86-64 code generator.
type Generator struct{}

var _ codegen.Generator = Generator{}

// Compile lowers m and encodes the result as an ELF relocatable object.
func (Generator) Compile(m *ir.Module, td target.Description) ([]byte, error) {
	obj, err := Lower(m, td)
	if err != nil {
		return nil, err
	}
	return obj.Encode()
}

// Lower compiles every function definition of m into a single .text section.
// Definitions become STT_FUNC symbols, local for internal and private
// linkage, global otherwise. Every callee, declared or defined, is reached
// through an R_X86_64_PLT32 relocation.
func Lower(m *ir.Module, td target.Description) (*object.File, error) {
	if td.Arch != target.ArchX86_64 {
		return nil, fmt.Errorf("%w: x86-64 generator cannot target %q", target.ErrUnsupportedTarget, td.Triple)
	}
	if err := codegen.Verify(m); err != nil {
		return nil, err
	}

	type placed struct {
		fn     *ir.Func
		offset int
		prog   asm.Program
	}

	var (
		text  []byte
		funcs []placed
	)
	for idx, fn := range m.Funcs {
		if len(fn.Blocks) == 0 {
			continue
		}
		frag, err := compileFunc(fn, td, idx)
		if err != nil {
			return nil, fmt.Errorf("compile @%s: %w", fn.Name(), err)
		}
		prog, err := amd64.Assemble(frag)
		if err != nil {
			return nil, fmt.Errorf("assemble @%s: %w", fn.Name(), err)
		}
		for len(text)%functionAlignment != 0 {
			text = append(text, 0xCC)
		}
		funcs = append(funcs, placed{fn: fn, offset: len(text), prog: prog})
		text = append(text, prog.Bytes()...)
	}

	obj := object.New(elf.EM_X86_64)
	textIdx := obj.AddSection(&object.Section{
		Name:  ".text",
		Type:  elf.SHT_PROGBITS,
		Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Align: functionAlignment,
		Data:  text,
	})
	if m.SourceFilename != "" {
		obj.AddSymbol(object.Symbol{
			Name:    m.SourceFilename,
			Section: object.SectionAbs,
			Bind:    elf.STB_LOCAL,
			Type:    elf.STT_FILE,
		})
	}

	symbols := make(map[string]int)
	for _, p := range funcs {
		name := td.Mangle(p.fn.Name())
		bind := elf.STB_GLOBAL
		if isLocal(p.fn.Linkage) {
			bind = elf.STB_LOCAL
		}
		symbols[name] = obj.AddSymbol(object.Symbol{
			Name:    name,
			Section: textIdx,
			Value:   uint64(p.offset),
			Size:    uint64(p.prog.Len()),
			Bind:    bind,
			Type:    elf.STT_FUNC,
		})
	}

	var relocs []object.Relocation
	for _, p := range funcs {
		for _, fix := range p.prog.Fixups() {
			symIdx, ok := symbols[fix.Symbol]
			if !ok {
				symIdx = obj.AddSymbol(object.Symbol{
					Name:    fix.Symbol,
					Section: object.SectionUndef,
					Bind:    elf.STB_GLOBAL,
					Type:    elf.STT_NOTYPE,
				})
				symbols[fix.Symbol] = symIdx
			}
			typ, err := relocationType(fix.Kind)
			if err != nil {
				return nil, err
			}
			relocs = append(relocs, object.Relocation{
				Offset: uint64(p.offset + fix.Offset),
				Type:   uint32(typ),
				Symbol: symIdx,
				Addend: fix.Addend,
			})
		}
	}
	obj.Sections[textIdx].Relocations = relocs

	if err := obj.Validate(); err != nil {
		return nil, fmt.Errorf("lowered object is inconsistent: %w", err)
	}
	return obj, nil
}

func relocationType(kind asm.FixupKind) (elf.R_X86_64, error) {
	switch kind {
	case asm.FixupCall:
		return elf.R_X86_64_PLT32, nil
	case asm.FixupPCRel32:
		return elf.R_X86_64_PC32, nil
	case asm.FixupAbs64:
		return elf.R_X86_64_64, nil
	default:
		return 0, fmt.Errorf("%w: fixup kind %s", codegen.ErrUnsupported, kind)
	}
}

func isLocal(linkage enum.Linkage) bool {
	return linkage == enum.LinkageInternal || linkage == enum.LinkagePrivate
}

type valueKind int

const (
	kindInt valueKind = iota
	kindFloat
)

// layout is how a first-class value is held in a stack slot.
type layout struct {
	kind  valueKind
	width int
	bits  uint64
}

func layoutOf(t types.Type) (layout, error) {
	switch t := t.(type) {
	case *types.IntType:
		switch t.BitSize {
		case 1:
			return layout{kind: kindInt, width: 1, bits: 1}, nil
		case 8, 16, 32, 64:
			return layout{kind: kindInt, width: int(t.BitSize / 8), bits: t.BitSize}, nil
		}
	case *types.FloatType:
		if t.Kind == types.FloatKindDouble {
			return layout{kind: kindFloat, width: 8, bits: 64}, nil
		}
	case *types.PointerType:
		return layout{kind: kindInt, width: 8, bits: 64}, nil
	}
	return layout{}, fmt.Errorf("%w: type %v", codegen.ErrUnsupported, t)
}

func isVoid(t types.Type) bool {
	_, ok := t.(*types.VoidType)
	return ok
}

// blockOf unwraps a branch target.
func blockOf(v any) (*ir.Block, error) {
	b, ok := v.(*ir.Block)
	if !ok || b == nil {
		return nil, fmt.Errorf("%w: branch target %v", codegen.ErrUnsupported, v)
	}
	return b, nil
}
