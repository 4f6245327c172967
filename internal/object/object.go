// Package object models relocatable object files: sections holding code or
// data, a symbol table and the relocations that must be applied once the
// final symbol addresses are known. Files are encoded to and decoded from
// ELF64 ET_REL images.
package object

import (
	"debug/elf"
	"errors"
	"fmt"
)

const (
	// SectionUndef marks a symbol that is referenced but not defined.
	SectionUndef = -1
	// SectionAbs marks a symbol whose value is an absolute address.
	SectionAbs = -2
)

var (
	ErrNotRelocatable = errors.New("not a relocatable object")
	ErrUnsupported    = errors.New("unsupported object file")
)

// Section is one contiguous range of code or data.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Align uint64
	Data  []byte
	// Size is only consulted for SHT_NOBITS sections, which carry no Data.
	Size        uint64
	Relocations []Relocation
}

// Len returns the in-memory size of the section.
func (s *Section) Len() uint64 {
	if s.Type == elf.SHT_NOBITS {
		return s.Size
	}
	return uint64(len(s.Data))
}

func (s *Section) Executable() bool {
	return s.Flags&elf.SHF_EXECINSTR != 0
}

func (s *Section) Allocated() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

type Symbol struct {
	Name string
	// Section is an index into File.Sections, SectionUndef or SectionAbs.
	Section int
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
}

func (s Symbol) Defined() bool {
	return s.Section != SectionUndef
}

func (s Symbol) Global() bool {
	return s.Bind == elf.STB_GLOBAL || s.Bind == elf.STB_WEAK
}

// Relocation patches Offset within its section with a value computed from
// Symbol (an index into File.Symbols) and Addend.
type Relocation struct {
	Offset uint64
	Type   uint32
	Symbol int
	Addend int64
}

type File struct {
	Machine  elf.Machine
	Sections []*Section
	Symbols  []Symbol
}

func New(machine elf.Machine) *File {
	return &File{Machine: machine}
}

// AddSection appends s and returns its index.
func (f *File) AddSection(s *Section) int {
	f.Sections = append(f.Sections, s)
	return len(f.Sections) - 1
}

// AddSymbol appends sym and returns its index.
func (f *File) AddSymbol(sym Symbol) int {
	f.Symbols = append(f.Symbols, sym)
	return len(f.Symbols) - 1
}

// Section returns the section called name, or nil.
func (f *File) Section(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Lookup returns the defined symbol called name. Section and file symbols
// are not considered.
func (f *File) Lookup(name string) (Symbol, bool) {
	for _, sym := range f.Symbols {
		if sym.Type == elf.STT_SECTION || sym.Type == elf.STT_FILE || sym.Name != name {
			continue
		}
		if sym.Defined() {
			return sym, true
		}
	}
	return Symbol{}, false
}

// Undefined returns the names of all symbols the file references but does
// not define, in symbol table order.
func (f *File) Undefined() []string {
	var names []string
	for _, sym := range f.Symbols {
		if !sym.Defined() && sym.Name != "" {
			names = append(names, sym.Name)
		}
	}
	return names
}

// SymbolName returns the name of the symbol targeted by rel. Section
// symbols are reported by section name.
func (f *File) SymbolName(rel Relocation) string {
	if rel.Symbol < 0 || rel.Symbol >= len(f.Symbols) {
		return ""
	}
	sym := f.Symbols[rel.Symbol]
	if sym.Type == elf.STT_SECTION && sym.Name == "" && sym.Section >= 0 && sym.Section < len(f.Sections) {
		return f.Sections[sym.Section].Name
	}
	return sym.Name
}

// RelocationTypeName returns the ELF name of a relocation type for the
// file's machine, e.g. "R_X86_64_PLT32".
func (f *File) RelocationTypeName(typ uint32) string {
	switch f.Machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ).String()
	case elf.EM_386:
		return elf.R_386(typ).String()
	case elf.EM_RISCV:
		return elf.R_RISCV(typ).String()
	default:
		return fmt.Sprintf("R_%d", typ)
	}
}

// Validate checks the internal references of f: section indices of symbols
// and symbol indices and offsets of relocations.
func (f *File) Validate() error {
	for idx, sym := range f.Symbols {
		switch {
		case sym.Section == SectionUndef, sym.Section == SectionAbs:
		case sym.Section < 0 || sym.Section >= len(f.Sections):
			return fmt.Errorf("symbol %d (%q) references section %d of %d", idx, sym.Name, sym.Section, len(f.Sections))
		}
	}
	for _, s := range f.Sections {
		for _, rel := range s.Relocations {
			if rel.Symbol < 0 || rel.Symbol >= len(f.Symbols) {
				return fmt.Errorf("relocation in %s at %#x references symbol %d of %d", s.Name, rel.Offset, rel.Symbol, len(f.Symbols))
			}
			if rel.Offset >= s.Len() {
				return fmt.Errorf("relocation in %s at %#x past section end %#x", s.Name, rel.Offset, s.Len())
			}
		}
	}
	return nil
}
