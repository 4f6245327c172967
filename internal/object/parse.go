package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"fortio.org/safecast"
)

// Open reads and decodes the relocatable object at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes an ELF64 relocatable object. Only SHT_PROGBITS and
// SHT_NOBITS sections are kept; relocation sections are attached to the
// section they apply to.
func Parse(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %v", ErrUnsupported, ef.Class)
	}
	if ef.Type != elf.ET_REL {
		return nil, fmt.Errorf("%w: type %v", ErrNotRelocatable, ef.Type)
	}

	out := New(ef.Machine)

	// sectionMap maps ELF section header indices to File.Sections indices.
	sectionMap := make(map[int]int)
	for idx, s := range ef.Sections {
		if s.Type != elf.SHT_PROGBITS && s.Type != elf.SHT_NOBITS {
			continue
		}
		sec := &Section{
			Name:  s.Name,
			Type:  s.Type,
			Flags: s.Flags,
			Align: s.Addralign,
		}
		if s.Type == elf.SHT_NOBITS {
			sec.Size = s.Size
		} else {
			sec.Data, err = s.Data()
			if err != nil {
				return nil, fmt.Errorf("read section %s: %w", s.Name, err)
			}
		}
		sectionMap[idx] = out.AddSection(sec)
	}

	syms, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	for _, s := range syms {
		sym := Symbol{
			Name:  s.Name,
			Value: s.Value,
			Size:  s.Size,
			Bind:  elf.ST_BIND(s.Info),
			Type:  elf.ST_TYPE(s.Info),
		}
		switch {
		case s.Section == elf.SHN_UNDEF:
			sym.Section = SectionUndef
		case s.Section == elf.SHN_ABS:
			sym.Section = SectionAbs
		case s.Section == elf.SHN_COMMON:
			return nil, fmt.Errorf("%w: common symbol %q", ErrUnsupported, s.Name)
		default:
			mapped, ok := sectionMap[int(s.Section)]
			if !ok {
				// Symbols of sections we do not keep (debug info, notes) are
				// kept as absolute so indices stay aligned with the ELF table.
				sym.Section = SectionAbs
				break
			}
			sym.Section = mapped
			if sym.Type == elf.STT_SECTION && sym.Name == "" {
				sym.Name = out.Sections[mapped].Name
			}
		}
		out.AddSymbol(sym)
	}

	for _, s := range ef.Sections {
		if s.Type != elf.SHT_RELA && s.Type != elf.SHT_REL {
			continue
		}
		target, ok := sectionMap[int(s.Info)]
		if !ok {
			continue
		}
		rels, err := readRelocations(s, ef.ByteOrder, len(out.Symbols))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.Name, err)
		}
		out.Sections[target].Relocations = append(out.Sections[target].Relocations, rels...)
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return out, nil
}

func readRelocations(s *elf.Section, order binary.ByteOrder, nsyms int) ([]Relocation, error) {
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)

	var out []Relocation
	for {
		var off, info uint64
		var addend int64
		if s.Type == elf.SHT_RELA {
			var rela elf.Rela64
			if err := binary.Read(r, order, &rela); err != nil {
				if errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, err
			}
			off, info, addend = rela.Off, rela.Info, rela.Addend
		} else {
			var rel elf.Rel64
			if err := binary.Read(r, order, &rel); err != nil {
				if errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, err
			}
			off, info = rel.Off, rel.Info
		}

		symIdx, err := safecast.Conv[int](elf.R_SYM64(info))
		if err != nil {
			return nil, err
		}
		if symIdx == 0 || symIdx > nsyms {
			return nil, fmt.Errorf("relocation at %#x references symbol %d", off, symIdx)
		}
		out = append(out, Relocation{
			Offset: off,
			Type:   elf.R_TYPE64(info),
			Symbol: symIdx - 1,
			Addend: addend,
		})
	}
}
