package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

const (
	elfHeaderSize  = 64
	sectionHdrSize = 64
	symbolSize     = 24
	relaSize       = 24
)

type stringTable struct {
	data    []byte
	offsets map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{data: []byte{0}, offsets: map[string]uint32{"": 0}}
}

func (t *stringTable) add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
	t.offsets[s] = off
	return off
}

type layoutSection struct {
	header elf.Section64
	data   []byte
}

// Encode writes f as a little-endian ELF64 relocatable object. Local symbols
// are placed before global ones as the format requires; relocation symbol
// indices are rewritten accordingly.
func (f *File) Encode() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	// ELF symbol table order: null, locals, globals.
	order := make([]int, 0, len(f.Symbols))
	for idx, sym := range f.Symbols {
		if !sym.Global() {
			order = append(order, idx)
		}
	}
	firstGlobal := len(order) + 1
	for idx, sym := range f.Symbols {
		if sym.Global() {
			order = append(order, idx)
		}
	}
	elfIndex := make([]uint64, len(f.Symbols))
	for pos, idx := range order {
		elfIndex[idx] = uint64(pos + 1)
	}

	shstrtab := newStringTable()
	strtab := newStringTable()

	// Header indices: 0 null, 1..n user sections, then relocation sections,
	// then .symtab, .strtab and .shstrtab.
	sections := []layoutSection{{}}
	for _, s := range f.Sections {
		hdr := elf.Section64{
			Name:      shstrtab.add(s.Name),
			Type:      uint32(s.Type),
			Flags:     uint64(s.Flags),
			Size:      s.Len(),
			Addralign: max(s.Align, 1),
		}
		sections = append(sections, layoutSection{header: hdr, data: s.Data})
	}

	var relaTargets []int
	for idx, s := range f.Sections {
		if len(s.Relocations) > 0 {
			relaTargets = append(relaTargets, idx)
		}
	}
	symtabIndex := len(sections) + len(relaTargets)
	strtabIndex := symtabIndex + 1
	shstrtabIndex := symtabIndex + 2

	symtabLink, err := safecast.Conv[uint32](strtabIndex)
	if err != nil {
		return nil, fmt.Errorf("section count: %w", err)
	}
	relaLink, err := safecast.Conv[uint32](symtabIndex)
	if err != nil {
		return nil, fmt.Errorf("section count: %w", err)
	}

	for _, target := range relaTargets {
		s := f.Sections[target]
		var buf bytes.Buffer
		for _, rel := range s.Relocations {
			entry := elf.Rela64{
				Off:    rel.Offset,
				Info:   elf.R_INFO(uint32(elfIndex[rel.Symbol]), rel.Type),
				Addend: rel.Addend,
			}
			if err := binary.Write(&buf, binary.LittleEndian, entry); err != nil {
				return nil, fmt.Errorf("encode relocation: %w", err)
			}
		}
		info, err := safecast.Conv[uint32](target + 1)
		if err != nil {
			return nil, fmt.Errorf("relocation target: %w", err)
		}
		sections = append(sections, layoutSection{
			header: elf.Section64{
				Name:      shstrtab.add(".rela" + s.Name),
				Type:      uint32(elf.SHT_RELA),
				Flags:     uint64(elf.SHF_INFO_LINK),
				Size:      uint64(buf.Len()),
				Link:      relaLink,
				Info:      info,
				Addralign: 8,
				Entsize:   relaSize,
			},
			data: buf.Bytes(),
		})
	}

	var symbuf bytes.Buffer
	if err := binary.Write(&symbuf, binary.LittleEndian, elf.Sym64{}); err != nil {
		return nil, fmt.Errorf("encode symbol: %w", err)
	}
	for _, idx := range order {
		sym := f.Symbols[idx]
		shndx, err := symbolSectionIndex(sym)
		if err != nil {
			return nil, fmt.Errorf("symbol %q: %w", sym.Name, err)
		}
		entry := elf.Sym64{
			Name:  strtab.add(sym.Name),
			Info:  elf.ST_INFO(sym.Bind, sym.Type),
			Shndx: shndx,
			Value: sym.Value,
			Size:  sym.Size,
		}
		if err := binary.Write(&symbuf, binary.LittleEndian, entry); err != nil {
			return nil, fmt.Errorf("encode symbol: %w", err)
		}
	}
	symtabInfo, err := safecast.Conv[uint32](firstGlobal)
	if err != nil {
		return nil, fmt.Errorf("symbol count: %w", err)
	}
	sections = append(sections, layoutSection{
		header: elf.Section64{
			Name:      shstrtab.add(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Size:      uint64(symbuf.Len()),
			Link:      symtabLink,
			Info:      symtabInfo,
			Addralign: 8,
			Entsize:   symbolSize,
		},
		data: symbuf.Bytes(),
	})
	sections = append(sections, layoutSection{
		header: elf.Section64{
			Name:      shstrtab.add(".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Size:      uint64(len(strtab.data)),
			Addralign: 1,
		},
		data: strtab.data,
	})
	shstrtabName := shstrtab.add(".shstrtab")
	sections = append(sections, layoutSection{
		header: elf.Section64{
			Name:      shstrtabName,
			Type:      uint32(elf.SHT_STRTAB),
			Size:      uint64(len(shstrtab.data)),
			Addralign: 1,
		},
		data: shstrtab.data,
	})

	// Place section contents after the ELF header, then the header table.
	offset := uint64(elfHeaderSize)
	for idx := 1; idx < len(sections); idx++ {
		hdr := &sections[idx].header
		offset = alignUp(offset, hdr.Addralign)
		hdr.Off = offset
		if elf.SectionType(hdr.Type) != elf.SHT_NOBITS {
			offset += hdr.Size
		}
	}
	shoff := alignUp(offset, 8)

	shnum, err := safecast.Conv[uint16](len(sections))
	if err != nil {
		return nil, fmt.Errorf("too many sections: %w", err)
	}
	shstrndx, err := safecast.Conv[uint16](shstrtabIndex)
	if err != nil {
		return nil, fmt.Errorf("too many sections: %w", err)
	}

	header := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(f.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    elfHeaderSize,
		Shentsize: sectionHdrSize,
		Shnum:     shnum,
		Shstrndx:  shstrndx,
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	header.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	out := make([]byte, shoff, shoff+uint64(len(sections))*sectionHdrSize)
	var hdrbuf bytes.Buffer
	if err := binary.Write(&hdrbuf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	copy(out, hdrbuf.Bytes())
	for _, s := range sections[1:] {
		if elf.SectionType(s.header.Type) == elf.SHT_NOBITS {
			continue
		}
		copy(out[s.header.Off:], s.data)
	}

	var shbuf bytes.Buffer
	for _, s := range sections {
		if err := binary.Write(&shbuf, binary.LittleEndian, s.header); err != nil {
			return nil, fmt.Errorf("encode section header: %w", err)
		}
	}
	out = append(out, shbuf.Bytes()...)
	return out, nil
}

func symbolSectionIndex(sym Symbol) (uint16, error) {
	switch sym.Section {
	case SectionUndef:
		return uint16(elf.SHN_UNDEF), nil
	case SectionAbs:
		return uint16(elf.SHN_ABS), nil
	}
	idx, err := safecast.Conv[uint16](sym.Section + 1)
	if err != nil {
		return 0, err
	}
	if idx >= uint16(elf.SHN_LORESERVE) {
		return 0, fmt.Errorf("section index %d in reserved range", idx)
	}
	return idx, nil
}

func alignUp(value, boundary uint64) uint64 {
	if boundary <= 1 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}
