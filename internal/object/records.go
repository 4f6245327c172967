package object

import (
	"debug/elf"
	"fmt"
	"io"
)

// RelocationRecord is one row of a relocation listing.
type RelocationRecord struct {
	Offset uint64
	Type   string
	Symbol string
	Addend int64
}

// RelocationTable groups the relocation records of one section.
type RelocationTable struct {
	Section string
	Records []RelocationRecord
}

// RelocationTables returns the relocations of every section that has any,
// in section order.
func (f *File) RelocationTables() []RelocationTable {
	var tables []RelocationTable
	for _, s := range f.Sections {
		if len(s.Relocations) == 0 {
			continue
		}
		table := RelocationTable{Section: s.Name}
		for _, rel := range s.Relocations {
			table.Records = append(table.Records, RelocationRecord{
				Offset: rel.Offset,
				Type:   f.RelocationTypeName(rel.Type),
				Symbol: f.SymbolName(rel),
				Addend: rel.Addend,
			})
		}
		tables = append(tables, table)
	}
	return tables
}

// SymbolNames returns the names of all named symbols in table order. File
// and unnamed section symbols are skipped.
func (f *File) SymbolNames() []string {
	var names []string
	for _, sym := range f.Symbols {
		if sym.Type == elf.STT_FILE || sym.Type == elf.STT_SECTION || sym.Name == "" {
			continue
		}
		names = append(names, sym.Name)
	}
	return names
}

// FormatAddress renders addr as a hex literal padded to 16 characters
// including the 0x prefix.
func FormatAddress(addr uint64) string {
	return fmt.Sprintf("0x%014x", addr)
}

// RelocationHeader is the column header printed above relocation records.
const RelocationHeader = "Offset          \tType          \tSymbol"

// WriteRelocations prints one "RELOCATION RECORDS FOR [section]" table per
// section that carries relocations, each followed by a blank line.
func WriteRelocations(w io.Writer, f *File) error {
	for _, table := range f.RelocationTables() {
		if _, err := fmt.Fprintf(w, "RELOCATION RECORDS FOR [%s]\n%s\n", table.Section, RelocationHeader); err != nil {
			return err
		}
		for _, rec := range table.Records {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", FormatAddress(rec.Offset), rec.Type, rec.Symbol); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteSymbols prints the name of every named symbol, one per line.
func WriteSymbols(w io.Writer, f *File) error {
	for _, name := range f.SymbolNames() {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}
