// Package loader maps relocatable objects into executable memory.
//
// Load lays out the allocatable sections of an object (code first, then a
// block of far-call stubs, then data on separate pages), resolves every
// undefined symbol through a Resolver, applies the x86-64 relocations and
// finally flips the code pages to read+execute. The resulting Image owns the
// mapping until Release.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"fortio.org/safecast"

	"github.com/tinyrange/jitlink/internal/object"
)

var (
	ErrSymbolNotFound        = errors.New("symbol not found")
	ErrUnsupportedRelocation = errors.New("unsupported relocation")
	ErrRelocationOverflow    = errors.New("relocation target out of range")
	ErrUnsupportedMachine    = errors.New("unsupported machine")
	ErrUnsupportedPlatform   = errors.New("loading is not supported on this platform")
	ErrReleased              = errors.New("image released")
)

// Resolver supplies addresses for symbols an object references but does not
// define. Resolve returns an error wrapping ErrSymbolNotFound for names it
// does not know; any other error aborts the load.
type Resolver interface {
	Resolve(name string) (uintptr, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (uintptr, error)

func (f ResolverFunc) Resolve(name string) (uintptr, error) {
	return f(name)
}

// Chain tries each resolver in order and returns the first hit.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(name string) (uintptr, error) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			addr, err := r.Resolve(name)
			if err == nil {
				return addr, nil
			}
			if !errors.Is(err, ErrSymbolNotFound) {
				return 0, err
			}
		}
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	})
}

// UndefinedSymbolsError lists every symbol no resolver could supply.
type UndefinedSymbolsError struct {
	Names []string
}

func (e *UndefinedSymbolsError) Error() string {
	return fmt.Sprintf("undefined symbols: %s", strings.Join(e.Names, ", "))
}

func (e *UndefinedSymbolsError) Unwrap() error {
	return ErrSymbolNotFound
}

// stubSize is the size of one far-call stub: jmp [rip+0] followed by the
// 8-byte target address, padded to 16 bytes.
const stubSize = 16

// Image is an object mapped into memory with all relocations applied.
type Image struct {
	mu       sync.Mutex
	region   region
	base     uintptr
	size     int
	exports  map[string]uintptr
	released bool
}

// Load maps f and links it against resolve. All undefined symbols are
// resolved before any memory is mapped and reported together.
func Load(f *object.File, resolve Resolver) (*Image, error) {
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMachine, f.Machine)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	external, err := resolveExternal(f, resolve)
	if err != nil {
		return nil, err
	}

	pl, err := planLayout(f, pageSize())
	if err != nil {
		return nil, err
	}

	reg, err := mapRegion(pl.size)
	if err != nil {
		return nil, err
	}
	release := true
	defer func() {
		if release {
			_ = reg.release()
		}
	}()

	mem := reg.bytes()
	base := addressOf(mem)
	exports, err := pl.link(f, mem, uint64(base), external)
	if err != nil {
		return nil, err
	}
	if err := reg.protectExec(pl.execSize); err != nil {
		return nil, err
	}

	release = false
	return &Image{
		region:  reg,
		base:    base,
		size:    pl.size,
		exports: exports,
	}, nil
}

// Base returns the start of the mapping.
func (img *Image) Base() uintptr {
	return img.base
}

// Size returns the length of the mapping in bytes.
func (img *Image) Size() int {
	return img.size
}

// Exports returns a copy of the global symbols the image defines.
func (img *Image) Exports() map[string]uintptr {
	img.mu.Lock()
	defer img.mu.Unlock()

	out := make(map[string]uintptr, len(img.exports))
	if img.released {
		return out
	}
	for name, addr := range img.exports {
		out[name] = addr
	}
	return out
}

// Lookup returns the address of the global symbol name.
func (img *Image) Lookup(name string) (uintptr, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.released {
		return 0, ErrReleased
	}
	addr, ok := img.exports[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return addr, nil
}

// Release unmaps the image. Only the first call does any work.
func (img *Image) Release() error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.released {
		return nil
	}
	img.released = true
	img.exports = nil
	if img.region == nil {
		return nil
	}
	if err := img.region.release(); err != nil {
		return fmt.Errorf("release image at %#x: %w", img.base, err)
	}
	return nil
}

// resolveExternal looks up every undefined symbol referenced by a relocation
// in an allocated section.
func resolveExternal(f *object.File, resolve Resolver) (map[int]uint64, error) {
	external := make(map[int]uint64)
	var missing []string
	for _, s := range f.Sections {
		if !s.Allocated() {
			continue
		}
		for _, rel := range s.Relocations {
			sym := f.Symbols[rel.Symbol]
			if sym.Defined() {
				continue
			}
			if _, done := external[rel.Symbol]; done {
				continue
			}
			if resolve == nil {
				missing = append(missing, sym.Name)
				external[rel.Symbol] = 0
				continue
			}
			addr, err := resolve.Resolve(sym.Name)
			switch {
			case err == nil:
				external[rel.Symbol] = uint64(addr)
			case errors.Is(err, ErrSymbolNotFound):
				external[rel.Symbol] = 0
				if sym.Bind != elf.STB_WEAK {
					missing = append(missing, sym.Name)
				}
			default:
				return nil, fmt.Errorf("resolve %s: %w", sym.Name, err)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &UndefinedSymbolsError{Names: slices.Compact(missing)}
	}
	return external, nil
}

// plan is the placement of an object inside one mapping.
type plan struct {
	size     int
	execSize int
	offsets  []int
	stubOff  int
	stubCap  int
}

func planLayout(f *object.File, page int) (plan, error) {
	pl := plan{offsets: make([]int, len(f.Sections))}
	for idx := range pl.offsets {
		pl.offsets[idx] = -1
	}

	var off int
	place := func(idx int) error {
		s := f.Sections[idx]
		n, err := safecast.Conv[int](s.Len())
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		align, err := safecast.Conv[int](max(s.Align, 1))
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		off = alignUp(off, align)
		pl.offsets[idx] = off
		off += n
		return nil
	}

	for idx, s := range f.Sections {
		if s.Allocated() && s.Executable() {
			if err := place(idx); err != nil {
				return plan{}, err
			}
		}
	}

	// Worst case every pc-relative reference to an external symbol needs a
	// stub.
	for _, s := range f.Sections {
		if !s.Allocated() {
			continue
		}
		for _, rel := range s.Relocations {
			switch elf.R_X86_64(rel.Type) {
			case elf.R_X86_64_PLT32, elf.R_X86_64_PC32:
				if !f.Symbols[rel.Symbol].Defined() {
					pl.stubCap++
				}
			}
		}
	}
	off = alignUp(off, stubSize)
	pl.stubOff = off
	off += pl.stubCap * stubSize

	off = alignUp(off, page)
	pl.execSize = off

	for idx, s := range f.Sections {
		if s.Allocated() && !s.Executable() {
			if err := place(idx); err != nil {
				return plan{}, err
			}
		}
	}
	pl.size = max(alignUp(off, page), page)
	return pl, nil
}

// link copies the sections of f into mem, which is mapped at base, and
// applies relocations. It returns the addresses of the global symbols.
func (pl plan) link(f *object.File, mem []byte, base uint64, external map[int]uint64) (map[string]uintptr, error) {
	if len(mem) < pl.size {
		return nil, fmt.Errorf("mapping of %d bytes is smaller than layout of %d", len(mem), pl.size)
	}
	for idx, s := range f.Sections {
		if pl.offsets[idx] < 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		copy(mem[pl.offsets[idx]:], s.Data)
	}

	addrs := make([]uint64, len(f.Symbols))
	for idx, sym := range f.Symbols {
		switch {
		case sym.Section == object.SectionUndef:
			addrs[idx] = external[idx]
		case sym.Section == object.SectionAbs:
			addrs[idx] = sym.Value
		case pl.offsets[sym.Section] < 0:
			// Symbols in non-allocated sections have no runtime address.
		default:
			addrs[idx] = base + uint64(pl.offsets[sym.Section]) + sym.Value
		}
	}

	stubs := make(map[int]uint64)
	nextStub := pl.stubOff
	stubFor := func(symIdx int) (uint64, error) {
		if addr, ok := stubs[symIdx]; ok {
			return addr, nil
		}
		if nextStub+stubSize > pl.stubOff+pl.stubCap*stubSize {
			return 0, errors.New("out of far-call stubs")
		}
		stub := mem[nextStub : nextStub+stubSize]
		// jmp qword ptr [rip+0]
		copy(stub, []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00})
		binary.LittleEndian.PutUint64(stub[6:], addrs[symIdx])
		addr := base + uint64(nextStub)
		stubs[symIdx] = addr
		nextStub += stubSize
		return addr, nil
	}

	for idx, s := range f.Sections {
		if pl.offsets[idx] < 0 {
			continue
		}
		for _, rel := range s.Relocations {
			if err := pl.apply(f, s, mem[pl.offsets[idx]:], base+uint64(pl.offsets[idx]), rel, addrs, stubFor); err != nil {
				return nil, fmt.Errorf("section %s offset %#x: %w", s.Name, rel.Offset, err)
			}
		}
	}

	exports := make(map[string]uintptr)
	for idx, sym := range f.Symbols {
		if !sym.Defined() || !sym.Global() || sym.Name == "" {
			continue
		}
		switch sym.Type {
		case elf.STT_SECTION, elf.STT_FILE:
			continue
		}
		if sym.Section != object.SectionAbs && pl.offsets[sym.Section] < 0 {
			continue
		}
		exports[sym.Name] = uintptr(addrs[idx])
	}
	return exports, nil
}

func (pl plan) apply(f *object.File, s *object.Section, data []byte, secBase uint64, rel object.Relocation, addrs []uint64, stubFor func(int) (uint64, error)) error {
	typ := elf.R_X86_64(rel.Type)
	width := 4
	switch typ {
	case elf.R_X86_64_NONE:
		return nil
	case elf.R_X86_64_64:
		width = 8
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32, elf.R_X86_64_32, elf.R_X86_64_32S:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedRelocation, typ)
	}
	if rel.Offset+uint64(width) > s.Len() {
		return fmt.Errorf("%s past end of section", typ)
	}
	if s.Type == elf.SHT_NOBITS {
		return fmt.Errorf("%s in section without contents", typ)
	}

	sym := f.Symbols[rel.Symbol]
	target := addrs[rel.Symbol]
	place := secBase + rel.Offset
	field := data[rel.Offset:]

	switch typ {
	case elf.R_X86_64_64:
		binary.LittleEndian.PutUint64(field, target+uint64(rel.Addend))
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		disp := int64(target + uint64(rel.Addend) - place)
		v, err := safecast.Conv[int32](disp)
		if err != nil {
			farCall := typ == elf.R_X86_64_PLT32 || sym.Type == elf.STT_FUNC
			if sym.Defined() || !farCall {
				return fmt.Errorf("%w: %s to %s", ErrRelocationOverflow, typ, f.SymbolName(rel))
			}
			stub, err := stubFor(rel.Symbol)
			if err != nil {
				return err
			}
			disp = int64(stub + uint64(rel.Addend) - place)
			if v, err = safecast.Conv[int32](disp); err != nil {
				return fmt.Errorf("%w: stub for %s", ErrRelocationOverflow, f.SymbolName(rel))
			}
		}
		binary.LittleEndian.PutUint32(field, uint32(v))
	case elf.R_X86_64_32:
		v, err := safecast.Conv[uint32](int64(target) + rel.Addend)
		if err != nil {
			return fmt.Errorf("%w: %s to %s", ErrRelocationOverflow, typ, f.SymbolName(rel))
		}
		binary.LittleEndian.PutUint32(field, v)
	case elf.R_X86_64_32S:
		v, err := safecast.Conv[int32](int64(target) + rel.Addend)
		if err != nil {
			return fmt.Errorf("%w: %s to %s", ErrRelocationOverflow, typ, f.SymbolName(rel))
		}
		binary.LittleEndian.PutUint32(field, uint32(v))
	}
	return nil
}

func alignUp(value, boundary int) int {
	if boundary <= 1 {
		return value
	}
	return (value + boundary - 1) / boundary * boundary
}
