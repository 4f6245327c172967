package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/tinyrange/jitlink/internal/object"
)

const (
	testPage = 4096
	testBase = 0x400000
)

// linkable returns an object whose run function calls ext, calls helper, and
// whose .data holds the absolute address of helper.
func linkable() *object.File {
	f := object.New(elf.EM_X86_64)
	text := f.AddSection(&object.Section{
		Name:  ".text",
		Type:  elf.SHT_PROGBITS,
		Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Align: 16,
		Data: []byte{
			0xE8, 0, 0, 0, 0, // call ext
			0xE8, 0, 0, 0, 0, // call helper
			0xC3,
			0xC3, // helper
		},
	})
	data := f.AddSection(&object.Section{
		Name:  ".data",
		Type:  elf.SHT_PROGBITS,
		Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		Align: 8,
		Data:  make([]byte, 8),
	})
	f.AddSymbol(object.Symbol{Name: "run", Section: text, Size: 11, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
	helper := f.AddSymbol(object.Symbol{Name: "helper", Section: text, Value: 11, Size: 1, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC})
	ext := f.AddSymbol(object.Symbol{Name: "ext", Section: object.SectionUndef, Bind: elf.STB_GLOBAL})
	f.AddSymbol(object.Symbol{Name: "table", Section: data, Size: 8, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT})
	f.Sections[text].Relocations = []object.Relocation{
		{Offset: 1, Type: uint32(elf.R_X86_64_PLT32), Symbol: ext, Addend: -4},
		{Offset: 6, Type: uint32(elf.R_X86_64_PLT32), Symbol: helper, Addend: -4},
	}
	f.Sections[data].Relocations = []object.Relocation{
		{Offset: 0, Type: uint32(elf.R_X86_64_64), Symbol: helper},
	}
	return f
}

func linkAt(t *testing.T, f *object.File, external map[int]uint64) (plan, []byte, map[string]uintptr) {
	t.Helper()
	pl, err := planLayout(f, testPage)
	if err != nil {
		t.Fatalf("planLayout failed: %v", err)
	}
	mem := make([]byte, pl.size)
	exports, err := pl.link(f, mem, testBase, external)
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	return pl, mem, exports
}

func TestPlanLayout(t *testing.T) {
	pl, err := planLayout(linkable(), testPage)
	if err != nil {
		t.Fatalf("planLayout failed: %v", err)
	}
	want := plan{size: 2 * testPage, execSize: testPage, offsets: []int{0, testPage}, stubOff: 16, stubCap: 1}
	if !reflect.DeepEqual(pl, want) {
		t.Fatalf("planLayout=%+v, want %+v", pl, want)
	}
}

func TestLinkNearCall(t *testing.T) {
	const ext = testBase + 0x10000
	_, mem, exports := linkAt(t, linkable(), map[int]uint64{2: ext})

	if got := int32(binary.LittleEndian.Uint32(mem[1:])); got != int32(ext-(testBase+5)) {
		t.Fatalf("call ext displacement=%#x, want %#x", got, ext-(testBase+5))
	}
	if got := int32(binary.LittleEndian.Uint32(mem[6:])); got != 1 {
		t.Fatalf("call helper displacement=%d, want 1", got)
	}
	if got := binary.LittleEndian.Uint64(mem[testPage:]); got != testBase+11 {
		t.Fatalf("table=%#x, want %#x", got, testBase+11)
	}
	want := map[string]uintptr{"run": testBase, "table": testBase + testPage}
	if !reflect.DeepEqual(exports, want) {
		t.Fatalf("exports=%v, want %v", exports, want)
	}
	if !bytes.Equal(mem[16:32], make([]byte, 16)) {
		t.Fatalf("unused stub slot was written: % x", mem[16:32])
	}
}

func TestLinkFarCallUsesStub(t *testing.T) {
	const ext = uint64(0x7f12_3456_7890)
	pl, mem, _ := linkAt(t, linkable(), map[int]uint64{2: ext})

	stub := mem[pl.stubOff : pl.stubOff+stubSize]
	if !bytes.Equal(stub[:6], []byte{0xFF, 0x25, 0, 0, 0, 0}) {
		t.Fatalf("stub prefix=% x", stub[:6])
	}
	if got := binary.LittleEndian.Uint64(stub[6:]); got != ext {
		t.Fatalf("stub target=%#x, want %#x", got, ext)
	}
	if got := int32(binary.LittleEndian.Uint32(mem[1:])); got != int32(pl.stubOff-5) {
		t.Fatalf("call displacement=%d, want %d", got, pl.stubOff-5)
	}
}

func TestLinkAbsolute32(t *testing.T) {
	build := func(value uint64, typ elf.R_X86_64) *object.File {
		f := object.New(elf.EM_X86_64)
		text := f.AddSection(&object.Section{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Data: make([]byte, 4)})
		sym := f.AddSymbol(object.Symbol{Name: "abs", Section: object.SectionAbs, Value: value, Bind: elf.STB_GLOBAL})
		f.Sections[text].Relocations = []object.Relocation{{Offset: 0, Type: uint32(typ), Symbol: sym, Addend: 4}}
		return f
	}

	_, mem, _ := linkAt(t, build(0x1000, elf.R_X86_64_32), nil)
	if got := binary.LittleEndian.Uint32(mem); got != 0x1004 {
		t.Fatalf("R_X86_64_32=%#x, want 0x1004", got)
	}

	for _, typ := range []elf.R_X86_64{elf.R_X86_64_32, elf.R_X86_64_32S} {
		f := build(0x1_0000_0000, typ)
		pl, err := planLayout(f, testPage)
		if err != nil {
			t.Fatalf("planLayout failed: %v", err)
		}
		_, err = pl.link(f, make([]byte, pl.size), testBase, nil)
		if !errors.Is(err, ErrRelocationOverflow) {
			t.Fatalf("%s link error=%v, want ErrRelocationOverflow", typ, err)
		}
	}
}

func TestLinkRejectsUnsupportedRelocation(t *testing.T) {
	f := linkable()
	f.Sections[0].Relocations[0].Type = uint32(elf.R_X86_64_GOTPCREL)
	pl, err := planLayout(f, testPage)
	if err != nil {
		t.Fatalf("planLayout failed: %v", err)
	}
	_, err = pl.link(f, make([]byte, pl.size), testBase, map[int]uint64{2: testBase})
	if !errors.Is(err, ErrUnsupportedRelocation) {
		t.Fatalf("link error=%v, want ErrUnsupportedRelocation", err)
	}
}

func TestResolveExternalCollectsMissing(t *testing.T) {
	f := linkable()
	extra := f.AddSymbol(object.Symbol{Name: "another", Section: object.SectionUndef, Bind: elf.STB_GLOBAL})
	f.Sections[0].Relocations = append(f.Sections[0].Relocations,
		object.Relocation{Offset: 6, Type: uint32(elf.R_X86_64_PLT32), Symbol: extra, Addend: -4})

	_, err := resolveExternal(f, ResolverFunc(func(name string) (uintptr, error) {
		return 0, ErrSymbolNotFound
	}))
	var undef *UndefinedSymbolsError
	if !errors.As(err, &undef) {
		t.Fatalf("resolveExternal error=%v, want UndefinedSymbolsError", err)
	}
	if want := []string{"another", "ext"}; !reflect.DeepEqual(undef.Names, want) {
		t.Fatalf("Names=%v, want %v", undef.Names, want)
	}
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("UndefinedSymbolsError does not unwrap to ErrSymbolNotFound")
	}
}

func TestResolveExternalAbortsOnResolverError(t *testing.T) {
	boom := errors.New("boom")
	_, err := resolveExternal(linkable(), ResolverFunc(func(name string) (uintptr, error) {
		return 0, boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("resolveExternal error=%v, want boom", err)
	}
}

func TestChain(t *testing.T) {
	first := ResolverFunc(func(name string) (uintptr, error) {
		if name == "a" {
			return 1, nil
		}
		return 0, ErrSymbolNotFound
	})
	second := ResolverFunc(func(name string) (uintptr, error) {
		if name == "b" {
			return 2, nil
		}
		return 0, ErrSymbolNotFound
	})
	r := Chain(first, nil, second)
	for name, want := range map[string]uintptr{"a": 1, "b": 2} {
		got, err := r.Resolve(name)
		if err != nil || got != want {
			t.Fatalf("Resolve(%s)=%d, %v, want %d", name, got, err, want)
		}
	}
	if _, err := r.Resolve("c"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("Resolve(c) error=%v, want ErrSymbolNotFound", err)
	}
}

func TestLoadRejectsOtherMachines(t *testing.T) {
	f := object.New(elf.EM_AARCH64)
	if _, err := Load(f, nil); !errors.Is(err, ErrUnsupportedMachine) {
		t.Fatalf("Load error=%v, want ErrUnsupportedMachine", err)
	}
}

func TestReleasedImage(t *testing.T) {
	img := &Image{exports: map[string]uintptr{"f": 1}}
	if err := img.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := img.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if _, err := img.Lookup("f"); !errors.Is(err, ErrReleased) {
		t.Fatalf("Lookup after Release error=%v, want ErrReleased", err)
	}
	if len(img.Exports()) != 0 {
		t.Fatalf("Exports after Release not empty")
	}
}
