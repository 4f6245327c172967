package testutil

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/jitlink/internal/object"
)

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// DisassembleWithObjdump wraps code into a relocatable object for machine
// and runs GNU objdump -d --no-show-raw-insn on it.
func DisassembleWithObjdump(t *testing.T, code []byte, machine elf.Machine, extraArgs ...string) []DisasmLine {
	t.Helper()
	obj, err := wrapCode(code, machine)
	if err != nil {
		t.Fatalf("wrap code: %v", err)
	}
	return DisassembleObject(t, obj, extraArgs...)
}

// DisassembleObject runs GNU objdump -d --no-show-raw-insn on an encoded
// object file. The test is skipped when objdump is not installed.
func DisassembleObject(t *testing.T, obj []byte, extraArgs ...string) []DisasmLine {
	t.Helper()

	toolPath, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	path := filepath.Join(t.TempDir(), "disasm.o")
	if err := os.WriteFile(path, obj, 0o644); err != nil {
		t.Fatalf("write temp object: %v", err)
	}

	args := []string{"-d", "--no-show-raw-insn"}
	args = append(args, extraArgs...)
	args = append(args, path)
	output, err := exec.Command(toolPath, args...).CombinedOutput()
	if err != nil {
		t.Fatalf("objdump failed: %v\n\n%s", err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	return lines
}

func wrapCode(code []byte, machine elf.Machine) ([]byte, error) {
	f := object.New(machine)
	text := f.AddSection(&object.Section{
		Name:  ".text",
		Type:  elf.SHT_PROGBITS,
		Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Align: 16,
		Data:  code,
	})
	f.AddSymbol(object.Symbol{
		Name:    "code",
		Section: text,
		Size:    uint64(len(code)),
		Bind:    elf.STB_GLOBAL,
		Type:    elf.STT_FUNC,
	})
	return f.Encode()
}

func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []DisasmLine
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexRune(line, ':')
		if colon == -1 {
			continue
		}
		text := strings.TrimSpace(line[colon+1:])
		if text == "" || strings.HasPrefix(text, "<") {
			continue
		}
		if strings.HasPrefix(text, ".") || strings.HasPrefix(text, "file format") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		normalized := strings.Join(fields, " ")
		lines = append(lines, DisasmLine{
			Text:       text,
			Normalized: normalized,
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}
