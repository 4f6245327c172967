package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// Expectation matches one disassembled instruction by mnemonic and operand
// fragments. An empty Mnemonic matches any instruction.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

// Expect builds an Expectation named after its mnemonic.
func Expect(mnemonic string, contains ...string) Expectation {
	return Expectation{Name: mnemonic, Mnemonic: mnemonic, Contains: contains}
}

func (e Expectation) check(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("got %s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, frag := range e.Contains {
		if !line.Contains(frag) {
			return fmt.Errorf("operands %q lack %q", line.Normalized, frag)
		}
	}
	return nil
}

// VerifyExpectations requires lines to start with expect, one instruction per
// expectation. Trailing instructions such as alignment padding are ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("disassembly has %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		if err := exp.check(lines[idx]); err != nil {
			t.Fatalf("instruction %d (%s): %v\n%s", idx, exp.Name, err, lines[idx].Text)
		}
	}
}

// VerifySubsequence requires expect to appear in lines in order, with any
// number of other instructions in between.
func VerifySubsequence(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	next := 0
	for _, line := range lines {
		if next == len(expect) {
			return
		}
		if expect[next].check(line) == nil {
			next++
		}
	}
	if next < len(expect) {
		t.Fatalf("no instruction matching %s after the first %d expectations:\n%s",
			expect[next].Name, next, strings.Join(texts(lines), "\n"))
	}
}

func texts(lines []DisasmLine) []string {
	out := make([]string, len(lines))
	for idx, line := range lines {
		out[idx] = line.Text
	}
	return out
}

// Mnemonics returns the mnemonic of every line.
func Mnemonics(lines []DisasmLine) []string {
	out := make([]string, len(lines))
	for idx, line := range lines {
		out[idx] = line.Mnemonic
	}
	return out
}
