// Package amd64 assembles x86-64 machine code from fragments. Branches to
// labels are resolved when the program is finalized; calls to named symbols
// are left as fixups for the linker.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jitlink/internal/asm"
)

type Context struct {
	text   []byte
	labels map[asm.Label]int
	jumps  []jumpPatch
	fixups []asm.Fixup
}

type jumpPatch struct {
	label asm.Label
	pos   int
}

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) Len() int {
	return len(c.text)
}

// Assemble emits fragment and resolves its label references.
func Assemble(fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

// EmitBytes assembles fragment and returns only the machine code.
func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := Assemble(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(c.text[j.pos:j.pos+4], uint32(int32(rel)))
	}
	return asm.NewProgram(c.text, c.fixups), nil
}

type jump struct {
	label  asm.Label
	cond   Cond
	always bool
}

func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, always: true}
}

// JumpIf branches to label when cond holds.
func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	return &jump{label: label, cond: cond}
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 jump emitted into %T", _ctx)
	}
	if j.always {
		ctx.text = append(ctx.text, 0xE9)
	} else {
		ctx.text = append(ctx.text, 0x0F, 0x80+byte(j.cond))
	}
	pos := len(ctx.text)
	ctx.text = append(ctx.text, 0, 0, 0, 0)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos})
	return nil
}

type callSymbol struct {
	symbol string
}

// CallSymbol emits "call rel32" to a named symbol. The displacement is left
// for the linker as a FixupCall.
func CallSymbol(symbol string) asm.Fragment {
	return &callSymbol{symbol: symbol}
}

func (c *callSymbol) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 call emitted into %T", _ctx)
	}
	if c.symbol == "" {
		return fmt.Errorf("call to unnamed symbol")
	}
	ctx.text = append(ctx.text, 0xE8)
	pos := len(ctx.text)
	ctx.text = append(ctx.text, 0, 0, 0, 0)
	ctx.fixups = append(ctx.fixups, asm.Fixup{
		Offset: pos,
		Symbol: c.symbol,
		Kind:   asm.FixupCall,
		// The displacement is relative to the end of the instruction.
		Addend: -4,
	})
	return nil
}
