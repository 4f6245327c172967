package amd64

import (
	"fmt"

	"github.com/tinyrange/jitlink/internal/asm"
)

const (
	RAX asm.Variable = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// IntArgs are the System V integer argument registers in order.
var IntArgs = []asm.Variable{RDI, RSI, RDX, RCX, R8, R9}

// FloatArgs are the System V floating point argument registers in order.
var FloatArgs = []asm.Variable{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   asm.Variable
	size operandSize
}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// RegSized constructs a register operand of the given width in bytes.
func RegSized(id asm.Variable, bytes int) (Reg, error) {
	switch bytes {
	case 1, 2, 4, 8:
		return Reg{id: id, size: operandSize(bytes)}, nil
	default:
		return Reg{}, fmt.Errorf("unsupported register width %d bytes", bytes)
	}
}

// Xmm is an SSE register operand.
type Xmm struct {
	id asm.Variable
}

// X constructs an SSE register operand backed by the provided register id.
func X(id asm.Variable) Xmm { return Xmm{id: id} }

// Memory describes an effective address used by memory operands.
type Memory struct {
	base Reg
	disp int32
	rip  bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{base: base}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// RIP constructs a memory operand referencing [rip + disp].
func RIP(disp int32) Memory {
	return Memory{disp: disp, rip: true}
}

func (m Memory) validate() error {
	if m.rip {
		return nil
	}
	if m.base.size != size64 {
		return fmt.Errorf("base register must be 64-bit")
	}
	if isXmm(m.base.id) {
		return fmt.Errorf("base register must be general purpose")
	}
	return nil
}

func (m Memory) String() string {
	if m.rip {
		return fmt.Sprintf("[rip%+d]", m.disp)
	}
	return fmt.Sprintf("[r%d%+d]", m.base.id, m.disp)
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func isXmm(v asm.Variable) bool {
	return v >= XMM0 && v <= XMM15
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch {
	case v >= RAX && v <= R15:
		n := byte(v - RAX)
		return registerCode{
			code: n & 7,
			high: n >= 8,
			// spl, bpl, sil, dil and r8b-r15b are only reachable with REX.
			needsRex: n >= 4,
		}, nil
	case isXmm(v):
		n := byte(v - XMM0)
		return registerCode{code: n & 7, high: n >= 8}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}
