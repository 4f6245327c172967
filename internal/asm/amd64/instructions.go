package amd64

import (
	"github.com/tinyrange/jitlink/internal/asm"
)

func encoded(encode func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encode()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func raw(code ...byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(code)
		return nil
	})
}

// MovImmediate loads value into dst. 64-bit values that fit a sign-extended
// imm32 use the short form.
func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

// Lea loads the effective address of mem into dst.
func Lea(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLea(dst, mem) })
}

// MovZX zero-extends src into the wider dst.
func MovZX(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeExtend(dst, src, false) })
}

// MovSX sign-extends src into the wider dst.
func MovSX(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeExtend(dst, src, true) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x01, dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x29, dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x21, dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x09, dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x31, dst, src) })
}

// CmpRegReg sets flags from dst - src.
func CmpRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x39, dst, src) })
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegReg(0x85, dst, src) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(0, reg, value) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(5, reg, value) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(4, reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeALURegImm(7, reg, value) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegReg(dst, src) })
}

// Idiv divides rdx:rax by divisor: quotient in rax, remainder in rdx.
func Idiv(divisor Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(7, divisor) })
}

// Div divides rdx:rax by divisor as unsigned values.
func Div(divisor Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(6, divisor) })
}

func Neg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(3, reg) })
}

// Cqo sign-extends rax into rdx:rax.
func Cqo() asm.Fragment {
	return raw(0x48, 0x99)
}

// ShlCL shifts reg left by cl.
func ShlCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftCL(4, reg) })
}

// ShrCL shifts reg right by cl, filling with zeroes.
func ShrCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftCL(5, reg) })
}

// SarCL shifts reg right by cl, filling with the sign bit.
func SarCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftCL(7, reg) })
}

// SetCC writes 1 to the 8-bit dst when cond holds and 0 otherwise.
func SetCC(cond Cond, dst Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, dst) })
}

func Push(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(0x50, reg) })
}

func Pop(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodePushPop(0x58, reg) })
}

func CallReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeIndirect(2, target) })
}

func JumpReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeIndirect(4, target) })
}

func Ret() asm.Fragment {
	return raw(0xC3)
}

// Leave restores rsp from rbp and pops rbp.
func Leave() asm.Fragment {
	return raw(0xC9)
}

// Ud2 raises an invalid opcode exception.
func Ud2() asm.Fragment {
	return raw(0x0F, 0x0B)
}

// MovsdLoad loads a double from mem into dst.
func MovsdLoad(dst Xmm, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEMem(0xF2, 0x10, dst, mem) })
}

// MovsdStore stores the low double of src to mem.
func MovsdStore(mem Memory, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEMem(0xF2, 0x11, src, mem) })
}

func Addsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSE(0xF2, 0x58, dst, src) })
}

func Mulsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSE(0xF2, 0x59, dst, src) })
}

func Subsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSE(0xF2, 0x5C, dst, src) })
}

func Divsd(dst, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSE(0xF2, 0x5E, dst, src) })
}

// Ucomisd compares a with b and sets ZF, PF and CF. Unordered operands set
// all three.
func Ucomisd(a, b Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSE(0x66, 0x2E, a, b) })
}

// Cvtsi2sd converts the signed integer in src to a double in dst.
func Cvtsi2sd(dst Xmm, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGPR(0xF2, 0x2A, dst, src, true) })
}

// Cvttsd2si converts the double in src to a signed integer, truncating.
func Cvttsd2si(dst Reg, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGPR(0xF2, 0x2C, src, dst, false) })
}

// MovqToXmm copies the bits of the 64-bit src into dst.
func MovqToXmm(dst Xmm, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGPR(0x66, 0x6E, dst, src, true) })
}

// MovqFromXmm copies the low 64 bits of src into dst.
func MovqFromXmm(dst Reg, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSSEGPR(0x66, 0x7E, src, dst, true) })
}
