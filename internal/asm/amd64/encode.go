package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

// Cond is an x86 condition code as used by Jcc and SETcc.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xA
	CondNP Cond = 0xB
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond { return c ^ 1 }

// inst is a single encoded instruction:
// [legacy prefix] [REX] opcode [ModRM [SIB] [disp]] [imm].
type inst struct {
	legacy   byte
	rex      rexState
	opcode   []byte
	hasModRM bool
	modrm    byte
	sib      []byte
	disp     []byte
	imm      []byte
}

func (i *inst) bytes() []byte {
	out := make([]byte, 0, 16)
	if i.legacy != 0 {
		out = append(out, i.legacy)
	}
	if p := i.rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, i.opcode...)
	if i.hasModRM {
		out = append(out, i.modrm)
		out = append(out, i.sib...)
		out = append(out, i.disp...)
	}
	out = append(out, i.imm...)
	return out
}

// sized applies the operand-size prefix and REX.W for size.
func (i *inst) sized(size operandSize) {
	switch size {
	case size16:
		i.legacy = 0x66
	case size64:
		i.rex.w = true
	}
}

func (i *inst) regRM(reg, rm registerCode) {
	i.hasModRM = true
	i.modrm = 0xC0 | reg.code<<3 | rm.code
	i.rex.r = i.rex.r || reg.high
	i.rex.b = i.rex.b || rm.high
}

func (i *inst) memRM(reg registerCode, mem Memory) error {
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return err
	}
	i.hasModRM = true
	i.modrm = enc.modrm | reg.code<<3
	i.sib = enc.sib
	i.disp = enc.disp
	i.rex.r = i.rex.r || reg.high
	i.rex.b = i.rex.b || enc.rexB
	return nil
}

// byteRegs forces a REX prefix when an 8-bit operand names spl, bpl, sil or
// dil, which would otherwise decode as ah, ch, dh or bh.
func (i *inst) byteRegs(regs ...registerCode) {
	for _, r := range regs {
		if r.needsRex {
			i.rex.force = true
		}
	}
}

func opcodeExt(ext byte) registerCode {
	return registerCode{code: ext}
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rexB  bool
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}

	if mem.rip {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(mem.disp))
		return memEncoding{modrm: 0x05, disp: buf[:]}, nil
	}

	base, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}
	enc := memEncoding{rexB: base.high}

	rm := base.code
	disp := mem.disp
	switch {
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		// [rbp] and [r13] have no mod=00 form and take a zero disp8.
		enc.modrm = 0x40
		enc.disp = []byte{byte(int8(disp))}
	default:
		enc.modrm = 0x80
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(disp))
		enc.disp = buf[:]
	}

	if rm == 4 {
		// rsp and r12 as base need a SIB byte with no index.
		enc.sib = []byte{0x24}
	}
	enc.modrm |= rm
	return enc, nil
}

func checkGPR(regs ...Reg) error {
	for _, r := range regs {
		if isXmm(r.id) {
			return fmt.Errorf("expected general purpose register, got xmm%d", r.id-XMM0)
		}
		switch r.size {
		case size8, size16, size32, size64:
		default:
			return fmt.Errorf("unsupported register width %d", r.size)
		}
	}
	return nil
}

func checkXmm(regs ...Xmm) error {
	for _, r := range regs {
		if !isXmm(r.id) {
			return fmt.Errorf("expected xmm register, got %d", r.id)
		}
	}
	return nil
}

func encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	if err := checkGPR(reg); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}

	in := inst{}
	in.rex.b = info.high
	switch reg.size {
	case size64:
		if value >= math.MinInt32 && value <= math.MaxInt32 {
			// mov r/m64, imm32 sign-extends.
			in.rex.w = true
			in.opcode = []byte{0xC7}
			in.regRM(opcodeExt(0), info)
			in.imm = binary.LittleEndian.AppendUint32(nil, uint32(int32(value)))
		} else {
			in.rex.w = true
			in.opcode = []byte{0xB8 + info.code}
			in.imm = binary.LittleEndian.AppendUint64(nil, uint64(value))
		}
	case size32:
		in.opcode = []byte{0xB8 + info.code}
		in.imm = binary.LittleEndian.AppendUint32(nil, uint32(value))
	case size16:
		in.legacy = 0x66
		in.opcode = []byte{0xB8 + info.code}
		in.imm = binary.LittleEndian.AppendUint16(nil, uint16(value))
	case size8:
		in.byteRegs(info)
		in.opcode = []byte{0xB0 + info.code}
		in.imm = []byte{byte(value)}
	}
	return in.bytes(), nil
}

// encodeALURegReg encodes the two-operand "op r/m, r" form. opcode is the
// 16/32/64-bit variant; the 8-bit variant is always opcode-1.
func encodeALURegReg(opcode byte, dst, src Reg) ([]byte, error) {
	if err := checkGPR(dst, src); err != nil {
		return nil, err
	}
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}

	in := inst{opcode: []byte{opcode}}
	in.sized(dst.size)
	if dst.size == size8 {
		in.opcode[0] = opcode - 1
		in.byteRegs(dstInfo, srcInfo)
	}
	in.regRM(srcInfo, dstInfo)
	return in.bytes(), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	return encodeALURegReg(0x89, dst, src)
}

func encodeMovMem(opcode byte, reg Reg, mem Memory) ([]byte, error) {
	if err := checkGPR(reg); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	in := inst{opcode: []byte{opcode}}
	in.sized(reg.size)
	if reg.size == size8 {
		in.opcode[0] = opcode - 1
		in.byteRegs(info)
	}
	if err := in.memRM(info, mem); err != nil {
		return nil, err
	}
	return in.bytes(), nil
}

func encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	return encodeMovMem(0x89, src, mem)
}

func encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	return encodeMovMem(0x8B, dst, mem)
}

func encodeLea(dst Reg, mem Memory) ([]byte, error) {
	if dst.size != size64 {
		return nil, fmt.Errorf("lea requires a 64-bit destination")
	}
	return encodeMovMem(0x8D, dst, mem)
}

// encodeALURegImm encodes the group 1 immediate forms (add /0, or /1,
// and /4, sub /5, xor /6, cmp /7).
func encodeALURegImm(ext byte, reg Reg, value int32) ([]byte, error) {
	if err := checkGPR(reg); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}

	in := inst{}
	in.sized(reg.size)
	switch {
	case reg.size == size8:
		in.byteRegs(info)
		in.opcode = []byte{0x80}
		in.imm = []byte{byte(value)}
	case value >= math.MinInt8 && value <= math.MaxInt8:
		in.opcode = []byte{0x83}
		in.imm = []byte{byte(int8(value))}
	case reg.size == size16:
		in.opcode = []byte{0x81}
		in.imm = binary.LittleEndian.AppendUint16(nil, uint16(value))
	default:
		in.opcode = []byte{0x81}
		in.imm = binary.LittleEndian.AppendUint32(nil, uint32(value))
	}
	in.regRM(opcodeExt(ext), info)
	return in.bytes(), nil
}

func encodeImulRegReg(dst, src Reg) ([]byte, error) {
	if err := checkGPR(dst, src); err != nil {
		return nil, err
	}
	if dst.size != src.size || dst.size == size8 {
		return nil, fmt.Errorf("imul requires matching 16/32/64-bit registers")
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	in := inst{opcode: []byte{0x0F, 0xAF}}
	in.sized(dst.size)
	in.regRM(dstInfo, srcInfo)
	return in.bytes(), nil
}

// encodeGroup3 encodes the F7 group (not /2, neg /3, div /6, idiv /7).
func encodeGroup3(ext byte, reg Reg) ([]byte, error) {
	if err := checkGPR(reg); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	in := inst{opcode: []byte{0xF7}}
	in.sized(reg.size)
	if reg.size == size8 {
		in.opcode[0] = 0xF6
		in.byteRegs(info)
	}
	in.regRM(opcodeExt(ext), info)
	return in.bytes(), nil
}

// encodeShiftCL encodes the D3 group shifted by cl (shl /4, shr /5, sar /7).
func encodeShiftCL(ext byte, reg Reg) ([]byte, error) {
	if err := checkGPR(reg); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	in := inst{opcode: []byte{0xD3}}
	in.sized(reg.size)
	if reg.size == size8 {
		in.opcode[0] = 0xD2
		in.byteRegs(info)
	}
	in.regRM(opcodeExt(ext), info)
	return in.bytes(), nil
}

func encodeSetcc(cond Cond, dst Reg) ([]byte, error) {
	if err := checkGPR(dst); err != nil {
		return nil, err
	}
	if dst.size != size8 {
		return nil, fmt.Errorf("setcc requires an 8-bit register")
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	in := inst{opcode: []byte{0x0F, 0x90 + byte(cond)}}
	in.byteRegs(info)
	in.regRM(opcodeExt(0), info)
	return in.bytes(), nil
}

// encodeExtend widens src into dst with zero or sign extension.
func encodeExtend(dst, src Reg, signed bool) ([]byte, error) {
	if err := checkGPR(dst, src); err != nil {
		return nil, err
	}
	if dst.size <= src.size || dst.size == size8 {
		return nil, fmt.Errorf("cannot extend %d-bit register into %d-bit register", src.size*8, dst.size*8)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}

	in := inst{}
	in.sized(dst.size)
	switch {
	case src.size == size8:
		in.opcode = []byte{0x0F, 0xB6}
		if signed {
			in.opcode[1] = 0xBE
		}
		in.byteRegs(srcInfo)
	case src.size == size16:
		in.opcode = []byte{0x0F, 0xB7}
		if signed {
			in.opcode[1] = 0xBF
		}
	case signed:
		in.opcode = []byte{0x63}
	default:
		// Writing a 32-bit register clears the upper half.
		return encodeMovRegReg(Reg32(dst.id), Reg32(src.id))
	}
	in.regRM(dstInfo, srcInfo)
	return in.bytes(), nil
}

func encodePushPop(base byte, reg Reg) ([]byte, error) {
	if err := checkGPR(reg); err != nil {
		return nil, err
	}
	if reg.size != size64 {
		return nil, fmt.Errorf("push/pop require a 64-bit register")
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	in := inst{opcode: []byte{base + info.code}}
	in.rex.b = info.high
	return in.bytes(), nil
}

func encodeIndirect(ext byte, target Reg) ([]byte, error) {
	if err := checkGPR(target); err != nil {
		return nil, err
	}
	if target.size != size64 {
		return nil, fmt.Errorf("indirect branch target must be a 64-bit register")
	}
	info, err := regInfo(target.id)
	if err != nil {
		return nil, err
	}
	in := inst{opcode: []byte{0xFF}}
	in.regRM(opcodeExt(ext), info)
	return in.bytes(), nil
}

// encodeSSE encodes "[legacy] 0F op xmm, xmm".
func encodeSSE(legacy, op byte, dst, src Xmm) ([]byte, error) {
	if err := checkXmm(dst, src); err != nil {
		return nil, err
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	in := inst{legacy: legacy, opcode: []byte{0x0F, op}}
	in.regRM(dstInfo, srcInfo)
	return in.bytes(), nil
}

func encodeSSEMem(legacy, op byte, reg Xmm, mem Memory) ([]byte, error) {
	if err := checkXmm(reg); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	in := inst{legacy: legacy, opcode: []byte{0x0F, op}}
	if err := in.memRM(info, mem); err != nil {
		return nil, err
	}
	return in.bytes(), nil
}

// encodeSSEGPR encodes instructions mixing an xmm and a general purpose
// register. xmmInReg selects which operand goes into the ModRM reg field.
func encodeSSEGPR(legacy, op byte, x Xmm, gpr Reg, xmmInReg bool) ([]byte, error) {
	if err := checkXmm(x); err != nil {
		return nil, err
	}
	if err := checkGPR(gpr); err != nil {
		return nil, err
	}
	if gpr.size != size32 && gpr.size != size64 {
		return nil, fmt.Errorf("scalar conversion requires a 32- or 64-bit register")
	}
	xInfo, err := regInfo(x.id)
	if err != nil {
		return nil, err
	}
	gInfo, err := regInfo(gpr.id)
	if err != nil {
		return nil, err
	}
	in := inst{legacy: legacy, opcode: []byte{0x0F, op}}
	in.rex.w = gpr.size == size64
	if xmmInReg {
		in.regRM(xInfo, gInfo)
	} else {
		in.regRM(gInfo, xInfo)
	}
	return in.bytes(), nil
}
