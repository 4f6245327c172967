package amd64

import (
	"fmt"
	"math"

	"fortio.org/safecast"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/tinyrange/jitlink/internal/asm"
	"github.com/tinyrange/jitlink/internal/asm/amd64"
	"github.com/tinyrange/jitlink/internal/codegen"
	"github.com/tinyrange/jitlink/internal/target"
)

const (
	stackAlignment = 16
	slotSize       = 8
)

var (
	rax = amd64.RAX
	rcx = amd64.RCX
	rdx = amd64.RDX
)

type compiler struct {
	fn           *ir.Func
	td           target.Description
	prefix       string
	fragments    asm.Group
	slots        map[value.Value]int32
	phiTemps     map[*ir.InstPhi]int32
	allocas      map[*ir.InstAlloca]int32
	blocks       map[*ir.Block]asm.Label
	frameSize    int32
	labelCounter int
}

// compileFunc lowers one function definition to a fragment that starts with
// the standard rbp frame prologue.
func compileFunc(fn *ir.Func, td target.Description, index int) (asm.Fragment, error) {
	c, err := newCompiler(fn, td, index)
	if err != nil {
		return nil, err
	}
	if err := c.prologue(); err != nil {
		return nil, err
	}
	for idx, b := range fn.Blocks {
		var next *ir.Block
		if idx+1 < len(fn.Blocks) {
			next = fn.Blocks[idx+1]
		}
		if err := c.compileBlock(b, next); err != nil {
			return nil, fmt.Errorf("block %d: %w", idx, err)
		}
	}
	return c.fragments, nil
}

func newCompiler(fn *ir.Func, td target.Description, index int) (*compiler, error) {
	if fn.Sig.Variadic {
		return nil, fmt.Errorf("%w: variadic function definition", codegen.ErrUnsupported)
	}

	c := &compiler{
		fn:       fn,
		td:       td,
		prefix:   fmt.Sprintf(".L%d", index),
		slots:    make(map[value.Value]int32),
		phiTemps: make(map[*ir.InstPhi]int32),
		allocas:  make(map[*ir.InstAlloca]int32),
		blocks:   make(map[*ir.Block]asm.Label, len(fn.Blocks)),
	}

	var used int
	alloc := func() (int32, error) {
		used += slotSize
		off, err := safecast.Conv[int32](used)
		if err != nil {
			return 0, fmt.Errorf("%w: stack frame too large", codegen.ErrUnsupported)
		}
		return -off, nil
	}

	for _, p := range fn.Params {
		off, err := alloc()
		if err != nil {
			return nil, err
		}
		c.slots[p] = off
	}
	for idx, b := range fn.Blocks {
		c.blocks[b] = asm.Label(fmt.Sprintf("%s.b%d", c.prefix, idx))
		for _, inst := range b.Insts {
			switch inst := inst.(type) {
			case *ir.InstPhi:
				off, err := alloc()
				if err != nil {
					return nil, err
				}
				c.phiTemps[inst] = off
			case *ir.InstAlloca:
				if err := checkAlloca(inst); err != nil {
					return nil, err
				}
				off, err := alloc()
				if err != nil {
					return nil, err
				}
				c.allocas[inst] = off
			}
			v, ok := inst.(value.Value)
			if !ok || isVoid(v.Type()) {
				continue
			}
			off, err := alloc()
			if err != nil {
				return nil, err
			}
			c.slots[v] = off
		}
	}

	frame, err := safecast.Conv[int32](alignTo(used, stackAlignment))
	if err != nil {
		return nil, fmt.Errorf("%w: stack frame too large", codegen.ErrUnsupported)
	}
	c.frameSize = frame
	return c, nil
}

func (c *compiler) emit(frags ...asm.Fragment) {
	c.fragments = append(c.fragments, frags...)
}

func (c *compiler) newLabel(kind string) asm.Label {
	c.labelCounter++
	return asm.Label(fmt.Sprintf("%s.%s%d", c.prefix, kind, c.labelCounter))
}

func slotMem(off int32) amd64.Memory {
	return amd64.Mem(amd64.Reg64(amd64.RBP)).WithDisp(off)
}

func (c *compiler) prologue() error {
	c.emit(
		amd64.Push(amd64.Reg64(amd64.RBP)),
		amd64.MovReg(amd64.Reg64(amd64.RBP), amd64.Reg64(amd64.RSP)),
	)
	if c.frameSize > 0 {
		c.emit(amd64.SubRegImm(amd64.Reg64(amd64.RSP), c.frameSize))
	}

	var ints, floats int
	for _, p := range c.fn.Params {
		l, err := layoutOf(p.Type())
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Ident(), err)
		}
		mem := slotMem(c.slots[p])
		if l.kind == kindFloat {
			if floats >= len(amd64.FloatArgs) {
				return fmt.Errorf("%w: more than %d floating point parameters", codegen.ErrUnsupported, len(amd64.FloatArgs))
			}
			c.emit(amd64.MovsdStore(mem, amd64.X(amd64.FloatArgs[floats])))
			floats++
			continue
		}
		if ints >= len(amd64.IntArgs) {
			return fmt.Errorf("%w: more than %d integer parameters", codegen.ErrUnsupported, len(amd64.IntArgs))
		}
		c.emit(amd64.MovToMemory(mem, amd64.Reg64(amd64.IntArgs[ints])))
		ints++
	}
	return nil
}

func (c *compiler) compileBlock(b *ir.Block, next *ir.Block) error {
	c.emit(asm.MarkLabel(c.blocks[b]))

	// Incoming phi values were parked in temporaries by the predecessor.
	leading := true
	for _, inst := range b.Insts {
		phi, ok := inst.(*ir.InstPhi)
		if !ok {
			leading = false
			continue
		}
		if !leading {
			return fmt.Errorf("%w: phi %s after non-phi instruction", codegen.ErrInvalidModule, phi.Ident())
		}
		c.emit(amd64.MovFromMemory(amd64.Reg64(rax), slotMem(c.phiTemps[phi])))
		if err := c.store(phi, rax); err != nil {
			return err
		}
	}

	for _, inst := range b.Insts {
		if _, ok := inst.(*ir.InstPhi); ok {
			continue
		}
		if err := c.compileInst(inst); err != nil {
			return err
		}
	}
	return c.compileTerm(b, next)
}

func (c *compiler) compileInst(inst ir.Instruction) error {
	switch inst := inst.(type) {
	case *ir.InstAdd:
		return c.intBinary(inst, inst.X, inst.Y, amd64.AddRegReg)
	case *ir.InstSub:
		return c.intBinary(inst, inst.X, inst.Y, amd64.SubRegReg)
	case *ir.InstMul:
		return c.intBinary(inst, inst.X, inst.Y, amd64.ImulRegReg)
	case *ir.InstAnd:
		return c.intBinary(inst, inst.X, inst.Y, amd64.AndRegReg)
	case *ir.InstOr:
		return c.intBinary(inst, inst.X, inst.Y, amd64.OrRegReg)
	case *ir.InstXor:
		return c.intBinary(inst, inst.X, inst.Y, amd64.XorRegReg)
	case *ir.InstSDiv:
		return c.divide(inst, inst.X, inst.Y, true, false)
	case *ir.InstSRem:
		return c.divide(inst, inst.X, inst.Y, true, true)
	case *ir.InstUDiv:
		return c.divide(inst, inst.X, inst.Y, false, false)
	case *ir.InstURem:
		return c.divide(inst, inst.X, inst.Y, false, true)
	case *ir.InstShl:
		return c.shift(inst, inst.X, inst.Y, amd64.ShlCL, nil)
	case *ir.InstLShr:
		return c.shift(inst, inst.X, inst.Y, amd64.ShrCL, c.zeroExtend)
	case *ir.InstAShr:
		return c.shift(inst, inst.X, inst.Y, amd64.SarCL, c.signExtend)
	case *ir.InstFAdd:
		return c.floatBinary(inst, inst.X, inst.Y, amd64.Addsd)
	case *ir.InstFSub:
		return c.floatBinary(inst, inst.X, inst.Y, amd64.Subsd)
	case *ir.InstFMul:
		return c.floatBinary(inst, inst.X, inst.Y, amd64.Mulsd)
	case *ir.InstFDiv:
		return c.floatBinary(inst, inst.X, inst.Y, amd64.Divsd)
	case *ir.InstFNeg:
		if err := c.loadBits(rax, inst.X); err != nil {
			return err
		}
		c.emit(
			amd64.MovImmediate(amd64.Reg64(rcx), math.MinInt64),
			amd64.XorRegReg(amd64.Reg64(rax), amd64.Reg64(rcx)),
		)
		return c.store(inst, rax)
	case *ir.InstICmp:
		return c.icmp(inst)
	case *ir.InstFCmp:
		return c.fcmp(inst)
	case *ir.InstZExt:
		return c.extend(inst, inst.From, c.zeroExtend)
	case *ir.InstSExt:
		return c.extend(inst, inst.From, c.signExtend)
	case *ir.InstTrunc:
		return c.extend(inst, inst.From, nil)
	case *ir.InstBitCast:
		return c.copyBits(inst, inst.From)
	case *ir.InstPtrToInt:
		return c.copyBits(inst, inst.From)
	case *ir.InstIntToPtr:
		return c.copyBits(inst, inst.From)
	case *ir.InstSIToFP:
		return c.intToFloat(inst, inst.From)
	case *ir.InstFPToSI:
		return c.floatToInt(inst, inst.From)
	case *ir.InstSelect:
		return c.selectValue(inst)
	case *ir.InstCall:
		return c.call(inst)
	case *ir.InstAlloca:
		c.emit(amd64.Lea(amd64.Reg64(rax), slotMem(c.allocas[inst])))
		return c.store(inst, rax)
	case *ir.InstLoad:
		return c.load(inst)
	case *ir.InstStore:
		return c.storeTo(inst)
	default:
		return fmt.Errorf("%w: instruction %T", codegen.ErrUnsupported, inst)
	}
}

func (c *compiler) compileTerm(b *ir.Block, next *ir.Block) error {
	switch term := b.Term.(type) {
	case *ir.TermRet:
		return c.ret(term)
	case *ir.TermBr:
		target, err := blockOf(term.Target)
		if err != nil {
			return err
		}
		if err := c.phiMoves(b, target); err != nil {
			return err
		}
		if target != next {
			c.emit(amd64.Jump(c.blocks[target]))
		}
		return nil
	case *ir.TermCondBr:
		onTrue, err := blockOf(term.TargetTrue)
		if err != nil {
			return err
		}
		onFalse, err := blockOf(term.TargetFalse)
		if err != nil {
			return err
		}
		if err := c.phiMoves(b, onTrue); err != nil {
			return err
		}
		if onFalse != onTrue {
			if err := c.phiMoves(b, onFalse); err != nil {
				return err
			}
		}
		if err := c.loadBits(rax, term.Cond); err != nil {
			return err
		}
		c.emit(
			amd64.TestRegReg(amd64.Reg8(rax), amd64.Reg8(rax)),
			amd64.JumpIf(amd64.CondNE, c.blocks[onTrue]),
		)
		if onFalse != next {
			c.emit(amd64.Jump(c.blocks[onFalse]))
		}
		return nil
	case *ir.TermSwitch:
		return c.switchTerm(b, term, next)
	case *ir.TermUnreachable:
		c.emit(amd64.Ud2())
		return nil
	case nil:
		return fmt.Errorf("%w: missing terminator", codegen.ErrInvalidModule)
	default:
		return fmt.Errorf("%w: terminator %T", codegen.ErrUnsupported, term)
	}
}

func (c *compiler) ret(term *ir.TermRet) error {
	if term.X != nil {
		l, err := layoutOf(term.X.Type())
		if err != nil {
			return err
		}
		if l.kind == kindFloat {
			if err := c.loadFloat(amd64.XMM0, term.X); err != nil {
				return err
			}
		} else {
			if err := c.loadBits(rax, term.X); err != nil {
				return err
			}
			// Sub-word results are widened to 32 bits for C callers.
			switch l.bits {
			case 1:
				c.emit(amd64.MovZX(amd64.Reg32(rax), amd64.Reg8(rax)))
			case 8:
				c.emit(amd64.MovSX(amd64.Reg32(rax), amd64.Reg8(rax)))
			case 16:
				c.emit(amd64.MovSX(amd64.Reg32(rax), amd64.Reg16(rax)))
			}
		}
	}
	c.emit(amd64.Leave(), amd64.Ret())
	return nil
}

func (c *compiler) switchTerm(b *ir.Block, term *ir.TermSwitch, next *ir.Block) error {
	def, err := blockOf(term.TargetDefault)
	if err != nil {
		return err
	}
	seen := map[*ir.Block]bool{def: true}
	if err := c.phiMoves(b, def); err != nil {
		return err
	}
	targets := make([]*ir.Block, len(term.Cases))
	for idx, cs := range term.Cases {
		target, err := blockOf(cs.Target)
		if err != nil {
			return err
		}
		targets[idx] = target
		if seen[target] {
			continue
		}
		seen[target] = true
		if err := c.phiMoves(b, target); err != nil {
			return err
		}
	}

	l, err := layoutOf(term.X.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rax, term.X); err != nil {
		return err
	}
	for idx, cs := range term.Cases {
		if err := c.loadBits(rcx, cs.X); err != nil {
			return err
		}
		c.emit(
			amd64.CmpRegReg(gpr(rax, l.width), gpr(rcx, l.width)),
			amd64.JumpIf(amd64.CondE, c.blocks[targets[idx]]),
		)
	}
	if def != next {
		c.emit(amd64.Jump(c.blocks[def]))
	}
	return nil
}

// phiMoves parks the values flowing from pred into the phis of succ.
func (c *compiler) phiMoves(pred, succ *ir.Block) error {
	for _, inst := range succ.Insts {
		phi, ok := inst.(*ir.InstPhi)
		if !ok {
			return nil
		}
		found := false
		for _, inc := range phi.Incs {
			from, err := blockOf(inc.Pred)
			if err != nil {
				return err
			}
			if from != pred {
				continue
			}
			if err := c.loadBits(rax, inc.X); err != nil {
				return err
			}
			c.emit(amd64.MovToMemory(slotMem(c.phiTemps[phi]), amd64.Reg64(rax)))
			found = true
			break
		}
		if !found {
			return fmt.Errorf("%w: phi %s has no value for a predecessor", codegen.ErrInvalidModule, phi.Ident())
		}
	}
	return nil
}

func (c *compiler) intBinary(dst value.Value, x, y value.Value, op func(dst, src amd64.Reg) asm.Fragment) error {
	l, err := layoutOf(dst.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rax, x); err != nil {
		return err
	}
	if err := c.loadBits(rcx, y); err != nil {
		return err
	}
	c.emit(op(amd64.Reg64(rax), amd64.Reg64(rcx)))
	c.normalizeBool(rax, l)
	return c.store(dst, rax)
}

func (c *compiler) divide(dst value.Value, x, y value.Value, signed, remainder bool) error {
	l, err := layoutOf(dst.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rax, x); err != nil {
		return err
	}
	if err := c.loadBits(rcx, y); err != nil {
		return err
	}
	if signed {
		c.signExtend(rax, l)
		c.signExtend(rcx, l)
		c.emit(amd64.Cqo(), amd64.Idiv(amd64.Reg64(rcx)))
	} else {
		c.zeroExtend(rax, l)
		c.zeroExtend(rcx, l)
		c.emit(
			amd64.XorRegReg(amd64.Reg32(rdx), amd64.Reg32(rdx)),
			amd64.Div(amd64.Reg64(rcx)),
		)
	}
	if remainder {
		return c.store(dst, rdx)
	}
	return c.store(dst, rax)
}

func (c *compiler) shift(dst value.Value, x, y value.Value, op func(amd64.Reg) asm.Fragment, widen func(asm.Variable, layout)) error {
	l, err := layoutOf(dst.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rax, x); err != nil {
		return err
	}
	if widen != nil {
		widen(rax, l)
	}
	if err := c.loadBits(rcx, y); err != nil {
		return err
	}
	c.emit(op(amd64.Reg64(rax)))
	c.normalizeBool(rax, l)
	return c.store(dst, rax)
}

func (c *compiler) floatBinary(dst value.Value, x, y value.Value, op func(dst, src amd64.Xmm) asm.Fragment) error {
	if err := c.loadFloat(amd64.XMM0, x); err != nil {
		return err
	}
	if err := c.loadFloat(amd64.XMM1, y); err != nil {
		return err
	}
	c.emit(op(amd64.X(amd64.XMM0), amd64.X(amd64.XMM1)))
	return c.storeFloat(dst, amd64.XMM0)
}

var intConds = map[enum.IPred]amd64.Cond{
	enum.IPredEQ:  amd64.CondE,
	enum.IPredNE:  amd64.CondNE,
	enum.IPredUGT: amd64.CondA,
	enum.IPredUGE: amd64.CondAE,
	enum.IPredULT: amd64.CondB,
	enum.IPredULE: amd64.CondBE,
	enum.IPredSGT: amd64.CondG,
	enum.IPredSGE: amd64.CondGE,
	enum.IPredSLT: amd64.CondL,
	enum.IPredSLE: amd64.CondLE,
}

func (c *compiler) icmp(inst *ir.InstICmp) error {
	cond, ok := intConds[inst.Pred]
	if !ok {
		return fmt.Errorf("%w: icmp predicate %s", codegen.ErrUnsupported, inst.Pred)
	}
	l, err := layoutOf(inst.X.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rax, inst.X); err != nil {
		return err
	}
	if err := c.loadBits(rcx, inst.Y); err != nil {
		return err
	}
	c.emit(
		amd64.CmpRegReg(gpr(rax, l.width), gpr(rcx, l.width)),
		amd64.SetCC(cond, amd64.Reg8(rax)),
		amd64.MovZX(amd64.Reg64(rax), amd64.Reg8(rax)),
	)
	return c.store(inst, rax)
}

type flagMerge int

const (
	mergeNone flagMerge = iota
	mergeAnd
	mergeOr
)

// fcmp lowers through ucomisd. Unordered operands set ZF, PF and CF, so
// ordered predicates either test a condition that is false when CF is set or
// additionally require PF clear.
func (c *compiler) fcmp(inst *ir.InstFCmp) error {
	switch inst.Pred {
	case enum.FPredFalse, enum.FPredTrue:
		var v int64
		if inst.Pred == enum.FPredTrue {
			v = 1
		}
		c.emit(amd64.MovImmediate(amd64.Reg64(rax), v))
		return c.store(inst, rax)
	}

	a, b := inst.X, inst.Y
	var (
		cond  amd64.Cond
		extra amd64.Cond
		merge = mergeNone
	)
	switch inst.Pred {
	case enum.FPredOEQ:
		cond, extra, merge = amd64.CondE, amd64.CondNP, mergeAnd
	case enum.FPredONE:
		cond, extra, merge = amd64.CondNE, amd64.CondNP, mergeAnd
	case enum.FPredOGT:
		cond = amd64.CondA
	case enum.FPredOGE:
		cond = amd64.CondAE
	case enum.FPredOLT:
		a, b = b, a
		cond = amd64.CondA
	case enum.FPredOLE:
		a, b = b, a
		cond = amd64.CondAE
	case enum.FPredORD:
		cond = amd64.CondNP
	case enum.FPredUNO:
		cond = amd64.CondP
	case enum.FPredUEQ:
		cond = amd64.CondE
	case enum.FPredUNE:
		cond, extra, merge = amd64.CondNE, amd64.CondP, mergeOr
	case enum.FPredUGT:
		a, b = b, a
		cond = amd64.CondB
	case enum.FPredUGE:
		a, b = b, a
		cond = amd64.CondBE
	case enum.FPredULT:
		cond = amd64.CondB
	case enum.FPredULE:
		cond = amd64.CondBE
	default:
		return fmt.Errorf("%w: fcmp predicate %s", codegen.ErrUnsupported, inst.Pred)
	}

	if err := c.loadFloat(amd64.XMM0, a); err != nil {
		return err
	}
	if err := c.loadFloat(amd64.XMM1, b); err != nil {
		return err
	}
	c.emit(
		amd64.Ucomisd(amd64.X(amd64.XMM0), amd64.X(amd64.XMM1)),
		amd64.SetCC(cond, amd64.Reg8(rax)),
	)
	switch merge {
	case mergeAnd:
		c.emit(amd64.SetCC(extra, amd64.Reg8(rcx)), amd64.AndRegReg(amd64.Reg8(rax), amd64.Reg8(rcx)))
	case mergeOr:
		c.emit(amd64.SetCC(extra, amd64.Reg8(rcx)), amd64.OrRegReg(amd64.Reg8(rax), amd64.Reg8(rcx)))
	}
	c.emit(amd64.MovZX(amd64.Reg64(rax), amd64.Reg8(rax)))
	return c.store(inst, rax)
}

// extend lowers zext, sext and trunc. Values are kept as 64-bit patterns
// whose bits above the type width are unspecified, so truncation only has to
// normalize i1.
func (c *compiler) extend(dst value.Value, from value.Value, widen func(asm.Variable, layout)) error {
	src, err := layoutOf(from.Type())
	if err != nil {
		return err
	}
	l, err := layoutOf(dst.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rax, from); err != nil {
		return err
	}
	if widen != nil {
		widen(rax, src)
	}
	c.normalizeBool(rax, l)
	return c.store(dst, rax)
}

func (c *compiler) copyBits(dst value.Value, from value.Value) error {
	src, err := layoutOf(from.Type())
	if err != nil {
		return err
	}
	l, err := layoutOf(dst.Type())
	if err != nil {
		return err
	}
	if src.width != l.width {
		return fmt.Errorf("%w: cast from %s to %s", codegen.ErrUnsupported, from.Type(), dst.Type())
	}
	if err := c.loadBits(rax, from); err != nil {
		return err
	}
	return c.store(dst, rax)
}

func (c *compiler) intToFloat(dst value.Value, from value.Value) error {
	src, err := layoutOf(from.Type())
	if err != nil {
		return err
	}
	if l, err := layoutOf(dst.Type()); err != nil || l.kind != kindFloat || src.kind != kindInt {
		return fmt.Errorf("%w: sitofp from %s to %s", codegen.ErrUnsupported, from.Type(), dst.Type())
	}
	if err := c.loadBits(rax, from); err != nil {
		return err
	}
	c.signExtend(rax, src)
	c.emit(amd64.Cvtsi2sd(amd64.X(amd64.XMM0), amd64.Reg64(rax)))
	return c.storeFloat(dst, amd64.XMM0)
}

func (c *compiler) floatToInt(dst value.Value, from value.Value) error {
	l, err := layoutOf(dst.Type())
	if err != nil || l.kind != kindInt {
		return fmt.Errorf("%w: fptosi to %s", codegen.ErrUnsupported, dst.Type())
	}
	if err := c.loadFloat(amd64.XMM0, from); err != nil {
		return err
	}
	c.emit(amd64.Cvttsd2si(amd64.Reg64(rax), amd64.X(amd64.XMM0)))
	c.normalizeBool(rax, l)
	return c.store(dst, rax)
}

func (c *compiler) selectValue(inst *ir.InstSelect) error {
	done := c.newLabel("sel")
	if err := c.loadBits(rcx, inst.Cond); err != nil {
		return err
	}
	c.emit(amd64.TestRegReg(amd64.Reg8(rcx), amd64.Reg8(rcx)))
	// mov does not touch flags, so both loads may sit after the test.
	if err := c.loadBits(rax, inst.ValueTrue); err != nil {
		return err
	}
	c.emit(amd64.JumpIf(amd64.CondNE, done))
	if err := c.loadBits(rax, inst.ValueFalse); err != nil {
		return err
	}
	c.emit(asm.MarkLabel(done))
	return c.store(inst, rax)
}

func (c *compiler) call(inst *ir.InstCall) error {
	callee, ok := inst.Callee.(*ir.Func)
	if !ok {
		return fmt.Errorf("%w: indirect call through %s", codegen.ErrUnsupported, inst.Callee.Ident())
	}

	var ints, floats int
	for idx, arg := range inst.Args {
		l, err := layoutOf(arg.Type())
		if err != nil {
			return fmt.Errorf("argument %d of call to @%s: %w", idx, callee.Name(), err)
		}
		if l.kind == kindFloat {
			if floats >= len(amd64.FloatArgs) {
				return fmt.Errorf("%w: call to @%s passes more than %d floating point arguments", codegen.ErrUnsupported, callee.Name(), len(amd64.FloatArgs))
			}
			if err := c.loadFloat(amd64.FloatArgs[floats], arg); err != nil {
				return err
			}
			floats++
			continue
		}
		if ints >= len(amd64.IntArgs) {
			return fmt.Errorf("%w: call to @%s passes more than %d integer arguments", codegen.ErrUnsupported, callee.Name(), len(amd64.IntArgs))
		}
		if err := c.loadBits(amd64.IntArgs[ints], arg); err != nil {
			return err
		}
		ints++
	}
	if callee.Sig.Variadic {
		// al carries the number of vector registers used by a variadic call.
		c.emit(amd64.MovImmediate(amd64.Reg32(rax), int64(floats)))
	}
	c.emit(amd64.CallSymbol(c.td.Mangle(callee.Name())))

	if isVoid(inst.Type()) {
		return nil
	}
	l, err := layoutOf(inst.Type())
	if err != nil {
		return err
	}
	if l.kind == kindFloat {
		return c.storeFloat(inst, amd64.XMM0)
	}
	return c.store(inst, rax)
}

func checkAlloca(inst *ir.InstAlloca) error {
	if _, err := layoutOf(inst.ElemType); err != nil {
		return fmt.Errorf("alloca: %w", err)
	}
	if inst.NElems == nil {
		return nil
	}
	if n, ok := inst.NElems.(*constant.Int); ok && n.X.IsInt64() && n.X.Int64() == 1 {
		return nil
	}
	return fmt.Errorf("%w: alloca with element count %s", codegen.ErrUnsupported, inst.NElems.Ident())
}

func (c *compiler) load(inst *ir.InstLoad) error {
	l, err := layoutOf(inst.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rcx, inst.Src); err != nil {
		return err
	}
	c.emit(amd64.MovFromMemory(gpr(rax, l.width), amd64.Mem(amd64.Reg64(rcx))))
	return c.store(inst, rax)
}

func (c *compiler) storeTo(inst *ir.InstStore) error {
	l, err := layoutOf(inst.Src.Type())
	if err != nil {
		return err
	}
	if err := c.loadBits(rax, inst.Src); err != nil {
		return err
	}
	if err := c.loadBits(rcx, inst.Dst); err != nil {
		return err
	}
	c.emit(amd64.MovToMemory(amd64.Mem(amd64.Reg64(rcx)), gpr(rax, l.width)))
	return nil
}

// loadBits loads the 64-bit pattern of v into a general purpose register.
func (c *compiler) loadBits(reg asm.Variable, v value.Value) error {
	switch v := v.(type) {
	case *constant.Int:
		imm, err := intConstant(v)
		if err != nil {
			return err
		}
		c.emit(amd64.MovImmediate(amd64.Reg64(reg), imm))
	case *constant.Float:
		bits, err := floatBits(v)
		if err != nil {
			return err
		}
		c.emit(amd64.MovImmediate(amd64.Reg64(reg), int64(bits)))
	case *constant.Undef, *constant.ZeroInitializer, *constant.Null:
		c.emit(amd64.MovImmediate(amd64.Reg64(reg), 0))
	default:
		off, ok := c.slots[v]
		if !ok {
			return fmt.Errorf("%w: operand %s", codegen.ErrUnsupported, v.Ident())
		}
		c.emit(amd64.MovFromMemory(amd64.Reg64(reg), slotMem(off)))
	}
	return nil
}

// loadFloat loads the double v into an xmm register, using rax as scratch
// for constants.
func (c *compiler) loadFloat(reg asm.Variable, v value.Value) error {
	if off, ok := c.slots[v]; ok {
		c.emit(amd64.MovsdLoad(amd64.X(reg), slotMem(off)))
		return nil
	}
	if err := c.loadBits(rax, v); err != nil {
		return err
	}
	c.emit(amd64.MovqToXmm(amd64.X(reg), amd64.Reg64(rax)))
	return nil
}

func (c *compiler) store(v value.Value, reg asm.Variable) error {
	off, ok := c.slots[v]
	if !ok {
		return fmt.Errorf("no stack slot for %s", v.Ident())
	}
	c.emit(amd64.MovToMemory(slotMem(off), amd64.Reg64(reg)))
	return nil
}

func (c *compiler) storeFloat(v value.Value, reg asm.Variable) error {
	off, ok := c.slots[v]
	if !ok {
		return fmt.Errorf("no stack slot for %s", v.Ident())
	}
	c.emit(amd64.MovsdStore(slotMem(off), amd64.X(reg)))
	return nil
}

func (c *compiler) zeroExtend(reg asm.Variable, l layout) {
	switch {
	case l.bits == 1:
		c.emit(amd64.AndRegImm(amd64.Reg64(reg), 1))
	case l.width < 8:
		c.emit(amd64.MovZX(amd64.Reg64(reg), gpr(reg, l.width)))
	}
}

func (c *compiler) signExtend(reg asm.Variable, l layout) {
	switch {
	case l.bits == 1:
		// An i1 true is all ones when sign extended.
		c.emit(amd64.AndRegImm(amd64.Reg64(reg), 1), amd64.Neg(amd64.Reg64(reg)))
	case l.width < 8:
		c.emit(amd64.MovSX(amd64.Reg64(reg), gpr(reg, l.width)))
	}
}

func (c *compiler) normalizeBool(reg asm.Variable, l layout) {
	if l.bits == 1 {
		c.emit(amd64.AndRegImm(amd64.Reg64(reg), 1))
	}
}

func intConstant(v *constant.Int) (int64, error) {
	switch {
	case v.X.IsInt64():
		return v.X.Int64(), nil
	case v.X.IsUint64():
		return int64(v.X.Uint64()), nil
	default:
		return 0, fmt.Errorf("%w: integer constant %s does not fit 64 bits", codegen.ErrUnsupported, v.X)
	}
}

func floatBits(v *constant.Float) (uint64, error) {
	if v.Typ == nil || v.Typ.Kind != types.FloatKindDouble {
		return 0, fmt.Errorf("%w: floating point constant of type %v", codegen.ErrUnsupported, v.Type())
	}
	if v.X == nil {
		return math.Float64bits(math.NaN()), nil
	}
	f, _ := v.X.Float64()
	return math.Float64bits(f), nil
}

func gpr(reg asm.Variable, width int) amd64.Reg {
	switch width {
	case 1:
		return amd64.Reg8(reg)
	case 2:
		return amd64.Reg16(reg)
	case 4:
		return amd64.Reg32(reg)
	default:
		return amd64.Reg64(reg)
	}
}

func alignTo(n, boundary int) int {
	if boundary <= 0 {
		return n
	}
	rem := n % boundary
	if rem == 0 {
		return n
	}
	return n + boundary - rem
}
