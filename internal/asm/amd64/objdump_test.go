package amd64

import (
	"debug/elf"
	"testing"

	"github.com/tinyrange/jitlink/internal/asm"
	"github.com/tinyrange/jitlink/internal/asm/testutil"
)

func TestKitchenSinkDisassemblyAMD64(t *testing.T) {
	frag, expect := buildAMD64KitchenSink()

	prog, err := Assemble(frag)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	lines := testutil.DisassembleWithObjdump(t, prog.Bytes(), elf.EM_X86_64, "-M", "att")
	testutil.VerifyExpectations(t, lines, expect)
}

type sinkBuilder struct {
	fragments    []asm.Fragment
	expectations []testutil.Expectation
}

func (b *sinkBuilder) add(name, mnemonic string, frag asm.Fragment, contains ...string) {
	b.fragments = append(b.fragments, frag)
	b.expectations = append(b.expectations, testutil.Expectation{
		Name:     name,
		Mnemonic: mnemonic,
		Contains: contains,
	})
}

func buildAMD64KitchenSink() (asm.Fragment, []testutil.Expectation) {
	slot := func(disp int32) Memory { return Mem(Reg64(RBP)).WithDisp(disp) }

	var b sinkBuilder
	b.add("push", "", Push(Reg64(RBP)), "push", "%rbp")
	b.add("mov_reg", "mov", MovReg(Reg64(RBP), Reg64(RSP)), "%rsp,%rbp")
	b.add("sub_imm", "sub", SubRegImm(Reg64(RSP), 0x30), "$0x30,%rsp")
	b.add("mov_imm", "mov", MovImmediate(Reg64(RAX), 1), "$0x1,%rax")
	b.add("movabs", "movabs", MovImmediate(Reg64(RAX), 0x1122334455667788), "$0x1122334455667788,%rax")
	b.add("store", "mov", MovToMemory(slot(-8), Reg64(RAX)), "%rax,-0x8(%rbp)")
	b.add("load", "mov", MovFromMemory(Reg64(RCX), slot(-0x100)), "-0x100(%rbp),%rcx")
	b.add("load_r13", "mov", MovFromMemory(Reg64(R9), Mem(Reg64(R13))), "0x0(%r13),%r9")
	b.add("add", "add", AddRegReg(Reg64(RAX), Reg64(RCX)), "%rcx,%rax")
	b.add("sub", "sub", SubRegReg(Reg64(R10), Reg64(R11)), "%r11,%r10")
	b.add("imul", "imul", ImulRegReg(Reg64(RAX), Reg64(RCX)), "%rcx,%rax")
	b.add("cqo", "cqto", Cqo())
	b.add("idiv", "idiv", Idiv(Reg64(RCX)), "%rcx")
	b.add("cmp32", "cmp", CmpRegReg(Reg32(RAX), Reg32(RCX)), "%ecx,%eax")
	b.add("cmp8", "cmp", CmpRegReg(Reg8(RSI), Reg8(RDI)), "%dil,%sil")
	b.add("sete", "sete", SetCC(CondE, Reg8(RAX)), "%al")
	b.add("setnp", "setnp", SetCC(CondNP, Reg8(RCX)), "%cl")
	b.add("movzx", "", MovZX(Reg64(RAX), Reg8(RAX)), "movzb", "%al,%rax")
	b.add("movsxd", "", MovSX(Reg64(RAX), Reg32(RAX)), "%eax,%rax")
	b.add("shl", "shl", ShlCL(Reg64(RAX)), "%cl,%rax")
	b.add("sar", "sar", SarCL(Reg64(RDX)), "%cl,%rdx")
	b.add("movsd_load", "movsd", MovsdLoad(X(XMM0), slot(-16)), "-0x10(%rbp),%xmm0")
	b.add("movsd_store", "movsd", MovsdStore(slot(-24), X(XMM9)), "%xmm9,-0x18(%rbp)")
	b.add("mulsd", "mulsd", Mulsd(X(XMM0), X(XMM1)), "%xmm1,%xmm0")
	b.add("divsd", "divsd", Divsd(X(XMM2), X(XMM3)), "%xmm3,%xmm2")
	b.add("ucomisd", "ucomisd", Ucomisd(X(XMM0), X(XMM1)), "%xmm1,%xmm0")
	b.add("cvtsi2sd", "", Cvtsi2sd(X(XMM0), Reg64(RAX)), "cvtsi2sd", "%rax,%xmm0")
	b.add("cvttsd2si", "cvttsd2si", Cvttsd2si(Reg64(RAX), X(XMM0)), "%xmm0,%rax")
	b.add("movq_to_xmm", "movq", MovqToXmm(X(XMM0), Reg64(RAX)), "%rax,%xmm0")
	b.add("movq_from_xmm", "movq", MovqFromXmm(Reg64(RAX), X(XMM1)), "%xmm1,%rax")
	b.add("call_reg", "", CallReg(Reg64(R11)), "call", "*%r11")
	b.add("leave", "", Leave(), "leave")
	b.add("ret", "", Ret(), "ret")
	return asm.Group(b.fragments), b.expectations
}
