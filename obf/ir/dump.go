package ir

import (
	"fmt"

	"tlog.app/go/tlog/tlwire"
)

func (i Instr) String() string {
	switch i.Op {
	case OpRaw:
		return fmt.Sprintf("raw % x", i.Raw)
	case OpRet, OpInt3, OpUd2:
		return i.Op.String()
	case OpJcc:
		return fmt.Sprintf("j%s %v", i.Cc, i.Dst)
	case OpNot, OpNeg, OpPop, OpJmp, OpCall, OpPush:
		d := i.Dst
		if i.Op == OpPush {
			d = i.Src
		}

		return fmt.Sprintf("%v.%d %v", i.Op, i.W, d)
	}

	return fmt.Sprintf("%v.%d %v, %v", i.Op, i.W, i.Dst, i.Src)
}

func (o Operand) String() string {
	switch o.Kind {
	case KReg:
		return regNames[o.Reg]
	case KImm:
		return fmt.Sprintf("%#x", o.Imm)
	case KBlock:
		return fmt.Sprintf("b%d", o.Block)
	case KFunc:
		return fmt.Sprintf("f%d", o.Func)
	case KMem:
		m := o.Mem

		if m.Rip {
			return fmt.Sprintf("[rip: %#x]", m.Disp)
		}

		s := "["
		if m.Base != RegNone {
			s += regNames[m.Base]
		}
		if m.Index != RegNone {
			s += fmt.Sprintf("+%s*%d", regNames[m.Index], m.Scale)
		}
		if m.Disp != 0 {
			s += fmt.Sprintf("%+#x", m.Disp)
		}

		return s + "]"
	}

	return "?"
}

var regNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (b Block) TlogAppend(w []byte) []byte {
	var e tlwire.Encoder

	w = e.AppendMap(w, 3)
	w = e.AppendKeyInt(w, "code", len(b.Code))
	w = e.AppendKeyInt(w, "succ", len(b.Succ))
	w = e.AppendKeyInt64(w, "rva", int64(b.RVA))

	return w
}

func (s RegSet) TlogAppend(w []byte) []byte {
	var e tlwire.LowEncoder

	w = e.AppendTag(w, tlwire.Array, -1)

	for r := RAX; r <= R15; r++ {
		if s.Has(r) {
			w = e.AppendString(w, regNames[r])
		}
	}

	w = e.AppendBreak(w)

	return w
}
