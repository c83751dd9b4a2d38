package lift

import (
	"golang.org/x/arch/x86/x86asm"
	"tlog.app/go/errors"

	"github.com/veilware/veil/obf/ir"
)

// decodeAt decodes one instruction and classifies its control flow.
// Instructions in the modeled semantic classes become typed IR; everything
// else is kept as raw bytes, with RIP-relative displacements recorded so the
// emitter can re-displace them.
func (l *lifter) decodeAt(va uint64) (*decoded, error) {
	src := l.bytesAt(va)
	if src == nil {
		return nil, errors.New("address outside code")
	}

	inst, err := x86asm.Decode(src, 64)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	d := &decoded{len: inst.Len}
	d.vec = usesVec(&inst)

	next := va + uint64(inst.Len)

	switch inst.Op {
	case x86asm.JMP:
		d.term = true

		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := uint64(int64(next) + int64(rel))
			d.ins = ir.Instr{Op: ir.OpJmp, Dst: ir.ImmOp(int64(target)), RVA: va}
			d.next = []uint64{target}
		} else {
			// computed jump: opaque exit, nothing is assumed about the target
			d.exit = true
			d.ins = indirect(ir.OpJmp, &inst, src, va)
		}

		return d, nil

	case x86asm.CALL:
		d.term = true
		d.next = []uint64{next}

		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := uint64(int64(next) + int64(rel))
			d.call = target
			d.ins = ir.Instr{Op: ir.OpCall, Dst: ir.Operand{Kind: ir.KFunc, Func: ir.NoFunc, Imm: int64(target)}, RVA: va}
		} else {
			d.ins = indirect(ir.OpCall, &inst, src, va)
		}

		return d, nil

	case x86asm.RET:
		d.term = true
		d.exit = true
		d.ins = ir.Instr{Op: ir.OpRet, RVA: va}

		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			d.ins.Src = ir.ImmOp(int64(imm))
		}

		return d, nil

	case x86asm.UD2:
		d.term = true
		d.exit = true
		d.ins = ir.Instr{Op: ir.OpUd2, RVA: va}

		return d, nil

	case x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 3 {
			d.term = true
			d.exit = true
			d.ins = ir.Instr{Op: ir.OpInt3, RVA: va}

			return d, nil
		}
	}

	if cc := jccCond(inst.Op); cc != "" {
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return nil, errors.New("%v without relative target", inst.Op)
		}

		target := uint64(int64(next) + int64(rel))

		d.term = true
		d.next = []uint64{target, next} // taken first
		d.ins = ir.Instr{Op: ir.OpJcc, Cc: cc, Dst: ir.ImmOp(int64(target)), RVA: va}

		return d, nil
	}

	if ins, ok := l.typed(&inst, va); ok {
		d.ins = ins

		return d, nil
	}

	// PC-relative forms we cannot re-displace have to stop the lift
	switch inst.Op {
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.XBEGIN:
		return nil, errors.New("unsupported pc-relative op %v", inst.Op)
	}

	raw := make([]byte, inst.Len)
	copy(raw, src[:inst.Len])

	d.ins = ir.Instr{Op: ir.OpRaw, Raw: raw, RVA: va}

	if target, ok := ripTarget(&inst, next); ok {
		off, err := dispOff(raw, next, target)
		if err != nil {
			return nil, err
		}

		d.ins.Fix = &ir.Fixup{Off: off, Target: target}
	}

	return d, nil
}

// indirect converts an indirect jmp/call operand; unsupported shapes keep
// the original bytes but retain the control-flow class.
func indirect(op ir.Op, inst *x86asm.Inst, src []byte, va uint64) ir.Instr {
	if o, ok := operand(inst.Args[0], va, inst); ok && !o.Mem.Rip {
		return ir.Instr{Op: op, W: 64, Dst: o, RVA: va}
	}

	raw := make([]byte, inst.Len)
	copy(raw, src[:inst.Len])

	ins := ir.Instr{Op: op, W: 64, Raw: raw, RVA: va}

	if target, ok := ripTarget(inst, va+uint64(inst.Len)); ok {
		if off, err := dispOff(raw, va+uint64(inst.Len), target); err == nil {
			ins.Fix = &ir.Fixup{Off: off, Target: target}
		}
	}

	return ins
}

var typedOps = map[x86asm.Op]ir.Op{
	x86asm.ADD:  ir.OpAdd,
	x86asm.SUB:  ir.OpSub,
	x86asm.AND:  ir.OpAnd,
	x86asm.XOR:  ir.OpXor,
	x86asm.OR:   ir.OpOr,
	x86asm.NOT:  ir.OpNot,
	x86asm.NEG:  ir.OpNeg,
	x86asm.MOV:  ir.OpMov,
	x86asm.LEA:  ir.OpLea,
	x86asm.PUSH: ir.OpPush,
	x86asm.POP:  ir.OpPop,
	x86asm.CMP:  ir.OpCmp,
	x86asm.TEST: ir.OpTest,
}

// typed maps a decoded instruction onto the semantic IR classes. ok is false
// when the shape is outside what the encoder can re-emit faithfully; the
// caller keeps it raw then.
func (l *lifter) typed(inst *x86asm.Inst, va uint64) (ins ir.Instr, ok bool) {
	op, ok := typedOps[inst.Op]
	if !ok {
		return ins, false
	}

	for _, p := range inst.Prefix {
		switch p & 0xff {
		case 0:
		case 0xf0, 0xf2, 0xf3: // lock/rep stay raw
			return ins, false
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65: // segment overrides stay raw
			return ins, false
		}
	}

	ins = ir.Instr{Op: op, RVA: va}

	switch op {
	case ir.OpNot, ir.OpNeg, ir.OpPop:
		ins.Dst, ok = operand(inst.Args[0], va, inst)
	case ir.OpPush:
		ins.Src, ok = operand(inst.Args[0], va, inst)
	default:
		ins.Dst, ok = operand(inst.Args[0], va, inst)
		if !ok {
			return ins, false
		}

		ins.Src, ok = operand(inst.Args[1], va, inst)
	}

	if !ok {
		return ins, false
	}

	ins.W = width(inst)
	if ins.W == 0 {
		return ins, false
	}

	if op == ir.OpPush || op == ir.OpPop {
		if ins.W != 64 && ins.W != 16 {
			return ins, false
		}
		if o := pick(ins.Dst, ins.Src); o.Kind == ir.KMem {
			return ins, false // push/pop mem stays raw
		}
	}

	if op == ir.OpLea && (ins.Src.Kind != ir.KMem || ins.Dst.Kind != ir.KReg) {
		return ins, false
	}

	// memory-to-memory never happens on x86; two mem operands here would
	// mean a decode shape we do not model
	if ins.Dst.Kind == ir.KMem && ins.Src.Kind == ir.KMem {
		return ins, false
	}

	return ins, true
}

func pick(a, b ir.Operand) ir.Operand {
	if a.Kind != ir.KNone {
		return a
	}

	return b
}

// operand converts one x86asm argument. RIP-relative memory records the
// target RVA instead of a displacement.
func operand(a x86asm.Arg, va uint64, inst *x86asm.Inst) (ir.Operand, bool) {
	switch a := a.(type) {
	case nil:
		return ir.Operand{}, false

	case x86asm.Reg:
		r, _, ok := gpr(a)
		if !ok {
			return ir.Operand{}, false
		}

		return ir.RegOp(r), true

	case x86asm.Imm:
		return ir.ImmOp(int64(a)), true

	case x86asm.Mem:
		if a.Segment != 0 {
			return ir.Operand{}, false
		}

		m := ir.Mem{Base: ir.RegNone, Index: ir.RegNone, Disp: a.Disp, Scale: byte(a.Scale)}

		if a.Base == x86asm.RIP {
			m.Rip = true
			m.Disp = int64(va) + int64(inst.Len) + a.Disp
		} else if a.Base != 0 {
			r, w, ok := gpr(a.Base)
			if !ok || w != 64 {
				return ir.Operand{}, false
			}

			m.Base = r
		}

		if a.Index != 0 {
			r, w, ok := gpr(a.Index)
			if !ok || w != 64 {
				return ir.Operand{}, false
			}

			m.Index = r
		}

		return ir.MemOp(m), true
	}

	return ir.Operand{}, false
}

// width takes the operand width from a register argument when there is one,
// else from the memory operand size.
func width(inst *x86asm.Inst) ir.Width {
	for _, a := range inst.Args {
		if r, ok := a.(x86asm.Reg); ok {
			if _, w, ok := gpr(r); ok {
				return w
			}
		}
	}

	if inst.MemBytes != 0 {
		return ir.Width(inst.MemBytes * 8)
	}

	if inst.Op == x86asm.PUSH || inst.Op == x86asm.POP {
		return 64
	}

	return ir.Width(inst.DataSize)
}

// gpr maps an x86asm register onto the 16 GPR handles plus its width.
// High-byte registers (AH..BH) are not modeled and keep instructions raw.
func gpr(r x86asm.Reg) (ir.Reg, ir.Width, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return ir.Reg(r - x86asm.AL), 8, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return ir.Reg(4 + r - x86asm.SPB), 8, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return ir.Reg(8 + r - x86asm.R8B), 8, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return ir.Reg(r - x86asm.AX), 16, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return ir.Reg(r - x86asm.EAX), 32, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return ir.Reg(r - x86asm.RAX), 64, true
	}

	return ir.RegNone, 0, false
}

var jccConds = map[x86asm.Op]ir.Cond{
	x86asm.JE:  "e",
	x86asm.JNE: "ne",
	x86asm.JL:  "l",
	x86asm.JLE: "le",
	x86asm.JG:  "g",
	x86asm.JGE: "ge",
	x86asm.JB:  "b",
	x86asm.JBE: "be",
	x86asm.JA:  "a",
	x86asm.JAE: "ae",
	x86asm.JS:  "s",
	x86asm.JNS: "ns",
	x86asm.JO:  "o",
	x86asm.JNO: "no",
	x86asm.JP:  "p",
	x86asm.JNP: "np",
}

func jccCond(op x86asm.Op) ir.Cond { return jccConds[op] }

func usesVec(inst *x86asm.Inst) bool {
	for _, a := range inst.Args {
		r, ok := a.(x86asm.Reg)
		if !ok {
			if m, ok := a.(x86asm.Mem); ok {
				r = m.Base
			} else {
				continue
			}
		}

		if r >= x86asm.X0 && r <= x86asm.X15 || r >= x86asm.M0 && r <= x86asm.M7 {
			return true
		}
	}

	return false
}

// ripTarget reports the RVA a raw instruction references RIP-relatively.
func ripTarget(inst *x86asm.Inst, next uint64) (uint64, bool) {
	for _, a := range inst.Args {
		if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return uint64(int64(next) + m.Disp), true
		}
	}

	return 0, false
}

// dispOff locates the 4-byte RIP displacement inside a raw encoding by
// value. A displacement that cannot be located unambiguously stops the lift:
// the emitter could not re-displace it faithfully.
func dispOff(raw []byte, next, target uint64) (int, error) {
	want := int32(int64(target) - int64(next))

	off, found := -1, 0

	for i := 0; i+4 <= len(raw); i++ {
		v := int32(uint32(raw[i]) | uint32(raw[i+1])<<8 | uint32(raw[i+2])<<16 | uint32(raw[i+3])<<24)

		if v == want {
			off, found = i, found+1
		}
	}

	if found != 1 {
		return 0, errors.New("rip displacement not locatable (%d candidates)", found)
	}

	return off, nil
}
