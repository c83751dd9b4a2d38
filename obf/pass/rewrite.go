package pass

import (
	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/profile"
)

// scratch picks a register not mentioned by the instruction operands. The
// scratch is always saved and restored around the generated sequence, so no
// liveness proof is needed.
func scratch(rnd Rand, avoid ir.RegSet) ir.Reg {
	avoid.Add(ir.RSP)

	cand := make([]ir.Reg, 0, 16)

	for r := ir.RAX; r <= ir.R15; r++ {
		if !avoid.Has(r) {
			cand = append(cand, r)
		}
	}

	return cand[rnd.IntN(len(cand))]
}

// spAdjust shifts stack-pointer-based displacements by off bytes. Needed for
// operand copies placed between a push and its pop.
func spAdjust(o ir.Operand, off int64) ir.Operand {
	if o.SPBased() {
		o.Mem.Disp += off
	}

	return o
}

// rspOperand reports whether the instruction names RSP as a plain register
// operand. The scratch save/restore moves the stack pointer, so such sites
// would read a shifted value or restore from the wrong slot; spAdjust only
// compensates RSP-based memory operands.
func rspOperand(ins *ir.Instr) bool {
	return ins.Dst.Kind == ir.KReg && ins.Dst.Reg == ir.RSP ||
		ins.Src.Kind == ir.KReg && ins.Src.Reg == ir.RSP
}

// origin classifies a rewrite site by operand shape.
func origin(ins *ir.Instr) (normal, mem, sp bool) {
	for _, o := range [...]ir.Operand{ins.Dst, ins.Src} {
		switch {
		case o.SPBased():
			sp = true
		case o.Kind == ir.KMem:
			mem = true
		}
	}

	if !mem && !sp {
		normal = true
	}

	return
}

func originEnabled(ins *ir.Instr, og profile.Origins) bool {
	normal, mem, sp := origin(ins)

	return normal && og.Normal || mem && og.Mem || sp && og.SP
}

// maskImm truncates a value to the instruction width so generated
// immediates stay encodable and computations stay exact in the low bits.
func maskImm(v int64, w ir.Width) int64 {
	switch w {
	case 8:
		return int64(int8(v))
	case 16:
		return int64(int16(v))
	case 32:
		return int64(int32(v))
	}

	return v
}

// immKey draws a non-zero key encodable at width w (and as imm32 for w=64).
func immKey(rnd Rand, w ir.Width) int64 {
	for {
		k := maskImm(int64(rnd.Uint64()), w)

		if w == 64 {
			k = int64(int32(k))
		}

		if k != 0 {
			return k
		}
	}
}

// splice replaces instruction i of blk with the given sequence.
func splice(blk *ir.Block, i int, seq []ir.Instr) {
	code := make([]ir.Instr, 0, len(blk.Code)+len(seq)-1)

	code = append(code, blk.Code[:i]...)
	code = append(code, seq...)
	code = append(code, blk.Code[i+1:]...)

	blk.Code = code
}

func push64(r ir.Reg) ir.Instr {
	return ir.Instr{Op: ir.OpPush, W: 64, Src: ir.RegOp(r)}
}

func pop64(r ir.Reg) ir.Instr {
	return ir.Instr{Op: ir.OpPop, W: 64, Dst: ir.RegOp(r)}
}

func movI(w ir.Width, dst ir.Reg, src ir.Operand) ir.Instr {
	return ir.Instr{Op: ir.OpMov, W: w, Dst: ir.RegOp(dst), Src: src}
}

func binI(op ir.Op, w ir.Width, dst, src ir.Operand) ir.Instr {
	return ir.Instr{Op: op, W: w, Dst: dst, Src: src}
}

func unI(op ir.Op, w ir.Width, dst ir.Operand) ir.Instr {
	return ir.Instr{Op: op, W: w, Dst: dst}
}

// leaAdd is dst = dst + disp computed flag-transparently.
func leaAdd(dst ir.Reg, disp int64) ir.Instr {
	return ir.Instr{
		Op: ir.OpLea, W: 64,
		Dst: ir.RegOp(dst),
		Src: ir.MemOp(ir.Mem{Base: dst, Index: ir.RegNone, Disp: disp}),
	}
}
