package pass

import (
	"context"
	"sync/atomic"

	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/profile"
)

type (
	// consts replaces literal immediates with sequences computing the
	// same value at runtime. Sequences route through a saved scratch
	// register, so no live state is clobbered at the insertion point.
	consts struct {
		spec *profile.Pass
	}

	// refs rewrites direct call targets and RIP-relative memory
	// references into computed forms. The address math stays
	// position-independent: the obscured base is itself materialized
	// RIP-relatively, only split by a random key.
	refs struct {
		spec *profile.Pass
		conv string

		obscured atomic.Int64
	}
)

func newConsts(p *profile.Pass, _ *profile.CompilerSettings) Pass {
	return &consts{spec: p}
}

func (*consts) Name() string { return "obscure-constants" }

var constOps = map[ir.Op]bool{
	ir.OpAdd: true, ir.OpSub: true, ir.OpAnd: true, ir.OpXor: true,
	ir.OpOr: true, ir.OpCmp: true, ir.OpTest: true, ir.OpMov: true,
}

func (cp *consts) Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error {
	f := m.Funcs[fn]

	widths := cp.spec.Widths
	if !widths.Any() {
		widths = profile.Widths{Bit8: true, Bit16: true, Bit32: true, Bit64: true}
	}

	sites := 0

	gen := make([][]int, len(f.Blocks))
	for b := range f.Blocks {
		gen[b] = make([]int, len(f.Blocks[b].Code))
	}

	for round := 1; round <= cp.spec.Iterations; round++ {
		hits := 0

		for b := range f.Blocks {
			blk := &f.Blocks[b]

			for i := 0; i < len(blk.Code); i++ {
				ins := &blk.Code[i]

				if gen[b][i] != round-1 {
					continue
				}
				if !constOps[ins.Op] || ins.Src.Kind != ir.KImm || !widths.Has(int(ins.W)) {
					continue
				}
				if !originEnabled(ins, cp.spec.Origins) || rspOperand(ins) {
					continue
				}
				if cp.spec.Probability < 1 && rnd.Float64() >= cp.spec.Probability {
					continue
				}

				seq := expandConst(*ins, rnd)
				if seq == nil {
					continue
				}

				splice(blk, i, seq)

				marks := make([]int, len(seq))
				for j := range marks {
					marks[j] = round
				}

				gen[b] = append(gen[b][:i], append(marks, gen[b][i+1:]...)...)

				i += len(seq) - 1
				hits++
			}
		}

		sites += hits

		if hits == 0 {
			break
		}
	}

	tlog.SpanFromContext(ctx).V("consts").Printw("constants obscured", "func", f.Name, "sites", sites)

	return nil
}

// expandConst turns `OP dst, imm` into a scratch-computed equivalent. The
// decode chain is flag-transparent (mov + lea only), and the terminal opcode
// runs over the same final operand values as the original.
func expandConst(ins ir.Instr, rnd Rand) []ir.Instr {
	var avoid ir.RegSet
	avoid.Merge(ins.Dst.Regs())
	if ins.Dst.Kind == ir.KReg {
		avoid.Add(ins.Dst.Reg)
	}

	s := scratch(rnd, avoid)
	k := immKey(rnd, 64) // lea displacement, int32 range

	// value is recombined at full width; the terminal op reads low W bits
	v := ins.Src.Imm

	seq := []ir.Instr{
		push64(s),
		movI(64, s, ir.ImmOp(v-k)),
		leaAdd(s, k),
		binI(ins.Op, ins.W, spAdjust(ins.Dst, 8), ir.RegOp(s)),
		pop64(s),
	}

	if ins.Op == ir.OpMov && ins.Dst.Kind == ir.KReg {
		// register loads skip the stack roundtrip: the destination
		// doubles as scratch
		return []ir.Instr{
			movI(64, ins.Dst.Reg, ir.ImmOp(v-k)),
			leaAdd(ins.Dst.Reg, k),
		}
	}

	return seq
}

func newRefs(p *profile.Pass, cs *profile.CompilerSettings) Pass {
	return &refs{spec: p, conv: cs.Lifter.Conv}
}

func (*refs) Name() string { return "obscure-references" }

func (rf *refs) Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error {
	f := m.Funcs[fn]

	sites := 0

	for b := range f.Blocks {
		blk := &f.Blocks[b]

		for i := 0; i < len(blk.Code); i++ {
			ins := &blk.Code[i]

			var seq []ir.Instr

			switch {
			case ins.Op == ir.OpCall && ins.Dst.Kind == ir.KFunc && rf.conv == "windows":
				seq = expandCall(*ins, rnd)
			case ins.Op == ir.OpLea && ins.Src.Kind == ir.KMem && ins.Src.Mem.Rip:
				seq = expandLeaRef(*ins, rnd)
			case ins.Op != ir.OpRaw && ins.Op != ir.OpLea && ripOperand(ins) != nil && !rspOperand(ins):
				seq = expandMemRef(*ins, rnd)
			}

			if seq == nil {
				continue
			}

			if rf.spec.Probability < 1 && rnd.Float64() >= rf.spec.Probability {
				continue
			}

			splice(blk, i, seq)
			i += len(seq) - 1
			sites++
		}
	}

	rf.obscured.Add(int64(sites))

	tlog.SpanFromContext(ctx).V("refs").Printw("references obscured", "func", f.Name, "sites", sites)

	return nil
}

// Patch is the serial merge phase: per-function counters are folded into the
// module-level log once all workers finished, and the symbol table is left
// rebuilt in deterministic order by the lifter already.
func (rf *refs) Patch(ctx context.Context, m *ir.Module, targets []ir.FuncID) error {
	tlog.SpanFromContext(ctx).Printw("reference obscuring merged", "targets", len(targets), "sites", rf.obscured.Load())

	return nil
}

func ripOperand(ins *ir.Instr) *ir.Operand {
	if ins.Dst.Kind == ir.KMem && ins.Dst.Mem.Rip {
		return &ins.Dst
	}
	if ins.Src.Kind == ir.KMem && ins.Src.Mem.Rip {
		return &ins.Src
	}

	return nil
}

// expandCall turns a direct call into a computed one through r11, which is
// a scratch register at call boundaries under the windows convention.
func expandCall(ins ir.Instr, rnd Rand) []ir.Instr {
	k := immKey(rnd, 64)

	target := ins.Dst
	target.Key = k

	return []ir.Instr{
		{Op: ir.OpLea, W: 64, Dst: ir.RegOp(ir.R11), Src: target},
		leaAdd(ir.R11, k),
		{Op: ir.OpCall, W: 64, Dst: ir.RegOp(ir.R11), RVA: ins.RVA},
	}
}

// expandLeaRef splits a RIP-relative address materialization in two.
func expandLeaRef(ins ir.Instr, rnd Rand) []ir.Instr {
	k := immKey(rnd, 64)

	src := ins.Src
	src.Key = k

	return []ir.Instr{
		{Op: ir.OpLea, W: 64, Dst: ins.Dst, Src: src, RVA: ins.RVA},
		leaAdd(ins.Dst.Reg, k),
	}
}

// expandMemRef rewrites `OP ..., [rip->T]` so the literal address never
// appears: the scratch receives T-k RIP-relatively, k is added back, the
// operation runs through the scratch pointer.
func expandMemRef(ins ir.Instr, rnd Rand) []ir.Instr {
	var avoid ir.RegSet
	avoid.Merge(ins.Dst.Regs())
	avoid.Merge(ins.Src.Regs())
	if ins.Dst.Kind == ir.KReg {
		avoid.Add(ins.Dst.Reg)
	}
	if ins.Src.Kind == ir.KReg {
		avoid.Add(ins.Src.Reg)
	}

	s := scratch(rnd, avoid)
	k := immKey(rnd, 64)

	mo := ripOperand(&ins)

	addr := *mo
	addr.Key = k

	inner := ins
	*ripOperandOf(&inner) = ir.MemOp(ir.Mem{Base: s, Index: ir.RegNone})

	return []ir.Instr{
		push64(s),
		{Op: ir.OpLea, W: 64, Dst: ir.RegOp(s), Src: addr},
		leaAdd(s, k),
		inner,
		pop64(s),
	}
}

func ripOperandOf(ins *ir.Instr) *ir.Operand {
	if ins.Dst.Kind == ir.KMem && ins.Dst.Mem.Rip {
		return &ins.Dst
	}

	return &ins.Src
}
