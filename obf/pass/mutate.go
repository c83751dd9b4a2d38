package pass

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/profile"
)

type (
	// mutate is the instruction-substitution engine. Every instruction in
	// the enabled semantic/width/origin sets gets an independent
	// probability draw; a hit rewrites it into an equivalent sequence.
	// With iterations > 1 the pass re-applies itself to its own fresh
	// output, each round drawing only on instructions the previous round
	// generated.
	mutate struct {
		spec *profile.Pass
	}
)

func newMutate(p *profile.Pass, _ *profile.CompilerSettings) Pass {
	return &mutate{spec: p}
}

func (*mutate) Name() string { return "mutate" }

func (mt *mutate) Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error {
	tr := tlog.SpanFromContext(ctx)
	f := m.Funcs[fn]

	total := 0

	// gen[b][i] is the round that produced instruction i; round r
	// rewrites only instructions with gen == r-1
	gen := make([][]int, len(f.Blocks))
	for b := range f.Blocks {
		gen[b] = make([]int, len(f.Blocks[b].Code))
	}

	for round := 1; round <= mt.spec.Iterations; round++ {
		hits := 0

		for b := range f.Blocks {
			blk := &f.Blocks[b]

			for i := 0; i < len(blk.Code); i++ {
				if gen[b][i] != round-1 || !mt.eligible(f, &blk.Code[i]) {
					continue
				}

				if mt.spec.Probability < 1 && rnd.Float64() >= mt.spec.Probability {
					continue
				}

				seq := mt.expand(f, ir.BlockID(b), i, rnd)
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

		total += hits

		if hits == 0 {
			break
		}
	}

	tr.V("mutate").Printw("mutated", "func", f.Name, "sites", total)

	return nil
}

func (mt *mutate) eligible(f *ir.Func, ins *ir.Instr) bool {
	if !mt.spec.Widths.Has(int(ins.W)) || rspOperand(ins) {
		return false
	}

	s := mt.spec.Semantics

	switch ins.Op {
	case ir.OpAdd:
		if !s.Add {
			return false
		}
	case ir.OpSub:
		if !s.Sub {
			return false
		}
	case ir.OpAnd:
		if !s.And {
			return false
		}
	case ir.OpXor:
		if !s.Xor {
			return false
		}
	case ir.OpOr:
		if !s.Or {
			return false
		}
	case ir.OpNot:
		if !s.Not {
			return false
		}
	case ir.OpNeg:
		if !s.Neg {
			return false
		}
	default:
		return false
	}

	return originEnabled(ins, mt.spec.Origins)
}

// expand builds the substitute sequence. Flag-safe forms terminate in the
// original opcode over identity-rewritten operands, so flag outcomes match
// the original under all inputs; mixed-arithmetic forms change the terminal
// opcode and are used only where flags are provably dead.
func (mt *mutate) expand(f *ir.Func, b ir.BlockID, i int, rnd Rand) []ir.Instr {
	blk := &f.Blocks[b]
	ins := blk.Code[i]

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
	flagsDead := flagsDeadAfter(f, b, i)

	switch ins.Op {
	case ir.OpNot:
		if flagsDead && rnd.IntN(2) == 0 {
			// ~a = -a - 1
			return []ir.Instr{
				unI(ir.OpNeg, ins.W, ins.Dst),
				binI(ir.OpSub, ins.W, ins.Dst, ir.ImmOp(1)),
			}
		}

		if ins.Dst.Kind != ir.KReg && ins.Dst.Kind != ir.KMem {
			return nil
		}

		// roundtrip through scratch; nothing here touches flags
		return []ir.Instr{
			push64(s),
			movI(ins.W, s, spAdjust(ins.Dst, 8)),
			unI(ir.OpNot, ins.W, ir.RegOp(s)),
			binI(ir.OpMov, ins.W, spAdjust(ins.Dst, 8), ir.RegOp(s)),
			pop64(s),
		}

	case ir.OpNeg:
		if flagsDead && rnd.IntN(2) == 0 {
			// -a = ~a + 1
			return []ir.Instr{
				unI(ir.OpNot, ins.W, ins.Dst),
				binI(ir.OpAdd, ins.W, ins.Dst, ir.ImmOp(1)),
			}
		}

		// identity prefix, terminal neg keeps the exact flag contract
		return []ir.Instr{
			push64(s),
			movI(ins.W, s, spAdjust(ins.Dst, 8)),
			unI(ir.OpNot, ins.W, ir.RegOp(s)),
			unI(ir.OpNot, ins.W, ir.RegOp(s)),
			binI(ir.OpMov, ins.W, spAdjust(ins.Dst, 8), ir.RegOp(s)),
			unI(ir.OpNeg, ins.W, spAdjust(ins.Dst, 8)),
			pop64(s),
		}
	}

	// binary ops
	if flagsDead && ins.Dst.Kind == ir.KReg && rnd.IntN(2) == 0 {
		if seq := mba(ins, s, rnd); seq != nil {
			return seq
		}
	}

	dst := spAdjust(ins.Dst, 8)
	src := spAdjust(ins.Src, 8)

	feed := []ir.Instr{
		push64(s),
		movI(ins.W, s, src),
	}

	switch rnd.IntN(3) {
	case 0: // double complement
		feed = append(feed,
			unI(ir.OpNot, ins.W, ir.RegOp(s)),
			unI(ir.OpNot, ins.W, ir.RegOp(s)),
		)
	case 1: // xor mask roundtrip
		k := immKey(rnd, ins.W)
		feed = append(feed,
			binI(ir.OpXor, ins.W, ir.RegOp(s), ir.ImmOp(k)),
			binI(ir.OpXor, ins.W, ir.RegOp(s), ir.ImmOp(k)),
		)
	default: // constant split, immediates only
		if ins.Src.Kind != ir.KImm {
			feed = append(feed,
				unI(ir.OpNot, ins.W, ir.RegOp(s)),
				unI(ir.OpNot, ins.W, ir.RegOp(s)),
			)
			break
		}

		k := immKey(rnd, ins.W)
		feed[1] = movI(ins.W, s, ir.ImmOp(maskImm(ins.Src.Imm-k, ins.W)))
		feed = append(feed, binI(ir.OpAdd, ins.W, ir.RegOp(s), ir.ImmOp(k)))
	}

	feed = append(feed, mt.vecFeed(f, s, rnd)...)

	feed = append(feed,
		binI(ins.Op, ins.W, dst, ir.RegOp(s)),
		pop64(s),
	)

	return feed
}

// mba rewrites a binary op into a mixed boolean-arithmetic identity. The
// terminal opcode changes, so callers gate this on dead flags.
func mba(ins ir.Instr, s ir.Reg, rnd Rand) []ir.Instr {
	dst, src, w := ins.Dst, ins.Src, ins.W

	switch ins.Op {
	case ir.OpAdd:
		// a + b = (a & b) + (a | b)
		return []ir.Instr{
			push64(s),
			movI(w, s, spAdjust(dst, 8)),
			binI(ir.OpAnd, w, ir.RegOp(s), spAdjust(src, 8)),
			binI(ir.OpOr, w, spAdjust(dst, 8), spAdjust(src, 8)),
			binI(ir.OpAdd, w, spAdjust(dst, 8), ir.RegOp(s)),
			pop64(s),
		}
	case ir.OpSub:
		// a - b = a + ~b + 1
		return []ir.Instr{
			push64(s),
			movI(w, s, spAdjust(src, 8)),
			unI(ir.OpNot, w, ir.RegOp(s)),
			binI(ir.OpAdd, w, spAdjust(dst, 8), ir.RegOp(s)),
			binI(ir.OpAdd, w, spAdjust(dst, 8), ir.ImmOp(1)),
			pop64(s),
		}
	case ir.OpXor:
		// a ^ b = (a | b) - (a & b)
		return []ir.Instr{
			push64(s),
			movI(w, s, spAdjust(dst, 8)),
			binI(ir.OpAnd, w, ir.RegOp(s), spAdjust(src, 8)),
			binI(ir.OpOr, w, spAdjust(dst, 8), spAdjust(src, 8)),
			binI(ir.OpSub, w, spAdjust(dst, 8), ir.RegOp(s)),
			pop64(s),
		}
	case ir.OpAnd:
		// a & b = (a | b) - (a ^ b)
		return []ir.Instr{
			push64(s),
			movI(w, s, spAdjust(dst, 8)),
			binI(ir.OpXor, w, ir.RegOp(s), spAdjust(src, 8)),
			binI(ir.OpOr, w, spAdjust(dst, 8), spAdjust(src, 8)),
			binI(ir.OpSub, w, spAdjust(dst, 8), ir.RegOp(s)),
			pop64(s),
		}
	case ir.OpOr:
		// a | b = (a & b) + (a ^ b)
		return []ir.Instr{
			push64(s),
			movI(w, s, spAdjust(dst, 8)),
			binI(ir.OpXor, w, ir.RegOp(s), spAdjust(src, 8)),
			binI(ir.OpAnd, w, spAdjust(dst, 8), spAdjust(src, 8)),
			binI(ir.OpAdd, w, spAdjust(dst, 8), ir.RegOp(s)),
			pop64(s),
		}
	}

	return nil
}

// vecFeed round-trips the scratch through a vector register when the
// extended instruction set is enabled. Skipped in functions that touch
// vector state of their own.
func (mt *mutate) vecFeed(f *ir.Func, s ir.Reg, rnd Rand) []ir.Instr {
	if mt.spec.Extension == "generic" || f.UsesVec {
		return nil
	}

	x := byte(rnd.IntN(6)) // volatile in both ABIs

	seq := []ir.Instr{
		{Op: ir.OpRaw, Raw: movqToVec(x, s)},
		{Op: ir.OpRaw, Raw: movqFromVec(x, s)},
	}

	if mt.spec.Extension == "sse42" {
		// ptest only disturbs flags, which the terminal opcode rewrites
		seq = append(seq, ir.Instr{Op: ir.OpRaw, Raw: ptest(x, x)})
	}

	return seq
}

// movq xmm, r64: 66 REX.W 0F 6E /r
func movqToVec(x byte, r ir.Reg) []byte {
	rex := byte(0x48)
	if r >= ir.R8 {
		rex |= 0x01
	}

	return []byte{0x66, rex, 0x0f, 0x6e, 0xc0 | x<<3 | byte(r&7)}
}

// movq r64, xmm: 66 REX.W 0F 7E /r
func movqFromVec(x byte, r ir.Reg) []byte {
	rex := byte(0x48)
	if r >= ir.R8 {
		rex |= 0x01
	}

	return []byte{0x66, rex, 0x0f, 0x7e, 0xc0 | x<<3 | byte(r&7)}
}

// ptest xmm, xmm: 66 0F 38 17 /r
func ptest(a, b byte) []byte {
	return []byte{0x66, 0x0f, 0x38, 0x17, 0xc0 | a<<3 | b}
}
