package pass

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/profile"
)

type (
	// split cuts oversized blocks at random points. On its own it only
	// changes granularity; combined with shuffled layout it breaks up the
	// straight-line reading of a function.
	split struct {
		spec *profile.Pass
	}

	// duplicate clones blocks and fronts them with a dispatcher branching
	// between the two identical copies on an arbitrary register value.
	duplicate struct {
		spec *profile.Pass
	}

	// cflow replaces direct jumps with computed transfers through the
	// stack. The target address never appears in a branch displacement.
	cflow struct {
		spec *profile.Pass
	}
)

func newSplit(p *profile.Pass, _ *profile.CompilerSettings) Pass {
	return &split{spec: p}
}

func (*split) Name() string { return "split-blocks" }

func (sp *split) Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error {
	f := m.Funcs[fn]

	cuts := 0

	// fresh tails land at the end of the slice and are revisited, so one
	// sweep cuts every block down to the threshold
	for b := 0; b < len(f.Blocks); b++ {
		if len(f.Blocks[b].Code) <= sp.spec.Threshold {
			continue
		}
		if sp.spec.Probability < 1 && rnd.Float64() >= sp.spec.Probability {
			continue
		}

		at := 1 + rnd.IntN(len(f.Blocks[b].Code)-1)

		f.Split(ir.BlockID(b), at)
		cuts++
	}

	tlog.SpanFromContext(ctx).V("split").Printw("blocks split", "func", f.Name, "cuts", cuts)

	return nil
}

func newDuplicate(p *profile.Pass, _ *profile.CompilerSettings) Pass {
	return &duplicate{spec: p}
}

func (*duplicate) Name() string { return "duplicate-opaque" }

func (dp *duplicate) Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error {
	f := m.Funcs[fn]

	clones := 0
	n := len(f.Blocks)

	for b := 1; b < n; b++ {
		blk := &f.Blocks[b]

		if blk.Pinned || len(blk.Pred) == 0 || len(blk.Code) == 0 {
			continue
		}
		if dp.spec.Probability < 1 && rnd.Float64() >= dp.spec.Probability {
			continue
		}

		// the dispatcher clobbers flags on the way in
		if !flagsDeadAtEntry(f, ir.BlockID(b)) {
			continue
		}

		dp.clone(f, ir.BlockID(b), rnd)
		clones++
	}

	tlog.SpanFromContext(ctx).V("dup").Printw("blocks duplicated", "func", f.Name, "clones", clones)

	return nil
}

// clone builds an identical copy c of b and a dispatcher d in front of both.
// The branch condition is an arbitrary register test: whichever way it goes,
// the same code runs, so the predicate needs no proof.
func (dp *duplicate) clone(f *ir.Func, b ir.BlockID, rnd Rand) {
	c := f.NewBlock()
	d := f.NewBlock()

	r := scratch(rnd, 0)

	blk := &f.Blocks[b]

	cb := &f.Blocks[c]
	cb.Code = append([]ir.Instr(nil), blk.Code...)
	cb.Pinned = blk.Pinned
	cb.RVA = blk.RVA

	for _, s := range blk.Succ {
		f.Link(c, s)
	}

	for _, p := range append([]ir.BlockID(nil), blk.Pred...) {
		f.Retarget(p, b, d)
	}

	db := &f.Blocks[d]
	db.Code = []ir.Instr{
		{Op: ir.OpTest, W: 64, Dst: ir.RegOp(r), Src: ir.RegOp(r)},
		{Op: ir.OpJcc, Cc: "e", Dst: ir.BlockOp(c)},
	}

	f.Link(d, c)
	f.Link(d, b)
}

func newCFlow(p *profile.Pass, _ *profile.CompilerSettings) Pass {
	return &cflow{spec: p}
}

func (*cflow) Name() string { return "obscure-control-flow" }

func (cf *cflow) Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error {
	f := m.Funcs[fn]

	sites := 0
	n := len(f.Blocks)

	for b := 0; b < n; b++ {
		blk := &f.Blocks[b]

		if blk.Pinned {
			continue
		}

		t := blk.Terminator()

		switch {
		case t != nil && t.Op == ir.OpJmp && t.Dst.Kind == ir.KBlock:
			if cf.skip(rnd) {
				continue
			}

			blk.Code = append(blk.Code[:len(blk.Code)-1], computedJmp(t.Dst.Block, rnd)...)
			blk.Pinned = true
			sites++

		case t == nil && len(blk.Succ) == 1:
			if cf.skip(rnd) {
				continue
			}

			blk.Code = append(blk.Code, computedJmp(blk.Succ[0], rnd)...)
			blk.Pinned = true
			sites++

		case t != nil && t.Op == ir.OpJcc:
			if cf.skip(rnd) {
				continue
			}

			// the taken edge is routed through a pinned trampoline
			taken := blk.Succ[0]

			tr := f.NewBlock()
			tb := &f.Blocks[tr]
			tb.Code = computedJmp(taken, rnd)
			tb.Pinned = true

			f.Link(tr, taken)
			f.Retarget(ir.BlockID(b), taken, tr)
			sites++
		}
	}

	tlog.SpanFromContext(ctx).V("cflow").Printw("transfers obscured", "func", f.Name, "sites", sites)

	return nil
}

func (cf *cflow) skip(rnd Rand) bool {
	return cf.spec.Probability < 1 && rnd.Float64() >= cf.spec.Probability
}

// computedJmp transfers to tb without a branch displacement: the target is
// assembled in a saved scratch, swapped onto the stack and consumed by ret.
// Nothing in the sequence touches flags, and the scratch is restored by the
// xchg, so no state leaks.
func computedJmp(tb ir.BlockID, rnd Rand) []ir.Instr {
	s := scratch(rnd, 0)
	k := immKey(rnd, 64)

	target := ir.BlockOp(tb)
	target.Key = k

	return []ir.Instr{
		push64(s),
		{Op: ir.OpLea, W: 64, Dst: ir.RegOp(s), Src: target},
		leaAdd(s, k),
		{Op: ir.OpXchg, W: 64, Dst: ir.MemOp(ir.Mem{Base: ir.RSP, Index: ir.RegNone}), Src: ir.RegOp(s)},
		{Op: ir.OpRet},
	}
}
