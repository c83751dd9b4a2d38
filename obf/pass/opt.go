package pass

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/profile"
)

type (
	// optimize is the clean-up stage. Each sub-optimization is safe to run
	// on already-optimized input, so the whole stage iterates to a
	// fixpoint under a round cap. Pinned blocks are left alone.
	optimize struct {
		o profile.OptimizeSettings
	}
)

const optRoundCap = 10

func newOptimize(_ *profile.Pass, cs *profile.CompilerSettings) Pass {
	return &optimize{o: cs.Optimize}
}

func (*optimize) Name() string { return "optimize" }

func (op *optimize) Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error {
	f := m.Funcs[fn]

	rounds := op.o.Iterations
	if rounds <= 0 || rounds > optRoundCap {
		rounds = optRoundCap
	}

	r := 0

	for ; r < rounds; r++ {
		changed := false

		if op.o.ConstProp {
			changed = constProp(f) || changed
		}
		if op.o.Combine {
			changed = combine(f) || changed
		}
		if op.o.DCE {
			changed = dce(f) || changed
		}
		if op.o.PruneBlocks {
			changed = prune(f) || changed
		}

		if !changed {
			break
		}
	}

	computeLive(f)

	tlog.SpanFromContext(ctx).V("opt").Printw("optimized", "func", f.Name, "rounds", r)

	return nil
}

// immOps can take their source as an immediate.
var immOps = map[ir.Op]bool{
	ir.OpAdd: true, ir.OpSub: true, ir.OpAnd: true, ir.OpXor: true,
	ir.OpOr: true, ir.OpCmp: true, ir.OpTest: true, ir.OpMov: true,
}

// constProp tracks full-width register constants block-locally and folds
// them into source operands. An immediate source behaves exactly like an
// equal-valued register source, flags included, so no deadness proof is
// needed.
func constProp(f *ir.Func) (changed bool) {
	for b := range f.Blocks {
		blk := &f.Blocks[b]

		if blk.Pinned {
			continue
		}

		known := map[ir.Reg]int64{}

		for i := range blk.Code {
			ins := &blk.Code[i]

			if ins.Src.Kind == ir.KReg && immOps[ins.Op] {
				if v, ok := known[ins.Src.Reg]; ok && fitsImm(v, ins.W) {
					ins.Src = ir.ImmOp(maskImm(v, ins.W))
					changed = true
				}
			}

			defs := ins.Defs()
			for r := ir.RAX; r <= ir.R15; r++ {
				if defs.Has(r) {
					delete(known, r)
				}
			}

			if ins.Op == ir.OpMov && ins.W == 64 && ins.Dst.Kind == ir.KReg && ins.Src.Kind == ir.KImm {
				known[ins.Dst.Reg] = ins.Src.Imm
			}
		}
	}

	return changed
}

// fitsImm reports whether the register value can be carried by an immediate
// at width w. Below 64 bits only the low bits are read, so any value fits
// after truncation; 64-bit arithmetic immediates sign-extend from 32.
func fitsImm(v int64, w ir.Width) bool {
	return w != 64 || v == int64(int32(v))
}

// combine removes adjacent cancelling pairs and no-op instructions.
func combine(f *ir.Func) (changed bool) {
	for b := range f.Blocks {
		blk := &f.Blocks[b]

		if blk.Pinned {
			continue
		}

		for i := 0; i < len(blk.Code); i++ {
			n := 0

			switch {
			case noop(&blk.Code[i], f, ir.BlockID(b), i):
				n = 1
			case i+1 < len(blk.Code) && cancels(&blk.Code[i], &blk.Code[i+1], f, ir.BlockID(b), i):
				n = 2
			}

			if n == 0 {
				continue
			}

			blk.Code = append(blk.Code[:i], blk.Code[i+n:]...)
			i--
			changed = true
		}
	}

	return changed
}

func noop(ins *ir.Instr, f *ir.Func, b ir.BlockID, i int) bool {
	switch {
	case ins.Op == ir.OpMov && ins.Dst.Kind == ir.KReg && ins.Src.Kind == ir.KReg && ins.Dst.Reg == ins.Src.Reg:
		return true
	case ins.Op == ir.OpLea && ins.Dst.Kind == ir.KReg && ins.Src.Kind == ir.KMem &&
		!ins.Src.Mem.Rip && ins.Src.Mem.Base == ins.Dst.Reg && ins.Src.Mem.Index == ir.RegNone && ins.Src.Mem.Disp == 0:
		return true
	case (ins.Op == ir.OpAdd || ins.Op == ir.OpSub || ins.Op == ir.OpOr || ins.Op == ir.OpXor) &&
		ins.Src.Kind == ir.KImm && ins.Src.Imm == 0:
		// identity arithmetic still sets flags
		return flagsDeadAfter(f, b, i)
	}

	return false
}

func cancels(a, c *ir.Instr, f *ir.Func, b ir.BlockID, i int) bool {
	switch {
	case a.Op == ir.OpPush && c.Op == ir.OpPop &&
		a.Src.Kind == ir.KReg && c.Dst.Kind == ir.KReg && a.Src.Reg == c.Dst.Reg:
		return true
	case a.Op == ir.OpNot && c.Op == ir.OpNot && a.W == c.W && sameOperand(a.Dst, c.Dst):
		return true
	case a.Op == ir.OpXor && c.Op == ir.OpXor && a.W == c.W &&
		a.Src.Kind == ir.KImm && c.Src.Kind == ir.KImm && a.Src.Imm == c.Src.Imm &&
		sameOperand(a.Dst, c.Dst) && a.Dst.Kind == ir.KReg:
		// the pair's flag effect disappears with it
		return flagsDeadAfter(f, b, i+1)
	}

	return false
}

func sameOperand(a, b ir.Operand) bool {
	return a.Kind == b.Kind && a.Reg == b.Reg && a.Imm == b.Imm && a.Mem == b.Mem && a.Block == b.Block && a.Func == b.Func
}

// dceOps have no effect beyond their destination register and flags.
var dceOps = map[ir.Op]bool{
	ir.OpAdd: true, ir.OpSub: true, ir.OpAnd: true, ir.OpXor: true,
	ir.OpOr: true, ir.OpNot: true, ir.OpNeg: true, ir.OpMov: true, ir.OpLea: true,
}

// dce drops register-writing instructions whose result is never read.
func dce(f *ir.Func) (changed bool) {
	lv := computeLive(f)

	for b := range f.Blocks {
		blk := &f.Blocks[b]

		if blk.Pinned {
			continue
		}

		live := lv.out[b]
		kept := make([]ir.Instr, 0, len(blk.Code))

		for i := len(blk.Code) - 1; i >= 0; i-- {
			ins := &blk.Code[i]

			dead := dceOps[ins.Op] &&
				ins.Dst.Kind == ir.KReg && ins.Dst.Reg != ir.RSP &&
				!live.Has(ins.Dst.Reg) &&
				(!ins.Op.WritesFlags() || flagsDeadAfter(f, ir.BlockID(b), i))

			if dead {
				changed = true
				continue
			}

			live &^= ins.Defs()
			live.Merge(ins.Uses())

			kept = append(kept, *ins)
		}

		for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
			kept[l], kept[r] = kept[r], kept[l]
		}

		blk.Code = kept
	}

	return changed
}

// prune drops unreachable blocks and renumbers the survivors, keeping the
// entry at index 0. Block references live both in terminators and inside
// computed-transfer sequences, so every operand is remapped.
func prune(f *ir.Func) (changed bool) {
	reach := make([]bool, len(f.Blocks))

	stack := []ir.BlockID{f.Entry()}
	reach[f.Entry()] = true

	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, s := range f.Blocks[b].Succ {
			if !reach[s] {
				reach[s] = true
				stack = append(stack, s)
			}
		}
	}

	remap := make([]ir.BlockID, len(f.Blocks))
	blocks := make([]ir.Block, 0, len(f.Blocks))

	for b := range f.Blocks {
		if !reach[b] {
			remap[b] = ir.NoBlock
			changed = true

			continue
		}

		remap[b] = ir.BlockID(len(blocks))
		blocks = append(blocks, f.Blocks[b])
	}

	if !changed {
		return false
	}

	for b := range blocks {
		blk := &blocks[b]

		for i, s := range blk.Succ {
			blk.Succ[i] = remap[s]
		}

		for i := range blk.Code {
			if d := &blk.Code[i].Dst; d.Kind == ir.KBlock {
				d.Block = remap[d.Block]
			}
			if s := &blk.Code[i].Src; s.Kind == ir.KBlock {
				s.Block = remap[s.Block]
			}
		}
	}

	f.Blocks = blocks
	f.RecalcPreds()

	return true
}
