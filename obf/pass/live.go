package pass

import (
	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/set"
)

type (
	// liveness holds per-block register live-out sets. Block live-in
	// annotations on the IR are refreshed as a side effect.
	liveness struct {
		f   *ir.Func
		out []ir.RegSet
	}
)

// computeLive runs the usual backward fixpoint over the CFG. Raw
// instructions use and define everything, so the result degrades safely in
// unmodeled code.
func computeLive(f *ir.Func) *liveness {
	lv := &liveness{
		f:   f,
		out: make([]ir.RegSet, len(f.Blocks)),
	}

	in := make([]ir.RegSet, len(f.Blocks))

	for changed := true; changed; {
		changed = false

		for b := len(f.Blocks) - 1; b >= 0; b-- {
			blk := &f.Blocks[b]

			var out ir.RegSet
			for _, s := range blk.Succ {
				out.Merge(in[s])
			}

			if blk.Terminator() == nil && len(blk.Succ) == 0 || exits(blk) {
				// function exit: returned values and callee-saved
				// state stay live conservatively
				out = ^ir.RegSet(0)
			}

			live := out

			for i := len(blk.Code) - 1; i >= 0; i-- {
				ins := &blk.Code[i]

				live &^= ins.Defs()
				live.Merge(ins.Uses())
			}

			if lv.out[b] != out || in[b] != live {
				changed = true
			}

			lv.out[b] = out
			in[b] = live
		}
	}

	for b := range f.Blocks {
		f.Blocks[b].LiveIn = in[b]
	}

	return lv
}

func exits(blk *ir.Block) bool {
	t := blk.Terminator()

	return t != nil && (t.Op.IsExit() || t.Op == ir.OpJmp && t.Dst.Kind != ir.KBlock)
}

// liveAfter returns registers live right after instruction i of block b.
func (lv *liveness) liveAfter(b ir.BlockID, i int) ir.RegSet {
	blk := &lv.f.Blocks[b]
	live := lv.out[b]

	for j := len(blk.Code) - 1; j > i; j-- {
		ins := &blk.Code[j]

		live &^= ins.Defs()
		live.Merge(ins.Uses())
	}

	return live
}

// flagsDeadAfter reports whether the arithmetic flags produced at position i
// of block b are provably dead: every path redefines them before reading.
func flagsDeadAfter(f *ir.Func, b ir.BlockID, i int) bool {
	blk := &f.Blocks[b]

	for j := i + 1; j < len(blk.Code); j++ {
		op := blk.Code[j].Op

		if op.ReadsFlags() || op == ir.OpRaw {
			return false
		}
		if op.WritesFlags() {
			return true
		}
	}

	return flagsDeadAtEntryAll(f, blk.Succ)
}

// flagsDeadAtEntry reports whether flags are dead when control enters b.
func flagsDeadAtEntry(f *ir.Func, b ir.BlockID) bool {
	return flagsDeadFrom(f, b, set.MakeBits[ir.BlockID](len(f.Blocks)))
}

func flagsDeadAtEntryAll(f *ir.Func, succ []ir.BlockID) bool {
	if len(succ) == 0 {
		return true // exit: caller sees no flag contract
	}

	seen := set.MakeBits[ir.BlockID](len(f.Blocks))

	for _, s := range succ {
		if !flagsDeadFrom(f, s, seen) {
			return false
		}
	}

	return true
}

func flagsDeadFrom(f *ir.Func, b ir.BlockID, seen set.Bits[ir.BlockID]) bool {
	if seen.IsSet(b) {
		return true // cycle: flags rewritten or checked on the first pass
	}

	seen.Set(b)

	blk := &f.Blocks[b]

	for j := range blk.Code {
		op := blk.Code[j].Op

		if op.ReadsFlags() || op == ir.OpRaw {
			return false
		}
		if op.WritesFlags() {
			return true
		}
	}

	if len(blk.Succ) == 0 {
		return true
	}

	for _, s := range blk.Succ {
		if !flagsDeadFrom(f, s, seen) {
			return false
		}
	}

	return true
}
