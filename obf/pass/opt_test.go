package pass

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/profile"
)

func optSettings() *profile.CompilerSettings {
	return &profile.CompilerSettings{
		Optimize: profile.OptimizeSettings{
			ConstProp:   true,
			Combine:     true,
			DCE:         true,
			PruneBlocks: true,
		},
	}
}

func applyOptimize(t *testing.T, m *ir.Module) {
	t.Helper()

	op := newOptimize(&profile.Pass{Kind: profile.KindOptimize}, optSettings())

	err := op.Apply(context.Background(), m, 0, m.Rand(1, 0))
	require.NoError(t, err)
}

func junkFunc() *ir.Module {
	m := &ir.Module{Seed: 3}
	f := &ir.Func{Name: "f"}
	m.AddFunc(f)

	b0 := f.NewBlock()
	b1 := f.NewBlock()
	dead := f.NewBlock()

	f.Blocks[b0].Code = []ir.Instr{
		{Op: ir.OpPush, W: 64, Src: ir.RegOp(ir.RCX)},
		{Op: ir.OpPop, W: 64, Dst: ir.RegOp(ir.RCX)},
		{Op: ir.OpMov, W: 64, Dst: ir.RegOp(ir.RAX), Src: ir.RegOp(ir.RAX)},
		{Op: ir.OpMov, W: 64, Dst: ir.RegOp(ir.RDX), Src: ir.ImmOp(1)}, // overwritten below
		{Op: ir.OpMov, W: 64, Dst: ir.RegOp(ir.RDX), Src: ir.ImmOp(5)},
		{Op: ir.OpAdd, W: 64, Dst: ir.RegOp(ir.RAX), Src: ir.RegOp(ir.RDX)},
		{Op: ir.OpJmp, Dst: ir.BlockOp(b1)},
	}
	f.Blocks[b0].Succ = []ir.BlockID{b1}

	f.Blocks[b1].Code = []ir.Instr{
		{Op: ir.OpRet},
	}

	f.Blocks[dead].Code = []ir.Instr{
		{Op: ir.OpUd2},
	}

	f.RecalcPreds()

	return m
}

func TestOptimizeCleansJunk(t *testing.T) {
	m := junkFunc()
	applyOptimize(t, m)

	f := m.Funcs[0]

	require.Len(t, f.Blocks, 2, "unreachable block not pruned")

	for _, ins := range f.Blocks[0].Code {
		switch {
		case ins.Op == ir.OpPush || ins.Op == ir.OpPop:
			t.Fatalf("push/pop pair not combined")
		case ins.Op == ir.OpMov && ins.Dst.Kind == ir.KReg && ins.Src.Kind == ir.KReg && ins.Dst.Reg == ins.Src.Reg:
			t.Fatalf("self mov not removed")
		case ins.Op == ir.OpMov && ins.Src.Kind == ir.KImm && ins.Src.Imm == 1:
			t.Fatalf("dead constant store not eliminated")
		case ins.Op == ir.OpAdd && ins.Src.Kind == ir.KReg:
			t.Fatalf("constant not propagated into add")
		}
	}
}

func TestOptimizePreservesBehavior(t *testing.T) {
	m := junkFunc()
	base := exec2copy(t, m)

	applyOptimize(t, m)

	var regs [16]uint64
	regs[ir.RAX] = 37
	regs[ir.RCX] = 99

	wr, _ := exec(t, base.Funcs[0], regs)
	gr, _ := exec(t, m.Funcs[0], regs)

	require.Equal(t, wr[ir.RAX], gr[ir.RAX])
	require.Equal(t, wr[ir.RCX], gr[ir.RCX])
}

func TestOptimizeIdempotent(t *testing.T) {
	m := junkFunc()

	applyOptimize(t, m)
	snap := exec2copy(t, m)

	applyOptimize(t, m)

	require.True(t, reflect.DeepEqual(snap.Funcs[0].Blocks, m.Funcs[0].Blocks))
}

func TestOptimizeLeavesPinnedBlocks(t *testing.T) {
	m := &ir.Module{Seed: 3}
	f := &ir.Func{Name: "f"}
	m.AddFunc(f)

	b0 := f.NewBlock()
	b1 := f.NewBlock()

	f.Blocks[b0].Code = computedJmp(b1, m.Rand(1, 0))
	f.Blocks[b0].Succ = []ir.BlockID{b1}
	f.Blocks[b0].Pinned = true

	f.Blocks[b1].Code = []ir.Instr{{Op: ir.OpRet}}

	f.RecalcPreds()

	snap := len(f.Blocks[0].Code)

	applyOptimize(t, m)

	require.Len(t, m.Funcs[0].Blocks[0].Code, snap, "pinned block was rewritten")
	require.Len(t, m.Funcs[0].Blocks, 2)
}
