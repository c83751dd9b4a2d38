package emit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/veilware/veil/obf/ir"
)

func branchyFunc(seed uint64) *ir.Module {
	m := &ir.Module{Seed: seed}
	f := &ir.Func{Name: "f", RVA: 0x1000}
	m.AddFunc(f)

	b0 := f.NewBlock()
	b1 := f.NewBlock()
	b2 := f.NewBlock()
	b3 := f.NewBlock()

	f.Blocks[b0].Code = []ir.Instr{
		{Op: ir.OpTest, W: 64, Dst: ir.RegOp(ir.RAX), Src: ir.RegOp(ir.RAX)},
		{Op: ir.OpJcc, Cc: "e", Dst: ir.BlockOp(b2)},
	}
	f.Blocks[b0].Succ = []ir.BlockID{b2, b1}

	f.Blocks[b1].Code = []ir.Instr{
		{Op: ir.OpAdd, W: 64, Dst: ir.RegOp(ir.RAX), Src: ir.ImmOp(1)},
	}
	f.Blocks[b1].Succ = []ir.BlockID{b3}

	f.Blocks[b2].Code = []ir.Instr{
		{Op: ir.OpSub, W: 64, Dst: ir.RegOp(ir.RAX), Src: ir.ImmOp(1)},
		{Op: ir.OpJmp, Dst: ir.BlockOp(b3)},
	}
	f.Blocks[b2].Succ = []ir.BlockID{b3}

	f.Blocks[b3].Code = []ir.Instr{
		{Op: ir.OpRet},
	}

	f.RecalcPreds()

	return m
}

// walk decodes from an offset, following every branch, and returns the set of
// decoded opcodes. Fails on undecodable bytes or branches outside the blob.
func walk(t *testing.T, code []byte, at, start uint64) map[x86asm.Op]int {
	t.Helper()

	ops := map[x86asm.Op]int{}
	seen := map[uint64]bool{}
	work := []uint64{start}

	for len(work) > 0 {
		va := work[len(work)-1]
		work = work[:len(work)-1]

		for !seen[va] {
			seen[va] = true

			require.True(t, va >= at && va < at+uint64(len(code)), "address %#x outside blob", va)

			inst, err := x86asm.Decode(code[va-at:], 64)
			require.NoError(t, err, "at %#x", va)

			ops[inst.Op]++

			next := va + uint64(inst.Len)

			switch inst.Op {
			case x86asm.RET:
				va = next
				goto done
			case x86asm.JMP:
				rel, ok := inst.Args[0].(x86asm.Rel)
				require.True(t, ok, "indirect jmp in test blob")

				va = next + uint64(int64(rel))
				continue
			case x86asm.JE, x86asm.JNE:
				rel := inst.Args[0].(x86asm.Rel)
				work = append(work, next+uint64(int64(rel)))
			}

			va = next
		}
	done:
	}

	return ops
}

func TestEmitLinearLayout(t *testing.T) {
	m := branchyFunc(1)

	code, rvas, err := Module(context.Background(), m, []ir.FuncID{0}, 0x4000, Options{})
	require.NoError(t, err)

	require.Equal(t, uint64(0x4000), rvas[0])

	ops := walk(t, code, 0x4000, rvas[0])

	assert.Equal(t, 1, ops[x86asm.TEST])
	assert.Equal(t, 1, ops[x86asm.JE])
	assert.Equal(t, 1, ops[x86asm.ADD])
	assert.Equal(t, 1, ops[x86asm.SUB])
	assert.Equal(t, 1, ops[x86asm.RET])
}

func TestEmitShufflePreservesTargets(t *testing.T) {
	for seed := uint64(1); seed < 20; seed++ {
		m := branchyFunc(seed)

		code, rvas, err := Module(context.Background(), m, []ir.FuncID{0}, 0x4000, Options{Shuffle: true})
		require.NoError(t, err)

		ops := walk(t, code, 0x4000, rvas[0])

		assert.Equal(t, 1, ops[x86asm.TEST], "seed %v", seed)
		assert.Equal(t, 1, ops[x86asm.ADD], "seed %v", seed)
		assert.Equal(t, 1, ops[x86asm.SUB], "seed %v", seed)
		assert.GreaterOrEqual(t, ops[x86asm.RET], 1, "seed %v", seed)
	}
}

func TestEmitDeterministic(t *testing.T) {
	a, _, err := Module(context.Background(), branchyFunc(7), []ir.FuncID{0}, 0x4000, Options{Shuffle: true, PrefixChance: 0.5, Prefix: []byte{0x3e}})
	require.NoError(t, err)

	b, _, err := Module(context.Background(), branchyFunc(7), []ir.FuncID{0}, 0x4000, Options{Shuffle: true, PrefixChance: 0.5, Prefix: []byte{0x3e}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEmitPrefixBytes(t *testing.T) {
	m := branchyFunc(3)

	plain, _, err := Module(context.Background(), m, []ir.FuncID{0}, 0x4000, Options{})
	require.NoError(t, err)

	prefixed, _, err := Module(context.Background(), branchyFunc(3), []ir.FuncID{0}, 0x4000, Options{Prefix: []byte{0x3e}, PrefixChance: 1})
	require.NoError(t, err)

	require.Greater(t, len(prefixed), len(plain))

	// the stream still decodes and reaches the same operations
	ops := walk(t, prefixed, 0x4000, 0x4000)
	assert.Equal(t, 1, ops[x86asm.ADD])
	assert.Equal(t, 1, ops[x86asm.RET])
}

func TestEmitCallTargets(t *testing.T) {
	m := &ir.Module{Seed: 4}

	f := &ir.Func{Name: "f", RVA: 0x1000}
	m.AddFunc(f)

	g := &ir.Func{Name: "g", RVA: 0x2000}
	gid := m.AddFunc(g)

	gb := g.NewBlock()
	g.Blocks[gb].Code = []ir.Instr{{Op: ir.OpRet}}

	b0 := f.NewBlock()
	b1 := f.NewBlock()

	f.Blocks[b0].Code = []ir.Instr{
		{Op: ir.OpCall, W: 64, Dst: ir.FuncRef(gid)},
	}
	f.Blocks[b0].Succ = []ir.BlockID{b1}
	f.Blocks[b1].Code = []ir.Instr{{Op: ir.OpRet}}

	f.RecalcPreds()

	// only f is re-emitted: the call must land on g's original entry
	code, rvas, err := Module(context.Background(), m, []ir.FuncID{0}, 0x4000, Options{})
	require.NoError(t, err)

	inst, err := x86asm.Decode(code, 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.CALL, inst.Op)

	rel := inst.Args[0].(x86asm.Rel)
	assert.Equal(t, uint64(0x2000), rvas[0]+uint64(inst.Len)+uint64(int64(rel)))

	// both emitted: the call must land inside the blob on g's new body
	code, rvas, err = Module(context.Background(), m, []ir.FuncID{0, gid}, 0x4000, Options{})
	require.NoError(t, err)

	inst, err = x86asm.Decode(code, 64)
	require.NoError(t, err)

	rel = inst.Args[0].(x86asm.Rel)
	assert.Equal(t, rvas[gid], rvas[0]+uint64(inst.Len)+uint64(int64(rel)))
}

func TestEmitKeyedSlot(t *testing.T) {
	m := &ir.Module{Seed: 4}
	f := &ir.Func{Name: "f", RVA: 0x1000}
	m.AddFunc(f)

	b0 := f.NewBlock()
	b1 := f.NewBlock()

	target := ir.BlockOp(b1)
	target.Key = 0x40

	f.Blocks[b0].Code = []ir.Instr{
		{Op: ir.OpLea, W: 64, Dst: ir.RegOp(ir.RAX), Src: target},
		{Op: ir.OpLea, W: 64, Dst: ir.RegOp(ir.RAX), Src: ir.MemOp(ir.Mem{Base: ir.RAX, Index: ir.RegNone, Disp: 0x40})},
		{Op: ir.OpJmp, Dst: ir.BlockOp(b1)},
	}
	f.Blocks[b0].Succ = []ir.BlockID{b1}
	f.Blocks[b1].Code = []ir.Instr{{Op: ir.OpRet}}

	f.RecalcPreds()

	code, rvas, err := Module(context.Background(), m, []ir.FuncID{0}, 0x4000, Options{})
	require.NoError(t, err)

	inst, err := x86asm.Decode(code, 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.LEA, inst.Op)

	memArg := inst.Args[1].(x86asm.Mem)

	// rip-relative displacement resolves to the block address minus the
	// key; the decoder reports the 32-bit field unextended
	disp := int64(int32(memArg.Disp))
	leaResult := rvas[0] + uint64(inst.Len) + uint64(disp)

	// the ret block follows the two leas and the jmp
	var retVA uint64
	for off := 0; off < len(code); {
		d, err := x86asm.Decode(code[off:], 64)
		require.NoError(t, err)

		if d.Op == x86asm.RET {
			retVA = 0x4000 + uint64(off)
			break
		}

		off += d.Len
	}

	require.NotZero(t, retVA)
	assert.Equal(t, retVA-0x40, leaResult)
}
