// Package ir is the machine-code intermediate representation the pipeline
// operates on. Functions own their blocks in a flat arena; blocks and
// functions are referenced by integer handles, never by pointers, so CFG
// edits (splits, clones, shuffles) only reindex and never invalidate
// references. Addresses are metadata, identity is the handle.
package ir

import (
	"math/rand/v2"
)

type (
	FuncID  int
	BlockID int

	// Width is an operand width in bits.
	Width int

	Module struct {
		Arch Arch

		Funcs   []*Func
		Symbols []Symbol

		Base uint64 // image base
		Seed uint64
	}

	Arch struct {
		Bits         int
		Conv         string // calling convention: windows, conservative
		MaxStackCopy uint32 // stack-copy bound honored across opaque calls
	}

	Symbol struct {
		Name string
		RVA  uint64

		Func FuncID // NoFunc if not lifted
	}

	Func struct {
		Name string
		RVA  uint64

		Conv  string
		Frame int64 // stack-frame size bound

		Blocks []Block

		// UsesVec is set by the lifter when any instruction in the
		// function touches vector registers. Vector-based substitution
		// forms stay away from such functions.
		UsesVec bool
	}

	Block struct {
		Code []Instr

		// Succ order for conditional exits: taken first, fallthrough second.
		Succ []BlockID
		Pred []BlockID

		// LiveIn is the registers live at block entry, maintained by
		// liveness analysis. The moral equivalent of block parameters:
		// CFG passes consult it when splitting and duplicating, the
		// pruning pass drops stale sets.
		LiveIn RegSet

		// Pinned blocks were introduced by obfuscation and are off
		// limits for structural clean-up.
		Pinned bool

		RVA uint64 // original address, metadata only
	}
)

const (
	NoFunc  FuncID  = -1
	NoBlock BlockID = -1
)

// Rand derives the deterministic pseudo-random stream for one function under
// one pass. Streams are independent per (seed, salt, function), so parallel
// execution order never changes output.
func (m *Module) Rand(salt uint64, fn FuncID) *rand.Rand {
	return rand.New(rand.NewPCG(m.Seed+salt<<32, uint64(fn)))
}

func (m *Module) AddFunc(f *Func) FuncID {
	m.Funcs = append(m.Funcs, f)

	return FuncID(len(m.Funcs) - 1)
}

// FuncByRVA returns the function whose lifted entry equals rva.
func (m *Module) FuncByRVA(rva uint64) FuncID {
	for id, f := range m.Funcs {
		if f.RVA == rva {
			return FuncID(id)
		}
	}

	return NoFunc
}

// Entry is the function entry block. Invariant: index 0 after lifting.
func (f *Func) Entry() BlockID { return 0 }

func (f *Func) NewBlock() BlockID {
	f.Blocks = append(f.Blocks, Block{})

	return BlockID(len(f.Blocks) - 1)
}

// Split cuts block b before instruction index i. The tail instructions,
// successor edges and exit invariants move to a fresh block; b gets the new
// block as its only successor. Predecessor back-references are repatched.
func (f *Func) Split(b BlockID, i int) BlockID {
	nb := f.NewBlock()

	blk := &f.Blocks[b]
	tail := &f.Blocks[nb]

	tail.Code = append(tail.Code, blk.Code[i:]...)
	tail.Succ = blk.Succ
	tail.Pinned = blk.Pinned

	blk.Code = blk.Code[:i:i]
	blk.Succ = []BlockID{nb}

	tail.Pred = []BlockID{b}

	for _, s := range tail.Succ {
		predReplace(&f.Blocks[s], b, nb)
	}

	return nb
}

// Retarget replaces the edge from -> old with from -> to, patching both the
// successor list and the terminator operand if the block ends in an explicit
// transfer.
func (f *Func) Retarget(from, old, to BlockID) {
	blk := &f.Blocks[from]

	for i, s := range blk.Succ {
		if s == old {
			blk.Succ[i] = to
		}
	}

	if n := len(blk.Code); n != 0 {
		last := &blk.Code[n-1]

		if last.Op.IsTransfer() && last.Dst.Kind == KBlock && last.Dst.Block == old {
			last.Dst.Block = to
		}
	}

	predRemove(&f.Blocks[old], from)
	predAdd(&f.Blocks[to], from)
}

// Link adds the edge from -> to.
func (f *Func) Link(from, to BlockID) {
	f.Blocks[from].Succ = append(f.Blocks[from].Succ, to)
	predAdd(&f.Blocks[to], from)
}

func predAdd(b *Block, p BlockID) {
	for _, q := range b.Pred {
		if q == p {
			return
		}
	}

	b.Pred = append(b.Pred, p)
}

func predRemove(b *Block, p BlockID) {
	w := 0

	for _, q := range b.Pred {
		if q != p {
			b.Pred[w] = q
			w++
		}
	}

	b.Pred = b.Pred[:w]
}

func predReplace(b *Block, old, nb BlockID) {
	for i, q := range b.Pred {
		if q == old {
			b.Pred[i] = nb
		}
	}
}

// RecalcPreds rebuilds every predecessor list from the successor lists.
func (f *Func) RecalcPreds() {
	for i := range f.Blocks {
		f.Blocks[i].Pred = f.Blocks[i].Pred[:0]
	}

	for i := range f.Blocks {
		for _, s := range f.Blocks[i].Succ {
			predAdd(&f.Blocks[s], BlockID(i))
		}
	}
}

// Terminator returns the final instruction if it is a control transfer.
func (b *Block) Terminator() *Instr {
	if n := len(b.Code); n != 0 && b.Code[n-1].Op.IsTransfer() {
		return &b.Code[n-1]
	}

	return nil
}
