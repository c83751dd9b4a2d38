// Package emit lowers transformed functions back to x86-64 machine code.
// Lowering is single-pass: branches always use rel32 forms, so sizes are
// final the moment an instruction is encoded, and address slots are patched
// once the whole blob is laid out.
package emit

import (
	"context"
	"fmt"
	"math/rand/v2"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/ir"
)

type (
	Options struct {
		Shuffle      bool
		Prefix       []byte
		PrefixChance float64
	}

	// Error is a per-function emission failure.
	Error struct {
		Func string
		Err  error
	}

	slotRef struct {
		e    encoded
		fn   ir.FuncID // owning function, for block addressing
		off  int       // blob offset of the slot field
		next int       // blob offset right after the instruction
	}

	layout struct {
		m    *ir.Module
		at   uint64 // RVA the blob will be mapped at
		opts Options

		code  []byte
		slots []slotRef

		funcOff  map[ir.FuncID]int
		blockOff map[ir.FuncID][]int
	}
)

func (e Error) Error() string {
	return fmt.Sprintf("emit %v: %v", e.Func, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// Module encodes the given functions as one code blob to be mapped at RVA at.
// Returns the blob and the new entry RVA of every emitted function. Functions
// not in targets keep their original bodies; references to them resolve to
// the original RVAs.
func Module(ctx context.Context, m *ir.Module, targets []ir.FuncID, at uint64, opts Options) (code []byte, rvas map[ir.FuncID]uint64, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "emit", "targets", len(targets), "at", tlog.NextAsHex, at)
	defer tr.Finish("err", &err)

	l := &layout{
		m:        m,
		at:       at,
		opts:     opts,
		funcOff:  make(map[ir.FuncID]int, len(targets)),
		blockOff: make(map[ir.FuncID][]int, len(targets)),
	}

	for _, fn := range targets {
		err = l.lower(fn)
		if err != nil {
			return nil, nil, Error{Func: m.Funcs[fn].Name, Err: err}
		}
	}

	err = l.patch()
	if err != nil {
		return nil, nil, err
	}

	rvas = make(map[ir.FuncID]uint64, len(targets))
	for _, fn := range targets {
		rvas[fn] = at + uint64(l.funcOff[fn])
	}

	tr.Printw("emitted", "bytes", len(l.code))

	return l.code, rvas, nil
}

// lower encodes one function into the blob. Block order is entry-first; the
// rest is shuffled under the function's deterministic stream when enabled.
func (l *layout) lower(fn ir.FuncID) error {
	f := l.m.Funcs[fn]
	rnd := l.m.Rand(emitSalt, fn)

	for len(l.code)%16 != 0 {
		l.code = append(l.code, 0xcc)
	}

	l.funcOff[fn] = len(l.code)

	order := make([]ir.BlockID, len(f.Blocks))
	for i := range order {
		order[i] = ir.BlockID(i)
	}

	if l.opts.Shuffle && len(order) > 2 {
		tail := order[1:]
		rnd.Shuffle(len(tail), func(i, j int) {
			tail[i], tail[j] = tail[j], tail[i]
		})
	}

	l.blockOff[fn] = make([]int, len(f.Blocks))

	for oi, b := range order {
		l.blockOff[fn][b] = len(l.code) - l.funcOff[fn]

		blk := &f.Blocks[b]

		for i := range blk.Code {
			err := l.add(fn, &blk.Code[i], rnd)
			if err != nil {
				return errors.Wrap(err, "block %v instr %v", b, i)
			}
		}

		ft := glueTarget(blk)
		if ft == ir.NoBlock {
			continue
		}

		if oi+1 < len(order) && order[oi+1] == ft {
			continue
		}

		jmp := ir.Instr{Op: ir.OpJmp, Dst: ir.BlockOp(ft)}

		err := l.add(fn, &jmp, rnd)
		if err != nil {
			return errors.Wrap(err, "block %v glue", b)
		}
	}

	return nil
}

const emitSalt = 0x1000

// glueTarget returns the block control falls into when the terminator does
// not cover it, or NoBlock. Layout inserts an explicit jmp when the block is
// not placed right before that target.
func glueTarget(blk *ir.Block) ir.BlockID {
	t := blk.Terminator()

	switch {
	case t == nil:
		if len(blk.Succ) == 1 {
			return blk.Succ[0]
		}
	case t.Op == ir.OpJcc:
		if len(blk.Succ) == 2 {
			return blk.Succ[1]
		}
	case t.Op == ir.OpCall:
		if len(blk.Succ) == 1 {
			return blk.Succ[0]
		}
	}

	return ir.NoBlock
}

// add encodes one instruction at the current position. Typed instructions may
// receive the configured prefix bytes; raw ones are kept byte-exact.
func (l *layout) add(fn ir.FuncID, ins *ir.Instr, rnd *rand.Rand) error {
	e, err := encode(ins)
	if err != nil {
		return err
	}

	if ins.Op != ir.OpRaw && len(l.opts.Prefix) != 0 && rnd.Float64() < l.opts.PrefixChance {
		e.b = append(append([]byte(nil), l.opts.Prefix...), e.b...)
		e.slotOff += len(l.opts.Prefix)
	}

	off := len(l.code)
	l.code = append(l.code, e.b...)

	if e.slot != slotNone {
		l.slots = append(l.slots, slotRef{
			e:    e,
			fn:   fn,
			off:  off + e.slotOff,
			next: len(l.code),
		})
	}

	return nil
}

// patch resolves every address slot. Slots hold target - key - next; original
// image addresses stay valid because the original bodies are left in place.
func (l *layout) patch() error {
	for _, s := range l.slots {
		var target uint64

		switch s.e.slot {
		case slotRel, slotRip:
			target = s.e.abs

		case slotRelBlock, slotRipBlock:
			target = l.at + uint64(l.funcOff[s.fn]+l.blockOff[s.fn][s.e.block])

		case slotRelFunc, slotRipFunc:
			target = l.funcVA(s.e.fn, s.e.abs)
		}

		next := l.at + uint64(s.next)
		v := int64(target) - s.e.key - int64(next)

		if v != int64(int32(v)) {
			return errors.New("slot out of rel32 range: %x -> %x", next, target)
		}

		copy(l.code[s.off:], le32(int32(v)))
	}

	return nil
}

// funcVA resolves a function reference to its address in the output image.
// Emitted functions get their fresh location, everything else keeps the
// original entry.
func (l *layout) funcVA(fn ir.FuncID, abs uint64) uint64 {
	if fn == ir.NoFunc {
		return abs
	}

	if off, ok := l.funcOff[fn]; ok {
		return l.at + uint64(off)
	}

	return l.m.Funcs[fn].RVA
}
