// Package lift decodes machine code into the IR. Discovery is recursive
// descent from known entry points: exports, debug symbols, profile targets
// and transitively discovered call targets. Blocks split at every control
// transfer, at every incoming edge target and at every call boundary.
package lift

import (
	"context"
	"fmt"
	"sort"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/ir"
)

type (
	Options struct {
		// Raw treats the input as a flat code blob loaded at Base
		// instead of a PE image.
		Raw  bool
		Base uint64

		// Entries seeds discovery in addition to the image entry point
		// and debug symbols.
		Entries []uint64

		LiftCalls            bool
		Conv                 string
		MaxStackCopy         uint32
		SplitOnCallsFallback bool
	}

	DebugTable struct {
		Syms []DebugSym `json:"syms"`
	}

	DebugSym struct {
		Name string `json:"name"`
		RVA  uint64 `json:"rva"`
	}

	// Error is a lift failure. Always fatal: without a faithful IR
	// nothing downstream is trustworthy.
	Error struct {
		RVA uint64
		Err error
	}

	region struct {
		va   uint64
		data []byte
	}

	lifter struct {
		opts Options
		code []region

		mod *ir.Module

		funcs map[uint64]ir.FuncID
		roots map[uint64]bool
		work  heap.Heap[uint64]
	}

	// decoded is one instruction plus its control-flow summary.
	decoded struct {
		ins ir.Instr
		len int

		term bool     // ends a block
		exit bool     // no successors
		next []uint64 // successor VAs, taken first
		call uint64   // direct call target, 0 if none

		vec bool
	}
)

func (e Error) Error() string {
	return fmt.Sprintf("lift at %#x: %v", e.RVA, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// Lift builds a Module from an executable. PE images are parsed for code
// sections and entry point; raw blobs are one code region at opts.Base.
func Lift(ctx context.Context, bin []byte, dbg *DebugTable, opts Options) (m *ir.Module, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "lift", "raw", opts.Raw, "size", len(bin))
	defer tr.Finish("err", &err)

	l := &lifter{
		opts:  opts,
		funcs: map[uint64]ir.FuncID{},
		roots: map[uint64]bool{},
		work:  heap.Heap[uint64]{Less: func(d []uint64, i, j int) bool { return d[i] < d[j] }},
	}

	l.mod = &ir.Module{
		Arch: ir.Arch{
			Bits:         64,
			Conv:         opts.Conv,
			MaxStackCopy: opts.MaxStackCopy,
		},
	}

	if opts.Raw {
		// raw blobs live in RVA space directly; image base stays zero
		l.code = []region{{va: opts.Base, data: bin}}
	} else {
		entry, err := l.parsePE(bin)
		if err != nil {
			return nil, Error{Err: errors.Wrap(err, "parse image")}
		}

		if entry != 0 {
			l.push(entry, "", true)
		}
	}

	for _, va := range opts.Entries {
		l.push(va, "", true)
	}

	if dbg != nil {
		for _, s := range dbg.Syms {
			l.push(s.RVA, s.Name, true)
		}
	}

	if opts.Raw && l.work.Len() == 0 {
		l.push(opts.Base, "", true)
	}

	for l.work.Len() != 0 {
		va := l.work.Pop()

		fn, ok := l.funcs[va]
		if !ok || l.mod.Funcs[fn].Blocks != nil {
			continue
		}

		err = l.liftFunc(ctx, fn)
		if err != nil {
			return nil, err
		}

		tr.V("func").Printw("lifted func", "name", l.mod.Funcs[fn].Name, "rva", tlog.NextAsHex, va, "blocks", len(l.mod.Funcs[fn].Blocks))
	}

	l.fixCalls()
	l.rebuildSymbols(dbg)

	tr.Printw("lifted module", "funcs", len(l.mod.Funcs), "symbols", len(l.mod.Symbols))

	return l.mod, nil
}

// push registers va as a function entry and queues it for lifting.
func (l *lifter) push(va uint64, name string, root bool) ir.FuncID {
	if root {
		l.roots[va] = true
	}

	if id, ok := l.funcs[va]; ok {
		if name != "" && l.mod.Funcs[id].Name == fmt.Sprintf("sub_%x", va) {
			l.mod.Funcs[id].Name = name
		}

		return id
	}

	if name == "" {
		name = fmt.Sprintf("sub_%x", va)
	}

	id := l.mod.AddFunc(&ir.Func{
		Name: name,
		RVA:  va,
		Conv: l.opts.Conv,
	})

	l.funcs[va] = id
	l.work.Push(va)

	return id
}

func (l *lifter) liftFunc(ctx context.Context, fn ir.FuncID) (err error) {
	tr := tlog.SpanFromContext(ctx)
	f := l.mod.Funcs[fn]

	insts := map[uint64]*decoded{}
	starts := map[uint64]struct{}{f.RVA: {}}

	work := []uint64{f.RVA}

	for len(work) != 0 {
		va := work[len(work)-1]
		work = work[:len(work)-1]

		for {
			if _, ok := insts[va]; ok {
				break
			}

			d, err := l.decodeAt(va)
			if err != nil {
				if l.opts.SplitOnCallsFallback && !l.roots[f.RVA] {
					// demote: callers keep treating this function
					// as an opaque boundary instead of failing
					tr.Printw("lift fallback, function dropped", "name", f.Name, "rva", tlog.NextAsHex, va, "err", err)

					delete(l.funcs, f.RVA)
					f.Blocks = nil

					return nil
				}

				return Error{RVA: va, Err: err}
			}

			insts[va] = d

			if d.vec {
				f.UsesVec = true
			}

			if d.call != 0 && l.opts.LiftCalls && l.inCode(d.call) {
				l.push(d.call, "", false)
			}

			if d.term {
				for _, t := range d.next {
					if _, ok := l.funcs[t]; ok && t != f.RVA {
						continue // tail transfer to another function
					}

					if _, ok := starts[t]; !ok {
						starts[t] = struct{}{}
						work = append(work, t)
					}
				}

				break
			}

			va += uint64(d.len)
		}
	}

	l.buildBlocks(f, insts, starts)

	return nil
}

// buildBlocks partitions decoded instructions into basic blocks. Entry block
// first, the rest in address order; edges become index handles.
func (l *lifter) buildBlocks(f *ir.Func, insts map[uint64]*decoded, starts map[uint64]struct{}) {
	order := make([]uint64, 0, len(starts))

	for va := range starts {
		if _, ok := insts[va]; !ok {
			continue
		}
		if va == f.RVA {
			continue
		}

		order = append(order, va)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	order = append([]uint64{f.RVA}, order...)

	b2id := make(map[uint64]ir.BlockID, len(order))
	for i, va := range order {
		b2id[va] = ir.BlockID(i)
	}

	f.Blocks = make([]ir.Block, len(order))

	edge := func(va uint64) (ir.Operand, bool) {
		if id, ok := b2id[va]; ok {
			return ir.BlockOp(id), true
		}

		return ir.Operand{Kind: ir.KFunc, Func: ir.NoFunc, Imm: int64(va)}, false
	}

	for i, va := range order {
		blk := &f.Blocks[i]
		blk.RVA = va

		for {
			d := insts[va]

			ins := d.ins
			retarget := ins.Op == ir.OpJmp || ins.Op == ir.OpJcc

			if retarget && ins.Dst.Kind == ir.KImm {
				// branch targets decoded as raw VAs become block
				// handles, or pending function refs for tail calls
				op, _ := edge(uint64(ins.Dst.Imm))
				ins.Dst = op
			}

			blk.Code = append(blk.Code, ins)

			if d.term {
				if !d.exit {
					for _, t := range d.next {
						if id, ok := b2id[t]; ok {
							blk.Succ = append(blk.Succ, id)
						}
					}
				}

				break
			}

			next := va + uint64(d.len)

			if id, ok := b2id[next]; ok {
				// fallthrough into the next block
				blk.Succ = append(blk.Succ, id)
				break
			}

			va = next
		}
	}

	f.RecalcPreds()
	f.Frame = frameBound(f)
}

// frameBound takes the static frame size from the entry block prologue.
func frameBound(f *ir.Func) int64 {
	for _, ins := range f.Blocks[0].Code {
		if ins.Op == ir.OpSub && ins.Dst.Kind == ir.KReg && ins.Dst.Reg == ir.RSP && ins.Src.Kind == ir.KImm {
			return ins.Src.Imm
		}
	}

	return 0
}

// fixCalls binds pending direct call and tail-transfer operands to lifted
// functions. Unresolved targets stay opaque boundaries.
func (l *lifter) fixCalls() {
	for _, f := range l.mod.Funcs {
		for bi := range f.Blocks {
			for ii := range f.Blocks[bi].Code {
				ins := &f.Blocks[bi].Code[ii]

				if ins.Dst.Kind != ir.KFunc || ins.Dst.Func != ir.NoFunc {
					continue
				}

				if id, ok := l.funcs[uint64(ins.Dst.Imm)]; ok {
					ins.Dst.Func = id
				}
			}
		}
	}
}

// rebuildSymbols builds the module symbol table once: debug names first,
// then synthetic names for discovered functions.
func (l *lifter) rebuildSymbols(dbg *DebugTable) {
	named := map[uint64]string{}

	if dbg != nil {
		for _, s := range dbg.Syms {
			named[s.RVA] = s.Name
		}
	}

	for id, f := range l.mod.Funcs {
		if f.Blocks == nil {
			continue
		}

		name := f.Name
		if n, ok := named[f.RVA]; ok {
			name = n
		}

		l.mod.Symbols = append(l.mod.Symbols, ir.Symbol{
			Name: name,
			RVA:  f.RVA,
			Func: ir.FuncID(id),
		})
	}

	sort.Slice(l.mod.Symbols, func(i, j int) bool { return l.mod.Symbols[i].RVA < l.mod.Symbols[j].RVA })
}

func (l *lifter) inCode(va uint64) bool {
	for _, r := range l.code {
		if va >= r.va && va < r.va+uint64(len(r.data)) {
			return true
		}
	}

	return false
}

func (l *lifter) bytesAt(va uint64) []byte {
	for _, r := range l.code {
		if va >= r.va && va < r.va+uint64(len(r.data)) {
			return r.data[va-r.va:]
		}
	}

	return nil
}
