// Package obf wires the pipeline: lift the input, resolve each profile's
// targets, run the configured passes and emit the rewritten image. Everything
// that happens to a target lands in the run report.
package obf

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/emit"
	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/lift"
	"github.com/veilware/veil/obf/pass"
	"github.com/veilware/veil/obf/profile"
)

type (
	Result struct {
		// Output is the protected image: a rewritten PE, or the emitted
		// code blob alone in raw mode.
		Output []byte

		// Debug is the patched symbol table (name -> new RVA), JSON.
		// Nil when debug stripping is on or no table was given.
		Debug []byte

		Report []pass.ReportEntry
	}

	// ResolveError is a symbol target that matched nothing or was
	// ambiguous.
	ResolveError struct {
		Target  string
		Matches int
	}

	// Error kinds of the stages, re-exported where callers match on them.
	LiftError = lift.Error
	PassError = pass.Error
	EmitError = emit.Error
)

func (e ResolveError) Error() string {
	return fmt.Sprintf("resolve %v: %v matches", e.Target, e.Matches)
}

// Run protects input under cfg. dbg, when non-nil, is a JSON debug symbol
// table seeding function discovery and naming. Same input, profile and seed
// produce byte-identical output.
func Run(ctx context.Context, input, dbg []byte, cfg *profile.Config) (res *Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "protect", "size", len(input), "profiles", len(cfg.Profiles))
	defer tr.Finish("err", &err)

	var table *lift.DebugTable

	if len(dbg) != 0 {
		table = &lift.DebugTable{}

		err = json.Unmarshal(dbg, table)
		if err != nil {
			return nil, errors.Wrap(err, "debug table")
		}
	}

	raw := len(input) < 2 || input[0] != 'M' || input[1] != 'Z'

	// compiler settings of the first profile govern lifting and emission;
	// pass lists and targets compose per profile over the one module
	cs := &cfg.Profiles[0].Compiler

	m, err := lift.Lift(ctx, input, table, lift.Options{
		Raw:                  raw,
		LiftCalls:            cs.Lifter.LiftCalls,
		Conv:                 cs.Lifter.Conv,
		MaxStackCopy:         cs.Lifter.MaxStackCopy,
		SplitOnCallsFallback: cs.Lifter.SplitOnCallsFallback,
	})
	if err != nil {
		return nil, errors.Wrap(err, "lift")
	}

	m.Seed = cfg.Module.Seed

	rep := &pass.Report{}
	done := map[ir.FuncID]struct{}{}

	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]

		targets, err := Resolve(m, p, rep)
		if err != nil {
			return nil, errors.Wrap(err, "profile %v", p.Name)
		}

		if len(targets) == 0 {
			tr.Printw("profile resolved no targets", "profile", p.Name)
			continue
		}

		mg, err := pass.Build(p)
		if err != nil {
			return nil, errors.Wrap(err, "profile %v", p.Name)
		}

		alive, err := mg.Run(ctx, m, targets, rep)
		if err != nil {
			return nil, errors.Wrap(err, "profile %v", p.Name)
		}

		for _, fn := range alive {
			done[fn] = struct{}{}
			rep.Add(pass.ReportEntry{Func: m.Funcs[fn].Name, Note: "obfuscated"})
		}
	}

	targets := make([]ir.FuncID, 0, len(done))
	for fn := range done {
		targets = append(targets, fn)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	var at uint64

	if raw {
		at = (uint64(len(input)) + 15) &^ 15
	} else {
		at, err = emit.PlaceAfter(input)
		if err != nil {
			return nil, errors.Wrap(err, "place section")
		}
	}

	prefix, err := cs.Assembler.PrefixBytes()
	if err != nil {
		return nil, errors.Wrap(err, "assembler prefix")
	}

	code, rvas, err := emit.Module(ctx, m, targets, at, emit.Options{
		Shuffle:      cs.Assembler.ShuffleBlocks,
		Prefix:       prefix,
		PrefixChance: cs.Assembler.PrefixChance,
	})
	if err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	out := code

	if !raw {
		out, err = emit.Rewrite(input, m, code, at, rvas)
		if err != nil {
			return nil, errors.Wrap(err, "rewrite image")
		}
	}

	var dbgOut []byte

	if table != nil && !cfg.Module.StripDebug {
		dbgOut, err = patchDebug(m, rvas)
		if err != nil {
			return nil, errors.Wrap(err, "patch debug")
		}
	}

	return &Result{Output: out, Debug: dbgOut, Report: rep.Entries}, nil
}

// Resolve maps a profile's symbol targets to lifted functions. Exact name and
// RVA matching; `all` selects every lifted function. A target matching zero
// or several functions fails the profile, or is reported and skipped under
// the skip policy.
func Resolve(m *ir.Module, p *profile.Profile, rep *pass.Report) ([]ir.FuncID, error) {
	seen := map[ir.FuncID]struct{}{}
	var targets []ir.FuncID

	add := func(fn ir.FuncID) {
		if _, ok := seen[fn]; ok {
			return
		}

		seen[fn] = struct{}{}
		targets = append(targets, fn)
	}

	for _, s := range p.Symbols {
		if s.All {
			for id, f := range m.Funcs {
				if f.Blocks != nil {
					add(ir.FuncID(id))
				}
			}

			continue
		}

		var match []ir.FuncID

		for id, f := range m.Funcs {
			if f.Blocks == nil {
				continue
			}

			if s.Name != "" && f.Name == s.Name || s.Name == "" && f.RVA == s.RVA {
				match = append(match, ir.FuncID(id))
			}
		}

		if len(match) == 1 {
			add(match[0])
			continue
		}

		e := ResolveError{Target: symbolLabel(s), Matches: len(match)}

		if p.OnResolveError != "skip" {
			return nil, e
		}

		rep.Add(pass.ReportEntry{Func: e.Target, Note: "skipped", Err: e.Error()})
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	return targets, nil
}

func symbolLabel(s profile.Symbol) string {
	if s.Name != "" {
		return s.Name
	}

	return fmt.Sprintf("%#x", s.RVA)
}

// patchDebug rewrites the symbol table against the new function locations.
func patchDebug(m *ir.Module, rvas map[ir.FuncID]uint64) ([]byte, error) {
	t := lift.DebugTable{Syms: make([]lift.DebugSym, 0, len(m.Symbols))}

	for _, s := range m.Symbols {
		rva := s.RVA
		if nrva, ok := rvas[s.Func]; ok {
			rva = nrva
		}

		t.Syms = append(t.Syms, lift.DebugSym{Name: s.Name, RVA: rva})
	}

	return json.Marshal(t)
}
