// Package pass drives the ordered, profile-configured transformation passes
// over lifted functions. The manager is free of per-kind branching: pass
// kinds map to builders at construction, every pass exposes the same apply
// capability. Functions are the unit of independent work; a pass runs a
// parallel per-function phase and, if it needs cross-function updates, a
// serial patch phase afterwards.
package pass

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/profile"
)

type (
	// Rand is the per-function deterministic stream handed to a pass.
	Rand = *rand.Rand

	Pass interface {
		Name() string
		Apply(ctx context.Context, m *ir.Module, fn ir.FuncID, rnd Rand) error
	}

	// Patcher is the optional serial phase applied after all parallel
	// per-function work of a pass finished.
	Patcher interface {
		Patch(ctx context.Context, m *ir.Module, targets []ir.FuncID) error
	}

	// Error is a per-function pass failure. It aborts only the affected
	// function; the run fails when no valid targets remain.
	Error struct {
		Pass string
		Func string
		Err  error
	}

	Report struct {
		mu sync.Mutex

		Entries []ReportEntry
	}

	ReportEntry struct {
		Func string `json:"func"`
		Pass string `json:"pass,omitempty"`
		Note string `json:"note,omitempty"`
		Err  string `json:"err,omitempty"`
	}

	Manager struct {
		passes []Pass
	}

	builder func(*profile.Pass, *profile.CompilerSettings) Pass
)

func (e Error) Error() string {
	return fmt.Sprintf("pass %v on %v: %v", e.Pass, e.Func, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

var builders = map[string]builder{
	profile.KindMutate:    newMutate,
	profile.KindCFlow:     newCFlow,
	profile.KindConsts:    newConsts,
	profile.KindRefs:      newRefs,
	profile.KindDuplicate: newDuplicate,
	profile.KindSplit:     newSplit,
	profile.KindOptimize:  newOptimize,
}

// Build maps the profile's ordered pass list onto implementations. Parameter
// validation happened at profile load; builders trust their spec. The
// profile's optimization settings, when any toggle is on, append a final
// clean-up stage.
func Build(p *profile.Profile) (*Manager, error) {
	mg := &Manager{}

	for i := range p.Passes {
		b, ok := builders[p.Passes[i].Kind]
		if !ok {
			return nil, errors.New("unknown pass kind %q", p.Passes[i].Kind)
		}

		mg.passes = append(mg.passes, b(&p.Passes[i], &p.Compiler))
	}

	o := p.Compiler.Optimize
	if o.ConstProp || o.Combine || o.DCE || o.PruneBlocks {
		mg.passes = append(mg.passes, newOptimize(&profile.Pass{Kind: profile.KindOptimize}, &p.Compiler))
	}

	return mg, nil
}

// Run executes the pass list in declared order over the targets. Distinct
// functions are processed in parallel within one pass stage; determinism is
// kept by deriving one random stream per (pass, function) from the module
// seed. Returns the targets still alive.
func (mg *Manager) Run(ctx context.Context, m *ir.Module, targets []ir.FuncID, rep *Report) (alive []ir.FuncID, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "passes", "passes", len(mg.passes), "targets", len(targets))
	defer tr.Finish("err", &err)

	alive = append(alive, targets...)

	for pi, p := range mg.passes {
		failed := make([]error, len(alive))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))

		for ti, fn := range alive {
			ti, fn := ti, fn

			g.Go(func() error {
				rnd := stream(m, pi, fn)

				err := p.Apply(gctx, m, fn, rnd)
				if err != nil {
					failed[ti] = Error{Pass: p.Name(), Func: m.Funcs[fn].Name, Err: err}
				}

				return nil
			})
		}

		err = g.Wait()
		if err != nil {
			return nil, errors.Wrap(err, "pass %v", p.Name())
		}

		w := 0

		for ti, fn := range alive {
			if failed[ti] == nil {
				alive[w] = fn
				w++

				continue
			}

			tr.Printw("target failed", "func", m.Funcs[fn].Name, "pass", p.Name(), "err", failed[ti])
			rep.Add(ReportEntry{Func: m.Funcs[fn].Name, Pass: p.Name(), Err: failed[ti].Error()})
		}

		alive = alive[:w]

		if len(alive) == 0 {
			return nil, errors.New("no valid targets remain after pass %v", p.Name())
		}

		if pp, ok := p.(Patcher); ok {
			err = pp.Patch(ctx, m, alive)
			if err != nil {
				return nil, errors.Wrap(err, "patch phase of %v", p.Name())
			}
		}

		tr.V("stage").Printw("pass stage done", "pass", p.Name(), "alive", len(alive))
	}

	return alive, nil
}

// stream derives the deterministic random stream for one function under one
// pass stage. Derivation never depends on scheduling.
func stream(m *ir.Module, pass int, fn ir.FuncID) Rand {
	return m.Rand(uint64(pass)+1, fn)
}

func (r *Report) Add(e ReportEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Entries = append(r.Entries, e)
}
