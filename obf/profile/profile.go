// Package profile is the declarative protection profile: which functions to
// transform, which passes to run in what order, and how to lift and re-emit
// the result. Loaded once, validated, then consumed read-only.
package profile

import (
	"encoding/hex"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
)

// Version is the supported config format version.
const Version = "1.0"

type (
	Config struct {
		Version string         `yaml:"version"`
		Module  ModuleSettings `yaml:"module_settings"`

		Profiles []Profile `yaml:"profiles"`
	}

	ModuleSettings struct {
		Seed       uint64 `yaml:"seed"`
		StripDebug bool   `yaml:"strip_debug"`
	}

	Profile struct {
		Name string `yaml:"name"`

		Passes   []Pass           `yaml:"passes"`
		Compiler CompilerSettings `yaml:"compiler_settings"`
		Symbols  []Symbol         `yaml:"symbols"`

		// OnResolveError: fail aborts the run, skip excludes the target.
		OnResolveError string `yaml:"on_resolve_error"`
	}

	// Pass is one pass specification. Kind selects the implementation,
	// the rest are pass-specific knobs; irrelevant ones are ignored.
	Pass struct {
		Kind string `yaml:"kind"`

		Iterations  int     `yaml:"iterations"`
		Probability float64 `yaml:"probability"`

		Semantics Semantics `yaml:"semantics"`
		Widths    Widths    `yaml:"bitwidths"`
		Origins   Origins   `yaml:"origins"`

		// Extension: generic, sse3, sse42.
		Extension string `yaml:"extension"`

		// Threshold: minimum block size for split-blocks.
		Threshold int `yaml:"threshold"`
	}

	Semantics struct {
		Add bool `yaml:"add"`
		Sub bool `yaml:"sub"`
		And bool `yaml:"and"`
		Xor bool `yaml:"xor"`
		Or  bool `yaml:"or"`
		Not bool `yaml:"not"`
		Neg bool `yaml:"neg"`
	}

	Widths struct {
		Bit8  bool `yaml:"bit8"`
		Bit16 bool `yaml:"bit16"`
		Bit32 bool `yaml:"bit32"`
		Bit64 bool `yaml:"bit64"`
	}

	// Origins gates rewrite sites by operand shape, as register-only,
	// memory, or stack-pointer-based memory sites behave differently
	// under stack-using substitutions.
	Origins struct {
		Normal bool `yaml:"normal"`
		Mem    bool `yaml:"memop"`
		SP     bool `yaml:"sp_based_memop"`
	}

	CompilerSettings struct {
		Assembler AssemblerSettings `yaml:"assembler_settings"`
		Optimize  OptimizeSettings  `yaml:"optimization_settings"`
		Lifter    LifterSettings    `yaml:"lifter_settings"`
	}

	AssemblerSettings struct {
		ShuffleBlocks bool    `yaml:"shuffle_basic_blocks"`
		Prefix        string  `yaml:"instruction_prefix"` // hex bytes
		PrefixChance  float64 `yaml:"random_prefix_chance"`
	}

	OptimizeSettings struct {
		ConstProp   bool `yaml:"constant_propagation"`
		Combine     bool `yaml:"instruction_combine"`
		DCE         bool `yaml:"dead_code_elim"`
		PruneBlocks bool `yaml:"prune_useless_block_params"`

		Iterations int `yaml:"iterations"`
	}

	LifterSettings struct {
		LiftCalls            bool   `yaml:"lift_calls"`
		Conv                 string `yaml:"calling_convention"`
		MaxStackCopy         uint32 `yaml:"max_stack_copy_size"`
		SplitOnCallsFallback bool   `yaml:"split_on_calls_fallback"`
	}

	// Symbol targets a function by name or by RVA, or selects all.
	Symbol struct {
		Name string `yaml:"name,omitempty"`
		RVA  uint64 `yaml:"rva,omitempty"`
		All  bool   `yaml:"all,omitempty"`
	}
)

// Kinds of passes the manager knows how to build.
const (
	KindMutate       = "mutate"
	KindCFlow        = "obscure-control-flow"
	KindConsts       = "obscure-constants"
	KindRefs         = "obscure-references"
	KindDuplicate    = "duplicate-opaque"
	KindSplit        = "split-blocks"
	KindOptimize     = "optimize"
)

func Load(data []byte) (*Config, error) {
	c := &Config{}

	err := yaml.Unmarshal(data, c)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal")
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	if c.Version != Version {
		return errors.New("config version %q, want %q", c.Version, Version)
	}

	if len(c.Profiles) == 0 {
		return errors.New("no profiles")
	}

	for i := range c.Profiles {
		err := c.Profiles[i].validate()
		if err != nil {
			return errors.Wrap(err, "profile %v", c.Profiles[i].Name)
		}
	}

	return nil
}

func (p *Profile) validate() error {
	if p.Name == "" {
		return errors.New("unnamed profile")
	}

	switch p.OnResolveError {
	case "":
		p.OnResolveError = "fail"
	case "fail", "skip":
	default:
		return errors.New("on_resolve_error: %q, want fail or skip", p.OnResolveError)
	}

	switch p.Compiler.Lifter.Conv {
	case "":
		p.Compiler.Lifter.Conv = "conservative"
	case "windows", "conservative":
	default:
		return errors.New("calling_convention: %q, want windows or conservative", p.Compiler.Lifter.Conv)
	}

	if ch := p.Compiler.Assembler.PrefixChance; ch < 0 || ch > 1 {
		return errors.New("random_prefix_chance: %v not in [0,1]", ch)
	}

	if _, err := p.Compiler.Assembler.PrefixBytes(); err != nil {
		return err
	}

	if n := p.Compiler.Optimize.Iterations; n < 0 {
		return errors.New("optimization iterations: %v", n)
	}

	if len(p.Symbols) == 0 {
		return errors.New("no symbol targets")
	}

	for _, s := range p.Symbols {
		if !s.All && s.Name == "" && s.RVA == 0 {
			return errors.New("empty symbol target")
		}
	}

	for i := range p.Passes {
		err := p.Passes[i].validate()
		if err != nil {
			return errors.Wrap(err, "pass %d (%v)", i, p.Passes[i].Kind)
		}
	}

	return nil
}

func (p *Pass) validate() error {
	switch p.Kind {
	case KindMutate, KindCFlow, KindConsts, KindRefs, KindDuplicate, KindSplit, KindOptimize:
	default:
		return errors.New("unknown pass kind %q", p.Kind)
	}

	if p.Iterations < 0 {
		return errors.New("iterations: %v", p.Iterations)
	}
	if p.Iterations == 0 {
		p.Iterations = 1
	}

	if p.Probability < 0 || p.Probability > 1 {
		return errors.New("probability: %v not in [0,1]", p.Probability)
	}

	switch p.Extension {
	case "":
		p.Extension = "generic"
	case "generic", "sse3", "sse42":
	default:
		return errors.New("extension: %q", p.Extension)
	}

	if p.Kind == KindMutate {
		if !p.Semantics.Any() {
			return errors.New("mutation pass needs at least one semantic enabled")
		}
		if !p.Widths.Any() {
			return errors.New("mutation pass needs at least one bit width enabled")
		}
	}

	// both passes gate every site on its origin class
	if (p.Kind == KindMutate || p.Kind == KindConsts) && !p.Origins.Any() {
		return errors.New("%v pass needs at least one origin enabled", p.Kind)
	}

	if p.Kind == KindSplit && p.Threshold <= 0 {
		p.Threshold = 4
	}

	return nil
}

func (s Semantics) Any() bool {
	return s.Add || s.Sub || s.And || s.Xor || s.Or || s.Not || s.Neg
}

func (w Widths) Any() bool {
	return w.Bit8 || w.Bit16 || w.Bit32 || w.Bit64
}

func (o Origins) Any() bool {
	return o.Normal || o.Mem || o.SP
}

// Has reports whether width (in bits) is enabled.
func (w Widths) Has(bits int) bool {
	switch bits {
	case 8:
		return w.Bit8
	case 16:
		return w.Bit16
	case 32:
		return w.Bit32
	case 64:
		return w.Bit64
	}

	return false
}

// PrefixBytes decodes the assembler instruction prefix hex string.
func (a AssemblerSettings) PrefixBytes() ([]byte, error) {
	if a.Prefix == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(a.Prefix)
	if err != nil {
		return nil, errors.Wrap(err, "instruction_prefix")
	}

	return b, nil
}
