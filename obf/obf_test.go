package obf

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/veilware/veil/obf/ir"
	"github.com/veilware/veil/obf/lift"
	"github.com/veilware/veil/obf/pass"
	"github.com/veilware/veil/obf/profile"
)

// test rax, rax; je ret; add rax, rcx; ret
var testBlob = []byte{
	0x48, 0x85, 0xc0,
	0x74, 0x03,
	0x48, 0x01, 0xc8,
	0xc3,
}

func nullConfig(seed uint64) *profile.Config {
	return &profile.Config{
		Version: profile.Version,
		Module:  profile.ModuleSettings{Seed: seed},
		Profiles: []profile.Profile{{
			Name:    "all",
			Symbols: []profile.Symbol{{All: true}},
		}},
	}
}

func decodeAll(t *testing.T, code []byte) map[x86asm.Op]int {
	t.Helper()

	ops := map[x86asm.Op]int{}

	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err, "% x", code)

		ops[inst.Op]++
		code = code[inst.Len:]
	}

	return ops
}

func TestRunRawNullPipeline(t *testing.T) {
	res, err := Run(context.Background(), testBlob, nil, nullConfig(1))
	require.NoError(t, err)

	// no passes configured: the function is re-emitted as is
	ops := decodeAll(t, res.Output)

	assert.Equal(t, 1, ops[x86asm.TEST])
	assert.Equal(t, 1, ops[x86asm.JE])
	assert.Equal(t, 1, ops[x86asm.ADD])
	assert.Equal(t, 1, ops[x86asm.RET])

	var notes []string
	for _, e := range res.Report {
		if e.Note != "" {
			notes = append(notes, e.Func+":"+e.Note)
		}
	}

	assert.Contains(t, notes, "sub_0:obfuscated")
	assert.Nil(t, res.Debug)
}

func TestRunRoundTripsPushImm(t *testing.T) {
	// push 5; pop rax; ret
	blob := []byte{0x6a, 0x05, 0x58, 0xc3}

	res, err := Run(context.Background(), blob, nil, nullConfig(1))
	require.NoError(t, err)

	ops := decodeAll(t, res.Output)
	assert.Equal(t, 1, ops[x86asm.PUSH])
	assert.Equal(t, 1, ops[x86asm.POP])
	assert.Equal(t, 1, ops[x86asm.RET])
}

func protectConfig(seed uint64) *profile.Config {
	c := nullConfig(seed)

	c.Profiles[0].Passes = []profile.Pass{{
		Kind:        profile.KindSplit,
		Iterations:  1,
		Probability: 1,
		Threshold:   1,
	}, {
		Kind:        profile.KindMutate,
		Iterations:  2,
		Probability: 1,
		Semantics:   profile.Semantics{Add: true, Xor: true},
		Widths:      profile.Widths{Bit32: true, Bit64: true},
		Origins:     profile.Origins{Normal: true, Mem: true, SP: true},
	}, {
		Kind:        profile.KindCFlow,
		Iterations:  1,
		Probability: 1,
	}}

	c.Profiles[0].Compiler.Assembler = profile.AssemblerSettings{
		ShuffleBlocks: true,
		Prefix:        "3e",
		PrefixChance:  0.5,
	}
	c.Profiles[0].Compiler.Optimize = profile.OptimizeSettings{
		ConstProp: true,
		Combine:   true,
		DCE:       true,
	}

	return c
}

func TestRunDeterministic(t *testing.T) {
	a, err := Run(context.Background(), testBlob, nil, protectConfig(7))
	require.NoError(t, err)

	b, err := Run(context.Background(), testBlob, nil, protectConfig(7))
	require.NoError(t, err)

	assert.Equal(t, a.Output, b.Output)
	assert.Equal(t, a.Report, b.Report)

	c, err := Run(context.Background(), testBlob, nil, protectConfig(8))
	require.NoError(t, err)

	assert.NotEqual(t, a.Output, c.Output, "seed must change the output")
}

func TestRunPatchesDebugTable(t *testing.T) {
	dbg := []byte(`{"syms":[{"name":"start","rva":0}]}`)

	res, err := Run(context.Background(), testBlob, dbg, nullConfig(3))
	require.NoError(t, err)

	require.NotNil(t, res.Debug)

	var table lift.DebugTable
	require.NoError(t, json.Unmarshal(res.Debug, &table))

	require.Len(t, table.Syms, 1)
	assert.Equal(t, "start", table.Syms[0].Name)

	// code is appended after the input, 16-aligned
	assert.Equal(t, uint64(16), table.Syms[0].RVA)

	cfg := nullConfig(3)
	cfg.Module.StripDebug = true

	res, err = Run(context.Background(), testBlob, dbg, cfg)
	require.NoError(t, err)
	assert.Nil(t, res.Debug)
}

func TestRunRejectsBadDebugTable(t *testing.T) {
	_, err := Run(context.Background(), testBlob, []byte("{"), nullConfig(1))
	require.Error(t, err)
}

// testPE builds a minimal single-section PE32+ image with testBlob at
// RVA 0x1000, entry point there.
func testPE() []byte {
	img := make([]byte, 0x400)

	put16 := binary.LittleEndian.PutUint16
	put32 := binary.LittleEndian.PutUint32
	put64 := binary.LittleEndian.PutUint64

	img[0], img[1] = 'M', 'Z'
	put32(img[0x3c:], 0x40) // e_lfanew

	copy(img[0x40:], "PE\x00\x00")
	put16(img[0x44:], 0x8664) // machine
	put16(img[0x46:], 1)      // sections
	put16(img[0x54:], 240)    // optional header size
	put16(img[0x56:], 0x22)   // executable, large address aware

	opt := 0x58
	put16(img[opt:], 0x20b)
	put32(img[opt+16:], 0x1000)        // entry point
	put64(img[opt+24:], 0x1_4000_0000) // image base
	put32(img[opt+32:], 0x1000)        // section alignment
	put32(img[opt+36:], 0x200)         // file alignment
	put32(img[opt+56:], 0x2000)        // size of image
	put32(img[opt+60:], 0x200)         // size of headers
	put16(img[opt+68:], 3)             // console subsystem
	put32(img[opt+108:], 16)           // rva and sizes count

	sect := opt + 240
	copy(img[sect:], ".text\x00\x00\x00")
	put32(img[sect+8:], 0x100)       // virtual size
	put32(img[sect+12:], 0x1000)     // virtual address
	put32(img[sect+16:], 0x200)      // raw size
	put32(img[sect+20:], 0x200)      // raw offset
	put32(img[sect+36:], 0x60000020) // code | execute | read

	for i := 0x200; i < 0x300; i++ {
		img[i] = 0xcc
	}
	copy(img[0x200:], testBlob)

	return img
}

func TestRunRewritesPE(t *testing.T) {
	img := testPE()

	res, err := Run(context.Background(), img, nil, nullConfig(2))
	require.NoError(t, err)

	out := res.Output
	require.Greater(t, len(out), len(img))

	// original headers and a fresh section entry
	assert.Equal(t, byte('M'), out[0])
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(out[0x46:]))

	sect2 := 0x58 + 240 + 40
	assert.Equal(t, ".veil\x00\x00\x00", string(out[sect2:sect2+8]))
	assert.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(out[sect2+12:]))

	// original entry thunks into the appended section
	require.Equal(t, byte(0xe9), out[0x200])

	rel := int32(binary.LittleEndian.Uint32(out[0x201:]))
	assert.Equal(t, uint64(0x2000), uint64(int64(0x1000+5)+int64(rel)))

	// appended blob holds the re-emitted body: the rel8 je came back
	// in its rel32 form, everything else as is
	blob := out[0x400 : 0x400+13]
	ops := decodeAll(t, blob)
	assert.Equal(t, 1, ops[x86asm.TEST])
	assert.Equal(t, 1, ops[x86asm.JE])
	assert.Equal(t, 1, ops[x86asm.RET])
}

func resolveModule() *ir.Module {
	m := &ir.Module{}

	add := func(name string, rva uint64, lifted bool) {
		f := &ir.Func{Name: name, RVA: rva}
		m.AddFunc(f)

		if !lifted {
			return
		}

		b := f.NewBlock()
		f.Blocks[b].Code = []ir.Instr{{Op: ir.OpRet}}
	}

	add("alpha", 0x1000, true)
	add("beta", 0x2000, true)
	add("beta", 0x3000, true)
	add("ext", 0x4000, false)

	return m
}

func TestResolveByNameAndRVA(t *testing.T) {
	m := resolveModule()
	rep := &pass.Report{}

	targets, err := Resolve(m, &profile.Profile{Symbols: []profile.Symbol{{Name: "alpha"}}}, rep)
	require.NoError(t, err)
	assert.Equal(t, []ir.FuncID{0}, targets)

	targets, err = Resolve(m, &profile.Profile{Symbols: []profile.Symbol{{RVA: 0x2000}}}, rep)
	require.NoError(t, err)
	assert.Equal(t, []ir.FuncID{1}, targets)

	// all selects lifted functions only, each once
	targets, err = Resolve(m, &profile.Profile{Symbols: []profile.Symbol{{All: true}, {Name: "alpha"}}}, rep)
	require.NoError(t, err)
	assert.Equal(t, []ir.FuncID{0, 1, 2}, targets)
}

func TestResolveExactness(t *testing.T) {
	m := resolveModule()
	rep := &pass.Report{}

	_, err := Resolve(m, &profile.Profile{Symbols: []profile.Symbol{{Name: "nope"}}}, rep)
	require.Error(t, err)

	var re ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "nope", re.Target)
	assert.Equal(t, 0, re.Matches)

	_, err = Resolve(m, &profile.Profile{Symbols: []profile.Symbol{{Name: "beta"}}}, rep)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 2, re.Matches)
}

func TestResolveSkipPolicy(t *testing.T) {
	m := resolveModule()
	rep := &pass.Report{}

	p := &profile.Profile{
		Symbols:        []profile.Symbol{{Name: "nope"}, {Name: "alpha"}},
		OnResolveError: "skip",
	}

	targets, err := Resolve(m, p, rep)
	require.NoError(t, err)

	assert.Equal(t, []ir.FuncID{0}, targets)

	require.Len(t, rep.Entries, 1)
	assert.Equal(t, "nope", rep.Entries[0].Func)
	assert.Equal(t, "skipped", rep.Entries[0].Note)
}
