package pass

import (
	"testing"

	"github.com/veilware/veil/obf/ir"
)

// The tests in this package check semantic equivalence by executing IR before
// and after a transformation on a small machine model: 16 registers, the six
// arithmetic flags, byte-addressed sparse memory and a descending stack.
// Synthetic block addresses make computed transfers executable.

type (
	flags struct {
		CF, ZF, SF, OF, PF, AF bool
	}

	machine struct {
		t *testing.T
		f *ir.Func

		regs [16]uint64
		fl   flags
		mem  map[uint64]byte

		steps int
	}
)

const (
	stackTop = 0x7ff000
	retStop  = 0xdead00 // sentinel return address, halts execution

	blockBase = 0x400000
	blockStep = 16
)

func blockVA(b ir.BlockID) uint64 { return blockBase + uint64(b)*blockStep }

func exec(t *testing.T, f *ir.Func, regs [16]uint64) ([16]uint64, flags) {
	t.Helper()

	m := &machine{
		t:    t,
		f:    f,
		regs: regs,
		mem:  map[uint64]byte{},
	}

	m.regs[ir.RSP] = stackTop
	m.pushVal(retStop)

	b := f.Entry()

	for {
		next, halt := m.block(b)
		if halt {
			return m.regs, m.fl
		}

		b = next
	}
}

func (m *machine) block(b ir.BlockID) (next ir.BlockID, halt bool) {
	blk := &m.f.Blocks[b]

	for i := range blk.Code {
		m.steps++
		if m.steps > 1_000_000 {
			m.t.Fatalf("execution did not terminate")
		}

		ins := &blk.Code[i]

		switch ins.Op {
		case ir.OpNone:
		case ir.OpMov:
			m.store(ins.Dst, ins.W, m.load(ins.Src, ins.W))
		case ir.OpLea:
			m.store(ins.Dst, 64, m.leaAddr(ins.Src))
		case ir.OpPush:
			m.pushVal(m.load(ins.Src, 64))
		case ir.OpPop:
			m.store(ins.Dst, 64, m.popVal())
		case ir.OpXchg:
			d, s := m.load(ins.Dst, ins.W), m.load(ins.Src, ins.W)
			m.store(ins.Dst, ins.W, s)
			m.store(ins.Src, ins.W, d)

		case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpXor, ir.OpOr:
			r := m.alu(ins.Op, m.load(ins.Dst, ins.W), m.load(ins.Src, ins.W), ins.W)
			m.store(ins.Dst, ins.W, r)
		case ir.OpCmp:
			m.alu(ir.OpSub, m.load(ins.Dst, ins.W), m.load(ins.Src, ins.W), ins.W)
		case ir.OpTest:
			m.alu(ir.OpAnd, m.load(ins.Dst, ins.W), m.load(ins.Src, ins.W), ins.W)

		case ir.OpNot:
			m.store(ins.Dst, ins.W, ^m.load(ins.Dst, ins.W))
		case ir.OpNeg:
			a := m.load(ins.Dst, ins.W)
			r := m.alu(ir.OpSub, 0, a, ins.W)
			m.store(ins.Dst, ins.W, r)

		case ir.OpJmp:
			if ins.Dst.Kind != ir.KBlock {
				m.t.Fatalf("indirect jmp not modeled")
			}

			return ins.Dst.Block, false

		case ir.OpJcc:
			if m.cond(ins.Cc) {
				return ins.Dst.Block, false
			}

			return blk.Succ[1], false

		case ir.OpRet:
			addr := m.popVal()

			if addr >= blockBase && addr < blockVA(ir.BlockID(len(m.f.Blocks))) {
				return ir.BlockID((addr - blockBase) / blockStep), false
			}
			if addr == retStop {
				return 0, true
			}

			m.t.Fatalf("ret to unmapped address %#x", addr)

		case ir.OpInt3, ir.OpUd2:
			m.t.Fatalf("abnormal exit reached")

		default:
			m.t.Fatalf("op %v not modeled", ins.Op)
		}
	}

	if len(blk.Succ) != 1 {
		m.t.Fatalf("block %v fell through with %v successors", b, len(blk.Succ))
	}

	return blk.Succ[0], false
}

func mask(v uint64, w ir.Width) uint64 {
	if w == 64 {
		return v
	}

	return v & (1<<uint(w) - 1)
}

func sign(v uint64, w ir.Width) bool {
	return v>>(uint(w)-1)&1 != 0
}

func (m *machine) alu(op ir.Op, a, b uint64, w ir.Width) uint64 {
	a, b = mask(a, w), mask(b, w)

	var r uint64

	switch op {
	case ir.OpAdd:
		r = mask(a+b, w)
		m.fl.CF = r < a
		m.fl.OF = sign(a, w) == sign(b, w) && sign(r, w) != sign(a, w)
		m.fl.AF = (a^b^r)>>4&1 != 0
	case ir.OpSub:
		r = mask(a-b, w)
		m.fl.CF = a < b
		m.fl.OF = sign(a, w) != sign(b, w) && sign(r, w) != sign(a, w)
		m.fl.AF = (a^b^r)>>4&1 != 0
	case ir.OpAnd:
		r = a & b
		m.fl.CF, m.fl.OF, m.fl.AF = false, false, false
	case ir.OpOr:
		r = a | b
		m.fl.CF, m.fl.OF, m.fl.AF = false, false, false
	case ir.OpXor:
		r = a ^ b
		m.fl.CF, m.fl.OF, m.fl.AF = false, false, false
	}

	m.fl.ZF = r == 0
	m.fl.SF = sign(r, w)
	m.fl.PF = parity(byte(r))

	return r
}

func parity(b byte) bool {
	n := 0
	for ; b != 0; b &= b - 1 {
		n++
	}

	return n%2 == 0
}

func (m *machine) cond(cc ir.Cond) bool {
	f := m.fl

	switch cc {
	case "e":
		return f.ZF
	case "ne":
		return !f.ZF
	case "l":
		return f.SF != f.OF
	case "le":
		return f.ZF || f.SF != f.OF
	case "g":
		return !f.ZF && f.SF == f.OF
	case "ge":
		return f.SF == f.OF
	case "b":
		return f.CF
	case "be":
		return f.CF || f.ZF
	case "a":
		return !f.CF && !f.ZF
	case "ae":
		return !f.CF
	case "s":
		return f.SF
	case "ns":
		return !f.SF
	case "o":
		return f.OF
	case "no":
		return !f.OF
	case "p":
		return f.PF
	case "np":
		return !f.PF
	}

	m.t.Fatalf("condition %q not modeled", cc)

	return false
}

func (m *machine) addr(mo ir.Mem) uint64 {
	if mo.Rip {
		m.t.Fatalf("rip memory not modeled")
	}

	var a uint64

	if mo.Base != ir.RegNone {
		a = m.regs[mo.Base]
	}
	if mo.Index != ir.RegNone {
		sc := uint64(mo.Scale)
		if sc == 0 {
			sc = 1
		}

		a += m.regs[mo.Index] * sc
	}

	return a + uint64(mo.Disp)
}

// leaAddr resolves an address-producing source. Block references get their
// synthetic addresses, which ret maps back to blocks.
func (m *machine) leaAddr(o ir.Operand) uint64 {
	switch o.Kind {
	case ir.KMem:
		return m.addr(o.Mem)
	case ir.KBlock:
		return blockVA(o.Block) - uint64(o.Key)
	}

	m.t.Fatalf("lea source kind %v not modeled", o.Kind)

	return 0
}

func (m *machine) load(o ir.Operand, w ir.Width) uint64 {
	switch o.Kind {
	case ir.KReg:
		return mask(m.regs[o.Reg], w)
	case ir.KImm:
		return mask(uint64(o.Imm), w)
	case ir.KMem:
		return m.read(m.addr(o.Mem), w)
	}

	m.t.Fatalf("operand kind %v not loadable", o.Kind)

	return 0
}

func (m *machine) store(o ir.Operand, w ir.Width, v uint64) {
	switch o.Kind {
	case ir.KReg:
		switch w {
		case 64:
			m.regs[o.Reg] = v
		case 32:
			m.regs[o.Reg] = mask(v, 32)
		default:
			m.regs[o.Reg] = m.regs[o.Reg]&^(1<<uint(w)-1) | mask(v, w)
		}
	case ir.KMem:
		m.write(m.addr(o.Mem), w, v)
	default:
		m.t.Fatalf("operand kind %v not storable", o.Kind)
	}
}

func (m *machine) read(a uint64, w ir.Width) uint64 {
	var v uint64
	for i := 0; i < int(w)/8; i++ {
		v |= uint64(m.mem[a+uint64(i)]) << (8 * i)
	}

	return v
}

func (m *machine) write(a uint64, w ir.Width, v uint64) {
	for i := 0; i < int(w)/8; i++ {
		m.mem[a+uint64(i)] = byte(v >> (8 * i))
	}
}

func (m *machine) pushVal(v uint64) {
	m.regs[ir.RSP] -= 8
	m.write(m.regs[ir.RSP], 64, v)
}

func (m *machine) popVal() uint64 {
	v := m.read(m.regs[ir.RSP], 64)
	m.regs[ir.RSP] += 8

	return v
}
