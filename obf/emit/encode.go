package emit

import (
	"tlog.app/go/errors"

	"github.com/veilware/veil/obf/ir"
)

type (
	// slotKind classifies the 4-byte field the layout phase patches.
	slotKind int

	// encoded is one machine instruction with an optional address slot.
	// Slots always hold rel32/disp32 fields; encodings never shrink, so
	// layout is single-pass.
	encoded struct {
		b []byte

		slot    slotKind
		slotOff int

		block ir.BlockID // slot target when kind is a block
		fn    ir.FuncID  // slot target when kind is a function
		abs   uint64     // slot target as original RVA
		key   int64      // subtracted from the resolved address
	}
)

// All slots patch the same way: the 4-byte field receives
// target - key - next, where next is the address following the instruction.
// The kind only selects where the target address comes from.
const (
	slotNone slotKind = iota

	slotRel      // original RVA in abs
	slotRelBlock // block of the same function
	slotRelFunc  // another lifted function, abs as fallback

	slotRip      // RIP-relative data reference, original RVA in abs
	slotRipBlock
	slotRipFunc
)

const (
	rexW = 0x08
	rexR = 0x04
	rexX = 0x02
	rexB = 0x01
)

var arith = map[ir.Op]struct{ mr, rm, digit byte }{
	ir.OpAdd: {0x01, 0x03, 0},
	ir.OpOr:  {0x09, 0x0b, 1},
	ir.OpAnd: {0x21, 0x23, 4},
	ir.OpSub: {0x29, 0x2b, 5},
	ir.OpXor: {0x31, 0x33, 6},
	ir.OpCmp: {0x39, 0x3b, 7},
}

var ccBits = map[ir.Cond]byte{
	"o": 0x0, "no": 0x1, "b": 0x2, "ae": 0x3,
	"e": 0x4, "ne": 0x5, "be": 0x6, "a": 0x7,
	"s": 0x8, "ns": 0x9, "p": 0xa, "np": 0xb,
	"l": 0xc, "ge": 0xd, "le": 0xe, "g": 0xf,
}

// encode lowers one instruction to bytes. Address slots are left zeroed for
// the layout phase.
func encode(ins *ir.Instr) (encoded, error) {
	switch ins.Op {
	case ir.OpRaw:
		e := encoded{b: ins.Raw}
		if ins.Fix != nil {
			e.slot = slotRip
			e.slotOff = ins.Fix.Off
			e.abs = ins.Fix.Target
		}

		return e, nil

	case ir.OpRet:
		if ins.Dst.Kind == ir.KImm {
			return encoded{b: []byte{0xc2, byte(ins.Dst.Imm), byte(ins.Dst.Imm >> 8)}}, nil
		}

		return encoded{b: []byte{0xc3}}, nil

	case ir.OpInt3:
		return encoded{b: []byte{0xcc}}, nil
	case ir.OpUd2:
		return encoded{b: []byte{0x0f, 0x0b}}, nil

	case ir.OpJmp:
		return encodeJmp(ins)
	case ir.OpJcc:
		return encodeJcc(ins)
	case ir.OpCall:
		return encodeCall(ins)

	case ir.OpPush:
		if ins.Src.Kind == ir.KImm {
			return encodePushImm(ins)
		}

		return encodeStack(ins.Src, ins.W, 0x50)
	case ir.OpPop:
		return encodeStack(ins.Dst, ins.W, 0x58)

	case ir.OpLea:
		return encodeLea(ins)
	case ir.OpMov:
		return encodeMov(ins)
	case ir.OpXchg:
		return encodeRM(ins, pick8(ins.W, 0x86, 0x87), ins.Dst, ins.Src)

	case ir.OpNot:
		return encodeUnary(ins, 2)
	case ir.OpNeg:
		return encodeUnary(ins, 3)

	case ir.OpTest:
		return encodeTest(ins)

	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpXor, ir.OpOr, ir.OpCmp:
		return encodeArith(ins)
	}

	return encoded{}, errors.New("unencodable op %v", ins.Op)
}

func pick8(w ir.Width, b8, b byte) byte {
	if w == 8 {
		return b8
	}

	return b
}

func le32(v int32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func immBytes(v int64, w ir.Width) []byte {
	switch w {
	case 8:
		return []byte{byte(v)}
	case 16:
		return []byte{byte(v), byte(v >> 8)}
	default:
		return le32(int32(v))
	}
}

// assemble lays out prefixes, REX, opcode and tail. rex is the bit nibble;
// force emits an empty REX, which 8-bit access to spl/bpl/sil/dil requires.
func assemble(w ir.Width, rex byte, force bool, opcode []byte, tail, imm []byte) []byte {
	b := make([]byte, 0, 16)

	if w == 16 {
		b = append(b, 0x66)
	}
	if w == 64 {
		rex |= rexW
	}
	if rex != 0 || force {
		b = append(b, 0x40|rex)
	}

	b = append(b, opcode...)
	b = append(b, tail...)
	b = append(b, imm...)

	return b
}

func rex8(w ir.Width, rs ...ir.Reg) bool {
	if w != 8 {
		return false
	}

	for _, r := range rs {
		if r >= ir.RSP && r <= ir.RDI {
			return true
		}
	}

	return false
}

// memModRM encodes the ModRM byte (with reg as the middle field), optional
// SIB and displacement for a memory operand. RIP-relative forms return a
// zeroed disp32 and rip=true.
func memModRM(reg byte, m ir.Mem) (rex byte, tail []byte, rip bool, err error) {
	if m.Rip {
		return 0, append([]byte{reg<<3 | 0x05}, 0, 0, 0, 0), true, nil
	}

	if m.Index == ir.RSP {
		return 0, nil, false, errors.New("rsp cannot index")
	}

	base, idx := m.Base, m.Index
	disp := m.Disp

	var mod byte
	var dispBytes []byte

	switch {
	case base == ir.RegNone:
		mod = 0
		dispBytes = le32(int32(disp))
	case disp == 0 && base&7 != 5:
		mod = 0
	case disp == int64(int8(disp)):
		mod = 1
		dispBytes = []byte{byte(disp)}
	default:
		if disp != int64(int32(disp)) {
			return 0, nil, false, errors.New("displacement out of range: %x", disp)
		}

		mod = 2
		dispBytes = le32(int32(disp))
	}

	needSIB := idx != ir.RegNone || base == ir.RegNone || base&7 == 4

	if !needSIB {
		if base >= ir.R8 {
			rex |= rexB
		}

		return rex, append([]byte{mod<<6 | reg<<3 | byte(base&7)}, dispBytes...), false, nil
	}

	ib := byte(4)
	if idx != ir.RegNone {
		ib = byte(idx & 7)
		if idx >= ir.R8 {
			rex |= rexX
		}
	}

	bb := byte(5)
	if base != ir.RegNone {
		bb = byte(base & 7)
		if base >= ir.R8 {
			rex |= rexB
		}
	}

	var ss byte
	switch m.Scale {
	case 0, 1:
		ss = 0
	case 2:
		ss = 1
	case 4:
		ss = 2
	case 8:
		ss = 3
	default:
		return 0, nil, false, errors.New("bad scale %v", m.Scale)
	}

	tail = append([]byte{mod<<6 | reg<<3 | 4, ss<<6 | ib<<3 | bb}, dispBytes...)

	return rex, tail, false, nil
}

// rmOperand encodes reg-field + r/m-operand into rex bits and modrm tail.
func rmOperand(reg ir.Reg, rm ir.Operand) (rex byte, tail []byte, rip bool, err error) {
	var rb byte
	if reg != ir.RegNone {
		rb = byte(reg & 7)
		if reg >= ir.R8 {
			rex |= rexR
		}
	}

	switch rm.Kind {
	case ir.KReg:
		if rm.Reg >= ir.R8 {
			rex |= rexB
		}

		return rex, []byte{0xc0 | rb<<3 | byte(rm.Reg&7)}, false, nil

	case ir.KMem:
		mrex, mt, rip, err := memModRM(rb, rm.Mem)

		return rex | mrex, mt, rip, err
	}

	return 0, nil, false, errors.New("bad r/m operand kind")
}

// digitOperand is rmOperand with an opcode extension in the reg field.
func digitOperand(digit byte, rm ir.Operand) (rex byte, tail []byte, rip bool, err error) {
	switch rm.Kind {
	case ir.KReg:
		var rex byte
		if rm.Reg >= ir.R8 {
			rex |= rexB
		}

		return rex, []byte{0xc0 | digit<<3 | byte(rm.Reg&7)}, false, nil

	case ir.KMem:
		return memModRM(digit, rm.Mem)
	}

	return 0, nil, false, errors.New("bad r/m operand kind")
}

// finish assembles the parts and, for RIP-relative operands, records the
// disp32 slot. The displacement sits right before the trailing immediate.
func finish(ins *ir.Instr, w ir.Width, rex byte, force bool, opcode, tail, imm []byte, rip bool, mo *ir.Operand) encoded {
	e := encoded{b: assemble(w, rex, force, opcode, tail, imm)}

	if rip {
		e.slot = slotRip
		e.slotOff = len(e.b) - len(imm) - 4
		e.abs = uint64(mo.Mem.Disp)
		e.key = mo.Key
	}

	return e
}

func encodeArith(ins *ir.Instr) (encoded, error) {
	op := arith[ins.Op]

	switch {
	case ins.Src.Kind == ir.KImm:
		return encodeImmForm(ins, 0x80, 0x81, 0x83, op.digit, true)

	case ins.Dst.Kind == ir.KReg && ins.Src.Kind == ir.KMem:
		rex, tail, rip, err := rmOperand(ins.Dst.Reg, ins.Src)
		if err != nil {
			return encoded{}, err
		}

		force := rex8(ins.W, ins.Dst.Reg)

		return finish(ins, ins.W, rex, force, []byte{pick8(ins.W, op.rm-1, op.rm)}, tail, nil, rip, &ins.Src), nil

	case ins.Src.Kind == ir.KReg:
		rex, tail, rip, err := rmOperand(ins.Src.Reg, ins.Dst)
		if err != nil {
			return encoded{}, err
		}

		force := rex8(ins.W, ins.Src.Reg, ins.Dst.Reg)

		return finish(ins, ins.W, rex, force, []byte{pick8(ins.W, op.mr-1, op.mr)}, tail, nil, rip, &ins.Dst), nil
	}

	return encoded{}, errors.New("%v: bad operand combination", ins.Op)
}

// encodeImmForm handles the `op r/m, imm` group encodings, optionally using
// the sign-extended imm8 short form.
func encodeImmForm(ins *ir.Instr, op8, op, opShort, digit byte, short bool) (encoded, error) {
	rex, tail, rip, err := digitOperand(digit, ins.Dst)
	if err != nil {
		return encoded{}, err
	}

	v := ins.Src.Imm
	force := ins.Dst.Kind == ir.KReg && rex8(ins.W, ins.Dst.Reg)

	if ins.W == 8 {
		return finish(ins, 8, rex, force, []byte{op8}, tail, []byte{byte(v)}, rip, &ins.Dst), nil
	}

	if short && v == int64(int8(v)) {
		return finish(ins, ins.W, rex, force, []byte{opShort}, tail, []byte{byte(v)}, rip, &ins.Dst), nil
	}

	if ins.W == 64 && v != int64(int32(v)) {
		return encoded{}, errors.New("immediate out of range: %x", v)
	}

	return finish(ins, ins.W, rex, force, []byte{op}, tail, immBytes(v, ins.W), rip, &ins.Dst), nil
}

func encodeTest(ins *ir.Instr) (encoded, error) {
	if ins.Src.Kind == ir.KImm {
		return encodeImmForm(ins, 0xf6, 0xf7, 0, 0, false)
	}

	if ins.Src.Kind != ir.KReg {
		return encoded{}, errors.New("test: bad operands")
	}

	rex, tail, rip, err := rmOperand(ins.Src.Reg, ins.Dst)
	if err != nil {
		return encoded{}, err
	}

	force := rex8(ins.W, ins.Src.Reg, ins.Dst.Reg)

	return finish(ins, ins.W, rex, force, []byte{pick8(ins.W, 0x84, 0x85)}, tail, nil, rip, &ins.Dst), nil
}

func encodeUnary(ins *ir.Instr, digit byte) (encoded, error) {
	rex, tail, rip, err := digitOperand(digit, ins.Dst)
	if err != nil {
		return encoded{}, err
	}

	force := ins.Dst.Kind == ir.KReg && rex8(ins.W, ins.Dst.Reg)

	return finish(ins, ins.W, rex, force, []byte{pick8(ins.W, 0xf6, 0xf7)}, tail, nil, rip, &ins.Dst), nil
}

func encodeMov(ins *ir.Instr) (encoded, error) {
	switch {
	case ins.Src.Kind == ir.KImm:
		v := ins.Src.Imm

		if ins.W == 64 && ins.Dst.Kind == ir.KReg && v != int64(int32(v)) {
			var rex byte
			if ins.Dst.Reg >= ir.R8 {
				rex |= rexB
			}

			b := assemble(64, rex, false, []byte{0xb8 + byte(ins.Dst.Reg&7)}, nil, nil)
			for i := 0; i < 8; i++ {
				b = append(b, byte(uint64(v)>>(8*i)))
			}

			return encoded{b: b}, nil
		}

		return encodeImmForm(ins, 0xc6, 0xc7, 0, 0, false)

	case ins.Dst.Kind == ir.KReg && ins.Src.Kind == ir.KMem:
		rex, tail, rip, err := rmOperand(ins.Dst.Reg, ins.Src)
		if err != nil {
			return encoded{}, err
		}

		force := rex8(ins.W, ins.Dst.Reg)

		return finish(ins, ins.W, rex, force, []byte{pick8(ins.W, 0x8a, 0x8b)}, tail, nil, rip, &ins.Src), nil

	case ins.Src.Kind == ir.KReg:
		rex, tail, rip, err := rmOperand(ins.Src.Reg, ins.Dst)
		if err != nil {
			return encoded{}, err
		}

		force := rex8(ins.W, ins.Src.Reg, ins.Dst.Reg)

		return finish(ins, ins.W, rex, force, []byte{pick8(ins.W, 0x88, 0x89)}, tail, nil, rip, &ins.Dst), nil
	}

	return encoded{}, errors.New("mov: bad operand combination")
}

// encodeRM is the generic `op r/m, r` form used by xchg. Operands commute;
// the memory side goes into r/m.
func encodeRM(ins *ir.Instr, op byte, dst, src ir.Operand) (encoded, error) {
	rm, reg := dst, src

	if rm.Kind == ir.KReg && reg.Kind == ir.KMem {
		rm, reg = reg, rm
	}

	if reg.Kind != ir.KReg {
		return encoded{}, errors.New("xchg: bad operands")
	}

	rex, tail, rip, err := rmOperand(reg.Reg, rm)
	if err != nil {
		return encoded{}, err
	}

	force := rex8(ins.W, reg.Reg)

	return finish(ins, ins.W, rex, force, []byte{op}, tail, nil, rip, &rm), nil
}

func encodeLea(ins *ir.Instr) (encoded, error) {
	if ins.Dst.Kind != ir.KReg {
		return encoded{}, errors.New("lea: destination must be a register")
	}

	// block and function references materialize RIP-relatively
	if ins.Src.Kind == ir.KBlock || ins.Src.Kind == ir.KFunc {
		rex, tail, _, err := rmOperand(ins.Dst.Reg, ir.MemOp(ir.Mem{Rip: true, Base: ir.RegNone, Index: ir.RegNone}))
		if err != nil {
			return encoded{}, err
		}

		e := encoded{b: assemble(64, rex, false, []byte{0x8d}, tail, nil)}
		e.slotOff = len(e.b) - 4
		e.key = ins.Src.Key

		if ins.Src.Kind == ir.KBlock {
			e.slot = slotRipBlock
			e.block = ins.Src.Block
		} else {
			e.slot = slotRipFunc
			e.fn = ins.Src.Func
			e.abs = uint64(ins.Src.Imm)
		}

		return e, nil
	}

	if ins.Src.Kind != ir.KMem {
		return encoded{}, errors.New("lea: source must be memory")
	}

	rex, tail, rip, err := rmOperand(ins.Dst.Reg, ins.Src)
	if err != nil {
		return encoded{}, err
	}

	return finish(ins, ins.W, rex, false, []byte{0x8d}, tail, nil, rip, &ins.Src), nil
}

// encodePushImm is push imm8/imm32, sign-extended to the stack width.
func encodePushImm(ins *ir.Instr) (encoded, error) {
	v := ins.Src.Imm

	if ins.W == 16 {
		if v != int64(int16(v)) {
			return encoded{}, errors.New("push: imm %x exceeds 16 bits", v)
		}

		return encoded{b: []byte{0x66, 0x68, byte(v), byte(v >> 8)}}, nil
	}

	if v == int64(int8(v)) {
		return encoded{b: []byte{0x6a, byte(v)}}, nil
	}

	if v != int64(int32(v)) {
		return encoded{}, errors.New("push: imm %x exceeds 32 bits", v)
	}

	return encoded{b: append([]byte{0x68}, le32(int32(v))...)}, nil
}

func encodeStack(o ir.Operand, w ir.Width, base byte) (encoded, error) {
	if o.Kind != ir.KReg {
		return encoded{}, errors.New("push/pop: register only")
	}

	var rex byte
	if o.Reg >= ir.R8 {
		rex |= rexB
	}

	b := make([]byte, 0, 4)

	if w == 16 {
		b = append(b, 0x66)
	}
	if rex != 0 {
		b = append(b, 0x40|rex)
	}

	b = append(b, base+byte(o.Reg&7))

	return encoded{b: b}, nil
}

// branchTarget fills the slot target fields from a transfer operand.
func branchTarget(e *encoded, o *ir.Operand) error {
	switch o.Kind {
	case ir.KBlock:
		e.slot = slotRelBlock
		e.block = o.Block
	case ir.KFunc:
		e.slot = slotRelFunc
		e.fn = o.Func
		e.abs = uint64(o.Imm)
	case ir.KImm:
		e.slot = slotRel
		e.abs = uint64(o.Imm)
	default:
		return errors.New("bad transfer target kind")
	}

	e.key = o.Key

	return nil
}

func encodeJmp(ins *ir.Instr) (encoded, error) {
	switch ins.Dst.Kind {
	case ir.KReg, ir.KMem:
		rex, tail, rip, err := digitOperand(4, ins.Dst)
		if err != nil {
			return encoded{}, err
		}

		// 64-bit default, no REX.W
		return finish(ins, 32, rex, false, []byte{0xff}, tail, nil, rip, &ins.Dst), nil
	}

	e := encoded{b: []byte{0xe9, 0, 0, 0, 0}, slotOff: 1}

	err := branchTarget(&e, &ins.Dst)

	return e, err
}

func encodeJcc(ins *ir.Instr) (encoded, error) {
	cc, ok := ccBits[ins.Cc]
	if !ok {
		return encoded{}, errors.New("bad condition %q", ins.Cc)
	}

	e := encoded{b: []byte{0x0f, 0x80 + cc, 0, 0, 0, 0}, slotOff: 2}

	err := branchTarget(&e, &ins.Dst)

	return e, err
}

func encodeCall(ins *ir.Instr) (encoded, error) {
	switch ins.Dst.Kind {
	case ir.KReg, ir.KMem:
		rex, tail, rip, err := digitOperand(2, ins.Dst)
		if err != nil {
			return encoded{}, err
		}

		return finish(ins, 32, rex, false, []byte{0xff}, tail, nil, rip, &ins.Dst), nil
	}

	e := encoded{b: []byte{0xe8, 0, 0, 0, 0}, slotOff: 1}

	err := branchTarget(&e, &ins.Dst)

	return e, err
}
