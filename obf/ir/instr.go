package ir

type (
	Op int

	// Cond is a branch condition in x86 mnemonic form: e, ne, l, le, g,
	// ge, b, be, a, ae, s, ns, o, no, p, np.
	Cond string

	Reg int

	OpndKind int

	Mem struct {
		Base  Reg
		Index Reg
		Scale byte
		Disp  int64

		// Rip marks a RIP-relative reference; Disp then holds the
		// target RVA, not an encoding displacement.
		Rip bool
	}

	Operand struct {
		Kind OpndKind

		Reg   Reg
		Imm   int64
		Mem   Mem
		Block BlockID
		Func  FuncID

		// Key, when non-zero on a Block or Func operand used as an
		// immediate, makes the emitter materialize resolvedVA - Key
		// instead of the address itself. Reference and control-flow
		// obscuring rely on it.
		Key int64
	}

	Instr struct {
		Op Op
		W  Width
		Cc Cond // condition for Jcc

		Dst Operand
		Src Operand

		// Raw carries the original encoding of instructions outside the
		// modeled semantic classes. Fix records a RIP-relative slot
		// inside it that the emitter must re-displace.
		Raw []byte
		Fix *Fixup

		RVA uint64 // original address, metadata only
	}

	Fixup struct {
		Off    int    // displacement offset within Raw
		Target uint64 // referenced RVA
	}

	// RegSet is a bitset over the 16 general-purpose registers.
	RegSet uint32
)

const (
	OpNone Op = iota

	// arithmetic; Dst is both input and output
	OpAdd
	OpSub
	OpAnd
	OpXor
	OpOr
	OpNot // unary
	OpNeg // unary

	// data movement
	OpMov
	OpLea
	OpPush
	OpPop
	OpXchg

	// compare
	OpCmp
	OpTest

	// control transfer
	OpJmp
	OpJcc
	OpCall
	OpRet

	// abnormal exits
	OpInt3
	OpUd2

	// undecoded passthrough
	OpRaw
)

const (
	KNone OpndKind = iota
	KReg
	KImm
	KMem
	KBlock
	KFunc
)

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	RegNone Reg = -1
)

func (o Op) IsTransfer() bool {
	switch o {
	case OpJmp, OpJcc, OpCall, OpRet:
		return true
	}

	return false
}

// IsExit reports ops that legally terminate a block with no successors.
func (o Op) IsExit() bool {
	switch o {
	case OpRet, OpInt3, OpUd2:
		return true
	}

	return false
}

// WritesFlags reports whether the op redefines the full arithmetic flag set.
// NOT and plain moves leave flags alone; everything arithmetic rewrites all
// of CF/OF/SF/ZF/AF/PF.
func (o Op) WritesFlags() bool {
	switch o {
	case OpAdd, OpSub, OpAnd, OpXor, OpOr, OpNeg, OpCmp, OpTest:
		return true
	}

	return false
}

func (o Op) ReadsFlags() bool { return o == OpJcc }

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}

	return "op?"
}

var opNames = []string{
	"none", "add", "sub", "and", "xor", "or", "not", "neg",
	"mov", "lea", "push", "pop", "xchg",
	"cmp", "test",
	"jmp", "jcc", "call", "ret",
	"int3", "ud2",
	"raw",
}

func RegOp(r Reg) Operand        { return Operand{Kind: KReg, Reg: r} }
func ImmOp(v int64) Operand      { return Operand{Kind: KImm, Imm: v} }
func MemOp(m Mem) Operand        { return Operand{Kind: KMem, Mem: m} }
func BlockOp(b BlockID) Operand  { return Operand{Kind: KBlock, Block: b} }
func FuncRef(fn FuncID) Operand  { return Operand{Kind: KFunc, Func: fn} }

// Regs returns the registers an operand mentions (value or address parts).
func (o Operand) Regs() RegSet {
	var s RegSet

	switch o.Kind {
	case KReg:
		s.Add(o.Reg)
	case KMem:
		if o.Mem.Base != RegNone && !o.Mem.Rip {
			s.Add(o.Mem.Base)
		}
		if o.Mem.Index != RegNone {
			s.Add(o.Mem.Index)
		}
	}

	return s
}

// SPBased reports stack-pointer-relative memory operands. Rewrites that push
// temporaries must adjust or avoid these sites.
func (o Operand) SPBased() bool {
	return o.Kind == KMem && !o.Mem.Rip && (o.Mem.Base == RSP || o.Mem.Index == RSP)
}

func (s *RegSet) Add(r Reg) {
	if r >= 0 {
		*s |= 1 << uint(r)
	}
}

func (s *RegSet) Remove(r Reg)    { *s &^= 1 << uint(r) }
func (s RegSet) Has(r Reg) bool   { return r >= 0 && s&(1<<uint(r)) != 0 }
func (s *RegSet) Merge(x RegSet)  { *s |= x }
func (s RegSet) Empty() bool      { return s == 0 }

// Uses returns registers the instruction reads.
func (i *Instr) Uses() RegSet {
	var s RegSet

	switch i.Op {
	case OpNone, OpRet, OpInt3, OpUd2:
		return s
	case OpRaw:
		// unmodeled: assume everything
		return ^RegSet(0)
	case OpMov, OpLea, OpPush:
		s.Merge(i.Src.Regs())
		if i.Dst.Kind == KMem {
			s.Merge(i.Dst.Regs())
		}
	case OpPop:
		if i.Dst.Kind == KMem {
			s.Merge(i.Dst.Regs())
		}
	case OpNot, OpNeg:
		s.Merge(i.Dst.Regs())
		if i.Dst.Kind == KReg {
			s.Add(i.Dst.Reg)
		}
	case OpJmp, OpJcc, OpCall:
		s.Merge(i.Dst.Regs())
	case OpXchg:
		s.Merge(i.Dst.Regs())
		s.Merge(i.Src.Regs())
		if i.Dst.Kind == KReg {
			s.Add(i.Dst.Reg)
		}
		if i.Src.Kind == KReg {
			s.Add(i.Src.Reg)
		}
	default: // two-operand arithmetic and compares read both sides
		s.Merge(i.Src.Regs())
		s.Merge(i.Dst.Regs())
		if i.Dst.Kind == KReg {
			s.Add(i.Dst.Reg)
		}
	}

	if i.Op == OpPush || i.Op == OpPop || i.Op == OpCall || i.Op == OpRet {
		s.Add(RSP)
	}

	return s
}

// Defs returns registers the instruction writes.
func (i *Instr) Defs() RegSet {
	var s RegSet

	switch i.Op {
	case OpRaw:
		return ^RegSet(0)
	case OpMov, OpLea, OpPop, OpNot, OpNeg, OpAdd, OpSub, OpAnd, OpXor, OpOr:
		if i.Dst.Kind == KReg {
			s.Add(i.Dst.Reg)
		}
	case OpXchg:
		if i.Dst.Kind == KReg {
			s.Add(i.Dst.Reg)
		}
		if i.Src.Kind == KReg {
			s.Add(i.Src.Reg)
		}
	case OpCall:
		// volatile set is conv-dependent; assume caller-saved gone
		s.Add(RAX)
		s.Add(RCX)
		s.Add(RDX)
		s.Add(R8)
		s.Add(R9)
		s.Add(R10)
		s.Add(R11)
	}

	if i.Op == OpPush || i.Op == OpPop || i.Op == OpCall {
		s.Add(RSP)
	}

	return s
}

// WritesMem reports whether the instruction may store to memory.
func (i *Instr) WritesMem() bool {
	switch i.Op {
	case OpPush, OpCall, OpRaw:
		return true
	case OpMov, OpAdd, OpSub, OpAnd, OpXor, OpOr, OpNot, OpNeg, OpXchg:
		return i.Dst.Kind == KMem
	}

	return false
}
