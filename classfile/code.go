package classfile

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/SwitchGDX/clearwing-vm/fault"
)

// ---------------------------------------------------------------------------
// Instruction stream
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode instruction. Offset is the byte
// position in the original code array, so exception handlers and branch
// targets reference instructions directly. Operand fields are populated
// according to the opcode; unused fields stay zero.
type Instruction struct {
	Offset int
	Op     Opcode

	Index   int         // local index (loads/stores/iinc/ret), array-type code (newarray), dimension count (multianewarray)
	Value   int         // immediate constant (bipush/sipush), iinc delta
	Const   interface{} // ldc family constant
	Ref     string      // referenced type name (new/anewarray/checkcast/instanceof/multianewarray)
	Member  MemberRef   // field/method reference for access and invoke opcodes
	Target  int         // branch target offset
	Targets []int       // switch case targets, in key order
	Keys    []int32     // switch case keys (tableswitch: low..high; lookupswitch: match values)
	Default int         // switch default target
	Wide    bool        // decoded under a wide prefix
}

// String renders the instruction for diagnostics.
func (in Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%4d: %s", in.Offset, in.Op)
	switch in.Op {
	case OpBipush, OpSipush:
		fmt.Fprintf(&b, " %d", in.Value)
	case OpLdc, OpLdcW, OpLdc2W:
		fmt.Fprintf(&b, " %v", in.Const)
	case OpIload, OpLload, OpFload, OpDload, OpAload,
		OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet:
		fmt.Fprintf(&b, " %d", in.Index)
	case OpIinc:
		fmt.Fprintf(&b, " %d %d", in.Index, in.Value)
	case OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
		OpInvokevirtual, OpInvokespecial, OpInvokestatic, OpInvokeinterface:
		fmt.Fprintf(&b, " %s.%s%s", in.Member.Class, in.Member.Name, in.Member.Desc)
	case OpNew, OpAnewarray, OpCheckcast, OpInstanceof:
		fmt.Fprintf(&b, " %s", in.Ref)
	case OpTableswitch, OpLookupswitch:
		fmt.Fprintf(&b, " default=%d cases=%d", in.Default, len(in.Targets))
	default:
		if in.Op.IsBranch() {
			fmt.Fprintf(&b, " %d", in.Target)
		}
	}
	return b.String()
}

// Disassemble renders an instruction stream one mnemonic per line.
func Disassemble(insts []Instruction) string {
	var b strings.Builder
	for _, in := range insts {
		b.WriteString(in.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

// DecodeCode decodes a raw code array into an ordered instruction stream in
// one linear pass. Branch targets are converted to absolute byte offsets.
func DecodeCode(class, method string, pool *ConstPool, code []byte) ([]Instruction, error) {
	var insts []Instruction
	off := 0

	bad := func(format string, args ...interface{}) error {
		return fault.At(fault.MalformedInput, class, method, off, format, args...)
	}
	need := func(n int) error {
		if off+n > len(code) {
			return bad("truncated instruction")
		}
		return nil
	}
	u1 := func(at int) int { return int(code[at]) }
	s1 := func(at int) int { return int(int8(code[at])) }
	u2at := func(at int) int { return int(binary.BigEndian.Uint16(code[at:])) }
	s2at := func(at int) int { return int(int16(binary.BigEndian.Uint16(code[at:]))) }
	s4at := func(at int) int { return int(int32(binary.BigEndian.Uint32(code[at:]))) }

	for off < len(code) {
		start := off
		op := Opcode(code[off])
		off++
		in := Instruction{Offset: start, Op: op}

		switch op {
		// No operands.
		case OpNop, OpAconstNull,
			OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5,
			OpLconst0, OpLconst1, OpFconst0, OpFconst1, OpFconst2, OpDconst0, OpDconst1,
			OpIaload, OpLaload, OpFaload, OpDaload, OpAaload, OpBaload, OpCaload, OpSaload,
			OpIastore, OpLastore, OpFastore, OpDastore, OpAastore, OpBastore, OpCastore, OpSastore,
			OpPop, OpPop2, OpDup, OpDupX1, OpDupX2, OpDup2, OpDup2X1, OpDup2X2, OpSwap,
			OpIadd, OpLadd, OpFadd, OpDadd, OpIsub, OpLsub, OpFsub, OpDsub,
			OpImul, OpLmul, OpFmul, OpDmul, OpIdiv, OpLdiv, OpFdiv, OpDdiv,
			OpIrem, OpLrem, OpFrem, OpDrem, OpIneg, OpLneg, OpFneg, OpDneg,
			OpIshl, OpLshl, OpIshr, OpLshr, OpIushr, OpLushr,
			OpIand, OpLand, OpIor, OpLor, OpIxor, OpLxor,
			OpI2l, OpI2f, OpI2d, OpL2i, OpL2f, OpL2d, OpF2i, OpF2l, OpF2d,
			OpD2i, OpD2l, OpD2f, OpI2b, OpI2c, OpI2s,
			OpLcmp, OpFcmpl, OpFcmpg, OpDcmpl, OpDcmpg,
			OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn, OpReturn,
			OpArraylength, OpAthrow, OpMonitorenter, OpMonitorexit:
			// nothing to decode

		// Shorthand register forms decode to their long form with a fixed
		// index so downstream passes handle one shape.
		case OpIload0, OpIload1, OpIload2, OpIload3:
			in.Op, in.Index = OpIload, int(op-OpIload0)
		case OpLload0, OpLload1, OpLload2, OpLload3:
			in.Op, in.Index = OpLload, int(op-OpLload0)
		case OpFload0, OpFload1, OpFload2, OpFload3:
			in.Op, in.Index = OpFload, int(op-OpFload0)
		case OpDload0, OpDload1, OpDload2, OpDload3:
			in.Op, in.Index = OpDload, int(op-OpDload0)
		case OpAload0, OpAload1, OpAload2, OpAload3:
			in.Op, in.Index = OpAload, int(op-OpAload0)
		case OpIstore0, OpIstore1, OpIstore2, OpIstore3:
			in.Op, in.Index = OpIstore, int(op-OpIstore0)
		case OpLstore0, OpLstore1, OpLstore2, OpLstore3:
			in.Op, in.Index = OpLstore, int(op-OpLstore0)
		case OpFstore0, OpFstore1, OpFstore2, OpFstore3:
			in.Op, in.Index = OpFstore, int(op-OpFstore0)
		case OpDstore0, OpDstore1, OpDstore2, OpDstore3:
			in.Op, in.Index = OpDstore, int(op-OpDstore0)
		case OpAstore0, OpAstore1, OpAstore2, OpAstore3:
			in.Op, in.Index = OpAstore, int(op-OpAstore0)

		case OpBipush:
			if err := need(1); err != nil {
				return nil, err
			}
			in.Value = s1(off)
			off++
		case OpSipush:
			if err := need(2); err != nil {
				return nil, err
			}
			in.Value = s2at(off)
			off += 2

		case OpLdc:
			if err := need(1); err != nil {
				return nil, err
			}
			c, err := pool.Constant(uint16(u1(off)))
			if err != nil {
				return nil, err
			}
			in.Const = c
			off++
		case OpLdcW, OpLdc2W:
			if err := need(2); err != nil {
				return nil, err
			}
			c, err := pool.Constant(uint16(u2at(off)))
			if err != nil {
				return nil, err
			}
			in.Const = c
			off += 2

		case OpIload, OpLload, OpFload, OpDload, OpAload,
			OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet:
			if err := need(1); err != nil {
				return nil, err
			}
			in.Index = u1(off)
			off++

		case OpIinc:
			if err := need(2); err != nil {
				return nil, err
			}
			in.Index = u1(off)
			in.Value = s1(off + 1)
			off += 2

		case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle,
			OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple,
			OpIfAcmpeq, OpIfAcmpne, OpGoto, OpJsr, OpIfnull, OpIfnonnull:
			if err := need(2); err != nil {
				return nil, err
			}
			in.Target = start + s2at(off)
			off += 2

		case OpGotoW, OpJsrW:
			if err := need(4); err != nil {
				return nil, err
			}
			in.Target = start + s4at(off)
			off += 4
			// Normalize to the short form; targets are already absolute.
			if op == OpGotoW {
				in.Op = OpGoto
			} else {
				in.Op = OpJsr
			}

		case OpTableswitch:
			off = (off + 3) &^ 3 // 4-byte alignment padding from the method start
			if err := need(12); err != nil {
				return nil, err
			}
			in.Default = start + s4at(off)
			low := s4at(off + 4)
			high := s4at(off + 8)
			off += 12
			if low > high {
				return nil, bad("tableswitch low %d > high %d", low, high)
			}
			n := high - low + 1
			if err := need(4 * n); err != nil {
				return nil, err
			}
			in.Keys = make([]int32, n)
			in.Targets = make([]int, n)
			for i := 0; i < n; i++ {
				in.Keys[i] = int32(low + i)
				in.Targets[i] = start + s4at(off)
				off += 4
			}

		case OpLookupswitch:
			off = (off + 3) &^ 3
			if err := need(8); err != nil {
				return nil, err
			}
			in.Default = start + s4at(off)
			n := s4at(off + 4)
			off += 8
			if n < 0 {
				return nil, bad("lookupswitch with %d pairs", n)
			}
			if err := need(8 * n); err != nil {
				return nil, err
			}
			in.Keys = make([]int32, n)
			in.Targets = make([]int, n)
			for i := 0; i < n; i++ {
				in.Keys[i] = int32(s4at(off))
				in.Targets[i] = start + s4at(off+4)
				off += 8
			}

		case OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
			OpInvokevirtual, OpInvokespecial, OpInvokestatic:
			if err := need(2); err != nil {
				return nil, err
			}
			ref, err := pool.Member(uint16(u2at(off)))
			if err != nil {
				return nil, err
			}
			in.Member = ref
			off += 2

		case OpInvokeinterface:
			if err := need(4); err != nil {
				return nil, err
			}
			ref, err := pool.Member(uint16(u2at(off)))
			if err != nil {
				return nil, err
			}
			in.Member = ref
			off += 4 // count and zero bytes carry no information

		case OpInvokedynamic:
			return nil, fault.At(fault.Unsupported, class, method, start,
				"invokedynamic call sites are not modeled")

		case OpNew, OpAnewarray, OpCheckcast, OpInstanceof:
			if err := need(2); err != nil {
				return nil, err
			}
			name, err := pool.ClassName(uint16(u2at(off)))
			if err != nil {
				return nil, err
			}
			in.Ref = name
			off += 2

		case OpNewarray:
			if err := need(1); err != nil {
				return nil, err
			}
			in.Index = u1(off)
			off++

		case OpMultianewarray:
			if err := need(3); err != nil {
				return nil, err
			}
			name, err := pool.ClassName(uint16(u2at(off)))
			if err != nil {
				return nil, err
			}
			in.Ref = name
			in.Index = u1(off + 2)
			off += 3

		case OpWide:
			if err := need(1); err != nil {
				return nil, err
			}
			wop := Opcode(code[off])
			off++
			in.Op = wop
			in.Wide = true
			switch wop {
			case OpIload, OpLload, OpFload, OpDload, OpAload,
				OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet:
				if err := need(2); err != nil {
					return nil, err
				}
				in.Index = u2at(off)
				off += 2
			case OpIinc:
				if err := need(4); err != nil {
					return nil, err
				}
				in.Index = u2at(off)
				in.Value = s2at(off + 2)
				off += 4
			default:
				return nil, bad("wide prefix on %s", wop)
			}

		default:
			return nil, bad("unknown opcode 0x%02x", byte(op))
		}

		insts = append(insts, in)
	}
	return insts, nil
}
