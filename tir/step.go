package tir

import (
	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// step applies one instruction's type effect to a dataflow frame. It is the
// type-only mirror of the expression-building walk in lower.go; the two must
// agree on every opcode's stack shape.
func (tf *typeflow) step(fr *frame, in classfile.Instruction) error {
	pop := func(n int) error {
		for i := 0; i < n; i++ {
			if _, ok := fr.pop(); !ok {
				return tf.fail(in.Offset, "stack underflow on %s", in.Op)
			}
		}
		return nil
	}

	switch in.Op {
	case classfile.OpNop:

	case classfile.OpAconstNull:
		fr.push(model.Type{Kind: model.KindObject})
	case classfile.OpIconstM1, classfile.OpIconst0, classfile.OpIconst1,
		classfile.OpIconst2, classfile.OpIconst3, classfile.OpIconst4,
		classfile.OpIconst5, classfile.OpBipush, classfile.OpSipush:
		fr.push(model.Int)
	case classfile.OpLconst0, classfile.OpLconst1:
		fr.push(model.Long)
	case classfile.OpFconst0, classfile.OpFconst1, classfile.OpFconst2:
		fr.push(model.Float)
	case classfile.OpDconst0, classfile.OpDconst1:
		fr.push(model.Double)

	case classfile.OpLdc, classfile.OpLdcW, classfile.OpLdc2W:
		fr.push(constType(in.Const))

	case classfile.OpIload:
		fr.push(model.Int)
	case classfile.OpLload:
		fr.push(model.Long)
	case classfile.OpFload:
		fr.push(model.Float)
	case classfile.OpDload:
		fr.push(model.Double)
	case classfile.OpAload:
		t := fr.local(in.Index)
		if !isSet(t) || !t.IsRef() {
			t = model.ObjectOf(model.RootClass)
		}
		fr.push(t)

	case classfile.OpIaload, classfile.OpBaload, classfile.OpCaload, classfile.OpSaload:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Int)
	case classfile.OpLaload:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Long)
	case classfile.OpFaload:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Float)
	case classfile.OpDaload:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Double)
	case classfile.OpAaload:
		if err := pop(1); err != nil { // index
			return err
		}
		arr, ok := fr.pop()
		if !ok {
			return tf.fail(in.Offset, "stack underflow on %s", in.Op)
		}
		if arr.Kind == model.KindArray {
			fr.push(arr.Elem())
		} else {
			fr.push(model.ObjectOf(model.RootClass))
		}

	case classfile.OpIstore:
		if err := pop(1); err != nil {
			return err
		}
		fr.setLocal(in.Index, model.Int)
	case classfile.OpLstore:
		if err := pop(1); err != nil {
			return err
		}
		fr.setLocal(in.Index, model.Long)
	case classfile.OpFstore:
		if err := pop(1); err != nil {
			return err
		}
		fr.setLocal(in.Index, model.Float)
	case classfile.OpDstore:
		if err := pop(1); err != nil {
			return err
		}
		fr.setLocal(in.Index, model.Double)
	case classfile.OpAstore:
		t, ok := fr.pop()
		if !ok {
			return tf.fail(in.Offset, "stack underflow on %s", in.Op)
		}
		fr.setLocal(in.Index, t)

	case classfile.OpIastore, classfile.OpLastore, classfile.OpFastore,
		classfile.OpDastore, classfile.OpAastore, classfile.OpBastore,
		classfile.OpCastore, classfile.OpSastore:
		if err := pop(3); err != nil {
			return err
		}

	case classfile.OpPop:
		return pop(1)
	case classfile.OpPop2:
		t, ok := fr.pop()
		if !ok {
			return tf.fail(in.Offset, "stack underflow on pop2")
		}
		if !t.IsWide() {
			return pop(1)
		}
	case classfile.OpDup:
		if len(fr.stack) == 0 {
			return tf.fail(in.Offset, "stack underflow on dup")
		}
		fr.push(fr.stack[len(fr.stack)-1])
	case classfile.OpDupX1:
		if len(fr.stack) < 2 {
			return tf.fail(in.Offset, "stack underflow on dup_x1")
		}
		n := len(fr.stack)
		top := fr.stack[n-1]
		fr.stack = append(fr.stack, unset)
		copy(fr.stack[n-1:], fr.stack[n-2:])
		fr.stack[n-2] = top
	case classfile.OpDupX2:
		if len(fr.stack) < 2 {
			return tf.fail(in.Offset, "stack underflow on dup_x2")
		}
		n := len(fr.stack)
		top := fr.stack[n-1]
		depth := 2
		if !fr.stack[n-2].IsWide() {
			depth = 3
		}
		if len(fr.stack) < depth {
			return tf.fail(in.Offset, "stack underflow on dup_x2")
		}
		fr.stack = append(fr.stack, unset)
		copy(fr.stack[n-depth+1:], fr.stack[n-depth:])
		fr.stack[n-depth] = top
	case classfile.OpDup2:
		n := len(fr.stack)
		if n == 0 {
			return tf.fail(in.Offset, "stack underflow on dup2")
		}
		if fr.stack[n-1].IsWide() {
			fr.push(fr.stack[n-1])
		} else {
			if n < 2 {
				return tf.fail(in.Offset, "stack underflow on dup2")
			}
			a, b := fr.stack[n-2], fr.stack[n-1]
			fr.push(a)
			fr.push(b)
		}
	case classfile.OpDup2X1, classfile.OpDup2X2:
		// The top value group is two category-1 values or one category-2
		// value; it is re-inserted below the next group (one value for
		// dup2_x1, one group for dup2_x2).
		n := len(fr.stack)
		if n < 1 {
			return tf.fail(in.Offset, "stack underflow on %s", in.Op)
		}
		var group []model.Type
		if fr.stack[n-1].IsWide() {
			group = []model.Type{fr.stack[n-1]}
		} else {
			if n < 2 {
				return tf.fail(in.Offset, "stack underflow on %s", in.Op)
			}
			group = []model.Type{fr.stack[n-2], fr.stack[n-1]}
		}
		under := n - len(group) - 1
		if under < 0 {
			return tf.fail(in.Offset, "stack underflow on %s", in.Op)
		}
		below := 1
		if in.Op == classfile.OpDup2X2 && !fr.stack[under].IsWide() {
			below = 2
		}
		at := n - len(group) - below
		if at < 0 {
			return tf.fail(in.Offset, "stack underflow on %s", in.Op)
		}
		rest := append([]model.Type(nil), fr.stack[at:]...)
		fr.stack = append(fr.stack[:at], group...)
		fr.stack = append(fr.stack, rest...)
	case classfile.OpSwap:
		n := len(fr.stack)
		if n < 2 {
			return tf.fail(in.Offset, "stack underflow on swap")
		}
		fr.stack[n-1], fr.stack[n-2] = fr.stack[n-2], fr.stack[n-1]

	case classfile.OpIadd, classfile.OpIsub, classfile.OpImul, classfile.OpIdiv,
		classfile.OpIrem, classfile.OpIshl, classfile.OpIshr, classfile.OpIushr,
		classfile.OpIand, classfile.OpIor, classfile.OpIxor:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Int)
	case classfile.OpLadd, classfile.OpLsub, classfile.OpLmul, classfile.OpLdiv,
		classfile.OpLrem, classfile.OpLshl, classfile.OpLshr, classfile.OpLushr,
		classfile.OpLand, classfile.OpLor, classfile.OpLxor:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Long)
	case classfile.OpFadd, classfile.OpFsub, classfile.OpFmul, classfile.OpFdiv, classfile.OpFrem:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Float)
	case classfile.OpDadd, classfile.OpDsub, classfile.OpDmul, classfile.OpDdiv, classfile.OpDrem:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Double)
	case classfile.OpIneg:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Int)
	case classfile.OpLneg:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Long)
	case classfile.OpFneg:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Float)
	case classfile.OpDneg:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Double)
	case classfile.OpIinc:
		fr.setLocal(in.Index, model.Int)

	case classfile.OpI2l, classfile.OpF2l, classfile.OpD2l:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Long)
	case classfile.OpI2f, classfile.OpL2f, classfile.OpD2f:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Float)
	case classfile.OpI2d, classfile.OpL2d, classfile.OpF2d:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Double)
	case classfile.OpL2i, classfile.OpF2i, classfile.OpD2i,
		classfile.OpI2b, classfile.OpI2c, classfile.OpI2s:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Int)

	case classfile.OpLcmp, classfile.OpFcmpl, classfile.OpFcmpg,
		classfile.OpDcmpl, classfile.OpDcmpg:
		if err := pop(2); err != nil {
			return err
		}
		fr.push(model.Int)

	case classfile.OpIfeq, classfile.OpIfne, classfile.OpIflt, classfile.OpIfge,
		classfile.OpIfgt, classfile.OpIfle, classfile.OpIfnull, classfile.OpIfnonnull:
		return pop(1)
	case classfile.OpIfIcmpeq, classfile.OpIfIcmpne, classfile.OpIfIcmplt,
		classfile.OpIfIcmpge, classfile.OpIfIcmpgt, classfile.OpIfIcmple,
		classfile.OpIfAcmpeq, classfile.OpIfAcmpne:
		return pop(2)
	case classfile.OpGoto:

	case classfile.OpTableswitch, classfile.OpLookupswitch:
		return pop(1)

	case classfile.OpIreturn, classfile.OpLreturn, classfile.OpFreturn,
		classfile.OpDreturn, classfile.OpAreturn, classfile.OpAthrow:
		return pop(1)
	case classfile.OpReturn:

	case classfile.OpGetstatic:
		t, err := model.ParseType(in.Member.Desc)
		if err != nil {
			return tf.fail(in.Offset, "bad field descriptor %q", in.Member.Desc)
		}
		fr.push(t)
	case classfile.OpPutstatic:
		return pop(1)
	case classfile.OpGetfield:
		if err := pop(1); err != nil {
			return err
		}
		t, err := model.ParseType(in.Member.Desc)
		if err != nil {
			return tf.fail(in.Offset, "bad field descriptor %q", in.Member.Desc)
		}
		fr.push(t)
	case classfile.OpPutfield:
		return pop(2)

	case classfile.OpInvokevirtual, classfile.OpInvokespecial,
		classfile.OpInvokestatic, classfile.OpInvokeinterface:
		params, ret, err := model.ParseMethodDescriptor(in.Member.Desc)
		if err != nil {
			return tf.fail(in.Offset, "bad method descriptor %q", in.Member.Desc)
		}
		n := len(params)
		if in.Op != classfile.OpInvokestatic {
			n++
		}
		if err := pop(n); err != nil {
			return err
		}
		if ret.Kind != model.KindVoid {
			fr.push(ret)
		}

	case classfile.OpNew:
		fr.push(model.ObjectOf(in.Ref))
	case classfile.OpNewarray:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.ArrayOf(primitiveArrayElem(in.Index)))
	case classfile.OpAnewarray:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.ArrayOf(namedType(in.Ref)))
	case classfile.OpMultianewarray:
		if err := pop(in.Index); err != nil {
			return err
		}
		fr.push(namedType(in.Ref))
	case classfile.OpArraylength:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Int)

	case classfile.OpCheckcast:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(namedType(in.Ref))
	case classfile.OpInstanceof:
		if err := pop(1); err != nil {
			return err
		}
		fr.push(model.Int)

	case classfile.OpMonitorenter, classfile.OpMonitorexit:
		return pop(1)

	case classfile.OpJsr, classfile.OpRet:
		return tf.fail(in.Offset, "subroutine opcode %s survived inlining", in.Op)

	default:
		return tf.fail(in.Offset, "unhandled opcode %s", in.Op)
	}
	return nil
}

// constType maps an ldc constant to its stack type.
func constType(c interface{}) model.Type {
	switch c.(type) {
	case int32:
		return model.Int
	case int64:
		return model.Long
	case float32:
		return model.Float
	case float64:
		return model.Double
	case classfile.StringConst:
		return model.ObjectOf("java/lang/String")
	case classfile.ClassRef:
		return model.ObjectOf("java/lang/Class")
	}
	return model.ObjectOf(model.RootClass)
}

// primitiveArrayElem maps a newarray atype code to the element type.
func primitiveArrayElem(code int) model.Type {
	switch code {
	case 4:
		return model.Boolean
	case 5:
		return model.Char
	case 6:
		return model.Float
	case 7:
		return model.Double
	case 8:
		return model.Byte
	case 9:
		return model.Short
	case 10:
		return model.Int
	case 11:
		return model.Long
	}
	return model.Int
}

// namedType interprets a constant-pool class reference: either an internal
// class name or, for array classes, a descriptor.
func namedType(name string) model.Type {
	if len(name) > 0 && name[0] == '[' {
		if t, err := model.ParseType(name); err == nil {
			return t
		}
	}
	return model.ObjectOf(name)
}
