package tir

import (
	"fmt"
	"sort"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// ---------------------------------------------------------------------------
// Lower: stack-to-expression simulation
// ---------------------------------------------------------------------------

// Lower converts one method's bytecode to a TIR body. Abstract and native
// methods lower to nil. The linked program is read-only; the only mutation
// is attaching the body to the method.
func Lower(prog *model.Program, m *model.Method) (*Body, error) {
	if m.Code == nil {
		return nil, nil
	}
	insts, handlers, err := inlineSubroutines(m, m.Code, m.Handlers)
	if err != nil {
		return nil, err
	}
	fi, err := analyze(prog, m, insts, handlers)
	if err != nil {
		return nil, err
	}

	l := &lowerer{
		prog:       prog,
		m:          m,
		fi:         fi,
		insts:      insts,
		handlers:   handlers,
		regLocals:  map[regKey]*Local{},
		joinLocals: map[joinKey]*Local{},
		catchVars:  map[int]*Local{},
		begun:      map[int]bool{},
	}
	l.declareParams()
	l.buildRanges()
	if err := l.walk(); err != nil {
		return nil, err
	}

	body := &Body{Method: m, Stmts: l.stmts, Locals: l.locals, Ranges: l.regions()}
	cleanup(body)
	m.Body = body
	return body, nil
}

type regKey struct {
	slot int
	cat  byte // 'i','l','f','d','a'
}

type joinKey struct {
	offset int
	depth  int
}

// tryRange is one distinct protected (start, end) span.
type tryRange struct {
	id    int
	start int
	end   int
}

type lowerer struct {
	prog     *model.Program
	m        *model.Method
	fi       *flowInfo
	insts    []classfile.Instruction
	handlers []classfile.Handler

	stmts  []Stmt
	locals []*Local
	stack  []Expr

	regLocals  map[regKey]*Local
	joinLocals map[joinKey]*Local
	catchVars  map[int]*Local
	tempCount  int

	ranges   []tryRange
	rangeOf  map[[2]int]int
	beginsAt map[int][]int // offset -> range ids opening there
	endsAt   map[int][]int // offset -> range ids closing there
	begun    map[int]bool  // range ids whose TryBegin was actually emitted
}

func (l *lowerer) fail(off int, format string, args ...interface{}) error {
	return fault.At(fault.VerifyError, l.m.Owner.Name, l.m.Signature(), off, format, args...)
}

func (l *lowerer) emit(s Stmt) {
	l.stmts = append(l.stmts, s)
}

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

func (l *lowerer) newLocal(name string, t model.Type, slot int) *Local {
	loc := &Local{Name: name, Type: t, Slot: slot}
	l.locals = append(l.locals, loc)
	return loc
}

// declareParams assigns the receiver and parameters to their entry slots.
func (l *lowerer) declareParams() {
	slot := 0
	if !l.m.IsStatic() {
		loc := l.newLocal("self_", model.ObjectOf(l.m.Owner.Name), 0)
		loc.IsParam = true
		l.regLocals[regKey{0, 'a'}] = loc
		slot = 1
	}
	for i, p := range l.m.Params {
		loc := l.newLocal(fmt.Sprintf("p%d", i), p, slot)
		loc.IsParam = true
		l.regLocals[regKey{slot, category(p)}] = loc
		slot += p.SlotWidth()
	}
}

// category buckets a type the way the bytecode's register opcodes do.
func category(t model.Type) byte {
	switch t.Kind {
	case model.KindLong:
		return 'l'
	case model.KindFloat:
		return 'f'
	case model.KindDouble:
		return 'd'
	case model.KindObject, model.KindArray:
		return 'a'
	}
	return 'i'
}

// regLocal returns the local modeling a register slot for one category,
// creating it on first use. Reference locals widen their declared type as
// stores of sibling classes appear.
func (l *lowerer) regLocal(slot int, cat byte, t model.Type) *Local {
	key := regKey{slot, cat}
	if loc, ok := l.regLocals[key]; ok {
		if cat == 'a' && isSet(t) && loc.Type != t {
			loc.Type = l.refWiden(loc.Type, t)
		}
		return loc
	}
	name := fmt.Sprintf("%c%d", cat, slot)
	loc := l.newLocal(name, t, slot)
	l.regLocals[key] = loc
	return loc
}

func (l *lowerer) refWiden(a, b model.Type) model.Type {
	tf := &typeflow{prog: l.prog}
	return tf.refLub(a, b)
}

// joinLocal returns the synthetic local for one flushed stack slot at a join
// offset.
func (l *lowerer) joinLocal(offset, depth int) *Local {
	key := joinKey{offset, depth}
	if loc, ok := l.joinLocals[key]; ok {
		return loc
	}
	types := l.fi.entryStack[offset]
	if depth >= len(types) {
		// Callers only flush to reachable leaders, whose depth is known.
		panic(fmt.Sprintf("tir: join local depth %d at offset %d exceeds analyzed depth %d", depth, offset, len(types)))
	}
	t := types[depth]
	if isNull(t) {
		t = model.ObjectOf(model.RootClass)
	}
	loc := l.newLocal(fmt.Sprintf("j%d_%d", offset, depth), t, -1)
	l.joinLocals[key] = loc
	return loc
}

// temp materializes an expression into a fresh local and returns a read of
// it. Reads of locals pass through untouched.
func (l *lowerer) temp(e Expr) Expr {
	if r, ok := e.(*LocalRead); ok {
		return r
	}
	loc := l.newLocal(fmt.Sprintf("t%d", l.tempCount), e.Type(), -1)
	l.tempCount++
	l.emit(&Assign{Dst: loc, Src: e})
	return &LocalRead{Local: loc}
}

// ---------------------------------------------------------------------------
// Stack helpers
// ---------------------------------------------------------------------------

func (l *lowerer) push(e Expr) {
	l.stack = append(l.stack, e)
}

func (l *lowerer) pop(off int) (Expr, error) {
	if len(l.stack) == 0 {
		return nil, l.fail(off, "stack underflow")
	}
	e := l.stack[len(l.stack)-1]
	l.stack = l.stack[:len(l.stack)-1]
	return e, nil
}

func (l *lowerer) popN(off, n int) ([]Expr, error) {
	if len(l.stack) < n {
		return nil, l.fail(off, "stack underflow")
	}
	out := make([]Expr, n)
	copy(out, l.stack[len(l.stack)-n:])
	l.stack = l.stack[:len(l.stack)-n]
	return out, nil
}

// spillStack materializes every live stack entry into a temporary so the
// values survive statements emitted between production and use.
func (l *lowerer) spillStack() {
	for i, e := range l.stack {
		l.stack[i] = l.temp(e)
	}
}

// assignJoin stores the live stack into a join offset's synthetic locals.
// Entries already reading the right local are left alone. A branch into a
// handler entry targets the handler's exception local instead.
func (l *lowerer) assignJoin(offset int) {
	_, isHandler := l.fi.handlerAt[offset]
	for d, e := range l.stack {
		var tgt *Local
		if isHandler && d == 0 {
			tgt = l.catchVar(offset)
		} else {
			tgt = l.joinLocal(offset, d)
		}
		if r, ok := e.(*LocalRead); ok && r.Local == tgt {
			continue
		}
		l.emit(&Assign{Dst: tgt, Src: e})
	}
}

// loadJoin replaces the symbolic stack with reads of a join offset's locals.
func (l *lowerer) loadJoin(offset int) {
	depth := len(l.fi.entryStack[offset])
	l.stack = l.stack[:0]
	for d := 0; d < depth; d++ {
		l.stack = append(l.stack, &LocalRead{Local: l.joinLocal(offset, d)})
	}
}

// ---------------------------------------------------------------------------
// Try ranges
// ---------------------------------------------------------------------------

// buildRanges assigns ids to the distinct protected spans of the handler
// table, ordered by start offset then end offset.
func (l *lowerer) buildRanges() {
	l.rangeOf = map[[2]int]int{}
	l.beginsAt = map[int][]int{}
	l.endsAt = map[int][]int{}
	var spans [][2]int
	for _, h := range l.handlers {
		key := [2]int{h.Start, h.End}
		if _, ok := l.rangeOf[key]; !ok {
			l.rangeOf[key] = -1
			spans = append(spans, key)
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] < spans[j][1]
	})
	for id, span := range spans {
		l.rangeOf[span] = id
		l.ranges = append(l.ranges, tryRange{id: id, start: span[0], end: span[1]})
		l.beginsAt[span[0]] = append(l.beginsAt[span[0]], id)
		l.endsAt[span[1]] = append(l.endsAt[span[1]], id)
	}
}

// regions exports the try ranges with their handler clauses in
// handler-table order. Ranges whose protected span proved unreachable never
// opened a frame and are dropped.
func (l *lowerer) regions() []TryRegion {
	byID := map[int]*TryRegion{}
	out := make([]TryRegion, 0, len(l.ranges)) // fixed capacity keeps byID pointers valid
	for _, r := range l.ranges {
		if !l.begun[r.id] {
			continue
		}
		out = append(out, TryRegion{ID: r.id, Start: r.start, End: r.end})
		byID[r.id] = &out[len(out)-1]
	}
	for _, h := range l.handlers {
		id := l.rangeOf[[2]int{h.Start, h.End}]
		if r, ok := byID[id]; ok {
			r.Handlers = append(r.Handlers, HandlerEntry{TypeName: h.CatchType, Target: h.Target})
		}
	}
	return out
}

// catchVar returns the synthetic local receiving the exception at a handler
// entry.
func (l *lowerer) catchVar(offset int) *Local {
	if loc, ok := l.catchVars[offset]; ok {
		return loc
	}
	hs := l.fi.handlerAt[offset]
	t := caughtType(hs[0])
	loc := l.newLocal(fmt.Sprintf("e%d", offset), t, -1)
	l.catchVars[offset] = loc
	return loc
}

// ---------------------------------------------------------------------------
// The walk
// ---------------------------------------------------------------------------

// walk simulates the instruction stream in program order, emitting
// statements and maintaining the symbolic operand stack.
func (l *lowerer) walk() error {
	live := false // whether the current position is reachable
	for idx := 0; idx < len(l.insts); idx++ {
		in := l.insts[idx]
		off := in.Offset

		if l.fi.isLeader(off) {
			if !l.fi.reached[off] {
				// Dead code: close any range ending here so the region
				// markers stay lexically balanced, then skip to the next
				// reachable leader.
				for _, id := range l.endsAt[off] {
					if l.begun[id] {
						l.emit(&TryEnd{Range: id})
					}
				}
				live = false
				continue
			}
			if live {
				// Fallthrough into a join: flush the stack so successors
				// read only locals.
				l.assignJoin(off)
			}
			for _, id := range l.endsAt[off] {
				if l.begun[id] {
					l.emit(&TryEnd{Range: id})
				}
			}
			l.emit(&Label{Offset: off})
			for _, id := range l.beginsAt[off] {
				l.emit(&TryBegin{Range: id})
				l.begun[id] = true
			}
			if hs, isHandler := l.fi.handlerAt[off]; isHandler {
				v := l.catchVar(off)
				for _, h := range hs {
					l.emit(&CatchBegin{
						Range:    l.rangeOf[[2]int{h.Start, h.End}],
						TypeName: h.CatchType,
						Var:      v,
					})
				}
				l.stack = []Expr{&LocalRead{Local: v}}
			} else {
				l.loadJoin(off)
			}
			live = true
		} else if !live {
			continue
		}

		next, err := l.lowerInst(in)
		if err != nil {
			return err
		}
		live = next
	}

	// Ranges ending past the last instruction close at the very end.
	maxOff := 0
	if n := len(l.insts); n > 0 {
		maxOff = l.insts[n-1].Offset + 1
	}
	for _, r := range l.ranges {
		if r.end >= maxOff && l.begun[r.id] {
			l.emit(&TryEnd{Range: r.id})
		}
	}
	return nil
}

// lowerInst handles one instruction; it returns whether control falls
// through to the next instruction.
func (l *lowerer) lowerInst(in classfile.Instruction) (bool, error) {
	off := in.Offset
	switch in.Op {
	case classfile.OpNop:

	// ---- constants -------------------------------------------------------
	case classfile.OpAconstNull:
		l.push(&Const{Value: nil, Typ: model.Type{Kind: model.KindObject}})
	case classfile.OpIconstM1, classfile.OpIconst0, classfile.OpIconst1,
		classfile.OpIconst2, classfile.OpIconst3, classfile.OpIconst4, classfile.OpIconst5:
		l.push(&Const{Value: int32(in.Op) - int32(classfile.OpIconst0), Typ: model.Int})
	case classfile.OpLconst0, classfile.OpLconst1:
		l.push(&Const{Value: int64(in.Op - classfile.OpLconst0), Typ: model.Long})
	case classfile.OpFconst0, classfile.OpFconst1, classfile.OpFconst2:
		l.push(&Const{Value: float32(in.Op - classfile.OpFconst0), Typ: model.Float})
	case classfile.OpDconst0, classfile.OpDconst1:
		l.push(&Const{Value: float64(in.Op - classfile.OpDconst0), Typ: model.Double})
	case classfile.OpBipush, classfile.OpSipush:
		l.push(&Const{Value: int32(in.Value), Typ: model.Int})
	case classfile.OpLdc, classfile.OpLdcW, classfile.OpLdc2W:
		l.push(&Const{Value: in.Const, Typ: constType(in.Const)})

	// ---- locals ----------------------------------------------------------
	case classfile.OpIload, classfile.OpLload, classfile.OpFload,
		classfile.OpDload, classfile.OpAload:
		cat := loadCategory(in.Op)
		t := loadType(in.Op)
		if cat == 'a' {
			// Use the analyzed local type when the dataflow has one.
			if lt := l.analyzedLocalType(off, in.Index); isSet(lt) && lt.IsRef() {
				t = lt
			}
		}
		l.push(&LocalRead{Local: l.regLocal(in.Index, cat, t)})

	case classfile.OpIstore, classfile.OpLstore, classfile.OpFstore,
		classfile.OpDstore, classfile.OpAstore:
		v, err := l.pop(off)
		if err != nil {
			return false, err
		}
		cat := storeCategory(in.Op)
		t := v.Type()
		if cat == 'a' && isNull(t) {
			t = model.ObjectOf(model.RootClass)
		}
		l.emit(&Assign{Dst: l.regLocal(in.Index, cat, t), Src: v})

	case classfile.OpIinc:
		loc := l.regLocal(in.Index, 'i', model.Int)
		l.emit(&Assign{Dst: loc, Src: &Binary{
			Op: OpAdd, L: &LocalRead{Local: loc},
			R: &Const{Value: int32(in.Value), Typ: model.Int}, Typ: model.Int,
		}})

	// ---- arrays ----------------------------------------------------------
	case classfile.OpIaload, classfile.OpLaload, classfile.OpFaload,
		classfile.OpDaload, classfile.OpAaload, classfile.OpBaload,
		classfile.OpCaload, classfile.OpSaload:
		ops, err := l.popN(off, 2)
		if err != nil {
			return false, err
		}
		arr, idx := ops[0], ops[1]
		t := arrayLoadType(in.Op, arr.Type())
		l.push(&ArrayLoad{Array: arr, Index: idx, Typ: t})

	case classfile.OpIastore, classfile.OpLastore, classfile.OpFastore,
		classfile.OpDastore, classfile.OpAastore, classfile.OpBastore,
		classfile.OpCastore, classfile.OpSastore:
		ops, err := l.popN(off, 3)
		if err != nil {
			return false, err
		}
		arr, idx, v := ops[0], ops[1], ops[2]
		l.emit(&ArrayStore{Array: arr, Index: idx, Value: v, Elem: v.Type()})

	case classfile.OpArraylength:
		arr, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.push(&ArrayLength{Array: arr})

	case classfile.OpNewarray:
		n, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.push(&NewArray{Dims: []Expr{n}, Typ: model.ArrayOf(primitiveArrayElem(in.Index))})
	case classfile.OpAnewarray:
		n, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.push(&NewArray{Dims: []Expr{n}, Typ: model.ArrayOf(namedType(in.Ref))})
	case classfile.OpMultianewarray:
		dims, err := l.popN(off, in.Index)
		if err != nil {
			return false, err
		}
		l.push(&NewArray{Dims: dims, Typ: namedType(in.Ref)})

	// ---- stack shuffling -------------------------------------------------
	case classfile.OpPop:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.discard(e)
	case classfile.OpPop2:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.discard(e)
		if !e.Type().IsWide() {
			e2, err := l.pop(off)
			if err != nil {
				return false, err
			}
			l.discard(e2)
		}
	case classfile.OpDup, classfile.OpDupX1, classfile.OpDupX2,
		classfile.OpDup2, classfile.OpDup2X1, classfile.OpDup2X2, classfile.OpSwap:
		if err := l.lowerDup(in); err != nil {
			return false, err
		}

	// ---- arithmetic ------------------------------------------------------
	case classfile.OpIadd, classfile.OpLadd, classfile.OpFadd, classfile.OpDadd,
		classfile.OpIsub, classfile.OpLsub, classfile.OpFsub, classfile.OpDsub,
		classfile.OpImul, classfile.OpLmul, classfile.OpFmul, classfile.OpDmul,
		classfile.OpIdiv, classfile.OpLdiv, classfile.OpFdiv, classfile.OpDdiv,
		classfile.OpIrem, classfile.OpLrem, classfile.OpFrem, classfile.OpDrem,
		classfile.OpIshl, classfile.OpLshl, classfile.OpIshr, classfile.OpLshr,
		classfile.OpIushr, classfile.OpLushr,
		classfile.OpIand, classfile.OpLand, classfile.OpIor, classfile.OpLor,
		classfile.OpIxor, classfile.OpLxor:
		ops, err := l.popN(off, 2)
		if err != nil {
			return false, err
		}
		binop, t := arithOp(in.Op)
		l.push(foldBinary(&Binary{Op: binop, L: ops[0], R: ops[1], Typ: t}))

	case classfile.OpIneg, classfile.OpLneg, classfile.OpFneg, classfile.OpDneg:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.push(foldUnary(&Unary{Op: OpNeg, Operand: e, Typ: e.Type()}))

	case classfile.OpI2l, classfile.OpI2f, classfile.OpI2d,
		classfile.OpL2i, classfile.OpL2f, classfile.OpL2d,
		classfile.OpF2i, classfile.OpF2l, classfile.OpF2d,
		classfile.OpD2i, classfile.OpD2l, classfile.OpD2f,
		classfile.OpI2b, classfile.OpI2c, classfile.OpI2s:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.push(foldConvert(&Convert{To: convTarget(in.Op), Operand: e}))

	case classfile.OpLcmp, classfile.OpFcmpl, classfile.OpFcmpg,
		classfile.OpDcmpl, classfile.OpDcmpg:
		ops, err := l.popN(off, 2)
		if err != nil {
			return false, err
		}
		op := OpCmp
		if in.Op == classfile.OpFcmpl || in.Op == classfile.OpDcmpl {
			op = OpCmpl
		} else if in.Op == classfile.OpFcmpg || in.Op == classfile.OpDcmpg {
			op = OpCmpg
		}
		l.push(&Binary{Op: op, L: ops[0], R: ops[1], Typ: model.Int})

	// ---- fields ----------------------------------------------------------
	case classfile.OpGetstatic, classfile.OpGetfield:
		var recv Expr
		if in.Op == classfile.OpGetfield {
			var err error
			recv, err = l.pop(off)
			if err != nil {
				return false, err
			}
		}
		t, err := model.ParseType(in.Member.Desc)
		if err != nil {
			return false, l.fail(off, "bad field descriptor %q", in.Member.Desc)
		}
		l.push(&FieldLoad{
			Class: in.Member.Class, Name: in.Member.Name, Desc: in.Member.Desc,
			Static: in.Op == classfile.OpGetstatic, Receiver: recv, Typ: t,
		})

	case classfile.OpPutstatic, classfile.OpPutfield:
		v, err := l.pop(off)
		if err != nil {
			return false, err
		}
		var recv Expr
		if in.Op == classfile.OpPutfield {
			recv, err = l.pop(off)
			if err != nil {
				return false, err
			}
		}
		l.emit(&FieldStore{
			Class: in.Member.Class, Name: in.Member.Name, Desc: in.Member.Desc,
			Static: in.Op == classfile.OpPutstatic, Receiver: recv, Value: v,
		})

	// ---- calls -----------------------------------------------------------
	case classfile.OpInvokevirtual, classfile.OpInvokespecial,
		classfile.OpInvokestatic, classfile.OpInvokeinterface:
		if err := l.lowerInvoke(in); err != nil {
			return false, err
		}

	// ---- objects ---------------------------------------------------------
	case classfile.OpNew:
		l.push(&NewObject{TypeName: in.Ref})
	case classfile.OpCheckcast:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.push(&CheckCast{Operand: e, TypeName: in.Ref, Typ: namedType(in.Ref)})
	case classfile.OpInstanceof:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.push(&InstanceOf{Operand: e, TypeName: in.Ref})

	case classfile.OpMonitorenter:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.emit(&MonitorEnter{Obj: e})
	case classfile.OpMonitorexit:
		e, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.emit(&MonitorExit{Obj: e})

	// ---- control flow ----------------------------------------------------
	case classfile.OpIfeq, classfile.OpIfne, classfile.OpIflt, classfile.OpIfge,
		classfile.OpIfgt, classfile.OpIfle:
		v, err := l.pop(off)
		if err != nil {
			return false, err
		}
		cond := &Binary{Op: condOp(in.Op), L: v, R: &Const{Value: int32(0), Typ: model.Int}, Typ: model.Boolean}
		l.branchIf(cond, in.Target)
	case classfile.OpIfIcmpeq, classfile.OpIfIcmpne, classfile.OpIfIcmplt,
		classfile.OpIfIcmpge, classfile.OpIfIcmpgt, classfile.OpIfIcmple,
		classfile.OpIfAcmpeq, classfile.OpIfAcmpne:
		ops, err := l.popN(off, 2)
		if err != nil {
			return false, err
		}
		cond := &Binary{Op: condOp(in.Op), L: ops[0], R: ops[1], Typ: model.Boolean}
		l.branchIf(cond, in.Target)
	case classfile.OpIfnull, classfile.OpIfnonnull:
		v, err := l.pop(off)
		if err != nil {
			return false, err
		}
		op := OpEq
		if in.Op == classfile.OpIfnonnull {
			op = OpNe
		}
		cond := &Binary{Op: op, L: v, R: &Const{Value: nil, Typ: model.Type{Kind: model.KindObject}}, Typ: model.Boolean}
		l.branchIf(cond, in.Target)

	case classfile.OpGoto:
		l.assignJoin(in.Target)
		l.emit(&Goto{Target: in.Target})
		l.stack = l.stack[:0]
		return false, nil

	case classfile.OpTableswitch, classfile.OpLookupswitch:
		v, err := l.pop(off)
		if err != nil {
			return false, err
		}
		v = l.temp(v)
		if len(l.stack) > 0 {
			l.spillStack()
			l.assignJoin(in.Default)
			for _, t := range in.Targets {
				l.assignJoin(t)
			}
		}
		l.emit(&Switch{Value: v, Keys: in.Keys, Targets: in.Targets, Default: in.Default})
		l.stack = l.stack[:0]
		return false, nil

	case classfile.OpIreturn, classfile.OpLreturn, classfile.OpFreturn,
		classfile.OpDreturn, classfile.OpAreturn:
		v, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.emit(&Return{Value: v})
		l.stack = l.stack[:0]
		return false, nil
	case classfile.OpReturn:
		l.emit(&Return{})
		l.stack = l.stack[:0]
		return false, nil

	case classfile.OpAthrow:
		v, err := l.pop(off)
		if err != nil {
			return false, err
		}
		l.emit(&Throw{Value: v})
		l.stack = l.stack[:0]
		return false, nil

	case classfile.OpJsr, classfile.OpRet:
		return false, fault.At(fault.Internal, l.m.Owner.Name, l.m.Signature(), off,
			"subroutine opcode survived inlining")

	default:
		return false, fault.At(fault.Unsupported, l.m.Owner.Name, l.m.Signature(), off,
			"opcode %s is not modeled", in.Op)
	}
	return true, nil
}

// branchIf flushes any live stack into the branch target's join locals and
// emits the conditional branch. Remaining entries are spilled to temps first
// so the fallthrough path still sees each value exactly once.
func (l *lowerer) branchIf(cond Expr, target int) {
	if len(l.stack) > 0 {
		l.spillStack()
		l.assignJoin(target)
	}
	l.emit(&BranchIf{Cond: cond, Target: target})
}

// discard drops a popped value, materializing it when evaluation is
// observable so the side effect still happens.
func (l *lowerer) discard(e Expr) {
	switch x := e.(type) {
	case *Invoke:
		l.emit(&InvokeStmt{Call: x})
	default:
		if HasSideEffects(e) {
			l.temp(e)
		}
	}
}

// lowerInvoke pops arguments, builds the call, and either emits it as a
// statement (void) or materializes the result to a fresh local. The
// materialization keeps evaluation order and exception visibility exact;
// the cleanup pass folds single-use results back into their consumer.
func (l *lowerer) lowerInvoke(in classfile.Instruction) error {
	off := in.Offset
	params, ret, err := model.ParseMethodDescriptor(in.Member.Desc)
	if err != nil {
		return l.fail(off, "bad method descriptor %q", in.Member.Desc)
	}
	n := len(params)
	hasRecv := in.Op != classfile.OpInvokestatic
	if hasRecv {
		n++
	}
	args, err := l.popN(off, n)
	if err != nil {
		return err
	}

	kind := InvokeStatic
	vslot := -1
	switch in.Op {
	case classfile.OpInvokevirtual:
		kind = InvokeVirtual
		vslot = l.virtualSlot(in.Member)
		if vslot < 0 {
			// Final or private targets dispatch directly.
			kind = InvokeSpecial
		}
	case classfile.OpInvokeinterface:
		kind = InvokeInterface
		vslot = l.interfaceSlot(in.Member)
	case classfile.OpInvokespecial:
		kind = InvokeSpecial
	}

	call := &Invoke{
		Kind: kind, Class: in.Member.Class, Name: in.Member.Name,
		Desc: in.Member.Desc, Args: args, VSlot: vslot, Ret: ret,
	}
	if ret.Kind == model.KindVoid {
		l.emit(&InvokeStmt{Call: call})
		return nil
	}
	l.push(l.temp(call))
	return nil
}

// virtualSlot resolves the dispatch slot of a virtual call target, walking
// up the hierarchy the way method resolution does.
func (l *lowerer) virtualSlot(ref classfile.MemberRef) int {
	for c := l.prog.Lookup(ref.Class); c != nil; c = c.Super {
		if m := c.MethodBySignature(ref.Name, ref.Desc); m != nil {
			return m.VSlot
		}
	}
	return -1
}

// interfaceSlot resolves the method slot within the declaring interface.
func (l *lowerer) interfaceSlot(ref classfile.MemberRef) int {
	c := l.prog.Lookup(ref.Class)
	if c == nil {
		return -1
	}
	if m := c.MethodBySignature(ref.Name, ref.Desc); m != nil {
		return m.VSlot
	}
	for _, s := range c.Supertypes {
		if m := s.MethodBySignature(ref.Name, ref.Desc); m != nil {
			return m.VSlot
		}
	}
	return -1
}

// analyzedLocalType looks up the dataflow's local type at the leader
// covering an offset. Best effort: precision only sharpens reference locals.
func (l *lowerer) analyzedLocalType(off, slot int) model.Type {
	// Find the nearest leader at or before off.
	best := -1
	for _, lead := range l.fi.leaders {
		if lead <= off && lead > best {
			best = lead
		}
	}
	if best < 0 {
		return unset
	}
	locals := l.fi.entryLocals[best]
	if slot >= len(locals) {
		return unset
	}
	return locals[slot]
}

// ---------------------------------------------------------------------------
// Dup family
// ---------------------------------------------------------------------------

// lowerDup manipulates the symbolic stack directly. Duplicated values with
// observable evaluation are materialized first so the effect happens once.
func (l *lowerer) lowerDup(in classfile.Instruction) error {
	off := in.Offset
	mat := func(i int) {
		// i indexes from the top: 0 is TOS.
		n := len(l.stack)
		l.stack[n-1-i] = l.temp(l.stack[n-1-i])
	}
	top := func(i int) Expr { return l.stack[len(l.stack)-1-i] }

	switch in.Op {
	case classfile.OpDup:
		if len(l.stack) < 1 {
			return l.fail(off, "stack underflow on dup")
		}
		if HasSideEffects(top(0)) {
			mat(0)
		}
		l.push(top(0))

	case classfile.OpSwap:
		if len(l.stack) < 2 {
			return l.fail(off, "stack underflow on swap")
		}
		n := len(l.stack)
		l.stack[n-1], l.stack[n-2] = l.stack[n-2], l.stack[n-1]

	case classfile.OpDupX1:
		if len(l.stack) < 2 {
			return l.fail(off, "stack underflow on dup_x1")
		}
		if HasSideEffects(top(0)) {
			mat(0)
		}
		v1 := top(0)
		l.insertAt(2, v1)

	case classfile.OpDupX2:
		if len(l.stack) < 2 {
			return l.fail(off, "stack underflow on dup_x2")
		}
		if HasSideEffects(top(0)) {
			mat(0)
		}
		depth := 2
		if !top(1).Type().IsWide() {
			depth = 3
		}
		if len(l.stack) < depth {
			return l.fail(off, "stack underflow on dup_x2")
		}
		l.insertAt(depth, top(0))

	case classfile.OpDup2:
		if len(l.stack) < 1 {
			return l.fail(off, "stack underflow on dup2")
		}
		if top(0).Type().IsWide() {
			if HasSideEffects(top(0)) {
				mat(0)
			}
			l.push(top(0))
		} else {
			if len(l.stack) < 2 {
				return l.fail(off, "stack underflow on dup2")
			}
			if HasSideEffects(top(0)) {
				mat(0)
			}
			if HasSideEffects(top(1)) {
				mat(1)
			}
			v2, v1 := top(1), top(0)
			l.push(v2)
			l.push(v1)
		}

	case classfile.OpDup2X1, classfile.OpDup2X2:
		n := len(l.stack)
		if n < 1 {
			return l.fail(off, "stack underflow on %s", in.Op)
		}
		groupLen := 2
		if top(0).Type().IsWide() {
			groupLen = 1
		}
		if n < groupLen {
			return l.fail(off, "stack underflow on %s", in.Op)
		}
		for i := 0; i < groupLen; i++ {
			if HasSideEffects(top(i)) {
				mat(i)
			}
		}
		under := n - groupLen - 1
		if under < 0 {
			return l.fail(off, "stack underflow on %s", in.Op)
		}
		below := 1
		if in.Op == classfile.OpDup2X2 && !l.stack[under].Type().IsWide() {
			below = 2
		}
		at := groupLen + below
		if len(l.stack) < at {
			return l.fail(off, "stack underflow on %s", in.Op)
		}
		// Insert the group below the next `below` values, bottom entry
		// first so the copy keeps its internal order.
		group := make([]Expr, groupLen)
		copy(group, l.stack[n-groupLen:])
		for _, e := range group {
			l.insertAt(at, e)
		}
	}
	return nil
}

// insertAt inserts a value `depth` entries below the top of the stack.
func (l *lowerer) insertAt(depth int, e Expr) {
	n := len(l.stack)
	l.stack = append(l.stack, nil)
	copy(l.stack[n-depth+1:], l.stack[n-depth:])
	l.stack[n-depth] = e
}

// ---------------------------------------------------------------------------
// Opcode tables
// ---------------------------------------------------------------------------

func loadCategory(op classfile.Opcode) byte {
	switch op {
	case classfile.OpLload:
		return 'l'
	case classfile.OpFload:
		return 'f'
	case classfile.OpDload:
		return 'd'
	case classfile.OpAload:
		return 'a'
	}
	return 'i'
}

func loadType(op classfile.Opcode) model.Type {
	switch op {
	case classfile.OpLload:
		return model.Long
	case classfile.OpFload:
		return model.Float
	case classfile.OpDload:
		return model.Double
	case classfile.OpAload:
		return model.ObjectOf(model.RootClass)
	}
	return model.Int
}

func storeCategory(op classfile.Opcode) byte {
	switch op {
	case classfile.OpLstore:
		return 'l'
	case classfile.OpFstore:
		return 'f'
	case classfile.OpDstore:
		return 'd'
	case classfile.OpAstore:
		return 'a'
	}
	return 'i'
}

func arrayLoadType(op classfile.Opcode, arr model.Type) model.Type {
	switch op {
	case classfile.OpLaload:
		return model.Long
	case classfile.OpFaload:
		return model.Float
	case classfile.OpDaload:
		return model.Double
	case classfile.OpBaload:
		return model.Byte
	case classfile.OpCaload:
		return model.Char
	case classfile.OpSaload:
		return model.Short
	case classfile.OpAaload:
		if arr.Kind == model.KindArray {
			return arr.Elem()
		}
		return model.ObjectOf(model.RootClass)
	}
	return model.Int
}

// arithOp maps an arithmetic opcode to its operator and result type.
func arithOp(op classfile.Opcode) (BinOp, model.Type) {
	var t model.Type
	switch (op - classfile.OpIadd) % 4 {
	case 0:
		t = model.Int
	case 1:
		t = model.Long
	case 2:
		t = model.Float
	case 3:
		t = model.Double
	}
	switch {
	case op >= classfile.OpIadd && op <= classfile.OpDadd:
		return OpAdd, t
	case op <= classfile.OpDsub:
		return OpSub, t
	case op <= classfile.OpDmul:
		return OpMul, t
	case op <= classfile.OpDdiv:
		return OpDiv, t
	case op <= classfile.OpDrem:
		return OpRem, t
	}
	// Shifts and bitwise ops alternate int/long.
	t = model.Int
	if (op-classfile.OpIshl)%2 == 1 {
		t = model.Long
	}
	switch op {
	case classfile.OpIshl, classfile.OpLshl:
		return OpShl, t
	case classfile.OpIshr, classfile.OpLshr:
		return OpShr, t
	case classfile.OpIushr, classfile.OpLushr:
		return OpUshr, t
	case classfile.OpIand, classfile.OpLand:
		return OpAnd, t
	case classfile.OpIor, classfile.OpLor:
		return OpOr, t
	}
	return OpXor, t
}

func convTarget(op classfile.Opcode) model.Type {
	switch op {
	case classfile.OpI2l, classfile.OpF2l, classfile.OpD2l:
		return model.Long
	case classfile.OpI2f, classfile.OpL2f, classfile.OpD2f:
		return model.Float
	case classfile.OpI2d, classfile.OpL2d, classfile.OpF2d:
		return model.Double
	case classfile.OpI2b:
		return model.Byte
	case classfile.OpI2c:
		return model.Char
	case classfile.OpI2s:
		return model.Short
	}
	return model.Int
}

func condOp(op classfile.Opcode) BinOp {
	switch op {
	case classfile.OpIfeq, classfile.OpIfIcmpeq, classfile.OpIfAcmpeq:
		return OpEq
	case classfile.OpIfne, classfile.OpIfIcmpne, classfile.OpIfAcmpne:
		return OpNe
	case classfile.OpIflt, classfile.OpIfIcmplt:
		return OpLt
	case classfile.OpIfge, classfile.OpIfIcmpge:
		return OpGe
	case classfile.OpIfgt, classfile.OpIfIcmpgt:
		return OpGt
	}
	return OpLe
}
