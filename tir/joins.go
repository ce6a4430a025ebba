package tir

import (
	"sort"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// unset marks an uninitialized local slot in the dataflow frames. Void never
// occurs on the stack or in a live local, so the zero Type serves.
var unset = model.Type{Kind: model.KindVoid}

func isSet(t model.Type) bool { return t.Kind != model.KindVoid }

// ---------------------------------------------------------------------------
// flowInfo: per-method control-flow facts
// ---------------------------------------------------------------------------

// flowInfo is the result of the type-only dataflow pass: the join points of
// the method and the verifier-merged frame at each of them.
type flowInfo struct {
	leaders     []int // sorted leader offsets
	leaderSet   map[int]bool
	entryStack  map[int][]model.Type // fixpoint stack types at each reachable leader
	entryLocals map[int][]model.Type
	reached     map[int]bool
	handlerAt   map[int][]classfile.Handler // handler entries keyed by target offset
}

func (fi *flowInfo) isLeader(off int) bool { return fi.leaderSet[off] }

// ---------------------------------------------------------------------------
// frame
// ---------------------------------------------------------------------------

type frame struct {
	stack  []model.Type
	locals []model.Type
}

func (f *frame) clone() frame {
	g := frame{
		stack:  make([]model.Type, len(f.stack)),
		locals: make([]model.Type, len(f.locals)),
	}
	copy(g.stack, f.stack)
	copy(g.locals, f.locals)
	return g
}

func (f *frame) push(t model.Type) { f.stack = append(f.stack, t) }

func (f *frame) pop() (model.Type, bool) {
	if len(f.stack) == 0 {
		return unset, false
	}
	t := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return t, true
}

func (f *frame) setLocal(idx int, t model.Type) {
	for idx >= len(f.locals) {
		f.locals = append(f.locals, unset)
	}
	f.locals[idx] = t
	if t.IsWide() {
		f.setLocal(idx+1, unset)
	}
}

func (f *frame) local(idx int) model.Type {
	if idx >= len(f.locals) {
		return unset
	}
	return f.locals[idx]
}

// ---------------------------------------------------------------------------
// Leader discovery
// ---------------------------------------------------------------------------

// findLeaders marks join points: the entry, every branch target, every
// handler entry, and the instruction after any opcode that never falls
// through.
func findLeaders(insts []classfile.Instruction, handlers []classfile.Handler) map[int]bool {
	leaders := map[int]bool{}
	if len(insts) > 0 {
		leaders[insts[0].Offset] = true
	}
	for i, in := range insts {
		if in.Op.IsBranch() {
			if in.Op == classfile.OpTableswitch || in.Op == classfile.OpLookupswitch {
				leaders[in.Default] = true
				for _, t := range in.Targets {
					leaders[t] = true
				}
			} else {
				leaders[in.Target] = true
			}
		}
		if (in.Op.IsBranch() || in.Op.IsUnconditional()) && i+1 < len(insts) {
			leaders[insts[i+1].Offset] = true
		}
	}
	for _, h := range handlers {
		leaders[h.Target] = true
		// Range boundaries start statements of their own, so they must not
		// fall in the middle of a flushed region.
		leaders[h.Start] = true
		leaders[h.End] = true
	}
	return leaders
}

// ---------------------------------------------------------------------------
// Type-only dataflow
// ---------------------------------------------------------------------------

// analyze runs the verifier-style dataflow to a fixpoint, producing the
// frame at every reachable leader. It operates on the subroutine-inlined
// instruction stream, which may differ from the method's raw code.
func analyze(prog *model.Program, m *model.Method, insts []classfile.Instruction, handlers []classfile.Handler) (*flowInfo, error) {
	byOffset := make(map[int]int, len(insts))
	for i, in := range insts {
		byOffset[in.Offset] = i
	}

	leaderSet := findLeaders(insts, handlers)
	fi := &flowInfo{
		leaderSet:   leaderSet,
		entryStack:  map[int][]model.Type{},
		entryLocals: map[int][]model.Type{},
		reached:     map[int]bool{},
		handlerAt:   map[int][]classfile.Handler{},
	}
	for off := range leaderSet {
		fi.leaders = append(fi.leaders, off)
	}
	sort.Ints(fi.leaders)
	for _, h := range handlers {
		fi.handlerAt[h.Target] = append(fi.handlerAt[h.Target], h)
	}

	tf := &typeflow{prog: prog, m: m, insts: insts, handlers: handlers, byOffset: byOffset, fi: fi}

	// Entry frame: receiver and parameters in the leading local slots.
	entry := frame{}
	slot := 0
	if !m.IsStatic() {
		entry.setLocal(0, model.ObjectOf(m.Owner.Name))
		slot = 1
	}
	for _, p := range m.Params {
		entry.setLocal(slot, p)
		slot += p.SlotWidth()
	}
	if len(insts) == 0 {
		return fi, nil
	}
	if err := tf.mergeInto(insts[0].Offset, entry); err != nil {
		return nil, err
	}

	// Worklist to fixpoint.
	for len(tf.work) > 0 {
		off := tf.work[len(tf.work)-1]
		tf.work = tf.work[:len(tf.work)-1]
		if err := tf.runBlock(off); err != nil {
			return nil, err
		}
	}
	return fi, nil
}

type typeflow struct {
	prog     *model.Program
	m        *model.Method
	insts    []classfile.Instruction
	handlers []classfile.Handler
	byOffset map[int]int
	fi       *flowInfo
	work     []int
}

func (tf *typeflow) fail(off int, format string, args ...interface{}) error {
	return fault.At(fault.VerifyError, tf.m.Owner.Name, tf.m.Signature(), off, format, args...)
}

// mergeInto folds a predecessor frame into a leader's recorded entry frame,
// queueing the leader when anything widened.
func (tf *typeflow) mergeInto(off int, fr frame) error {
	prevStack, seen := tf.fi.entryStack[off]
	if !seen {
		cl := fr.clone()
		tf.fi.entryStack[off] = cl.stack
		tf.fi.entryLocals[off] = cl.locals
		tf.fi.reached[off] = true
		tf.work = append(tf.work, off)
		return nil
	}
	if len(prevStack) != len(fr.stack) {
		return tf.fail(off, "inconsistent stack depth at join: %d vs %d", len(prevStack), len(fr.stack))
	}
	changed := false
	for i := range prevStack {
		merged, err := tf.lubStrict(prevStack[i], fr.stack[i], off)
		if err != nil {
			return err
		}
		if merged != prevStack[i] {
			prevStack[i] = merged
			changed = true
		}
	}
	prevLocals := tf.fi.entryLocals[off]
	for len(prevLocals) < len(fr.locals) {
		prevLocals = append(prevLocals, unset)
	}
	for i := range prevLocals {
		var incoming model.Type = unset
		if i < len(fr.locals) {
			incoming = fr.locals[i]
		}
		merged := tf.lubLenient(prevLocals[i], incoming)
		if merged != prevLocals[i] {
			prevLocals[i] = merged
			changed = true
		}
	}
	tf.fi.entryLocals[off] = prevLocals
	if changed {
		tf.work = append(tf.work, off)
	}
	return nil
}

// runBlock simulates from a leader to the next leader or an instruction that
// never falls through, merging exit frames into every successor. Handler
// targets of ranges covering the block receive a one-slot exception frame.
func (tf *typeflow) runBlock(start int) error {
	idx, ok := tf.byOffset[start]
	if !ok {
		return tf.fail(start, "branch into the middle of an instruction")
	}
	fr := frame{
		stack:  append([]model.Type(nil), tf.fi.entryStack[start]...),
		locals: append([]model.Type(nil), tf.fi.entryLocals[start]...),
	}

	for idx < len(tf.insts) {
		in := tf.insts[idx]
		if in.Offset != start && tf.fi.isLeader(in.Offset) {
			return tf.mergeInto(in.Offset, fr)
		}

		// Any instruction inside a protected range can transfer to its
		// handlers with a single-exception stack and the current locals.
		for _, h := range tf.handlers {
			if in.Offset >= h.Start && in.Offset < h.End {
				hf := frame{stack: []model.Type{caughtType(h)}, locals: fr.locals}
				if err := tf.mergeInto(h.Target, hf); err != nil {
					return err
				}
			}
		}

		if err := tf.step(&fr, in); err != nil {
			return err
		}

		if in.Op.IsBranch() {
			if in.Op == classfile.OpTableswitch || in.Op == classfile.OpLookupswitch {
				if err := tf.mergeInto(in.Default, fr); err != nil {
					return err
				}
				for _, t := range in.Targets {
					if err := tf.mergeInto(t, fr); err != nil {
						return err
					}
				}
				return nil
			}
			if err := tf.mergeInto(in.Target, fr); err != nil {
				return err
			}
			if in.Op.IsUnconditional() {
				return nil
			}
		} else if in.Op.IsUnconditional() {
			return nil
		}
		idx++
	}
	return tf.fail(start, "control flow runs off the end of the code")
}

func caughtType(h classfile.Handler) model.Type {
	if h.CatchType == "" {
		return model.ObjectOf("java/lang/Throwable")
	}
	return model.ObjectOf(h.CatchType)
}

// ---------------------------------------------------------------------------
// Least upper bounds
// ---------------------------------------------------------------------------

func isIntFamily(t model.Type) bool {
	switch t.Kind {
	case model.KindBool, model.KindByte, model.KindChar, model.KindShort, model.KindInt:
		return true
	}
	return false
}

func isNull(t model.Type) bool {
	return t.Kind == model.KindObject && t.Class == ""
}

// lubStrict merges two stack types, failing when they cannot be reconciled.
func (tf *typeflow) lubStrict(a, b model.Type, off int) (model.Type, error) {
	if a == b {
		return a, nil
	}
	if isIntFamily(a) && isIntFamily(b) {
		return model.Int, nil
	}
	if a.IsRef() && b.IsRef() {
		return tf.refLub(a, b), nil
	}
	return unset, tf.fail(off, "irreconcilable types at join: %s vs %s", a, b)
}

// lubLenient merges two local types; incompatible slots go dead instead of
// failing, since register reuse across disjoint ranges is routine.
func (tf *typeflow) lubLenient(a, b model.Type) model.Type {
	if a == b {
		return a
	}
	if !isSet(a) || !isSet(b) {
		return unset
	}
	if isIntFamily(a) && isIntFamily(b) {
		return model.Int
	}
	if a.IsRef() && b.IsRef() {
		return tf.refLub(a, b)
	}
	return unset
}

// refLub computes the least common supertype of two reference types in the
// resolved hierarchy. Interfaces and unrelated arrays generalize to the
// root; classes missing from the program (provided by the runtime) do too.
func (tf *typeflow) refLub(a, b model.Type) model.Type {
	if isNull(a) {
		return b
	}
	if isNull(b) {
		return a
	}
	if a == b {
		return a
	}
	if a.Kind == model.KindArray || b.Kind == model.KindArray {
		if a.Kind == model.KindArray && b.Kind == model.KindArray && a.Rank == b.Rank &&
			a.ElemKind == model.KindObject && b.ElemKind == model.KindObject {
			elem := tf.refLub(model.ObjectOf(a.Class), model.ObjectOf(b.Class))
			arr := model.ObjectOf(elem.Class)
			for i := 0; i < a.Rank; i++ {
				arr = model.ArrayOf(arr)
			}
			return arr
		}
		return model.ObjectOf(model.RootClass)
	}
	ca, cb := tf.prog.Lookup(a.Class), tf.prog.Lookup(b.Class)
	if ca == nil || cb == nil {
		return model.ObjectOf(model.RootClass)
	}
	ancestors := map[*model.Class]bool{}
	for cur := ca; cur != nil; cur = cur.Super {
		ancestors[cur] = true
	}
	for cur := cb; cur != nil; cur = cur.Super {
		if ancestors[cur] {
			return model.ObjectOf(cur.Name)
		}
	}
	return model.ObjectOf(model.RootClass)
}
