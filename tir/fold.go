package tir

import "github.com/SwitchGDX/clearwing-vm/model"

// ---------------------------------------------------------------------------
// Constant folding
// ---------------------------------------------------------------------------

// foldBinary folds pure binary operations over constants. Division folding
// stops at zero divisors so the trap survives to run time.
func foldBinary(b *Binary) Expr {
	lc, lok := b.L.(*Const)
	rc, rok := b.R.(*Const)
	if !lok || !rok {
		return b
	}
	switch b.Typ.Kind {
	case model.KindInt:
		l, lok := lc.Value.(int32)
		r, rok := rc.Value.(int32)
		if !lok || !rok {
			return b
		}
		if v, ok := foldInt32(b.Op, l, r); ok {
			return &Const{Value: v, Typ: model.Int}
		}
	case model.KindLong:
		l, lok := asInt64(lc.Value)
		r, rok := asInt64(rc.Value)
		if !lok || !rok {
			return b
		}
		if v, ok := foldInt64(b.Op, l, r); ok {
			return &Const{Value: v, Typ: model.Long}
		}
	}
	// Floating point folding is skipped: the target's rounding and NaN
	// behavior must decide, not the translator's host arithmetic.
	return b
}

func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	}
	return 0, false
}

func foldInt32(op BinOp, l, r int32) (int32, bool) {
	switch op {
	case OpAdd:
		return l + r, true
	case OpSub:
		return l - r, true
	case OpMul:
		return l * r, true
	case OpDiv:
		if r == 0 {
			return 0, false
		}
		return l / r, true
	case OpRem:
		if r == 0 {
			return 0, false
		}
		return l % r, true
	case OpShl:
		return l << (uint32(r) & 31), true
	case OpShr:
		return l >> (uint32(r) & 31), true
	case OpUshr:
		return int32(uint32(l) >> (uint32(r) & 31)), true
	case OpAnd:
		return l & r, true
	case OpOr:
		return l | r, true
	case OpXor:
		return l ^ r, true
	}
	return 0, false
}

func foldInt64(op BinOp, l, r int64) (int64, bool) {
	switch op {
	case OpAdd:
		return l + r, true
	case OpSub:
		return l - r, true
	case OpMul:
		return l * r, true
	case OpDiv:
		if r == 0 {
			return 0, false
		}
		return l / r, true
	case OpRem:
		if r == 0 {
			return 0, false
		}
		return l % r, true
	case OpShl:
		return l << (uint64(r) & 63), true
	case OpShr:
		return l >> (uint64(r) & 63), true
	case OpUshr:
		return int64(uint64(l) >> (uint64(r) & 63)), true
	case OpAnd:
		return l & r, true
	case OpOr:
		return l | r, true
	case OpXor:
		return l ^ r, true
	}
	return 0, false
}

// foldUnary folds negation of constants.
func foldUnary(u *Unary) Expr {
	c, ok := u.Operand.(*Const)
	if !ok || u.Op != OpNeg {
		return u
	}
	switch v := c.Value.(type) {
	case int32:
		return &Const{Value: -v, Typ: model.Int}
	case int64:
		return &Const{Value: -v, Typ: model.Long}
	}
	return u
}

// foldConvert folds trivial conversions of integer constants and elides
// conversions that do not change the type.
func foldConvert(cv *Convert) Expr {
	if cv.Operand.Type() == cv.To {
		return cv.Operand
	}
	c, ok := cv.Operand.(*Const)
	if !ok {
		return cv
	}
	switch v := c.Value.(type) {
	case int32:
		switch cv.To.Kind {
		case model.KindLong:
			return &Const{Value: int64(v), Typ: model.Long}
		case model.KindByte:
			return &Const{Value: int32(int8(v)), Typ: model.Int}
		case model.KindChar:
			return &Const{Value: int32(uint16(v)), Typ: model.Int}
		case model.KindShort:
			return &Const{Value: int32(int16(v)), Typ: model.Int}
		}
	case int64:
		if cv.To.Kind == model.KindInt {
			return &Const{Value: int32(v), Typ: model.Int}
		}
	}
	return cv
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

// cleanup runs the post-lowering simplifications: fold single-use
// materialization temporaries into their consumer, drop assignments to
// locals never read, and drop labels nothing branches to. The passes
// iterate because each unlocks the next.
func cleanup(b *Body) {
	for i := 0; i < 4; i++ {
		changed := inlineSingleUseTemps(b)
		changed = dropDeadAssigns(b) || changed
		if !changed {
			break
		}
	}
	dropUnreferencedLabels(b)
	compactLocals(b)
}

// readCounts tallies LocalRead occurrences per local across the body.
func readCounts(b *Body) map[*Local]int {
	counts := map[*Local]int{}
	for _, s := range b.Stmts {
		walkStmtExprs(s, func(e Expr) {
			if r, ok := e.(*LocalRead); ok {
				counts[r.Local]++
			}
		})
	}
	return counts
}

// writeCounts tallies assignments per local.
func writeCounts(b *Body) map[*Local]int {
	counts := map[*Local]int{}
	for _, s := range b.Stmts {
		if a, ok := s.(*Assign); ok {
			counts[a.Dst]++
		}
		if c, ok := s.(*CatchBegin); ok {
			counts[c.Var]++
		}
	}
	return counts
}

// inlineSingleUseTemps substitutes `t := e; use(t)` with `use(e)` when t is
// a synthetic single-use temporary read by the immediately following
// statement, and the substitution cannot reorder observable effects: the
// consumer must hold no other effectful subexpression.
func inlineSingleUseTemps(b *Body) bool {
	reads := readCounts(b)
	writes := writeCounts(b)
	changed := false
	var out []Stmt
	for i := 0; i < len(b.Stmts); i++ {
		a, ok := b.Stmts[i].(*Assign)
		if !ok || i+1 >= len(b.Stmts) {
			out = append(out, b.Stmts[i])
			continue
		}
		t := a.Dst
		if t.IsParam || t.Slot >= 0 || reads[t] != 1 || writes[t] != 1 {
			out = append(out, a)
			continue
		}
		next := b.Stmts[i+1]
		if !readsOnceAndPure(next, t) {
			out = append(out, a)
			continue
		}
		substituteLocal(next, t, a.Src)
		changed = true
		// The assign is dropped; the next statement is handled normally.
	}
	if changed {
		b.Stmts = out
	}
	return changed
}

// readsOnceAndPure reports whether the statement reads t exactly once and
// contains no other effectful subexpression, so inlining t's definition
// cannot change evaluation order.
func readsOnceAndPure(s Stmt, t *Local) bool {
	reads := 0
	effects := 0
	walkStmtExprs(s, func(e Expr) {
		if r, ok := e.(*LocalRead); ok {
			if r.Local == t {
				reads++
			}
			return
		}
		switch e.(type) {
		case *Const, *Unary, *Binary, *Convert, *InstanceOf:
			// Composite purity is judged at the leaves.
		default:
			effects++
		}
	})
	if _, ok := s.(*Label); ok {
		return false
	}
	return reads == 1 && effects == 0
}

// substituteLocal replaces reads of t with repl in one statement.
func substituteLocal(s Stmt, t *Local, repl Expr) {
	replace := func(e Expr) Expr {
		if r, ok := e.(*LocalRead); ok && r.Local == t {
			return repl
		}
		return e
	}
	rewriteStmtExprs(s, replace)
}

// dropDeadAssigns removes assignments to locals that are never read when the
// right-hand side is effect-free.
func dropDeadAssigns(b *Body) bool {
	reads := readCounts(b)
	changed := false
	var out []Stmt
	for _, s := range b.Stmts {
		if a, ok := s.(*Assign); ok && !a.Dst.IsParam {
			if reads[a.Dst] == 0 && !HasSideEffects(a.Src) {
				changed = true
				continue
			}
		}
		out = append(out, s)
	}
	if changed {
		b.Stmts = out
	}
	return changed
}

// dropUnreferencedLabels removes labels no branch, switch, or handler entry
// refers to.
func dropUnreferencedLabels(b *Body) {
	used := map[int]bool{}
	for _, s := range b.Stmts {
		switch x := s.(type) {
		case *BranchIf:
			used[x.Target] = true
		case *Goto:
			used[x.Target] = true
		case *Switch:
			used[x.Default] = true
			for _, t := range x.Targets {
				used[t] = true
			}
		}
	}
	for _, r := range b.Ranges {
		for _, h := range r.Handlers {
			used[h.Target] = true
		}
	}
	var out []Stmt
	for _, s := range b.Stmts {
		if lbl, ok := s.(*Label); ok && !used[lbl.Offset] {
			continue
		}
		out = append(out, s)
	}
	b.Stmts = out
}

// compactLocals drops locals that no longer appear in the body.
func compactLocals(b *Body) {
	reads := readCounts(b)
	writes := writeCounts(b)
	var out []*Local
	for _, loc := range b.Locals {
		if loc.IsParam || reads[loc] > 0 || writes[loc] > 0 {
			out = append(out, loc)
		}
	}
	b.Locals = out
}

// ---------------------------------------------------------------------------
// Expression walking
// ---------------------------------------------------------------------------

// walkExpr visits e and every subexpression.
func walkExpr(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch x := e.(type) {
	case *Unary:
		walkExpr(x.Operand, fn)
	case *Binary:
		walkExpr(x.L, fn)
		walkExpr(x.R, fn)
	case *Convert:
		walkExpr(x.Operand, fn)
	case *FieldLoad:
		walkExpr(x.Receiver, fn)
	case *ArrayLoad:
		walkExpr(x.Array, fn)
		walkExpr(x.Index, fn)
	case *ArrayLength:
		walkExpr(x.Array, fn)
	case *InstanceOf:
		walkExpr(x.Operand, fn)
	case *CheckCast:
		walkExpr(x.Operand, fn)
	case *NewArray:
		for _, d := range x.Dims {
			walkExpr(d, fn)
		}
	case *Invoke:
		for _, a := range x.Args {
			walkExpr(a, fn)
		}
	}
}

// walkStmtExprs visits every expression a statement holds.
func walkStmtExprs(s Stmt, fn func(Expr)) {
	switch x := s.(type) {
	case *Assign:
		walkExpr(x.Src, fn)
	case *FieldStore:
		walkExpr(x.Receiver, fn)
		walkExpr(x.Value, fn)
	case *ArrayStore:
		walkExpr(x.Array, fn)
		walkExpr(x.Index, fn)
		walkExpr(x.Value, fn)
	case *MonitorEnter:
		walkExpr(x.Obj, fn)
	case *MonitorExit:
		walkExpr(x.Obj, fn)
	case *BranchIf:
		walkExpr(x.Cond, fn)
	case *Switch:
		walkExpr(x.Value, fn)
	case *InvokeStmt:
		walkExpr(x.Call, fn)
	case *Throw:
		walkExpr(x.Value, fn)
	case *Return:
		walkExpr(x.Value, fn)
	}
}

// rewriteStmtExprs applies a top-level rewrite to each expression tree in a
// statement, recursing into children.
func rewriteStmtExprs(s Stmt, fn func(Expr) Expr) {
	rw := func(e Expr) Expr { return rewriteExpr(e, fn) }
	switch x := s.(type) {
	case *Assign:
		x.Src = rw(x.Src)
	case *FieldStore:
		if x.Receiver != nil {
			x.Receiver = rw(x.Receiver)
		}
		x.Value = rw(x.Value)
	case *ArrayStore:
		x.Array = rw(x.Array)
		x.Index = rw(x.Index)
		x.Value = rw(x.Value)
	case *MonitorEnter:
		x.Obj = rw(x.Obj)
	case *MonitorExit:
		x.Obj = rw(x.Obj)
	case *BranchIf:
		x.Cond = rw(x.Cond)
	case *Switch:
		x.Value = rw(x.Value)
	case *InvokeStmt:
		for i, a := range x.Call.Args {
			x.Call.Args[i] = rw(a)
		}
	case *Throw:
		x.Value = rw(x.Value)
	case *Return:
		if x.Value != nil {
			x.Value = rw(x.Value)
		}
	}
}

func rewriteExpr(e Expr, fn func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	switch x := e.(type) {
	case *Unary:
		x.Operand = rewriteExpr(x.Operand, fn)
	case *Binary:
		x.L = rewriteExpr(x.L, fn)
		x.R = rewriteExpr(x.R, fn)
	case *Convert:
		x.Operand = rewriteExpr(x.Operand, fn)
	case *FieldLoad:
		if x.Receiver != nil {
			x.Receiver = rewriteExpr(x.Receiver, fn)
		}
	case *ArrayLoad:
		x.Array = rewriteExpr(x.Array, fn)
		x.Index = rewriteExpr(x.Index, fn)
	case *ArrayLength:
		x.Array = rewriteExpr(x.Array, fn)
	case *InstanceOf:
		x.Operand = rewriteExpr(x.Operand, fn)
	case *CheckCast:
		x.Operand = rewriteExpr(x.Operand, fn)
	case *NewArray:
		for i, d := range x.Dims {
			x.Dims[i] = rewriteExpr(d, fn)
		}
	case *Invoke:
		for i, a := range x.Args {
			x.Args[i] = rewriteExpr(a, fn)
		}
	}
	return fn(e)
}
