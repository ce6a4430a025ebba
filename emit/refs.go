package emit

import (
	"sort"

	"github.com/SwitchGDX/clearwing-vm/tir"
)

// referencedClasses collects every class name a lowered body mentions:
// field and call owners, allocation types, and cast targets. Sorted and
// deduplicated for deterministic include lists.
func referencedClasses(b *tir.Body) []string {
	seen := map[string]bool{}
	visit := func(e tir.Expr) {
		switch x := e.(type) {
		case *tir.FieldLoad:
			seen[x.Class] = true
		case *tir.Invoke:
			seen[x.Class] = true
		case *tir.NewObject:
			seen[x.TypeName] = true
		case *tir.CheckCast:
			seen[x.TypeName] = true
		case *tir.InstanceOf:
			seen[x.TypeName] = true
		}
	}
	for _, s := range b.Stmts {
		if fs, ok := s.(*tir.FieldStore); ok {
			seen[fs.Class] = true
		}
		walkStmt(s, visit)
	}
	var out []string
	for name := range seen {
		if name != "" && name[0] != '[' {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// walkStmt visits every expression under one statement.
func walkStmt(s tir.Stmt, fn func(tir.Expr)) {
	var walk func(e tir.Expr)
	walk = func(e tir.Expr) {
		if e == nil {
			return
		}
		fn(e)
		switch x := e.(type) {
		case *tir.Unary:
			walk(x.Operand)
		case *tir.Binary:
			walk(x.L)
			walk(x.R)
		case *tir.Convert:
			walk(x.Operand)
		case *tir.FieldLoad:
			walk(x.Receiver)
		case *tir.ArrayLoad:
			walk(x.Array)
			walk(x.Index)
		case *tir.ArrayLength:
			walk(x.Array)
		case *tir.InstanceOf:
			walk(x.Operand)
		case *tir.CheckCast:
			walk(x.Operand)
		case *tir.NewArray:
			for _, d := range x.Dims {
				walk(d)
			}
		case *tir.Invoke:
			for _, a := range x.Args {
				walk(a)
			}
		}
	}
	switch x := s.(type) {
	case *tir.Assign:
		walk(x.Src)
	case *tir.FieldStore:
		walk(x.Receiver)
		walk(x.Value)
	case *tir.ArrayStore:
		walk(x.Array)
		walk(x.Index)
		walk(x.Value)
	case *tir.MonitorEnter:
		walk(x.Obj)
	case *tir.MonitorExit:
		walk(x.Obj)
	case *tir.BranchIf:
		walk(x.Cond)
	case *tir.Switch:
		walk(x.Value)
	case *tir.InvokeStmt:
		walk(x.Call)
	case *tir.Throw:
		walk(x.Value)
	case *tir.Return:
		walk(x.Value)
	}
}
