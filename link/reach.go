package link

import (
	"errors"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// ---------------------------------------------------------------------------
// Reachability marking
// ---------------------------------------------------------------------------

// markReachable computes the closure from the root set under instantiation,
// static access, method and type references, and referenced annotations.
// Classes supplied by the runtime's core library are skipped; a reference to
// a class neither present nor provided is a link error.
func (l *linker) markReachable(opts Options) error {
	if opts.KeepAll {
		for _, c := range l.prog.Classes() {
			c.Reachable = true
			for _, m := range c.Methods {
				m.Reachable = true
			}
		}
		return nil
	}

	r := &reacher{linker: l}
	for _, name := range opts.Roots {
		c := l.prog.Lookup(name)
		if c == nil {
			return fault.New(fault.LinkError, "entry class %s is missing from the input set", name)
		}
		r.markClass(c)
		// Everything on an entry class is a root: the runtime may invoke
		// any of its members by reflection at startup.
		for _, m := range c.Methods {
			r.markMethod(m)
		}
	}
	r.drain()
	if len(l.errs) > 0 {
		return errors.Join(l.errs...)
	}
	log.Infof("reachability: %d classes rooted at %d entries", r.classCount, len(opts.Roots))
	return nil
}

// reacher is the worklist state for the closure walk.
type reacher struct {
	*linker
	work       []*model.Method
	classCount int
}

// markClassName resolves a name and marks it, tolerating provided classes
// and array/primitive pseudo-names.
func (r *reacher) markClassName(name string, from *model.Method) {
	if name == "" || r.prog.IsProvided(name) {
		return
	}
	// Array class references carry descriptor syntax; reachability follows
	// the element class.
	if name[0] == '[' {
		t, err := model.ParseType(name)
		if err != nil || t.ElemKind != model.KindObject {
			return
		}
		name = t.Class
	}
	c := r.prog.Lookup(name)
	if c == nil {
		method := ""
		class := name
		if from != nil {
			class = from.Owner.Name
			method = from.Signature()
		}
		r.errorf(fault.LinkError, class, method, "references class %s, which is neither in the input set nor provided by the runtime", name)
		return
	}
	r.markClass(c)
}

func (r *reacher) markClass(c *model.Class) {
	if c.Reachable {
		return
	}
	c.Reachable = true
	r.classCount++

	if c.Super != nil {
		r.markClass(c.Super)
	}
	for _, iface := range c.Interfaces {
		r.markClass(iface)
	}
	for _, a := range c.Annotations {
		r.markClassName(a.TypeName, nil)
	}
	for _, f := range c.Fields {
		if f.Type.Kind == model.KindObject || (f.Type.Kind == model.KindArray && f.Type.ElemKind == model.KindObject) {
			r.markClassName(f.Type.Class, nil)
		}
		for _, a := range f.Annotations {
			r.markClassName(a.TypeName, nil)
		}
	}
	// Static and instance initializers always run when the class does.
	for _, m := range c.Methods {
		if m.IsClassInitializer() || m.IsConstructor() {
			r.markMethod(m)
		}
	}
	// A reachable class keeps its whole dispatch surface: any virtual slot
	// may be invoked through a supertype reference.
	for _, m := range c.VTable {
		r.markMethod(m)
	}
	for _, slot := range c.ITable {
		if slot.Impl != nil {
			r.markMethod(slot.Impl)
		}
	}
}

func (r *reacher) markMethod(m *model.Method) {
	if m.Reachable {
		return
	}
	m.Reachable = true
	r.markClass(m.Owner)
	r.work = append(r.work, m)
}

// drain walks method bodies, following every type, field, and method
// reference in the instruction stream.
func (r *reacher) drain() {
	for len(r.work) > 0 {
		m := r.work[len(r.work)-1]
		r.work = r.work[:len(r.work)-1]

		for _, t := range m.Params {
			if t.Class != "" {
				r.markClassName(t.Class, m)
			}
		}
		if m.Return.Class != "" {
			r.markClassName(m.Return.Class, m)
		}
		for _, a := range m.Annotations {
			r.markClassName(a.TypeName, m)
		}
		for _, h := range m.Handlers {
			r.markClassName(h.CatchType, m)
		}
		for _, in := range m.Code {
			switch in.Op {
			case classfile.OpNew, classfile.OpAnewarray, classfile.OpCheckcast,
				classfile.OpInstanceof, classfile.OpMultianewarray:
				r.markClassName(in.Ref, m)
			case classfile.OpGetstatic, classfile.OpPutstatic,
				classfile.OpGetfield, classfile.OpPutfield:
				r.markClassName(in.Member.Class, m)
			case classfile.OpInvokevirtual, classfile.OpInvokespecial,
				classfile.OpInvokestatic, classfile.OpInvokeinterface:
				r.markClassName(in.Member.Class, m)
				if callee := r.resolveCallee(in.Member); callee != nil {
					r.markMethod(callee)
				}
			case classfile.OpLdc, classfile.OpLdcW, classfile.OpLdc2W:
				if ref, ok := in.Const.(classfile.ClassRef); ok {
					r.markClassName(ref.Name, m)
				}
			}
		}
	}
}

// resolveCallee finds the statically named target of an invoke, walking up
// the hierarchy the way the VM's method resolution does.
func (r *reacher) resolveCallee(ref classfile.MemberRef) *model.Method {
	c := r.prog.Lookup(ref.Class)
	for cur := c; cur != nil; cur = cur.Super {
		if m := cur.MethodBySignature(ref.Name, ref.Desc); m != nil {
			return m
		}
	}
	if c != nil {
		for _, s := range c.Supertypes {
			if m := s.MethodBySignature(ref.Name, ref.Desc); m != nil {
				return m
			}
		}
	}
	return nil
}
