package link

import (
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// ---------------------------------------------------------------------------
// V-table construction
// ---------------------------------------------------------------------------

// buildVTables assigns virtual dispatch slots. Classes are processed
// super-before-sub so a subclass starts from a copy of its super's table and
// either overwrites the slot of a matching (name, descriptor) entry or
// appends a new one. Overriding methods therefore share the slot of the
// most-super declaring class.
func (l *linker) buildVTables(order []*model.Class) {
	for _, c := range order {
		if c.IsInterface() {
			// Interface methods are dispatched through the interface
			// table; the v-slot records the method's index within the
			// declaring interface.
			slot := 0
			for _, m := range c.Methods {
				if m.IsVirtual() {
					m.VSlot = slot
					slot++
				}
			}
			continue
		}

		var vtable []*model.Method
		if c.Super != nil {
			vtable = append(vtable, c.Super.VTable...)
		}
		for _, m := range c.Methods {
			if !m.IsVirtual() {
				m.VSlot = -1
				continue
			}
			slot := -1
			for i, existing := range vtable {
				if existing.Name == m.Name && existing.Desc == m.Desc {
					slot = i
					break
				}
			}
			if slot >= 0 {
				if vtable[slot].IsFinal() {
					l.errorf(fault.LinkError, c.Name, m.Signature(),
						"overrides final method declared by %s", vtable[slot].Owner.Name)
					continue
				}
				vtable[slot] = m
				m.VSlot = slot
				continue
			}
			// A final method that overrode nothing holds no slot, so the
			// table lookup above cannot see it; check the ancestors directly.
			overridesFinal := false
			for s := c.Super; s != nil && !overridesFinal; s = s.Super {
				if sm := s.MethodBySignature(m.Name, m.Desc); sm != nil && sm.IsVirtual() && sm.IsFinal() {
					l.errorf(fault.LinkError, c.Name, m.Signature(),
						"overrides final method declared by %s", s.Name)
					overridesFinal = true
				}
			}
			if overridesFinal {
				continue
			}
			if m.IsFinal() {
				// Final and not overriding anything: no dynamic dispatch
				// ever reaches it, so it needs no slot.
				m.VSlot = -1
				continue
			}
			m.VSlot = len(vtable)
			vtable = append(vtable, m)
		}
		c.VTable = vtable
	}
}

// ---------------------------------------------------------------------------
// Interface-dispatch tables
// ---------------------------------------------------------------------------

// buildITables computes, for every non-interface class, the mapping from
// interface method identity to implementation. Lookup order: a concrete
// method on the class hierarchy wins; otherwise the most specific default
// among the implemented interfaces. Two unrelated defaults with no override
// leave the slot abstract when the class itself is abstract, and are a link
// error on an instantiable class.
func (l *linker) buildITables(order []*model.Class) {
	for _, c := range order {
		if c.IsInterface() {
			continue
		}
		var table []*model.InterfaceSlot
		for _, iface := range l.interfacesOf(c) {
			for _, im := range iface.Methods {
				if !im.IsVirtual() {
					continue
				}
				impl, conflict := l.findImplementation(c, im)
				if conflict != nil {
					if c.Access&model.AccAbstract == 0 {
						l.errorf(fault.LinkError, c.Name, im.Signature(),
							"conflicting default methods from %s and %s with no override",
							conflict[0].Owner.Name, conflict[1].Owner.Name)
						continue
					}
					impl = nil
				}
				table = append(table, &model.InterfaceSlot{
					Interface: iface.Name,
					Name:      im.Name,
					Desc:      im.Desc,
					Slot:      im.VSlot,
					Impl:      impl,
				})
			}
		}
		c.ITable = table
	}
}

// interfacesOf returns the interfaces in a class's transitive supertype set
// in the deterministic Supertypes order.
func (l *linker) interfacesOf(c *model.Class) []*model.Class {
	var out []*model.Class
	for _, s := range c.Supertypes {
		if s.IsInterface() {
			out = append(out, s)
		}
	}
	return out
}

// findImplementation resolves one interface method against a class. The
// second result is non-nil when two unrelated defaults conflict; it carries
// the conflicting candidates for the error message.
func (l *linker) findImplementation(c *model.Class, im *model.Method) (*model.Method, []*model.Method) {
	// Concrete class method anywhere up the superclass chain wins.
	for cur := c; cur != nil; cur = cur.Super {
		if m := cur.MethodBySignature(im.Name, im.Desc); m != nil && m.IsVirtual() && !m.IsAbstract() {
			return m, nil
		}
	}

	// Otherwise collect default methods from the implemented interfaces and
	// keep only the most specific ones.
	var candidates []*model.Method
	for _, iface := range l.interfacesOf(c) {
		m := iface.MethodBySignature(im.Name, im.Desc)
		if m == nil || m.IsAbstract() || !m.IsVirtual() {
			continue
		}
		candidates = append(candidates, m)
	}
	// Drop any candidate whose declaring interface has a more specific
	// candidate below it.
	var specific []*model.Method
	for _, cand := range candidates {
		shadowed := false
		for _, other := range candidates {
			if other != cand && other.Owner.Implements(cand.Owner) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			specific = append(specific, cand)
		}
	}
	switch len(specific) {
	case 0:
		return nil, nil
	case 1:
		return specific[0], nil
	default:
		return nil, specific
	}
}
