// Package link closes the class graph: it resolves supertype references,
// flattens field layouts, builds the dispatch tables, merges annotation
// defaults, assigns class-ids, and marks reachable entities.
package link

import (
	"errors"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

var log = commonlog.GetLogger("clearwing.link")

// Options controls the resolver.
type Options struct {
	// Roots are the entry class names for reachability marking.
	Roots []string
	// KeepAll marks every entity reachable, disabling dead-code elision.
	KeepAll bool
}

// Resolve links the program in place. Link failures are collected so every
// occurrence is reported in one pass; any failure aborts before freezing.
func Resolve(p *model.Program, opts Options) error {
	l := &linker{prog: p}

	l.resolveSupertypes()
	if len(l.errs) > 0 {
		return errors.Join(l.errs...)
	}
	order := l.topoOrder()
	l.flattenFields(order)
	l.buildVTables(order)
	l.buildITables(order)
	l.mergeAnnotationDefaults()
	l.assignClassIDs()
	if len(l.errs) > 0 {
		return errors.Join(l.errs...)
	}
	if err := l.markReachable(opts); err != nil {
		return err
	}

	for _, c := range p.Classes() {
		c.MarkLinked()
	}
	p.Freeze()
	return nil
}

// linker accumulates link errors across steps so users can fix a broken
// input set in one pass.
type linker struct {
	prog *model.Program
	errs []error
}

func (l *linker) errorf(kind fault.Kind, class, member string, format string, args ...interface{}) {
	l.errs = append(l.errs, fault.At(kind, class, member, -1, format, args...))
}

// ---------------------------------------------------------------------------
// Supertype closure
// ---------------------------------------------------------------------------

// resolveSupertypes resolves super/interface names to classes, computes each
// class's transitive supertype list, and rejects cycles.
func (l *linker) resolveSupertypes() {
	classes := l.prog.Classes()

	rootSeen := false
	for _, c := range classes {
		if c.SuperName == "" && !c.IsInterface() {
			if rootSeen {
				l.errorf(fault.LinkError, c.Name, "", "second class without a superclass (root is %s)", model.RootClass)
			}
			rootSeen = true
			if c.Name != model.RootClass {
				l.errorf(fault.LinkError, c.Name, "", "class without a superclass is not %s", model.RootClass)
			}
		}
	}
	if !rootSeen {
		l.errs = append(l.errs, fault.New(fault.LinkError, "program has no %s", model.RootClass))
	}

	for _, c := range classes {
		if c.SuperName != "" {
			c.Super = l.prog.Lookup(c.SuperName)
			if c.Super == nil {
				l.errorf(fault.LinkError, c.Name, "", "superclass %s is missing from the input set", c.SuperName)
			}
		}
		for _, name := range c.InterfaceNames {
			iface := l.prog.Lookup(name)
			if iface == nil {
				l.errorf(fault.LinkError, c.Name, "", "interface %s is missing from the input set", name)
				continue
			}
			if !iface.IsInterface() {
				l.errorf(fault.LinkError, c.Name, "", "implements non-interface %s", name)
				continue
			}
			c.Interfaces = append(c.Interfaces, iface)
		}
	}
	if len(l.errs) > 0 {
		return
	}

	// Depth-first cycle detection over the combined super/interface edges.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[*model.Class]int, len(classes))
	var visit func(c *model.Class) bool
	visit = func(c *model.Class) bool {
		switch color[c] {
		case grey:
			l.errorf(fault.LinkError, c.Name, "", "cycle in the supertype graph")
			return false
		case black:
			return true
		}
		color[c] = grey
		if c.Super != nil && !visit(c.Super) {
			return false
		}
		for _, iface := range c.Interfaces {
			if !visit(iface) {
				return false
			}
		}
		color[c] = black

		// Transitive supertypes: super chain first, then interfaces in
		// declaration order, deduplicated. Deterministic because the walk
		// order is fixed by declarations.
		seen := make(map[*model.Class]bool)
		var supers []*model.Class
		add := func(s *model.Class) {
			if s != nil && !seen[s] {
				seen[s] = true
				supers = append(supers, s)
			}
		}
		if c.Super != nil {
			add(c.Super)
			for _, s := range c.Super.Supertypes {
				add(s)
			}
		}
		for _, iface := range c.Interfaces {
			add(iface)
			for _, s := range iface.Supertypes {
				add(s)
			}
		}
		c.Supertypes = supers
		return true
	}
	for _, c := range classes {
		if !visit(c) {
			return
		}
	}
}

// topoOrder returns classes super-before-sub. Within one depth tier the
// order is lexicographic, which keeps every downstream computation
// deterministic.
func (l *linker) topoOrder() []*model.Class {
	classes := l.prog.Classes()
	depth := func(c *model.Class) int { return len(c.Supertypes) }
	sort.SliceStable(classes, func(i, j int) bool {
		di, dj := depth(classes[i]), depth(classes[j])
		if di != dj {
			return di < dj
		}
		return classes[i].Name < classes[j].Name
	})
	return classes
}

// ---------------------------------------------------------------------------
// Member flattening
// ---------------------------------------------------------------------------

// flattenFields computes each class's flattened instance-field layout: the
// super's layout followed by the class's own instance fields. The index in
// the layout is the field's slot offset.
func (l *linker) flattenFields(order []*model.Class) {
	for _, c := range order {
		var layout []*model.Field
		if c.Super != nil {
			layout = append(layout, c.Super.Layout...)
		}
		inherited := make(map[string]bool, len(layout))
		for _, f := range layout {
			inherited[f.EmitName] = true
		}
		for _, f := range c.InstanceFields() {
			// A redeclared field of the same name shadows without
			// replacing; both slots survive under distinct emission names.
			if inherited[f.EmitName] {
				renamed := f.EmitName + "_" + model.DescriptorHash(c.Name)
				log.Warningf("field %s.%s shadows an inherited field; emitting as %s", c.Name, f.Name, renamed)
				f.EmitName = renamed
			}
			f.Slot = len(layout)
			layout = append(layout, f)
			inherited[f.EmitName] = true
		}
		c.Layout = layout
	}
}

// ---------------------------------------------------------------------------
// Annotation defaults
// ---------------------------------------------------------------------------

// mergeAnnotationDefaults copies declared element defaults into every
// annotation occurrence missing an explicit value.
func (l *linker) mergeAnnotationDefaults() {
	for _, c := range l.prog.Classes() {
		l.mergeInto(c.Annotations)
		for _, f := range c.Fields {
			l.mergeInto(f.Annotations)
		}
		for _, m := range c.Methods {
			l.mergeInto(m.Annotations)
		}
	}
}

func (l *linker) mergeInto(anns []*model.Annotation) {
	for _, a := range anns {
		decl := l.prog.Lookup(a.TypeName)
		if decl == nil || decl.Kind != model.ClassKindAnnotation {
			continue
		}
		for _, elem := range decl.Methods {
			if elem.Default == nil {
				continue
			}
			if a.Elements == nil {
				a.Elements = make(map[string]interface{})
			}
			if _, ok := a.Elements[elem.Name]; !ok {
				a.Elements[elem.Name] = elem.Default
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Class-ids
// ---------------------------------------------------------------------------

// assignClassIDs hands out dense ids in lexicographic name order. The ids
// index the runtime's instance-of and interface-dispatch helpers.
func (l *linker) assignClassIDs() {
	for i, name := range l.prog.Names() {
		l.prog.Lookup(name).ID = i
	}
}
