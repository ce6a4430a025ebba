package model

import (
	"sort"
	"sync"
)

// RootClass is the hierarchy root every input program must contain exactly
// once.
const RootClass = "java/lang/Object"

// ---------------------------------------------------------------------------
// Program: the root container for the closed class graph
// ---------------------------------------------------------------------------

// Program owns every Class in the translation unit set. Cross-references
// between classes resolve by name through this map; the map is append-only
// during ingest and frozen after resolve.
type Program struct {
	mu      sync.Mutex
	classes map[string]*Class
	frozen  bool

	// Provided names the resolver treats as satisfied by the runtime's own
	// core library rather than by input class files.
	provided map[string]bool
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{
		classes:  make(map[string]*Class),
		provided: make(map[string]bool),
	}
}

// Add registers a class. It is safe for concurrent use during ingest.
// Duplicate names and additions after freezing panic: both indicate a
// dispatcher bug, not bad input.
func (p *Program) Add(c *Class) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		panic("model: Add after freeze")
	}
	if _, dup := p.classes[c.Name]; dup {
		panic("model: duplicate class " + c.Name)
	}
	p.classes[c.Name] = c
}

// Lookup returns the class with the given internal name, or nil.
func (p *Program) Lookup(name string) *Class {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.classes[name]
}

// Freeze marks the program immutable. Resolve calls this after linking.
func (p *Program) Freeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen = true
}

// Frozen reports whether the program has been frozen.
func (p *Program) Frozen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frozen
}

// Len returns the number of classes.
func (p *Program) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.classes)
}

// Names returns all class names in lexicographic order. Every deterministic
// walk of the program goes through this.
func (p *Program) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.classes))
	for name := range p.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classes returns all classes in lexicographic name order.
func (p *Program) Classes() []*Class {
	names := p.Names()
	out := make([]*Class, len(names))
	for i, name := range names {
		out[i] = p.Lookup(name)
	}
	return out
}

// Method looks up a method by class name and sanitized emission name.
func (p *Program) Method(class, emitName string) *Method {
	c := p.Lookup(class)
	if c == nil {
		return nil
	}
	for _, m := range c.Methods {
		if m.EmitName == emitName {
			return m
		}
	}
	return nil
}

// SetProvided records class names the runtime core library supplies; the
// resolver skips them during reachability instead of failing the link.
func (p *Program) SetProvided(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		p.provided[n] = true
	}
}

// IsProvided reports whether a class name is satisfied by the runtime.
func (p *Program) IsProvided(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provided[name]
}
