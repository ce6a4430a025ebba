package tir

import (
	"testing"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// ---------------------------------------------------------------------------
// jsr/ret inlining
// ---------------------------------------------------------------------------

func TestInlineSubroutine(t *testing.T) {
	a := cls("A")
	m := newMethod(a, "m", "()V", model.AccPublic|model.AccStatic, []classfile.Instruction{
		{Offset: 0, Op: classfile.OpJsr, Target: 4},
		ins(3, classfile.OpReturn),
		{Offset: 4, Op: classfile.OpAstore, Index: 1}, // subroutine stores return address
		{Offset: 5, Op: classfile.OpIinc, Index: 2, Value: 1},
		{Offset: 8, Op: classfile.OpRet, Index: 1},
	}, nil)
	p := resolved(t, a)
	body := mustLower(t, p, m)

	// The subroutine body survives exactly once, and no jsr or ret remains
	// on a reachable path (lowering would have failed on them).
	incs := 0
	for _, s := range body.Stmts {
		if a, ok := s.(*Assign); ok {
			if bin, ok := a.Src.(*Binary); ok && bin.Op == OpAdd {
				if _, ok := bin.R.(*Const); ok {
					incs++
				}
			}
		}
	}
	if incs != 1 {
		t.Errorf("subroutine body cloned %d times, want 1", incs)
	}
}

func TestInlineSubroutineTwoCallSites(t *testing.T) {
	a := cls("A")
	m := newMethod(a, "m", "()V", model.AccPublic|model.AccStatic, []classfile.Instruction{
		{Offset: 0, Op: classfile.OpJsr, Target: 8},
		{Offset: 3, Op: classfile.OpJsr, Target: 8},
		ins(6, classfile.OpNop),
		ins(7, classfile.OpReturn),
		{Offset: 8, Op: classfile.OpAstore, Index: 1},
		{Offset: 9, Op: classfile.OpIinc, Index: 2, Value: 1},
		{Offset: 12, Op: classfile.OpRet, Index: 1},
	}, nil)
	p := resolved(t, a)
	body := mustLower(t, p, m)

	incs := 0
	for _, s := range body.Stmts {
		if a, ok := s.(*Assign); ok {
			if bin, ok := a.Src.(*Binary); ok && bin.Op == OpAdd {
				if _, ok := bin.R.(*Const); ok {
					incs++
				}
			}
		}
	}
	if incs != 2 {
		t.Errorf("subroutine body cloned %d times, want one per call site", incs)
	}
}

func TestRecursiveSubroutineRejected(t *testing.T) {
	a := cls("A")
	m := newMethod(a, "m", "()V", model.AccPublic|model.AccStatic, []classfile.Instruction{
		{Offset: 0, Op: classfile.OpJsr, Target: 4},
		ins(3, classfile.OpReturn),
		{Offset: 4, Op: classfile.OpAstore, Index: 1},
		{Offset: 5, Op: classfile.OpJsr, Target: 4}, // calls itself
		{Offset: 8, Op: classfile.OpRet, Index: 1},
	}, nil)
	p := resolved(t, a)
	_, err := Lower(p, m)
	if !fault.IsKind(err, fault.Unsupported) {
		t.Errorf("got %v, want Unsupported", err)
	}
}
