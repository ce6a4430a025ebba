package tir

import (
	"sort"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// maxInlinePasses bounds subroutine inlining. Legitimate nesting in compiled
// code is shallow; hitting the cap means mutually recursive subroutines,
// which are rejected rather than unrolled forever.
const maxInlinePasses = 32

// ---------------------------------------------------------------------------
// jsr/ret inlining
// ---------------------------------------------------------------------------

// inlineSubroutines rewrites every jsr call site by cloning the subroutine
// body into fresh offsets past the end of the method and replacing ret with
// a branch back to the return address. The result contains no jsr; the
// original subroutine bodies, ret included, stay in place but no longer have
// a path into them. Exception-table entries covering cloned code are duplicated over the
// cloned range.
func inlineSubroutines(m *model.Method, insts []classfile.Instruction, handlers []classfile.Handler) ([]classfile.Instruction, []classfile.Handler, error) {
	for pass := 0; ; pass++ {
		site := -1
		for i, in := range insts {
			if in.Op == classfile.OpJsr {
				site = i
				break
			}
		}
		if site < 0 {
			return insts, handlers, nil
		}
		if pass >= maxInlinePasses {
			return nil, nil, fault.At(fault.Unsupported, m.Owner.Name, m.Signature(), insts[site].Offset,
				"recursive subroutines cannot be inlined")
		}
		var err error
		insts, handlers, err = inlineOne(m, insts, handlers, site)
		if err != nil {
			return nil, nil, err
		}
	}
}

// inlineOne expands the jsr at index site.
func inlineOne(m *model.Method, insts []classfile.Instruction, handlers []classfile.Handler, site int) ([]classfile.Instruction, []classfile.Handler, error) {
	jsr := insts[site]
	target := jsr.Target

	byOffset := make(map[int]int, len(insts))
	maxEnd := 0
	for i, in := range insts {
		byOffset[in.Offset] = i
		if end := in.Offset + 1; end > maxEnd {
			maxEnd = end
		}
	}
	for _, h := range handlers {
		if h.End > maxEnd {
			maxEnd = h.End
		}
	}

	// Collect the subroutine body: everything reachable from the target
	// without passing through ret (ret itself is included and terminates).
	member := map[int]bool{}
	queue := []int{target}
	for len(queue) > 0 {
		off := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if member[off] {
			continue
		}
		idx, ok := byOffset[off]
		if !ok {
			return nil, nil, fault.At(fault.VerifyError, m.Owner.Name, m.Signature(), off,
				"subroutine branches into the middle of an instruction")
		}
		member[off] = true
		in := insts[idx]
		if in.Op == classfile.OpRet {
			continue
		}
		if in.Op == classfile.OpJsr && in.Target == target {
			return nil, nil, fault.At(fault.Unsupported, m.Owner.Name, m.Signature(), off,
				"recursive subroutines cannot be inlined")
		}
		if in.Op.IsBranch() {
			if in.Op == classfile.OpTableswitch || in.Op == classfile.OpLookupswitch {
				queue = append(queue, in.Default)
				queue = append(queue, in.Targets...)
			} else {
				queue = append(queue, in.Target)
			}
		}
		if !in.Op.IsUnconditional() && idx+1 < len(insts) {
			queue = append(queue, insts[idx+1].Offset)
		}
	}

	offsets := make([]int, 0, len(member))
	for off := range member {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	// The return address lands where execution resumes after the call site.
	if site+1 >= len(insts) {
		return nil, nil, fault.At(fault.VerifyError, m.Owner.Name, m.Signature(), jsr.Offset,
			"jsr at the end of the code")
	}
	returnTo := insts[site+1].Offset

	// Clone with fresh offsets past the end, remapping internal branches.
	base := ((maxEnd + 15) / 16) * 16
	remap := make(map[int]int, len(offsets))
	for i, off := range offsets {
		remap[off] = base + i // clone offsets are dense indices past base
	}
	clones := make([]classfile.Instruction, 0, len(offsets))
	for i, off := range offsets {
		in := insts[byOffset[off]]
		in.Offset = base + i
		switch {
		case off == target:
			// The subroutine entry consumes the pushed return address. The
			// rewrite pushes nothing, so the consumer becomes a no-op.
			if in.Op != classfile.OpAstore && in.Op != classfile.OpPop {
				return nil, nil, fault.At(fault.Unsupported, m.Owner.Name, m.Signature(), off,
					"subroutine does not begin by storing its return address")
			}
			in = classfile.Instruction{Offset: base + i, Op: classfile.OpNop}
		case in.Op == classfile.OpRet:
			in = classfile.Instruction{Offset: base + i, Op: classfile.OpGoto, Target: returnTo}
		case in.Op == classfile.OpTableswitch || in.Op == classfile.OpLookupswitch:
			if t, ok := remap[in.Default]; ok {
				in.Default = t
			}
			targets := make([]int, len(in.Targets))
			for j, t := range in.Targets {
				if nt, ok := remap[t]; ok {
					targets[j] = nt
				} else {
					targets[j] = t
				}
			}
			in.Targets = targets
		case in.Op.IsBranch():
			if t, ok := remap[in.Target]; ok {
				in.Target = t
			}
		}
		clones = append(clones, in)
	}

	// Duplicate exception coverage over the cloned instructions.
	var extra []classfile.Handler
	for _, h := range handlers {
		lo, hi := -1, -1
		for i, off := range offsets {
			if off >= h.Start && off < h.End {
				if lo < 0 {
					lo = base + i
				}
				hi = base + i + 1
			}
		}
		if lo >= 0 {
			extra = append(extra, classfile.Handler{Start: lo, End: hi, Target: h.Target, CatchType: h.CatchType})
		}
	}

	// The call site becomes a plain branch to the cloned entry.
	out := make([]classfile.Instruction, len(insts), len(insts)+len(clones))
	copy(out, insts)
	out[site] = classfile.Instruction{Offset: jsr.Offset, Op: classfile.OpGoto, Target: remap[target]}
	out = append(out, clones...)
	return out, append(handlers, extra...), nil
}
