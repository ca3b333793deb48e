package pyc39to38

import "fmt"

// Opcode names the finally scanner and list-from-tuple scanner look for.
const (
	opSetupFinally = "SETUP_FINALLY"
	opPopBlock     = "POP_BLOCK"
	opJumpForward  = "JUMP_FORWARD"
	opEndFinally   = "END_FINALLY"
	opBuildList    = "BUILD_LIST"
	opLoadConst    = "LOAD_CONST"
	opListExtend   = "LIST_EXTEND"
)

const unconfirmed = -1

// Scope is an inclusive-end, instruction-index range plus its length:
// [Start, End] is inclusive, matching the original's half-open-by-count
// bookkeeping (End - Start + 1 == Length).
type Scope struct {
	Start, End, Length int
}

// FinallyRegion is one recognized try/finally shape: the protected
// scope, the two structurally-equal copies of the finally body (block1,
// the "normal path" duplicate; block2, the "exception path" copy), and
// the instruction indices that bound them. Children are other finally
// regions nested inside this one's scope, block1, or block2.
type FinallyRegion struct {
	SetupFinallyIdx int
	PopBlockIdx     int
	Scope           Scope
	Block1          Scope
	JumpForwardIdx  int
	Block2          Scope
	EndFinallyIdx   int

	ScopeChildren  []*FinallyRegion
	Block1Children []*FinallyRegion
	Block2Children []*FinallyRegion
}

// ScanFinally performs the single forward pass (scope discovery) and
// second pass (block1/block2 structural validation) described in
// spec.md §4.4. It returns the flat list of recognized finally regions
// (an except-without-finally, or a finally whose body is empty, is
// scanned and then silently discarded -- it isn't a finally 3.8 needs to
// see synthesized).
func ScanFinally(p *Patcher) ([]*FinallyRegion, error) {
	var stack []*FinallyRegion
	var regions []*FinallyRegion

	insts := p.Code.Instructions
	for i, inst := range insts {
		switch inst.OpName {
		case opSetupFinally:
			target, ok := p.Label[inst.Arg.Label]
			if !ok {
				return nil, fmt.Errorf("%w: SETUP_FINALLY at %d targets unknown label %q", ErrMalformedFinally, i, inst.Arg.Label)
			}
			block2Start := FindInstAtOffset(insts, target)
			if block2Start == -1 {
				return nil, fmt.Errorf("%w: cannot find block2 for finally at %d", ErrMalformedFinally, i)
			}
			region := &FinallyRegion{
				SetupFinallyIdx: i,
				PopBlockIdx:     unconfirmed,
				JumpForwardIdx:  unconfirmed,
				EndFinallyIdx:   unconfirmed,
				Block2:          Scope{Start: block2Start, End: unconfirmed, Length: unconfirmed},
			}
			stack = append(stack, region)
		case opPopBlock:
			if len(stack) == 0 {
				continue
			}
			region := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			region.PopBlockIdx = i
			region.Scope = Scope{
				Start:  region.SetupFinallyIdx + 1,
				End:    region.PopBlockIdx - 1,
				Length: region.PopBlockIdx - region.SetupFinallyIdx - 1,
			}
			regions = append(regions, region)
		}
	}

	if len(stack) != 0 {
		return nil, fmt.Errorf("%w: unmatched SETUP_FINALLY at %d", ErrMalformedFinally, stack[0].SetupFinallyIdx)
	}

	kept := regions[:0:0]
	for _, region := range regions {
		region.JumpForwardIdx = region.Block2.Start - 1
		if region.JumpForwardIdx == region.PopBlockIdx {
			// No JUMP_FORWARD: this is an except without a finally.
			continue
		}
		if insts[region.JumpForwardIdx].OpName != opJumpForward {
			return nil, fmt.Errorf("%w: instruction %d should be JUMP_FORWARD or POP_BLOCK, is %s",
				ErrMalformedFinally, region.JumpForwardIdx, insts[region.JumpForwardIdx].OpName)
		}

		block1Len := region.JumpForwardIdx - region.PopBlockIdx - 1
		if block1Len == 0 {
			// except with finally but an empty body: 3.8 can't express it.
			continue
		}
		region.Block1 = Scope{
			Start:  region.PopBlockIdx + 1,
			End:    region.JumpForwardIdx - 1,
			Length: block1Len,
		}
		region.Block2.End = region.Block2.Start + block1Len - 1
		region.Block2.Length = block1Len

		if err := validateFinallyBody(p, region); err != nil {
			return nil, err
		}

		region.EndFinallyIdx = region.Block2.End + 1
		if insts[region.EndFinallyIdx].OpName != opEndFinally {
			return nil, fmt.Errorf("%w: instruction %d should be END_FINALLY", ErrMalformedFinally, region.EndFinallyIdx)
		}
		kept = append(kept, region)
	}

	return kept, nil
}

// validateFinallyBody checks block1 and block2 are pointwise structurally
// equal: same opname and line number throughout, matching relative jump
// displacement for jumps, matching raw argument otherwise.
func validateFinallyBody(p *Patcher, region *FinallyRegion) error {
	insts := p.Code.Instructions
	for j := 0; j < region.Block1.Length; j++ {
		inst := insts[region.Block2.Start+j]
		block1Inst := insts[region.Block1.Start+j]

		instLine, instHasLine := lineAt(p.Code.LineMap, inst.Offset)
		b1Line, b1HasLine := lineAt(p.Code.LineMap, block1Inst.Offset)
		if inst.OpName != block1Inst.OpName || instHasLine != b1HasLine || instLine != b1Line {
			return fmt.Errorf("%w: finally at %d, block2 inst #%d differs from block1",
				ErrMalformedFinally, region.SetupFinallyIdx, j)
		}
		if p.NeedBackpatch(inst) {
			target, ok := p.Label[inst.Arg.Label]
			if !ok {
				return fmt.Errorf("%w: finally at %d, block2 inst #%d targets unknown label",
					ErrMalformedFinally, region.SetupFinallyIdx, j)
			}
			b1Target, ok := p.Label[block1Inst.Arg.Label]
			if !ok {
				return fmt.Errorf("%w: finally at %d, block1 inst #%d targets unknown label",
					ErrMalformedFinally, region.SetupFinallyIdx, j)
			}
			relOffset := target - inst.Offset
			b1RelOffset := b1Target - block1Inst.Offset
			if relOffset != b1RelOffset {
				return fmt.Errorf("%w: finally at %d, block2 inst #%d jump displacement %d differs from block1's %d",
					ErrMalformedFinally, region.SetupFinallyIdx, j, relOffset, b1RelOffset)
			}
		} else if inst.Arg != block1Inst.Arg {
			return fmt.Errorf("%w: finally at %d, block2 inst #%d argument %v differs from block1's %v",
				ErrMalformedFinally, region.SetupFinallyIdx, j, inst.Arg, block1Inst.Arg)
		}
	}
	return nil
}

func lineAt(lineMap map[int]int, offset int) (int, bool) {
	line, ok := lineMap[offset]
	return line, ok
}

// ParseFinallyHierarchy groups a flat, setup-index-sorted list of
// finally regions into a forest: the first region in source order is
// always a root (nesting cannot precede its outer setup), and every
// later region whose setup index falls inside a root's scope, block1, or
// block2 becomes that root's child in the matching bucket. Remaining
// regions become additional roots. Child buckets are parsed recursively.
func ParseFinallyHierarchy(regions []*FinallyRegion) []*FinallyRegion {
	if len(regions) == 0 {
		return nil
	}
	sortFinallyBySetupIdx(regions)

	var roots []*FinallyRegion
	remaining := regions
	for len(remaining) > 0 {
		root := remaining[0]
		rest := remaining[1:]

		var scopeKids, block1Kids, block2Kids, others []*FinallyRegion
		for _, candidate := range rest {
			switch {
			case candidate.SetupFinallyIdx >= root.Scope.Start && candidate.SetupFinallyIdx <= root.Scope.End:
				scopeKids = append(scopeKids, candidate)
			case candidate.SetupFinallyIdx >= root.Block1.Start && candidate.SetupFinallyIdx <= root.Block1.End:
				block1Kids = append(block1Kids, candidate)
			case candidate.SetupFinallyIdx >= root.Block2.Start && candidate.SetupFinallyIdx <= root.Block2.End:
				block2Kids = append(block2Kids, candidate)
			default:
				others = append(others, candidate)
			}
		}

		root.ScopeChildren = ParseFinallyHierarchy(scopeKids)
		root.Block1Children = ParseFinallyHierarchy(block1Kids)
		root.Block2Children = ParseFinallyHierarchy(block2Kids)

		roots = append(roots, root)
		remaining = others
	}
	return roots
}

func sortFinallyBySetupIdx(regions []*FinallyRegion) {
	for i := 1; i < len(regions); i++ {
		for j := i; j > 0 && regions[j-1].SetupFinallyIdx > regions[j].SetupFinallyIdx; j-- {
			regions[j-1], regions[j] = regions[j], regions[j-1]
		}
	}
}

// ListFromTupleRecord is one recognized 3.9 "build a list out of a
// constant tuple" peephole site: pos is the index of the BUILD_LIST 0
// that starts the 3-instruction pattern, and constIdx is the constants
// pool index of the tuple the following LOAD_CONST loads.
type ListFromTupleRecord struct {
	Pos      int
	ConstIdx int
}

// ScanListFromTuple recognizes the 3-instruction 3.9 sequence
// `BUILD_LIST 0; LOAD_CONST <tuple>; LIST_EXTEND 1` that the 3.9
// compiler emits in place of one LOAD_CONST-per-element plus a single
// BUILD_LIST n.
func ScanListFromTuple(p *Patcher) []ListFromTupleRecord {
	var records []ListFromTupleRecord
	insts := p.Code.Instructions
	for i := 0; i+2 < len(insts); i++ {
		if insts[i].OpName != opBuildList || insts[i].Arg.Imm != 0 {
			continue
		}
		loadConst := insts[i+1]
		if loadConst.OpName != opLoadConst || loadConst.Arg.IsLabel() {
			continue
		}
		extend := insts[i+2]
		if extend.OpName != opListExtend || extend.Arg.Imm != 1 {
			continue
		}
		records = append(records, ListFromTupleRecord{Pos: i, ConstIdx: loadConst.Arg.Imm})
	}
	return records
}
