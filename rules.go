package pyc39to38

import "github.com/sirupsen/logrus"

// compareOpArg is the "exception match" comparison operator argument
// COMPARE_OP takes in place of a dedicated JUMP_IF_NOT_EXC_MATCH.
const compareOpArg = 10

// RewriteCompareOp applies rule 1: every JUMP_IF_NOT_EXC_MATCH target is
// replaced by COMPARE_OP 10 followed by POP_JUMP_IF_FALSE target.
func RewriteCompareOp(p *Patcher) error {
	_, err := ReplaceOpWithInsts(p, "JUMP_IF_NOT_EXC_MATCH", func(inst *Instruction) []*Instruction {
		return []*Instruction{
			BuildInst(p.Opc, "COMPARE_OP", ImmArg(compareOpArg)),
			BuildInst(p.Opc, "POP_JUMP_IF_FALSE", inst.Arg),
		}
	})
	return err
}

// RewriteReraise applies rule 2: every RERAISE arg becomes END_FINALLY
// arg.
func RewriteReraise(p *Patcher) error {
	return ReplaceOpWithInst(p, "RERAISE", func(inst *Instruction) *Instruction {
		return BuildInst(p.Opc, "END_FINALLY", inst.Arg)
	})
}

// RewriteListFromTuple applies rule 3: for each scanned
// BUILD_LIST-0/LOAD_CONST/LIST_EXTEND-1 site, the three instructions are
// removed and replaced with one LOAD_CONST per tuple element followed by
// a BUILD_LIST n, the elements being appended once to the constants pool
// per distinct source tuple so repeated patterns over the same constant
// share the appended range. log is used to emit the warning about a tuple
// nested inside the list's elements -- the downstream decompiler this
// tool feeds has a known crash on that shape. The warning is emitted at
// most once per call, that is once per code object; a module whose code
// objects each hit the shape logs it once for each of them.
func RewriteListFromTuple(p *Patcher, records []ListFromTupleRecord, log *logrus.Entry) error {
	var history []HistoryEntry
	type constRange struct {
		first, count int
	}
	seen := make(map[int]constRange)
	warnedTuple := false

	for _, record := range records {
		rng, ok := seen[record.ConstIdx]
		if !ok {
			tuple, ok := p.Code.Consts[record.ConstIdx].([]interface{})
			if !ok {
				continue
			}
			rng = constRange{first: len(p.Code.Consts), count: len(tuple)}
			for _, elem := range tuple {
				if _, isTuple := elem.([]interface{}); isTuple && !warnedTuple {
					if log != nil {
						log.Warn("list literal has a tuple nested inside a tuple constant; " +
							"the downstream decompiler is known to crash on this shape")
					}
					warnedTuple = true
				}
				p.Code.Consts = append(p.Code.Consts, elem)
			}
			seen[record.ConstIdx] = rng
		}

		pos := RecalcIndex(history, record.Pos)
		removed := RemoveInsts(p, pos, 3)
		label, hasLabel := removed[0].Label, removed[0].HasLabel
		lineNo, hasLineNo := removed[0].LineNo, removed[0].HasLineNo

		// The popped label and line number attach to the first LOAD_CONST.
		// If the tuple is empty there is no LOAD_CONST to carry them, so
		// BUILD_LIST (still the first emitted instruction in that case)
		// takes the label instead.
		for i := 0; i < rng.count; i++ {
			inst := BuildInst(p.Opc, "LOAD_CONST", ImmArg(rng.first+i))
			lbl := ""
			if i == 0 && hasLabel {
				lbl = label
			}
			if err := p.InsertInst(inst, pos+i, lbl, false); err != nil {
				return err
			}
			if i == 0 && hasLineNo {
				p.Code.LineMap[inst.Offset] = lineNo
			}
		}
		buildList := BuildInst(p.Opc, "BUILD_LIST", ImmArg(rng.count))
		buildListLabel := ""
		if rng.count == 0 && hasLabel {
			buildListLabel = label
		}
		if err := p.InsertInst(buildList, pos+rng.count, buildListLabel, true); err != nil {
			return err
		}
		history = append(history, HistoryEntry{Index: record.Pos, Delta: -3 + rng.count + 1})
	}
	return nil
}

// RewriteFinally applies rule 4: traverses the finally-descriptor forest
// level by level (every region at one nesting level, then all of their
// children) with a shared edit history, removing block1 and its
// trailing JUMP_FORWARD and replacing them with a single BEGIN_FINALLY,
// then carrying the minimum non-null line number of the removed
// instructions onto block2's first instruction. Block1-children are
// intentionally dropped: block1 is removed wholesale, so finally regions
// nested inside it have no successor in 3.8 and are absorbed by the
// enclosing BEGIN_FINALLY. Scope-children and block2-children are
// appended to the work list and recursed into.
func RewriteFinally(p *Patcher, roots []*FinallyRegion) error {
	var history []HistoryEntry
	return rewriteFinallyLevel(p, &history, roots)
}

func rewriteFinallyLevel(p *Patcher, history *[]HistoryEntry, regions []*FinallyRegion) error {
	var children []*FinallyRegion

	for _, region := range regions {
		count := region.Block1.Length + 1
		start := RecalcIndex(*history, region.Block1.Start)
		removed := RemoveInsts(p, start, count)
		*history = append(*history, HistoryEntry{Index: region.Block1.Start, Delta: -count})

		inst := BuildInst(p.Opc, "BEGIN_FINALLY", Argument{})
		insertAt := RecalcIndex(*history, region.Block1.Start)
		if err := p.InsertInst(inst, insertAt, "", true); err != nil {
			return err
		}
		*history = append(*history, HistoryEntry{Index: region.Block1.Start, Delta: 1})

		minLine, hasLine := 0, false
		for _, r := range removed {
			if r.HasLineNo && (!hasLine || r.LineNo < minLine) {
				minLine, hasLine = r.LineNo, true
			}
		}
		if hasLine {
			// block2 starts right after the BEGIN_FINALLY that replaced
			// block1 and its JUMP_FORWARD.
			block2First := p.Code.Instructions[insertAt+1]
			p.Code.LineMap[block2First.Offset] = minLine
		}

		children = append(children, region.ScopeChildren...)
		children = append(children, region.Block2Children...)
	}

	if len(children) > 0 {
		return rewriteFinallyLevel(p, history, children)
	}
	return nil
}

// ApplyRules runs the full 3.9->3.8 rewrite rule set in the declared
// order: single-for-single rewrites first (compare-op expansion, RERAISE
// rename), then the bulk rules that rely on RecalcIndex rather than a
// post-edit instruction list (list-from-tuple demotion, then, unless
// disabled, finally synthesis).
func ApplyRules(p *Patcher, cfg *Config, log *logrus.Entry) error {
	if err := RewriteCompareOp(p); err != nil {
		return err
	}
	if err := RewriteReraise(p); err != nil {
		return err
	}

	records := ScanListFromTuple(p)
	if err := RewriteListFromTuple(p, records, log); err != nil {
		return err
	}

	if !cfg.NoBeginFinally {
		flat, err := ScanFinally(p)
		if err != nil {
			return err
		}
		roots := ParseFinallyHierarchy(flat)
		if err := RewriteFinally(p, roots); err != nil {
			return err
		}
	}
	return nil
}
