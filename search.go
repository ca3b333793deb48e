package pyc39to38

// FindOp returns the index of the first instruction named opname, or -1
// if there is none.
func FindOp(insts []*Instruction, opname string) int {
	for i, inst := range insts {
		if inst.OpName == opname {
			return i
		}
	}
	return -1
}

// FindInstAtOffset returns the index of the instruction at offset, or -1
// if there is none.
func FindInstAtOffset(insts []*Instruction, offset int) int {
	for i, inst := range insts {
		if inst.Offset == offset {
			return i
		}
	}
	return -1
}

// ReplaceOpWithInst repeatedly finds the first instruction named opname,
// pops it, asks callback to build a single replacement, and re-inserts
// it at the same index carrying the popped label and line number.
// Terminates because callback must never emit an instruction named
// opname.
func ReplaceOpWithInst(p *Patcher, opname string, callback func(*Instruction) *Instruction) error {
	for {
		idx := FindOp(p.Code.Instructions, opname)
		if idx == -1 {
			return nil
		}
		removed := p.PopInst(idx)
		replacement := callback(removed.Inst)
		if err := p.InsertInst(replacement, idx, removed.Label, true); err != nil {
			return err
		}
		if removed.HasLineNo {
			p.Code.LineMap[replacement.Offset] = removed.LineNo
		}
	}
}

// ReplaceOpWithInsts is ReplaceOpWithInst, but callback returns an
// ordered list of replacements: the first carries the popped label and
// line number, the shift-line-no-at-offset flag, the rest carry neither.
// Returns the number of occurrences replaced.
func ReplaceOpWithInsts(p *Patcher, opname string, callback func(*Instruction) []*Instruction) (int, error) {
	count := 0
	for {
		idx := FindOp(p.Code.Instructions, opname)
		if idx == -1 {
			return count, nil
		}
		removed := p.PopInst(idx)
		replacements := callback(removed.Inst)
		for i, inst := range replacements {
			if i == 0 {
				if err := p.InsertInst(inst, idx, removed.Label, true); err != nil {
					return count, err
				}
				if removed.HasLineNo {
					p.Code.LineMap[inst.Offset] = removed.LineNo
				}
			} else {
				if err := p.InsertInst(inst, idx+i, "", false); err != nil {
					return count, err
				}
			}
		}
		count++
	}
}

// RemoveInsts pops count consecutive instructions starting at idx,
// returning the full removal record for each so callers (typically bulk
// rewrite rules) can redistribute labels and line numbers among whatever
// they insert in the gap.
func RemoveInsts(p *Patcher, idx, count int) []RemovedInstruction {
	removed := make([]RemovedInstruction, 0, count)
	for i := 0; i < count; i++ {
		removed = append(removed, p.PopInst(idx))
	}
	return removed
}
