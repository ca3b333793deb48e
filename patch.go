package pyc39to38

import (
	"fmt"
	"sort"
)

// RemovedInstruction is the full removal record PopInst and RemoveInsts
// hand back, so callers can redistribute labels and line numbers onto
// whatever they insert in the gap.
type RemovedInstruction struct {
	Inst           *Instruction
	WasBackpatched bool
	Label          string
	HasLabel       bool
	LineNo         int
	HasLineNo      bool
}

// Patcher owns one working code object plus its label table and
// backpatch set. After every primitive operation the four invariants of
// spec.md §3 hold: offsets are the cumulative sum of prior sizes, every
// label points at a live instruction, every backpatch instruction's
// argument is a label in the table, and every line-map offset names a
// live instruction.
type Patcher struct {
	Opc       *OpcodeTable
	Code      *CodeObject
	Label     map[string]int
	Backpatch map[*Instruction]struct{}
}

// NewPatcher wraps code for in-place editing under opc's opcode table.
func NewPatcher(opc *OpcodeTable, code *CodeObject, label map[string]int, backpatch map[*Instruction]struct{}) *Patcher {
	if label == nil {
		label = make(map[string]int)
	}
	if backpatch == nil {
		backpatch = make(map[*Instruction]struct{})
	}
	return &Patcher{Opc: opc, Code: code, Label: label, Backpatch: backpatch}
}

// instToLabel backs up the instruction -> label name mapping for every
// instruction at or after idx, so that after an offset-shifting edit the
// label table can be re-pointed at the same instructions by identity
// rather than by (now stale) offset.
func (p *Patcher) instToLabel(idx int) map[*Instruction]string {
	m := make(map[*Instruction]string)
	for _, inst := range p.Code.Instructions[idx:] {
		for label, offset := range p.Label {
			if offset == inst.Offset {
				m[inst] = label
				break
			}
		}
	}
	return m
}

// NeedBackpatch reports whether inst is a jump whose argument is
// currently a symbolic (unresolved) label.
func (p *Patcher) NeedBackpatch(inst *Instruction) bool {
	return p.Opc.IsJump(inst.OpName) && inst.Arg.IsLabel()
}

func sortedLineOffsets(lineMap map[int]int) []int {
	offs := make([]int, 0, len(lineMap))
	for off := range lineMap {
		offs = append(offs, off)
	}
	sort.Ints(offs)
	return offs
}

// ShiftLineNo adjusts the line-number map after offset by delta.
// allowEqual distinguishes "shift entries strictly after offset" from
// "shift entries at or after offset" -- the latter is used when a newly
// inserted instruction must not inherit the preceding instruction's line
// number.
func (p *Patcher) ShiftLineNo(offset, delta int, allowEqual bool) {
	offs := sortedLineOffsets(p.Code.LineMap)
	cutoff := -1
	for i, off := range offs {
		if off > offset || (allowEqual && off == offset) {
			cutoff = i
			break
		}
	}
	if cutoff == -1 {
		return
	}
	moved := make(map[int]int, len(offs)-cutoff)
	for _, off := range offs[cutoff:] {
		moved[off+delta] = p.Code.LineMap[off]
		delete(p.Code.LineMap, off)
	}
	for off, lineNo := range moved {
		p.Code.LineMap[off] = lineNo
	}
}

// PopInst removes the instruction at idx, shifting every later offset by
// -InstructionSize, re-pointing any label that targeted a shifted
// instruction, and returning whatever label/line-number/backpatch state
// the removed instruction carried so the caller can redistribute it.
func (p *Patcher) PopInst(idx int) RemovedInstruction {
	oldInst2Label := p.instToLabel(idx + 1)

	popped := p.Code.Instructions[idx]
	p.Code.Instructions = append(p.Code.Instructions[:idx], p.Code.Instructions[idx+1:]...)

	_, wasBackpatched := p.Backpatch[popped]
	if wasBackpatched {
		delete(p.Backpatch, popped)
	}

	label, hasLabel := "", false
	for l, off := range p.Label {
		if off == popped.Offset {
			label, hasLabel = l, true
			break
		}
	}
	if hasLabel {
		delete(p.Label, label)
	}

	const size = InstructionSize
	for _, inst := range p.Code.Instructions[idx:] {
		inst.Offset -= size
		if l, ok := oldInst2Label[inst]; ok {
			p.Label[l] = inst.Offset
		}
	}

	lineNo, hasLineNo := 0, false
	if ln, ok := p.Code.LineMap[popped.Offset]; ok {
		lineNo, hasLineNo = ln, true
		delete(p.Code.LineMap, popped.Offset)
	}

	p.ShiftLineNo(popped.Offset, -size, false)

	return RemovedInstruction{
		Inst: popped, WasBackpatched: wasBackpatched,
		Label: label, HasLabel: hasLabel,
		LineNo: lineNo, HasLineNo: hasLineNo,
	}
}

// InsertInst inserts inst at idx, assigning it the offset of the
// preceding instruction plus that instruction's size, then shifts every
// later offset (and re-points labels on shifted instructions) by
// +InstructionSize. If label is non-empty it is installed pointing at
// inst's new offset; installing a label that already exists is an
// ErrLabelReuse. shiftLineNoAtOffset controls whether a line-number
// entry sitting exactly at the insertion offset moves with the shift
// (true) or is left to be inherited by inst (false).
func (p *Patcher) InsertInst(inst *Instruction, idx int, label string, shiftLineNoAtOffset bool) error {
	oldInst2Label := p.instToLabel(idx)

	offset := 0
	if idx > 0 {
		lastInst := p.Code.Instructions[idx-1]
		offset = lastInst.Offset + InstructionSize
	}
	inst.Offset = offset

	insts := make([]*Instruction, 0, len(p.Code.Instructions)+1)
	insts = append(insts, p.Code.Instructions[:idx]...)
	insts = append(insts, inst)
	insts = append(insts, p.Code.Instructions[idx:]...)
	p.Code.Instructions = insts

	if p.NeedBackpatch(inst) {
		p.Backpatch[inst] = struct{}{}
	}

	if label != "" {
		if _, exists := p.Label[label]; exists {
			return fmt.Errorf("%w: %q", ErrLabelReuse, label)
		}
		p.Label[label] = offset
	}

	const size = InstructionSize
	for _, later := range p.Code.Instructions[idx+1:] {
		later.Offset += size
		if l, ok := oldInst2Label[later]; ok {
			p.Label[l] = later.Offset
		}
	}

	p.ShiftLineNo(offset, size, shiftLineNoAtOffset)
	return nil
}

// FixLabel canonicalizes every label name to the form L<offset>. A
// collision here is always a core bug: it means two distinct labels
// ended up pointing at the same offset.
func (p *Patcher) FixLabel() error {
	newLabel := make(map[string]int, len(p.Label))
	for _, offset := range p.Label {
		pretty := fmt.Sprintf("L%d", offset)
		if _, exists := newLabel[pretty]; exists {
			return fmt.Errorf("%w: %q", ErrLabelReuse, pretty)
		}
		newLabel[pretty] = offset
	}
	p.Label = newLabel
	return nil
}

// FixBackpatch rewrites every backpatch instruction's argument to the
// canonical label string for its current target offset. It must run
// before FixLabel renames the label table's keys, since it resolves the
// instruction's (still pre-canonical) label string against the table.
func (p *Patcher) FixBackpatch() {
	for inst := range p.Backpatch {
		oldLabel := inst.Arg.Label
		target, ok := p.Label[oldLabel]
		if !ok {
			continue
		}
		newLabel := fmt.Sprintf("L%d", target)
		if newLabel != oldLabel {
			inst.Arg = LabelArg(newLabel)
		}
	}
}

// FixLineNo assigns each instruction's emitted line number: each
// instruction inherits the most recent line-map entry whose offset is
// <= its own.
func (p *Patcher) FixLineNo() {
	insts := make([]*Instruction, len(p.Code.Instructions))
	copy(insts, p.Code.Instructions)
	sort.Slice(insts, func(i, j int) bool { return insts[i].Offset < insts[j].Offset })

	offs := sortedLineOffsets(p.Code.LineMap)
	oi := -1
	for _, inst := range insts {
		for oi+1 < len(offs) && offs[oi+1] <= inst.Offset {
			oi++
		}
		if oi >= 0 {
			inst.SetLineNo(p.Code.LineMap[offs[oi]])
		}
	}
}

// FixAll finalizes the patcher's working state: backpatch resolution,
// label canonicalization, then line-number assignment. Called exactly
// once, after every rewrite rule has run.
func (p *Patcher) FixAll() error {
	p.FixBackpatch()
	if err := p.FixLabel(); err != nil {
		return err
	}
	p.FixLineNo()
	return nil
}
