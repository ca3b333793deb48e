package pyc39to38

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// WalkModule rewrites module's entire code object graph. Nested code
// objects are processed leaf-first: every code object a constants pool
// refers to is rewritten before the code object that refers to it, so the
// parent's own rewrite sees the already-rewritten child.
func WalkModule(module *Module, cfg *Config, log *logrus.Entry) (*Module, error) {
	if module.Version != Version39 {
		return nil, ErrWrongVersion
	}
	opc := NewWorkingOpcodeTable()

	order := leafFirstOrder(module.Root)
	processed := make(map[*CodeObject]*CodeObject, len(order))
	for i, src := range order {
		code := copyIn(src)
		err := relinkNestedCode(code, processed)
		var rewritten *CodeObject
		if err == nil {
			rewritten, err = rewriteCode(code, opc, cfg, log)
		}
		if err != nil {
			if log != nil {
				log.WithFields(logrus.Fields{"code_index": i, "code": src.Meta.Name}).Error(err)
			}
			return nil, err
		}
		processed[src] = rewritten
	}

	root, ok := processed[module.Root]
	if !ok {
		return nil, ErrMissingNestedCode
	}
	return &Module{
		Root:       root,
		Version:    Version38,
		Timestamp:  module.Timestamp,
		IsPyPy:     module.IsPyPy,
		SourceSize: module.SourceSize,
	}, nil
}

// leafFirstOrder returns every code object reachable from root (root
// included) in post-order, so that walking the result in order never
// rewrites a code object before any code object nested in its constants
// pool.
func leafFirstOrder(root *CodeObject) []*CodeObject {
	var order []*CodeObject
	seen := make(map[*CodeObject]bool)
	var visit func(*CodeObject)
	visit = func(code *CodeObject) {
		if code == nil || seen[code] {
			return
		}
		seen[code] = true
		for _, c := range code.Consts {
			if nested, ok := c.(*CodeObject); ok {
				visit(nested)
			}
		}
		order = append(order, code)
	}
	visit(root)
	return order
}

// relinkNestedCode swaps every nested-code-object constant on code for
// its already-rewritten counterpart. processed is keyed by the original,
// pre-rewrite code object pointer, since that is the identity code's
// freshly copied-in constants pool still holds.
func relinkNestedCode(code *CodeObject, processed map[*CodeObject]*CodeObject) error {
	for i, c := range code.Consts {
		nested, ok := c.(*CodeObject)
		if !ok {
			continue
		}
		rewritten, ok := processed[nested]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingNestedCode, nested.Meta.Name)
		}
		code.Consts[i] = rewritten
	}
	return nil
}

// copyIn deep-copies src's instructions, constants, line map, and
// metadata into a fresh, independently editable CodeObject. The
// constants pool is copied shallowly: a nested code object constant
// keeps pointing at the original (pre-rewrite) child, which
// relinkNestedCode then swaps for the rewritten one.
func copyIn(src *CodeObject) *CodeObject {
	code := &CodeObject{
		Consts:  append([]interface{}(nil), src.Consts...),
		LineMap: make(map[int]int, len(src.LineMap)),
		Meta:    src.Meta,
	}
	for off, line := range src.LineMap {
		code.LineMap[off] = line
	}
	code.Instructions = make([]*Instruction, len(src.Instructions))
	for i, inst := range src.Instructions {
		code.Instructions[i] = inst.Clone()
	}
	return code
}

// stripWideArgPrefixes removes every EXTENDED_ARG instruction from code,
// renumbers the surviving instructions' offsets, and re-anchors the
// line-number map onto the new offsets. The disassembler (C7) has already
// folded each EXTENDED_ARG chain's bits into the argument of the
// instruction it prefixes, so no argument recombination happens here --
// this only removes the now-redundant placeholder instructions and keeps
// the offset space internally consistent. It returns the old-offset ->
// new-offset map, including an entry for every offset a removed prefix
// used to occupy (mapped to the offset of the instruction that absorbed
// it), so the caller can re-resolve jump targets still expressed in old
// offsets.
//
// By default a line-number entry that had been anchored to a prefix
// moves onto the instruction it prefixed if that instruction has none of
// its own. With cfg.PreserveLinenoAfterExtArg set, a prefix's line-number
// entry is discarded instead: the prefixed instruction keeps only its own
// entry, if it has one.
func stripWideArgPrefixes(code *CodeObject, cfg *Config) map[int]int {
	var kept []*Instruction
	var groups [][]int
	var pending []int
	for _, inst := range code.Instructions {
		if inst.OpName == "EXTENDED_ARG" {
			pending = append(pending, inst.Offset)
			continue
		}
		group := append(pending, inst.Offset)
		pending = nil
		kept = append(kept, inst)
		groups = append(groups, group)
	}

	oldLineMap := code.LineMap
	newLineMap := make(map[int]int, len(oldLineMap))
	oldToNewOffset := make(map[int]int, len(code.Instructions))

	preserve := cfg != nil && cfg.PreserveLinenoAfterExtArg
	for i, inst := range kept {
		newOffset := i * InstructionSize
		group := groups[i]
		ownOld := group[len(group)-1]
		for _, old := range group {
			oldToNewOffset[old] = newOffset
			if preserve && old != ownOld {
				continue
			}
			if line, ok := oldLineMap[old]; ok {
				newLineMap[newOffset] = line
			}
		}
		inst.Offset = newOffset
	}

	code.Instructions = kept
	code.LineMap = newLineMap
	return oldToNewOffset
}

// convertJumpsToLabels rewrites every jump instruction's argument -- an
// absolute byte offset in the pre-strip offset space, however the
// opcode's own argument is encoded on the wire -- into a symbolic label
// pointing at the corresponding post-strip offset, and returns the label
// table and backpatch set a Patcher needs to keep editing it. The
// relative-vs-absolute distinction on the wire only matters again when
// the container adapter (C7) re-encodes the final instruction stream.
//
// opc.IsJump answers true for any JumpKind other than NotJump, and every
// jump in the current table is JumpRelative or JumpAbsolute, so the
// default case below is unreachable today; it is a defensive guard so
// that a table entry carrying any other JumpKind value fails the
// conversion loudly instead of being backpatched as if it were an
// ordinary absolute jump. An entry with no JumpKind at all is NotJump
// and is treated as an ordinary non-jump instruction.
func convertJumpsToLabels(code *CodeObject, opc *OpcodeTable, oldToNewOffset map[int]int) (map[string]int, map[*Instruction]struct{}, error) {
	label := make(map[string]int)
	backpatch := make(map[*Instruction]struct{})
	for _, inst := range code.Instructions {
		if !opc.IsJump(inst.OpName) {
			continue
		}
		switch opc.JumpKind(inst.OpName) {
		case JumpRelative, JumpAbsolute:
		default:
			return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedJump, inst.OpName)
		}

		newTarget, ok := oldToNewOffset[inst.Arg.Imm]
		if !ok {
			newTarget = inst.Arg.Imm
		}
		name := fmt.Sprintf("L%d", newTarget)
		label[name] = newTarget
		inst.Arg = LabelArg(name)
		backpatch[inst] = struct{}{}
	}
	return label, backpatch, nil
}

// reinsertWideArgPrefixes restores EXTENDED_ARG prefixes ahead of every
// instruction whose final argument needs one, iterating to a fixed
// point: inserting a prefix shifts every later offset by
// InstructionSize, which can itself push some other instruction's jump
// target, or a later instruction's own argument, across a width
// threshold. Prefix counts are only ever grown, never shrunk once
// inserted, which guarantees the loop terminates.
func reinsertWideArgPrefixes(p *Patcher) error {
	for {
		changed := false
		i := 0
		for i < len(p.Code.Instructions) {
			inst := p.Code.Instructions[i]
			if inst.OpName == "EXTENDED_ARG" {
				i++
				continue
			}
			have := 0
			for j := i - 1; j >= 0 && p.Code.Instructions[j].OpName == "EXTENDED_ARG"; j-- {
				have++
			}
			want := WideArgPrefixCount(wideArgMagnitude(p, inst))
			if want > have {
				pos := i - have
				for k := 0; k < want-have; k++ {
					ext := BuildInst(p.Opc, "EXTENDED_ARG", ImmArg(0))
					if err := p.InsertInst(ext, pos, "", false); err != nil {
						return err
					}
				}
				changed = true
				i = pos + want + 1
				continue
			}
			i++
		}
		if !changed {
			return nil
		}
	}
}

// wideArgMagnitude is the numeric value WideArgPrefixCount should size a
// prefix chain for: an immediate instruction's argument directly, a
// JumpAbsolute instruction's resolved target offset, or a JumpRelative
// instruction's distance from the instruction following it.
func wideArgMagnitude(p *Patcher, inst *Instruction) int {
	if !inst.Arg.IsLabel() {
		return inst.Arg.Imm
	}
	target, ok := p.Label[inst.Arg.Label]
	if !ok {
		return 0
	}
	if p.Opc.JumpKind(inst.OpName) == JumpRelative {
		delta := target - (inst.Offset + InstructionSize)
		if delta < 0 {
			delta = 0
		}
		return delta
	}
	return target
}

// rewriteCode runs C6 steps 2 through 5 on code: strip wide-argument
// prefixes, convert jump arguments to labels, apply the rewrite rules,
// re-insert wide-argument prefixes, and finalize. relinkNestedCode must
// already have swapped code's nested code object constants for their
// rewritten counterparts (step 5's other half) by the time this runs.
func rewriteCode(code *CodeObject, opc *OpcodeTable, cfg *Config, log *logrus.Entry) (*CodeObject, error) {
	oldToNewOffset := stripWideArgPrefixes(code, cfg)
	label, backpatch, err := convertJumpsToLabels(code, opc, oldToNewOffset)
	if err != nil {
		return nil, err
	}

	entry := log
	if entry != nil {
		entry = entry.WithField("code", code.Meta.Name)
	}

	p := NewPatcher(opc, code, label, backpatch)
	if err := ApplyRules(p, cfg, entry); err != nil {
		return nil, err
	}
	if err := reinsertWideArgPrefixes(p); err != nil {
		return nil, err
	}
	if err := p.FixAll(); err != nil {
		return nil, err
	}
	return p.Code, nil
}
