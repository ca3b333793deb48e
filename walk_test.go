package pyc39to38

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWalkModuleRejectsWrongVersion(t *testing.T) {
	module := &Module{Root: NewCodeObject(), Version: Version38}
	_, err := WalkModule(module, NewConfig(), nil)
	require.ErrorIs(t, err, ErrWrongVersion)
}

func TestWalkModuleRewritesCompareAndReraise(t *testing.T) {
	opc39 := NewOpcodeTable(Version39)
	code := NewCodeObject()
	code.Instructions = []*Instruction{
		BuildInst(opc39, "JUMP_IF_NOT_EXC_MATCH", ImmArg(4)),
		BuildInst(opc39, "RERAISE", ImmArg(0)),
		BuildInst(opc39, "NOP", ImmArg(0)),
	}
	for i, inst := range code.Instructions {
		inst.Offset = i * InstructionSize
	}
	code.Meta.Name = "<module>"

	module := &Module{Root: code, Version: Version39, Timestamp: 123}
	cfg := NewConfig()
	cfg.NoBeginFinally = true

	rewritten, err := WalkModule(module, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, Version38, rewritten.Version)
	require.Equal(t, uint32(123), rewritten.Timestamp)

	got := opNames(rewritten.Root.Instructions)
	require.Equal(t, []string{"COMPARE_OP", "POP_JUMP_IF_FALSE", "END_FINALLY", "NOP"}, got)

	jumpArg := rewritten.Root.Instructions[1].Arg
	require.True(t, jumpArg.IsLabel())
	require.Equal(t, "L6", jumpArg.Label, "the jump must retarget the NOP instruction's final offset")
}

func TestConvertJumpsToLabelsRejectsUnclassifiedJumpKind(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := NewCodeObject()
	inst := BuildInst(opc, "JUMP_IF_FALSE_OR_POP", ImmArg(0))
	code.Instructions = []*Instruction{inst}

	// Force a jump-by-name opcode into a JumpKind the table should never
	// produce on its own, to exercise the defensive check directly.
	opc.byName["JUMP_IF_FALSE_OR_POP"] = OpInfo{Code: inst.Opcode, Name: "JUMP_IF_FALSE_OR_POP", Jump: JumpKind(99)}

	_, _, err := convertJumpsToLabels(code, opc, map[int]int{})
	require.ErrorIs(t, err, ErrUnsupportedJump)
}

func TestWalkModuleRelinksNestedCodeLeafFirst(t *testing.T) {
	opc39 := NewOpcodeTable(Version39)

	child := NewCodeObject()
	child.Meta.Name = "inner"
	child.Instructions = []*Instruction{BuildInst(opc39, "RETURN_VALUE", ImmArg(0))}

	root := NewCodeObject()
	root.Meta.Name = "<module>"
	root.Consts = []interface{}{child}
	root.Instructions = []*Instruction{BuildInst(opc39, "RETURN_VALUE", ImmArg(0))}

	module := &Module{Root: root, Version: Version39}
	rewritten, err := WalkModule(module, NewConfig(), nil)
	require.NoError(t, err)

	require.Len(t, rewritten.Root.Consts, 1)
	nested, ok := rewritten.Root.Consts[0].(*CodeObject)
	require.True(t, ok)
	require.NotSame(t, child, nested, "the relinked constant must be the rewritten copy, not the original")
	require.Equal(t, "inner", nested.Meta.Name)
}

func TestReinsertWideArgPrefixes(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	target := BuildInst(opc, "NOP", ImmArg(0))
	target.Offset = 0
	jump := BuildInst(opc, "JUMP_ABSOLUTE", Argument{})
	jump.Offset = 2
	jump.Arg = LabelArg("big")

	code := NewCodeObject()
	code.Instructions = []*Instruction{target, jump}
	label := map[string]int{"big": 0x1FFFF}
	backpatch := map[*Instruction]struct{}{jump: {}}
	p := NewPatcher(opc, code, label, backpatch)

	require.NoError(t, reinsertWideArgPrefixes(p))

	names := opNames(p.Code.Instructions)
	require.Equal(t, []string{"NOP", "EXTENDED_ARG", "EXTENDED_ARG", "JUMP_ABSOLUTE"}, names,
		"0x1FFFF needs two EXTENDED_ARG prefixes ahead of the jump")
}
