package pyc39to38

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteCompareOp(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc, op("JUMP_IF_NOT_EXC_MATCH", 0), op("NOP", 0))
	jump := code.Instructions[0]
	jump.Arg = LabelArg("handler")
	label := map[string]int{"handler": 2}
	p := NewPatcher(opc, code, label, map[*Instruction]struct{}{jump: {}})

	require.NoError(t, RewriteCompareOp(p))
	require.Len(t, p.Code.Instructions, 3)
	require.Equal(t, "COMPARE_OP", p.Code.Instructions[0].OpName)
	require.Equal(t, compareOpArg, p.Code.Instructions[0].Arg.Imm)
	require.Equal(t, "POP_JUMP_IF_FALSE", p.Code.Instructions[1].OpName)
	require.Equal(t, "handler", p.Code.Instructions[1].Arg.Label)
}

func TestRewriteReraise(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc, op("RERAISE", 0))
	p := NewPatcher(opc, code, nil, nil)

	require.NoError(t, RewriteReraise(p))
	require.Equal(t, "END_FINALLY", p.Code.Instructions[0].OpName)
}

func TestRewriteListFromTuple(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc,
		opLine("BUILD_LIST", 0, 9),
		op("LOAD_CONST", 0),
		op("LIST_EXTEND", 1),
		op("RETURN_VALUE", 0),
	)
	code.Consts = []interface{}{[]interface{}{10, 20}}
	p := NewPatcher(opc, code, nil, nil)

	records := ScanListFromTuple(p)
	require.NoError(t, RewriteListFromTuple(p, records, nil))

	require.Equal(t, []string{"LOAD_CONST", "LOAD_CONST", "BUILD_LIST", "RETURN_VALUE"}, opNames(p.Code.Instructions))
	require.Equal(t, 9, p.Code.LineMap[0], "the popped line number moves to the first LOAD_CONST")
	require.Equal(t, 1, p.Code.Instructions[0].Arg.Imm)
	require.Equal(t, 2, p.Code.Instructions[1].Arg.Imm)
	require.Equal(t, 2, p.Code.Instructions[2].Arg.Imm, "BUILD_LIST's argument is the element count")
	require.Equal(t, []interface{}{[]interface{}{10, 20}, 10, 20}, p.Code.Consts)
}

func TestRewriteListFromTupleEmptyTupleKeepsLabelOnBuildList(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc,
		op("BUILD_LIST", 0),
		op("LOAD_CONST", 0),
		op("LIST_EXTEND", 1),
		op("RETURN_VALUE", 0),
	)
	code.Consts = []interface{}{[]interface{}{}}
	label := map[string]int{"top": 0}
	p := NewPatcher(opc, code, label, nil)

	records := ScanListFromTuple(p)
	require.NoError(t, RewriteListFromTuple(p, records, nil))
	require.Equal(t, []string{"BUILD_LIST", "RETURN_VALUE"}, opNames(p.Code.Instructions))
	require.Equal(t, 0, p.Label["top"])
}

func TestApplyRulesOrder(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc,
		op("JUMP_IF_NOT_EXC_MATCH", 0),
		op("RERAISE", 0),
	)
	jump := code.Instructions[0]
	jump.Arg = LabelArg("handler")
	label := map[string]int{"handler": 2}
	p := NewPatcher(opc, code, label, map[*Instruction]struct{}{jump: {}})

	cfg := NewConfig()
	cfg.NoBeginFinally = true
	require.NoError(t, ApplyRules(p, cfg, nil))

	require.Equal(t, []string{"COMPARE_OP", "POP_JUMP_IF_FALSE", "END_FINALLY"}, opNames(p.Code.Instructions))
}

func TestRewriteFinally(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildFinallyCode(opc)
	label := map[string]int{"block2start": code.Instructions[5].Offset}
	p := NewPatcher(opc, code, label, nil)

	regions, err := ScanFinally(p)
	require.NoError(t, err)
	roots := ParseFinallyHierarchy(regions)
	require.NoError(t, RewriteFinally(p, roots))

	require.Equal(t, []string{"SETUP_FINALLY", "LOAD_FAST", "POP_BLOCK", "BEGIN_FINALLY", "LOAD_CONST", "END_FINALLY"}, opNames(p.Code.Instructions))
}

func opNames(insts []*Instruction) []string {
	names := make([]string, len(insts))
	for i, inst := range insts {
		names[i] = inst.OpName
	}
	return names
}
