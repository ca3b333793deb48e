package pyc39to38

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindOpAndFindInstAtOffset(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc, op("LOAD_FAST", 0), op("RETURN_VALUE", 0))

	require.Equal(t, 1, FindOp(code.Instructions, "RETURN_VALUE"))
	require.Equal(t, -1, FindOp(code.Instructions, "NOP"))
	require.Equal(t, 1, FindInstAtOffset(code.Instructions, 2))
	require.Equal(t, -1, FindInstAtOffset(code.Instructions, 99))
}

func TestReplaceOpWithInstCarriesLabelAndLine(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc, opLine("RERAISE", 0, 7), op("NOP", 0))
	label := map[string]int{"top": 0}
	p := NewPatcher(opc, code, label, nil)

	err := ReplaceOpWithInst(p, "RERAISE", func(inst *Instruction) *Instruction {
		return BuildInst(p.Opc, "END_FINALLY", inst.Arg)
	})
	require.NoError(t, err)
	require.Equal(t, "END_FINALLY", p.Code.Instructions[0].OpName)
	require.Equal(t, 0, p.Label["top"], "the popped label must land on the replacement")
	require.Equal(t, 7, p.Code.LineMap[0])
}

func TestReplaceOpWithInstsExpandsInPlace(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc, opLine("JUMP_IF_NOT_EXC_MATCH", 0, 3), op("NOP", 0))
	jump := code.Instructions[0]
	jump.Arg = LabelArg("target")
	label := map[string]int{"start": 0, "target": 2}
	p := NewPatcher(opc, code, label, map[*Instruction]struct{}{jump: {}})

	count, err := ReplaceOpWithInsts(p, "JUMP_IF_NOT_EXC_MATCH", func(inst *Instruction) []*Instruction {
		return []*Instruction{
			BuildInst(p.Opc, "COMPARE_OP", ImmArg(10)),
			BuildInst(p.Opc, "POP_JUMP_IF_FALSE", inst.Arg),
		}
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, p.Code.Instructions, 3)
	require.Equal(t, "COMPARE_OP", p.Code.Instructions[0].OpName)
	require.Equal(t, "POP_JUMP_IF_FALSE", p.Code.Instructions[1].OpName)
	require.Equal(t, 0, p.Label["start"], "the popped label must land on the first replacement")
	require.Equal(t, 3, p.Code.LineMap[0])
}

func TestRemoveInsts(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc, op("NOP", 0), op("NOP", 1), op("NOP", 2), op("RETURN_VALUE", 0))
	p := NewPatcher(opc, code, nil, nil)

	removed := RemoveInsts(p, 0, 2)
	require.Len(t, removed, 2)
	require.Equal(t, 0, removed[0].Inst.Arg.Imm)
	require.Equal(t, 1, removed[1].Inst.Arg.Imm)
	require.Len(t, p.Code.Instructions, 2)
}
