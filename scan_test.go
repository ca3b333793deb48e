package pyc39to38

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildFinallyCode(opc *OpcodeTable) *CodeObject {
	code := buildCode(opc,
		op("SETUP_FINALLY", 0), // 0: retargeted below
		op("LOAD_FAST", 0),     // 1: scope
		op("POP_BLOCK", 0),     // 2
		op("LOAD_CONST", 1),    // 3: block1
		op("JUMP_FORWARD", 0),  // 4
		op("LOAD_CONST", 1),    // 5: block2 (mirrors block1)
		op("END_FINALLY", 0),   // 6
	)
	code.Instructions[0].Arg = LabelArg("block2start")
	return code
}

func TestScanFinallyRecognizesRegion(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildFinallyCode(opc)
	label := map[string]int{"block2start": code.Instructions[5].Offset}
	p := NewPatcher(opc, code, label, nil)

	regions, err := ScanFinally(p)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	r := regions[0]
	require.Equal(t, 0, r.SetupFinallyIdx)
	require.Equal(t, 2, r.PopBlockIdx)
	require.Equal(t, 4, r.JumpForwardIdx)
	require.Equal(t, 6, r.EndFinallyIdx)
	require.Equal(t, 1, r.Block1.Length)
	require.Equal(t, 1, r.Block2.Length)
}

func TestScanFinallyRejectsMismatchedBlocks(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildFinallyCode(opc)
	code.Instructions[5].Arg = ImmArg(99) // block2 now differs from block1
	label := map[string]int{"block2start": code.Instructions[5].Offset}
	p := NewPatcher(opc, code, label, nil)

	_, err := ScanFinally(p)
	require.ErrorIs(t, err, ErrMalformedFinally)
}

func TestScanFinallyIgnoresExceptWithoutFinally(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc,
		op("SETUP_FINALLY", 0),
		op("LOAD_FAST", 0),
		op("POP_BLOCK", 0),
		op("END_FINALLY", 0), // target points right here: no JUMP_FORWARD after POP_BLOCK
	)
	code.Instructions[0].Arg = LabelArg("t")
	label := map[string]int{"t": code.Instructions[3].Offset}
	p := NewPatcher(opc, code, label, nil)

	regions, err := ScanFinally(p)
	require.NoError(t, err)
	require.Empty(t, regions)
}

func TestParseFinallyHierarchyNesting(t *testing.T) {
	outer := &FinallyRegion{SetupFinallyIdx: 0, Scope: Scope{Start: 1, End: 10}, Block1: Scope{Start: 12, End: 13}, Block2: Scope{Start: 15, End: 16}}
	inner := &FinallyRegion{SetupFinallyIdx: 5, Scope: Scope{Start: 6, End: 7}, Block1: Scope{Start: 20, End: 20}, Block2: Scope{Start: 21, End: 21}}

	roots := ParseFinallyHierarchy([]*FinallyRegion{inner, outer})
	require.Len(t, roots, 1)
	require.Same(t, outer, roots[0])
	require.Len(t, roots[0].ScopeChildren, 1)
	require.Same(t, inner, roots[0].ScopeChildren[0])
}

func TestScanListFromTuple(t *testing.T) {
	opc := NewWorkingOpcodeTable()
	code := buildCode(opc,
		op("BUILD_LIST", 0),
		op("LOAD_CONST", 0),
		op("LIST_EXTEND", 1),
		op("RETURN_VALUE", 0),
	)
	code.Consts = []interface{}{[]interface{}{1, 2, 3}}

	p := NewPatcher(opc, code, nil, nil)
	records := ScanListFromTuple(p)
	require.Len(t, records, 1)
	require.Equal(t, 0, records[0].Pos)
	require.Equal(t, 0, records[0].ConstIdx)
}
