package pyc39to38

// buildCode assembles a CodeObject out of (name, arg) pairs, assigning
// sequential two-byte offsets. arg is an immediate; use labelArgs to
// retarget a jump after construction.
func buildCode(opc *OpcodeTable, ops ...opSpec) *CodeObject {
	code := NewCodeObject()
	for i, spec := range ops {
		inst := BuildInst(opc, spec.name, ImmArg(spec.arg))
		inst.Offset = i * InstructionSize
		if spec.line != 0 {
			inst.SetLineNo(spec.line)
			code.LineMap[inst.Offset] = spec.line
		}
		code.Instructions = append(code.Instructions, inst)
	}
	return code
}

type opSpec struct {
	name string
	arg  int
	line int
}

func op(name string, arg int) opSpec { return opSpec{name: name, arg: arg} }

func opLine(name string, arg, line int) opSpec { return opSpec{name: name, arg: arg, line: line} }
