package pyc39to38

// Version identifies one of the two interpreter versions the core knows
// how to work with. The core never hard-codes a choice between them:
// both tables are constructed side by side and threaded explicitly into
// the patcher and walker (see C6).
type Version int

// The two interpreter versions this tool bridges.
const (
	Version38 Version = 38
	Version39 Version = 39
)

func (v Version) String() string {
	switch v {
	case Version38:
		return "3.8"
	case Version39:
		return "3.9"
	default:
		return "unknown"
	}
}

// JumpKind classifies how a jump instruction's argument is resolved to a
// byte offset at serialization time.
type JumpKind int

// Jump classifications. NotJump instructions carry an immediate argument
// with no offset semantics at all.
const (
	NotJump JumpKind = iota
	JumpRelative
	JumpAbsolute
)

// OpInfo is one opcode table entry: the integer value the encoder/decoder
// use on the wire, the symbolic name instructions carry through editing,
// and whether (and how) it is a jump.
type OpInfo struct {
	Code int
	Name string
	Jump JumpKind
}

// OpcodeTable answers the three queries C1 names: opcode-by-name,
// jump classification, and (via WideArgPrefixCount/InstructionSize)
// encoded instruction size.
type OpcodeTable struct {
	Version Version
	byName  map[string]OpInfo
	byCode  map[int]OpInfo
}

func newOpcodeTable(version Version, ops []OpInfo) *OpcodeTable {
	t := &OpcodeTable{
		Version: version,
		byName:  make(map[string]OpInfo, len(ops)),
		byCode:  make(map[int]OpInfo, len(ops)),
	}
	for _, op := range ops {
		t.byName[op.Name] = op
		t.byCode[op.Code] = op
	}
	return t
}

// Lookup returns the opcode table entry for a symbolic name.
func (t *OpcodeTable) Lookup(name string) (OpInfo, bool) {
	info, ok := t.byName[name]
	return info, ok
}

// LookupCode returns the opcode table entry for a numeric opcode value.
func (t *OpcodeTable) LookupCode(code int) (OpInfo, bool) {
	info, ok := t.byCode[code]
	return info, ok
}

// Code returns the integer opcode for a name, or -1 if not present in
// this table (e.g. RERAISE is absent from the 3.8 table).
func (t *OpcodeTable) Code(name string) int {
	if info, ok := t.byName[name]; ok {
		return info.Code
	}
	return -1
}

// JumpKind reports how name's argument resolves, NotJump if name is not
// a jump (or not in the table at all).
func (t *OpcodeTable) JumpKind(name string) JumpKind {
	if info, ok := t.byName[name]; ok {
		return info.Jump
	}
	return NotJump
}

// IsJump reports whether name is classified as any kind of jump.
func (t *OpcodeTable) IsJump(name string) bool {
	return t.JumpKind(name) != NotJump
}

// WideArgPrefixCount returns how many EXTENDED_ARG prefix instructions
// are required to encode arg: 0 up to 255, 1 up to 65535, 2 up to
// 16777215, 3 beyond (up to the 32-bit ceiling).
func WideArgPrefixCount(arg int) int {
	switch {
	case arg > 0xFFFFFF:
		return 3
	case arg > 0xFFFF:
		return 2
	case arg > 0xFF:
		return 1
	default:
		return 0
	}
}

// InstructionSize is the encoded size, in bytes, of a single Instruction
// record. Every instruction -- including an EXTENDED_ARG prefix -- is
// exactly one wordcode pair; a logical operation that needs wide-argument
// prefixes is modeled as several adjacent 2-byte Instruction records
// rather than one variable-length one (see C6 step 2/4).
const InstructionSize = 2

// opBase lists opcodes common to both 3.8 and 3.9, exactly as they are
// consumed by the core: rewrite rules, the scanner, and the walker only
// ever ask the table for these (plus the version-specific handful added
// in newOpcodeTable38/39). The numeric codes are internally consistent
// lookup data, not wire-format truth -- decoding/encoding the real on-disk
// opcode values is the external container's job (C7).
var opBase = []OpInfo{
	{Code: 1, Name: "POP_TOP"},
	{Code: 4, Name: "DUP_TOP"},
	{Code: 9, Name: "NOP"},
	{Code: 25, Name: "BINARY_SUBSCR"},
	{Code: 60, Name: "STORE_SUBSCR"},
	{Code: 83, Name: "RETURN_VALUE"},
	{Code: 87, Name: "POP_BLOCK"},
	{Code: 89, Name: "POP_EXCEPT"},
	{Code: 90, Name: "STORE_NAME"},
	{Code: 91, Name: "DELETE_NAME"},
	{Code: 93, Name: "FOR_ITER", Jump: JumpRelative},
	{Code: 95, Name: "STORE_ATTR"},
	{Code: 97, Name: "STORE_GLOBAL"},
	{Code: 100, Name: "LOAD_CONST"},
	{Code: 101, Name: "LOAD_NAME"},
	{Code: 102, Name: "BUILD_TUPLE"},
	{Code: 103, Name: "BUILD_LIST"},
	{Code: 106, Name: "LOAD_ATTR"},
	{Code: 107, Name: "COMPARE_OP"},
	{Code: 110, Name: "JUMP_FORWARD", Jump: JumpRelative},
	{Code: 111, Name: "JUMP_IF_FALSE_OR_POP", Jump: JumpAbsolute},
	{Code: 112, Name: "JUMP_IF_TRUE_OR_POP", Jump: JumpAbsolute},
	{Code: 113, Name: "JUMP_ABSOLUTE", Jump: JumpAbsolute},
	{Code: 114, Name: "POP_JUMP_IF_FALSE", Jump: JumpAbsolute},
	{Code: 115, Name: "POP_JUMP_IF_TRUE", Jump: JumpAbsolute},
	{Code: 116, Name: "LOAD_GLOBAL"},
	{Code: 122, Name: "SETUP_FINALLY", Jump: JumpRelative},
	{Code: 124, Name: "LOAD_FAST"},
	{Code: 125, Name: "STORE_FAST"},
	{Code: 130, Name: "RAISE_VARARGS"},
	{Code: 131, Name: "CALL_FUNCTION"},
	{Code: 132, Name: "MAKE_FUNCTION"},
	{Code: 143, Name: "SETUP_WITH", Jump: JumpRelative},
	{Code: 144, Name: "EXTENDED_ARG"},
	{Code: 154, Name: "SETUP_ASYNC_WITH", Jump: JumpRelative},
}

// newOpcodeTable38 builds the output (3.8) table: adds BEGIN_FINALLY, the
// rewrite target for finally synthesis, and omits the 3.9-only opcodes
// the rewrite rules exist to eliminate.
func newOpcodeTable38() *OpcodeTable {
	ops := append([]OpInfo(nil), opBase...)
	ops = append(ops, OpInfo{Code: 53, Name: "BEGIN_FINALLY"})
	ops = append(ops, OpInfo{Code: 88, Name: "END_FINALLY"})
	return newOpcodeTable(Version38, ops)
}

// newOpcodeTable39 builds the input (3.9) table: adds RERAISE,
// JUMP_IF_NOT_EXC_MATCH and LIST_EXTEND, the three constructs the
// rewrite rules translate away, plus END_FINALLY (which 3.9 still
// terminates a scanned finally region with).
func newOpcodeTable39() *OpcodeTable {
	ops := append([]OpInfo(nil), opBase...)
	ops = append(ops, OpInfo{Code: 48, Name: "RERAISE"})
	ops = append(ops, OpInfo{Code: 49, Name: "JUMP_IF_NOT_EXC_MATCH", Jump: JumpAbsolute})
	ops = append(ops, OpInfo{Code: 88, Name: "END_FINALLY"})
	ops = append(ops, OpInfo{Code: 162, Name: "LIST_EXTEND"})
	return newOpcodeTable(Version39, ops)
}

// NewOpcodeTable constructs the opcode table for version. Both versions
// can be constructed side by side; the walker holds one of each (C6).
func NewOpcodeTable(version Version) *OpcodeTable {
	switch version {
	case Version38:
		return newOpcodeTable38()
	case Version39:
		return newOpcodeTable39()
	default:
		return nil
	}
}

// versionWorking tags the table the patcher actually edits under: a
// single code object's instruction stream transiently carries opcodes
// from both vocabularies mid-rewrite (the 3.9 names being eliminated,
// the 3.8 names replacing them), so jump classification and opcode
// lookup need a table that knows every name either side uses.
const versionWorking Version = 0

// NewWorkingOpcodeTable merges the 3.8 and 3.9 tables by name. Every
// rewrite rule and the patcher itself consult this table rather than
// picking a single version, since NeedBackpatch/IsJump are name-keyed:
// classifying a jump by its symbolic opname sidesteps any accidental
// collision between the two versions' raw opcode numbers, which a
// number-keyed classifier would be exposed to the moment a 3.9-only
// opcode value happened to coincide with an unrelated 3.8 one.
func NewWorkingOpcodeTable() *OpcodeTable {
	t38 := newOpcodeTable38()
	t39 := newOpcodeTable39()
	merged := make(map[string]OpInfo, len(t38.byName)+len(t39.byName))
	for name, info := range t38.byName {
		merged[name] = info
	}
	for name, info := range t39.byName {
		merged[name] = info
	}
	ops := make([]OpInfo, 0, len(merged))
	for _, info := range merged {
		ops = append(ops, info)
	}
	return newOpcodeTable(versionWorking, ops)
}
