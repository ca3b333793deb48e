package pyc39to38

import "fmt"

// ArgKind distinguishes the two shapes an Instruction's argument can
// take while it lives in the working (editing) form.
type ArgKind int

// An Argument is either a resolved immediate value or a symbolic label
// name awaiting resolution at serialization. Jump arguments start and
// largely remain labels; everything else is immediate from the start.
const (
	ArgImmediate ArgKind = iota
	ArgLabel
)

// Argument is the tagged variant `Imm(i32) | Label(SmallString)` called
// for in spec.md §9, so that jumps stay stable under arbitrary offset
// shifts during editing and only resolve to numbers at serialization.
type Argument struct {
	Kind  ArgKind
	Imm   int
	Label string
}

// ImmArg builds an immediate argument.
func ImmArg(v int) Argument { return Argument{Kind: ArgImmediate, Imm: v} }

// LabelArg builds a symbolic label argument.
func LabelArg(name string) Argument { return Argument{Kind: ArgLabel, Label: name} }

// IsLabel reports whether the argument is currently a symbolic label.
func (a Argument) IsLabel() bool { return a.Kind == ArgLabel }

func (a Argument) String() string {
	if a.IsLabel() {
		return a.Label
	}
	return fmt.Sprintf("%d", a.Imm)
}

// Instruction is a mutable record for one opcode in the working form of a
// code object: symbolic opcode, byte offset, argument (immediate or
// label), and an optional line number used only for human-readable /
// on-disk emission.
type Instruction struct {
	Opcode int
	OpName string
	Arg    Argument
	Offset int

	// HasLineNo/LineNo hold the line number transiently attached to this
	// instruction for emission. Most instructions carry none -- only the
	// first instruction at a given source line does, per the on-disk
	// line-number table's sparse encoding.
	HasLineNo bool
	LineNo    int
}

// SetLineNo attaches a line number to the instruction.
func (i *Instruction) SetLineNo(line int) {
	i.HasLineNo = true
	i.LineNo = line
}

// ClearLineNo removes any line number attached to the instruction.
func (i *Instruction) ClearLineNo() {
	i.HasLineNo = false
	i.LineNo = 0
}

// Clone returns a value copy of the instruction. Instructions are always
// handled via *Instruction so that the backpatch set (keyed by pointer
// identity) behaves like the original's object-identity set.
func (i *Instruction) Clone() *Instruction {
	c := *i
	return &c
}

// BuildInst constructs a fresh instruction for name with the given
// argument, pulling the opcode value from opc. It is the equivalent of
// the original's build_inst: every rewrite rule that synthesizes new
// instructions goes through here so the opcode integer and the symbolic
// name can never drift apart.
func BuildInst(opc *OpcodeTable, name string, arg Argument) *Instruction {
	return &Instruction{
		Opcode: opc.Code(name),
		OpName: name,
		Arg:    arg,
	}
}

// CodeMeta is ancillary code-object metadata that every rewrite passes
// through unchanged: argument counts, flags, cell/free variable names,
// the originating filename, and so on. The core never inspects it.
type CodeMeta struct {
	ArgCount    int
	Flags       int
	Filename    string
	Name        string
	FirstLine   int
	FreeVars    []string
	CellVars    []string
	LocalVars   []string
	StackSize   int
}

// CodeObject is the mutable working form of one code object: an ordered
// instruction list, a constants pool (which may itself hold nested
// *CodeObjects), the line-number map (offset -> line, decoded form), and
// pass-through metadata.
type CodeObject struct {
	Instructions []*Instruction
	Consts       []interface{}
	LineMap      map[int]int
	Meta         CodeMeta
}

// NewCodeObject returns an empty, ready-to-populate code object.
func NewCodeObject() *CodeObject {
	return &CodeObject{
		LineMap: make(map[int]int),
	}
}

// Module is the root container the walker operates on: the root code
// object plus the handful of header fields the container adapter (C7)
// needs to reproduce (and, on the input side, validate).
type Module struct {
	Root       *CodeObject
	Version    Version
	Timestamp  uint32
	IsPyPy     bool
	SourceSize uint32
}

// HistoryEntry records one bulk insertion (+n) or removal (-n) applied
// after some reference instruction index, so that a pre-edit index can
// be translated into its current post-edit position (spec.md §3 "Edit
// history").
type HistoryEntry struct {
	Index int
	Delta int
}

// RecalcIndex translates idx through history: for every entry whose
// recorded index is strictly less than idx, add its delta. It is
// monotonic in idx and distributes over concatenation of histories
// (spec.md §8), since each entry is applied independently and in the
// order recorded.
func RecalcIndex(history []HistoryEntry, idx int) int {
	for _, h := range history {
		if idx > h.Index {
			idx += h.Delta
		}
	}
	return idx
}
