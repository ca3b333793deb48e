package pyc39to38

import "github.com/pkg/errors"

// Error kinds returned by the core transformer. Every one is fatal to the
// code object being processed, and therefore to the whole conversion: the
// caller treats a non-nil error from WalkModule as whole-conversion
// failure and must not emit a partially-rewritten module.
var (
	// ErrWrongVersion means the input code object graph does not report
	// interpreter version 3.9.
	ErrWrongVersion = errors.New("pyc39to38: input bytecode is not version 3.9")

	// ErrMalformedFinally means the structural scanner's invariants on
	// SETUP_FINALLY/POP_BLOCK/JUMP_FORWARD/END_FINALLY pairing, or the
	// block1/block2 structural equality check, did not hold.
	ErrMalformedFinally = errors.New("pyc39to38: malformed try/finally region")

	// ErrLabelReuse means a rewrite tried to install a label name that
	// already exists in the label table. This always indicates a bug in
	// the core, never bad input.
	ErrLabelReuse = errors.New("pyc39to38: label name already in use")

	// ErrUnsupportedJump means a backpatch instruction's opcode is
	// classified as a jump by name but is neither relative nor absolute
	// in the opcode table.
	ErrUnsupportedJump = errors.New("pyc39to38: jump opcode has no relative/absolute classification")

	// ErrMissingNestedCode means the constants pool referenced a code
	// object for which the walker produced no rewritten counterpart.
	ErrMissingNestedCode = errors.New("pyc39to38: constants pool references an unrewritten nested code object")

	// ErrContainerIO means the external disassembler, external
	// assembler, or the filesystem failed.
	ErrContainerIO = errors.New("pyc39to38: container I/O failure")
)
