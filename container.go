package pyc39to38

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Container-level constants. SourceSizeOffset is the byte offset of the
// uncompiled source's recorded size in a .pyc header; MinPycSize is the
// smallest a file can be and still plausibly hold one.
const (
	SourceSizeOffset = 12
	MinPycSize       = 50
	PycSuffix        = ".pyc"
)

// DisassemblyResult is everything an external Disassembler hands back
// after decoding one bytecode container: the root code object the walker
// (C6) rewrites, and the header fields the Assembler needs to reproduce.
type DisassemblyResult struct {
	Root       *CodeObject
	Version    Version
	Timestamp  uint32
	IsPyPy     bool
	SourceSize uint32
}

// Disassembler decodes one .pyc file into a DisassemblyResult. pyc39to38
// has no opinion on how the decode happens -- only on the shape it
// arrives in -- so this is satisfied by whatever external bytecode
// reader the tool is wired to.
type Disassembler interface {
	DisassembleFile(path string) (*DisassemblyResult, error)
}

// Assembler encodes a rewritten Module back out to path, returning the
// size of the regenerated source-equivalent it recorded (write_pycfile's
// return value in the tool this was built from), so ConvertFile can patch
// the header's source-size field afterward.
type Assembler interface {
	AssembleFile(path string, module *Module) (sourceSize uint32, err error)
}

// ConvertFile runs one end-to-end 3.9 -> 3.8 conversion: disassemble,
// walk the whole code object graph, reassemble, then patch the
// source-size header field in place, since the assembler writes a
// placeholder there rather than the real size.
func ConvertFile(dis Disassembler, asm Assembler, inputPath, outputPath string, cfg *Config, log *logrus.Entry) error {
	result, err := dis.DisassembleFile(inputPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrContainerIO, err)
	}
	if result.Version != Version39 {
		return ErrWrongVersion
	}

	module := &Module{
		Root:       result.Root,
		Version:    result.Version,
		Timestamp:  result.Timestamp,
		IsPyPy:     result.IsPyPy,
		SourceSize: result.SourceSize,
	}

	rewritten, err := WalkModule(module, cfg, log)
	if err != nil {
		return err
	}

	sourceSize, err := asm.AssembleFile(outputPath, rewritten)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrContainerIO, err)
	}

	if err := patchSourceSize(outputPath, sourceSize); err != nil {
		return fmt.Errorf("%w: %s", ErrContainerIO, err)
	}
	return nil
}

// patchSourceSize overwrites the source-size field of an already-written
// .pyc file with the real value, since the assembler has no way to know
// it up front.
func patchSourceSize(path string, size uint32) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(SourceSizeOffset, io.SeekStart); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], size)
	_, err = f.Write(buf[:])
	return err
}
