package pyc39to38

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Magic numbers CPython stamps into a .pyc header's first two bytes,
// identifying the bytecode magic for the interpreter version that
// compiled it. These are the published values for the two versions this
// tool bridges; every other version is out of scope (see ErrWrongVersion).
const (
	Magic38 uint16 = 3413
	Magic39 uint16 = 3425
)

// pycHeaderSize is the on-disk header size from Python 3.7 onward: magic
// (2 bytes) + carriage-return/line-feed sentinel (2 bytes) + bit field (4
// bytes) + source timestamp or hash (4 bytes) + source size (4 bytes).
const pycHeaderSize = 16

// pycHeader is the fixed-size prefix of a .pyc file, decoded independent
// of the code object marshal format that follows it.
type pycHeader struct {
	Magic      uint16
	BitField   uint32
	Timestamp  uint32
	SourceSize uint32
}

// readPycHeader reads and validates the fixed header of a .pyc file. A
// hash-based pyc (bit 0 of BitField set) carries a source hash rather
// than a timestamp in the same field; this tool only converts
// timestamp-based pyc files, since a hash-based one has no source-size
// field to patch up after reassembly.
func readPycHeader(f *os.File) (*pycHeader, error) {
	var buf [pycHeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %s", ErrContainerIO, err)
	}

	h := &pycHeader{
		Magic:      binary.LittleEndian.Uint16(buf[0:2]),
		BitField:   binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp:  binary.LittleEndian.Uint32(buf[8:12]),
		SourceSize: binary.LittleEndian.Uint32(buf[12:16]),
	}
	if h.BitField&1 != 0 {
		return nil, fmt.Errorf("%w: hash-based pyc files are not supported", ErrContainerIO)
	}
	return h, nil
}

// writePycHeader writes h's fields into the fixed header at the start of
// an already-open, truncated output file.
func writePycHeader(f *os.File, h *pycHeader) error {
	var buf [pycHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	buf[2], buf[3] = '\r', '\n'
	binary.LittleEndian.PutUint32(buf[4:8], h.BitField)
	binary.LittleEndian.PutUint32(buf[8:12], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[12:16], h.SourceSize)
	if _, err := f.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: writing header: %s", ErrContainerIO, err)
	}
	return nil
}

// versionFromMagic classifies a header magic number, or Version(0) if it
// names neither interpreter version this tool knows about.
func versionFromMagic(magic uint16) Version {
	switch magic {
	case Magic38:
		return Version38
	case Magic39:
		return Version39
	default:
		return Version(0)
	}
}
