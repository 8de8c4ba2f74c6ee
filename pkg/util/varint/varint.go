package varint

import (
	"encoding/binary"
	"io"
)

// Write encodes val as an unsigned LEB128 varint into w.
func Write(w io.Writer, val uint64) (int, error) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], val)
	return w.Write(buf[:n])
}

// Read decodes a single unsigned varint from r.
func Read(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// Writer is a reusable scratch buffer for varint encoding.
type Writer []byte

func NewWriter() Writer {
	return make([]byte, binary.MaxVarintLen64)
}

func (buf Writer) Write(w io.Writer, val uint64) (int, error) {
	n := binary.PutUvarint(buf, val)
	return w.Write(buf[:n])
}
