package changelog

import "encoding/binary"

// appendLEB128 appends the unsigned LEB128 encoding of v to buf.
// encoding/binary's Uvarint functions already implement unsigned LEB128
// bit-for-bit; no corpus dependency offers a different encoder for this,
// so the stdlib is used directly here (see DESIGN.md).
func appendLEB128(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readLEB128 decodes one LEB128 value from buf, returning the value and
// the number of bytes consumed. n<=0 indicates malformed input (0 for a
// truncated buffer, negative for a value overflowing 64 bits).
func readLEB128(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}
