package protocol

import (
	"encoding/binary"
	"fmt"
)

// Game event buffers batch several serialized scene events into one
// GameEvents action. Each record is a 4-byte little-endian length
// followed by the record bytes.

// AppendEventBuffer appends one event record onto buf and returns the
// extended buffer.
func AppendEventBuffer(buf []byte, event []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(event)))
	buf = append(buf, hdr[:]...)
	return append(buf, event...)
}

// SplitEventBuffer splits a batched buffer back into its event records.
func SplitEventBuffer(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("truncated event header (%d bytes left)", len(buf))
		}
		n := int(binary.LittleEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if n < 0 || n > len(buf) {
			return nil, fmt.Errorf("event record length %d exceeds remaining %d bytes", n, len(buf))
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out, nil
}
