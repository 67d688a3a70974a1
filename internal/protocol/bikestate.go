package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// BikeStateVersion tags the serialized layout. Bump only together with a
// replay format migration.
const BikeStateVersion = 1

// BikeStateSize is the exact serialized size of a BikeState.
const BikeStateSize = 2 + 10*4 + 2

// BikeState is the frame-update physics snapshot of one bike. This layout
// is also the on-disk replay record; it must be kept as is, otherwise
// replays will be broken. All multi-byte fields are little-endian
// float32/uint8, independent of host endianness.
type BikeState struct {
	Direction  uint8 // 0 = facing right, 1 = facing left
	GameTime   float32
	CenterX    float32
	CenterY    float32
	FrameAngle float32
	RearWheelX float32
	RearWheelY float32
	FrontWheelX float32
	FrontWheelY float32
	HeadX      float32
	HeadY      float32
	Finished   bool
	Dead       bool
}

// AppendBinary appends the fixed-size serialized form onto buf.
func (s *BikeState) AppendBinary(buf *bytes.Buffer) error {
	buf.WriteByte(BikeStateVersion)
	buf.WriteByte(s.Direction)
	for _, f := range s.floats() {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		buf.Write(b[:])
	}
	buf.WriteByte(boolByte(s.Finished))
	buf.WriteByte(boolByte(s.Dead))
	return nil
}

// MarshalBinary returns the fixed-size serialized form.
func (s *BikeState) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(BikeStateSize)
	if err := s.AppendBinary(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a serialized BikeState. The input must be
// exactly BikeStateSize bytes with a matching layout version.
func (s *BikeState) UnmarshalBinary(data []byte) error {
	if len(data) != BikeStateSize {
		return fmt.Errorf("bike state is %d bytes, want %d", len(data), BikeStateSize)
	}
	if data[0] != BikeStateVersion {
		return fmt.Errorf("bike state layout version %d, want %d", data[0], BikeStateVersion)
	}
	s.Direction = data[1]

	off := 2
	dst := []*float32{
		&s.GameTime,
		&s.CenterX, &s.CenterY,
		&s.FrameAngle,
		&s.RearWheelX, &s.RearWheelY,
		&s.FrontWheelX, &s.FrontWheelY,
		&s.HeadX, &s.HeadY,
	}
	for _, p := range dst {
		*p = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	s.Finished = data[off] != 0
	s.Dead = data[off+1] != 0
	return nil
}

func (s *BikeState) floats() [10]float32 {
	return [10]float32{
		s.GameTime,
		s.CenterX, s.CenterY,
		s.FrameAngle,
		s.RearWheelX, s.RearWheelY,
		s.FrontWheelX, s.FrontWheelY,
		s.HeadX, s.HeadY,
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
