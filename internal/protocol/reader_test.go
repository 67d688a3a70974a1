package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
)

// oneByteReader delivers the underlying stream a single byte per Read,
// the worst fragmentation a TCP stream can produce.
type oneByteReader struct {
	data []byte
	off  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.off]
	r.off++
	return 1, nil
}

// countingSource counts Read calls on the underlying stream.
type countingSource struct {
	src   io.Reader
	reads int
}

func (c *countingSource) Read(p []byte) (int, error) {
	c.reads++
	return c.src.Read(p)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type erroringSource struct{ err error }

func (e erroringSource) Read(p []byte) (int, error) { return 0, e.err }

func TestReaderReassemblesByteByByte(t *testing.T) {
	frame, err := Encode(&Chat{Message: "fragmented hello"}, 4, 2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r := NewActionReader(&oneByteReader{data: frame})

	var got Action
	for i := 0; i < len(frame); i++ {
		a, err := r.Next()
		if err != nil {
			t.Fatalf("Next after %d bytes: %v", i+1, err)
		}
		if a != nil {
			got = a
			if i != len(frame)-1 {
				t.Fatalf("frame completed after %d of %d bytes", i+1, len(frame))
			}
		}
	}

	chat, ok := got.(*Chat)
	if !ok {
		t.Fatalf("decoded %T, want *Chat", got)
	}
	if chat.Message != "fragmented hello" || chat.Source() != 4 || chat.SubSource() != 2 {
		t.Fatalf("decoded %#v", chat)
	}
}

func TestReaderDrainsBufferedFramesWithoutReading(t *testing.T) {
	var stream []byte
	msgs := []string{"one", "two", "three"}
	for _, m := range msgs {
		frame, err := Encode(&Chat{Message: m}, 0, 0)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		stream = append(stream, frame...)
	}

	src := &countingSource{src: bytes.NewReader(stream)}
	r := NewActionReader(src)

	for i, want := range msgs {
		a, err := r.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		chat, ok := a.(*Chat)
		if !ok || chat.Message != want {
			t.Fatalf("Next %d: got %#v, want message %q", i, a, want)
		}
		if i < len(msgs)-1 && !r.MorePossible() {
			t.Fatalf("MorePossible false with %d frames still buffered", len(msgs)-1-i)
		}
	}

	if src.reads != 1 {
		t.Fatalf("drained 3 frames with %d stream reads, want 1", src.reads)
	}

	// The buffer is empty now, so the next call must hit the stream.
	if _, err := r.Next(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Next on drained stream: err = %v, want ErrDisconnected", err)
	}
}

func TestReaderHostileLengthPrefix(t *testing.T) {
	cases := []struct {
		name   string
		stream string
	}{
		{"nonNumeric", "abc\n"},
		{"zero", "0\n"},
		{"negative", "-5\n"},
		{"digitBudget", strings.Repeat("9", MaxLengthDigits+1)},
		{"overCap", "99999\nx"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewActionReader(strings.NewReader(tc.stream))
			_, err := r.Next()
			if !errors.Is(err, ErrNastyPeer) {
				t.Fatalf("err = %v, want ErrNastyPeer", err)
			}
		})
	}
}

func TestReaderEOFIsDisconnect(t *testing.T) {
	r := NewActionReader(strings.NewReader(""))
	if _, err := r.Next(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
}

func TestReaderKeepsTimeoutInspectable(t *testing.T) {
	r := NewActionReader(erroringSource{err: timeoutError{}})
	_, err := r.Next()
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected wrap", err)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("timeout not inspectable through wrap: %v", err)
	}
}

func TestDecodeDatagramTruncated(t *testing.T) {
	frame, err := Encode(&Ping{ID: 7}, 0, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeDatagram(frame[:len(frame)-3]); !errors.Is(err, ErrNastyPeer) {
		t.Fatalf("truncated datagram: err = %v, want ErrNastyPeer", err)
	}
}
