package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// readerBufSize is the reassembly buffer capacity. It holds at least one
// maximum-size frame plus whatever trailing bytes arrived in the same
// read.
const readerBufSize = 2 * MaxEventsFrameSize

// ActionReader turns a partial-read-prone byte stream into a sequence of
// decoded actions. One ActionReader instance is owned per TCP connection;
// it performs at most one read on the underlying stream per Next call and
// drains already-buffered frames before reading again.
type ActionReader struct {
	src io.Reader
	buf []byte
	n   int // bytes buffered, starting at offset 0

	// notEnough records that the buffered bytes were already scanned and
	// do not contain a complete frame; only new bytes can change that.
	notEnough bool

	// morePossible records that the buffer may already contain another
	// complete frame, so the next call must not read the stream (a read
	// would block and starve buffered frames).
	morePossible bool
}

// NewActionReader creates a reader over a TCP stream.
func NewActionReader(src io.Reader) *ActionReader {
	return &ActionReader{
		src: src,
		buf: make([]byte, readerBufSize),
	}
}

// Next tries to produce one decoded action.
//
// It returns (action, nil) when a complete frame was available,
// (nil, nil) when the stream has not yet delivered a complete frame (the
// caller waits for readability and calls again), and a non-nil error on
// disconnect (ErrDisconnected) or hard protocol violation (ErrNastyPeer,
// ErrUnknownAction); both error kinds are fatal to this stream.
func (r *ActionReader) Next() (Action, error) {
	if !r.morePossible {
		if r.n == len(r.buf) {
			// A full buffer without a complete frame means the peer is
			// sending something bigger than any legal frame.
			return nil, fmt.Errorf("%w: reassembly buffer overflow", ErrNastyPeer)
		}
		n, err := r.src.Read(r.buf[r.n:])
		if err != nil || n <= 0 {
			if err == nil || err == io.EOF {
				return nil, ErrDisconnected
			}
			// Wrap the transport error so callers can still inspect it
			// (read deadlines surface as net.Error timeouts).
			return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		r.n += n
		r.notEnough = false
	}
	r.morePossible = false

	if r.notEnough {
		return nil, nil
	}
	return r.scan()
}

// MorePossible reports whether the buffer may still hold another complete
// frame, i.e. Next can be called again without waiting for readability.
func (r *ActionReader) MorePossible() bool {
	return r.morePossible
}

// scan attempts to extract one complete frame from the buffer start.
func (r *ActionReader) scan() (Action, error) {
	subLen, headerLen, err := parseLengthPrefix(r.buf[:r.n])
	if err != nil {
		return nil, err
	}
	if headerLen == 0 {
		// Prefix not complete yet.
		r.notEnough = true
		return nil, nil
	}

	if r.n-headerLen < subLen {
		r.notEnough = true
		return nil, nil
	}

	a, err := decodeSub(r.buf[headerLen : headerLen+subLen])
	if err != nil {
		return nil, err
	}

	consumed := headerLen + subLen
	copy(r.buf, r.buf[consumed:r.n])
	r.n -= consumed
	r.morePossible = r.n > 0
	return a, nil
}

// parseLengthPrefix parses the leading ASCII decimal length and its
// terminating newline. It returns headerLen 0 when the prefix is not yet
// complete, and an error when the prefix is malformed, zero, over the
// digit budget, or over the frame cap.
func parseLengthPrefix(data []byte) (subLen, headerLen int, err error) {
	limit := len(data)
	if limit > MaxLengthDigits+1 {
		limit = MaxLengthDigits + 1
	}
	i := bytes.IndexByte(data[:limit], '\n')
	if i < 0 {
		if len(data) > MaxLengthDigits {
			return 0, 0, fmt.Errorf("%w: length prefix exceeds %d digits", ErrNastyPeer, MaxLengthDigits)
		}
		return 0, 0, nil
	}

	v, convErr := strconv.Atoi(string(data[:i]))
	if convErr != nil {
		return 0, 0, fmt.Errorf("%w: bad length prefix %q", ErrNastyPeer, data[:i])
	}
	if v <= 0 {
		return 0, 0, fmt.Errorf("%w: zero length prefix", ErrNastyPeer)
	}
	if v > MaxEventsFrameSize {
		return 0, 0, fmt.Errorf("%w: declared frame length %d over cap", ErrNastyPeer, v)
	}
	return v, i + 1, nil
}

// DecodeDatagram decodes one UDP datagram as exactly one frame. There is
// no partial-frame concern on UDP; any failure here is for the caller to
// log and drop, never to treat as a fatal peer condition.
func DecodeDatagram(data []byte) (Action, error) {
	subLen, headerLen, err := parseLengthPrefix(data)
	if err != nil {
		return nil, err
	}
	if headerLen == 0 || len(data)-headerLen < subLen {
		return nil, fmt.Errorf("%w: truncated datagram", ErrNastyPeer)
	}
	return decodeSub(data[headerLen : headerLen+subLen])
}
