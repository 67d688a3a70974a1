package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	// MaxFrameSize is the hard cap on a complete wire frame for most
	// action kinds.
	MaxFrameSize = 2048

	// MaxEventsFrameSize is the larger cap allowed for batched game-event
	// and roster-delta payloads.
	MaxEventsFrameSize = 16384

	// MaxLengthDigits bounds the ASCII length prefix. Anything longer is
	// a hostile peer, not a big frame.
	MaxLengthDigits = 10
)

var (
	// ErrFrameTooBig is returned by Encode when a frame exceeds its cap.
	ErrFrameTooBig = errors.New("frame exceeds protocol size cap")

	// ErrUnknownAction is returned when a frame carries an unregistered
	// action key. Expected from hostile or buggy peers; never fatal to
	// the process.
	ErrUnknownAction = errors.New("unknown action key")

	// ErrNastyPeer marks a hard protocol violation on a stream: an
	// unparseable or over-budget length prefix, a zero length, or a
	// malformed sub-header.
	ErrNastyPeer = errors.New("protocol violation")

	// ErrDisconnected is returned by the stream reader when the
	// underlying stream reports end of data.
	ErrDisconnected = errors.New("peer disconnected")
)

// frameCap returns the size cap applying to a given action kind.
func frameCap(k Kind) int {
	switch k {
	case KindGameEvents, KindClientsAddedRemoved, KindChatPP:
		return MaxEventsFrameSize
	default:
		return MaxFrameSize
	}
}

// Encode serializes a complete wire frame:
//
//	<subLen>\n<source>\n<subSource>\n<key>\n<payload>\n
//
// where subLen counts everything after the third newline, payload and
// trailing newline included. The action's Source/SubSource fields are
// stamped with the given values.
func Encode(a Action, source, subSource int) ([]byte, error) {
	if source < SourceServer {
		return nil, fmt.Errorf("%w: source %d", ErrNastyPeer, source)
	}
	if subSource < 0 || subSource >= MaxSubSources {
		return nil, fmt.Errorf("%w: subSource %d", ErrNastyPeer, subSource)
	}
	a.SetSource(source)
	a.SetSubSource(subSource)

	var payload bytes.Buffer
	if err := a.appendPayload(&payload); err != nil {
		return nil, err
	}

	srcStr := strconv.Itoa(source)
	subStr := strconv.Itoa(subSource)
	subLen := len(srcStr) + 1 + len(subStr) + 1 + len(a.Key()) + 1 + payload.Len() + 1

	var frame bytes.Buffer
	frame.Grow(subLen + MaxLengthDigits + 1)
	frame.WriteString(strconv.Itoa(subLen))
	frame.WriteByte('\n')
	frame.WriteString(srcStr)
	frame.WriteByte('\n')
	frame.WriteString(subStr)
	frame.WriteByte('\n')
	frame.WriteString(a.Key())
	frame.WriteByte('\n')
	frame.Write(payload.Bytes())
	frame.WriteByte('\n')

	if frame.Len() > frameCap(a.Kind()) {
		return nil, fmt.Errorf("%w: %s is %d bytes (cap %d)",
			ErrFrameTooBig, a.Key(), frame.Len(), frameCap(a.Kind()))
	}
	return frame.Bytes(), nil
}

// payloadDecoder constructs an action variant from its raw payload bytes.
type payloadDecoder func(payload []byte) (Action, error)

// decoders is the registry mapping wire keys to payload decoders. The
// Stream Reader resolves the key token against this table; an unmatched
// key is a decode failure, never a crash.
var decoders = map[string]payloadDecoder{
	"clientInfos":       decodeClientInfos,
	"udpBindQuery":      func([]byte) (Action, error) { return &UDPBindQuery{}, nil },
	"udpBind":           decodeUDPBind,
	"udpBindValidation": func([]byte) (Action, error) { return &UDPBindValidation{}, nil },
	"changeMode":        decodeChangeMode,
	"changeName":        decodeChangeName,
	"message":           decodeChat,
	"messagePP":         decodeChatPP,
	"playingLevel":      decodePlayingLevel,
	"f":                 decodeFrame,
	"killAlert":         decodeKillAlert,
	"prepareToPlay":     decodePrepareToPlay,
	"prepareToGo":       decodePrepareToGo,
	"gameEvents":        decodeGameEvents,
	"srvError":          decodeSrvError,
	"changeClients":     decodeClientsAddedRemoved,
	"points":            decodePointsDelta,
	"ping":              decodePing,
	"srvCmd":            decodeSrvCmd,
	"srvCmdAsw":         decodeSrvCmdAnswer,
}

// decodeSub decodes the sub-portion of a frame (everything after the
// length prefix): source, subSource, key token, then the payload up to
// the trailing newline.
func decodeSub(data []byte) (Action, error) {
	c := cursor{data: data}

	source, err := c.readInt()
	if err != nil {
		return nil, fmt.Errorf("%w: bad source: %v", ErrNastyPeer, err)
	}
	if source < SourceServer {
		return nil, fmt.Errorf("%w: source %d", ErrNastyPeer, source)
	}

	subSource, err := c.readInt()
	if err != nil {
		return nil, fmt.Errorf("%w: bad subSource: %v", ErrNastyPeer, err)
	}
	if subSource < 0 || subSource >= MaxSubSources {
		return nil, fmt.Errorf("%w: subSource %d", ErrNastyPeer, subSource)
	}

	key, err := c.readToken()
	if err != nil {
		return nil, fmt.Errorf("%w: bad action key: %v", ErrNastyPeer, err)
	}

	dec, ok := decoders[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, key)
	}

	payload := c.rest()
	// Strip the trailing frame newline.
	if n := len(payload); n > 0 && payload[n-1] == '\n' {
		payload = payload[:n-1]
	}

	a, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	a.SetSource(source)
	a.SetSubSource(subSource)
	return a, nil
}

// ---- per-variant payload decoders ----

func decodeClientInfos(payload []byte) (Action, error) {
	c := cursor{data: payload}
	version, err := c.readInt()
	if err != nil {
		return nil, err
	}
	return &ClientInfos{Version: version, BindKey: string(c.rest())}, nil
}

func decodeUDPBind(payload []byte) (Action, error) {
	c := cursor{data: payload}
	answer, err := c.readBool()
	if err != nil {
		return nil, err
	}
	return &UDPBind{Answer: answer, BindKey: string(c.rest())}, nil
}

func decodeChangeMode(payload []byte) (Action, error) {
	c := cursor{data: payload}
	m, err := c.readInt()
	if err != nil {
		return nil, err
	}
	if m != int(ModeGhost) && m != int(ModeSlave) {
		return nil, fmt.Errorf("invalid mode %d", m)
	}
	return &ChangeMode{Mode: Mode(m)}, nil
}

func decodeChangeName(payload []byte) (Action, error) {
	return &ChangeName{Name: string(payload)}, nil
}

func decodeChat(payload []byte) (Action, error) {
	return &Chat{Message: string(payload)}, nil
}

func decodeChatPP(payload []byte) (Action, error) {
	c := cursor{data: payload}
	n, err := c.readCount()
	if err != nil {
		return nil, err
	}
	recipients := make([]int, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.readInt()
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, id)
	}
	return &ChatPP{Recipients: recipients, Message: string(c.rest())}, nil
}

func decodePlayingLevel(payload []byte) (Action, error) {
	return &PlayingLevel{LevelID: string(payload)}, nil
}

func decodeFrame(payload []byte) (Action, error) {
	var st BikeState
	if err := st.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return &Frame{State: st}, nil
}

func decodeKillAlert(payload []byte) (Action, error) {
	c := cursor{data: payload}
	sec, err := c.readInt()
	if err != nil {
		return nil, err
	}
	return &KillAlert{Seconds: sec}, nil
}

func decodePrepareToPlay(payload []byte) (Action, error) {
	c := cursor{data: payload}
	n, err := c.readCount()
	if err != nil {
		return nil, err
	}
	slaves := make([]int, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.readInt()
		if err != nil {
			return nil, err
		}
		slaves = append(slaves, id)
	}
	return &PrepareToPlay{Slaves: slaves, LevelID: string(c.rest())}, nil
}

func decodePrepareToGo(payload []byte) (Action, error) {
	c := cursor{data: payload}
	sec, err := c.readInt()
	if err != nil {
		return nil, err
	}
	return &PrepareToGo{Seconds: sec}, nil
}

func decodeGameEvents(payload []byte) (Action, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return &GameEvents{Buffer: buf}, nil
}

func decodeSrvError(payload []byte) (Action, error) {
	return &SrvError{Message: string(payload)}, nil
}

func decodeClientsAddedRemoved(payload []byte) (Action, error) {
	c := cursor{data: payload}
	added, err := c.readEntries()
	if err != nil {
		return nil, err
	}
	removed, err := c.readEntries()
	if err != nil {
		return nil, err
	}
	return &ClientsAddedRemoved{Added: added, Removed: removed}, nil
}

func decodePointsDelta(payload []byte) (Action, error) {
	c := cursor{data: payload}
	n, err := c.readCount()
	if err != nil {
		return nil, err
	}
	entries := make([]PointsEntry, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.readInt()
		if err != nil {
			return nil, err
		}
		pts, err := c.readInt()
		if err != nil {
			return nil, err
		}
		entries = append(entries, PointsEntry{ID: id, Points: pts})
	}
	return &PointsDelta{Entries: entries}, nil
}

func decodePing(payload []byte) (Action, error) {
	c := cursor{data: payload}
	pong, err := c.readBool()
	if err != nil {
		return nil, err
	}
	id, err := c.readInt()
	if err != nil {
		return nil, err
	}
	return &Ping{Pong: pong, ID: id}, nil
}

func decodeSrvCmd(payload []byte) (Action, error) {
	return &SrvCmd{Command: string(payload)}, nil
}

func decodeSrvCmdAnswer(payload []byte) (Action, error) {
	return &SrvCmdAnswer{Answer: string(payload)}, nil
}

// ---- payload cursor ----

// cursor reads newline-delimited tokens and raw spans out of a payload.
type cursor struct {
	data []byte
	off  int
}

// readToken returns the bytes up to the next newline and consumes the
// newline.
func (c *cursor) readToken() (string, error) {
	i := bytes.IndexByte(c.data[c.off:], '\n')
	if i < 0 {
		return "", errors.New("missing field separator")
	}
	tok := string(c.data[c.off : c.off+i])
	c.off += i + 1
	return tok, nil
}

func (c *cursor) readInt() (int, error) {
	tok, err := c.readToken()
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("bad integer field %q", tok)
	}
	return v, nil
}

// readCount reads a list length and bounds it against the payload bytes
// still available, so a hostile count cannot drive huge allocations.
func (c *cursor) readCount() (int, error) {
	n, err := c.readInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > len(c.data)-c.off {
		return 0, fmt.Errorf("implausible list count %d", n)
	}
	return n, nil
}

func (c *cursor) readBool() (bool, error) {
	v, err := c.readInt()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (c *cursor) readRaw(n int) ([]byte, error) {
	if n < 0 || c.off+n > len(c.data) {
		return nil, fmt.Errorf("truncated field (want %d bytes, have %d)", n, len(c.data)-c.off)
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) readEntries() ([]RosterEntry, error) {
	n, err := c.readCount()
	if err != nil {
		return nil, err
	}
	entries := make([]RosterEntry, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.readInt()
		if err != nil {
			return nil, err
		}
		nameLen, err := c.readInt()
		if err != nil {
			return nil, err
		}
		name, err := c.readRaw(nameLen)
		if err != nil {
			return nil, err
		}
		entries = append(entries, RosterEntry{ID: id, Name: string(name)})
	}
	return entries, nil
}

// rest returns the unconsumed remainder of the payload.
func (c *cursor) rest() []byte {
	return c.data[c.off:]
}
