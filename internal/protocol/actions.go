// Package protocol implements the wire codec for typed game actions and
// the stream framing/reassembly layer shared by the ridenet client and
// server. Frames are ASCII-decimal length-prefixed records; binary
// sub-payloads (bike state) use a fixed little-endian layout.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// ProtocolVersion is negotiated in the ClientInfos handshake. The server
// refuses clients whose version does not match.
const ProtocolVersion = 1

// Kind identifies an action variant for switch dispatch after decode.
type Kind int

const (
	KindClientInfos Kind = iota
	KindUDPBindQuery
	KindUDPBind
	KindUDPBindValidation
	KindChangeMode
	KindChangeName
	KindChat
	KindChatPP
	KindPlayingLevel
	KindFrame
	KindKillAlert
	KindPrepareToPlay
	KindPrepareToGo
	KindGameEvents
	KindSrvError
	KindClientsAddedRemoved
	KindPointsDelta
	KindPing
	KindSrvCmd
	KindSrvCmdAnswer
)

// kindStrings maps Kind values to a human-readable name for logging.
var kindStrings = map[Kind]string{
	KindClientInfos:         "clientInfos",
	KindUDPBindQuery:        "udpBindQuery",
	KindUDPBind:             "udpBind",
	KindUDPBindValidation:   "udpBindValidation",
	KindChangeMode:          "changeMode",
	KindChangeName:          "changeName",
	KindChat:                "message",
	KindChatPP:              "messagePP",
	KindPlayingLevel:        "playingLevel",
	KindFrame:               "frame",
	KindKillAlert:           "killAlert",
	KindPrepareToPlay:       "prepareToPlay",
	KindPrepareToGo:         "prepareToGo",
	KindGameEvents:          "gameEvents",
	KindSrvError:            "srvError",
	KindClientsAddedRemoved: "changeClients",
	KindPointsDelta:         "points",
	KindPing:                "ping",
	KindSrvCmd:              "srvCmd",
	KindSrvCmdAnswer:        "srvCmdAsw",
}

// String returns the name of the action kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// NetPref is an action variant's default transport preference.
type NetPref int

const (
	// PrefTCP forces TCP: the action must not be lost or reordered.
	PrefTCP NetPref = iota
	// PrefUDP forces UDP: the action must travel on the UDP socket
	// (binding handshake needs the datagram's source address).
	PrefUDP
	// PrefAny prefers UDP when the peer is UDP-confirmed, TCP otherwise.
	PrefAny
)

// Mode is a client's participation mode.
type Mode int

const (
	// ModeGhost means the client's frames are non-authoritative playback.
	ModeGhost Mode = iota
	// ModeSlave means the client plays synchronized under server control.
	ModeSlave
)

// String returns "ghost" or "slave".
func (m Mode) String() string {
	if m == ModeSlave {
		return "slave"
	}
	return "ghost"
}

// SourceServer is the source id meaning "the server itself" (or, on the
// client's own frame echo path, "myself").
const SourceServer = -1

// MaxSubSources is the number of local players one client may host.
const MaxSubSources = 4

// Action is one typed protocol message. Source and SubSource are identity
// fields stamped at send time; they travel in the frame sub-header, never
// in the payload.
type Action interface {
	Key() string
	Kind() Kind
	Pref() NetPref

	Source() int
	SubSource() int
	SetSource(id int)
	SetSubSource(sub int)

	// appendPayload writes the variant's payload bytes onto buf.
	appendPayload(buf *bytes.Buffer) error
}

// base carries the identity fields common to every action variant.
type base struct {
	source    int
	subSource int
}

func (b *base) Source() int          { return b.source }
func (b *base) SubSource() int       { return b.subSource }
func (b *base) SetSource(id int)     { b.source = id }
func (b *base) SetSubSource(sub int) { b.subSource = sub }

// ---- handshake / binding ----

// ClientInfos is the connection handshake: protocol version plus the
// client-generated UDP bind key.
type ClientInfos struct {
	base
	Version int
	BindKey string
}

func (*ClientInfos) Key() string   { return "clientInfos" }
func (*ClientInfos) Kind() Kind    { return KindClientInfos }
func (*ClientInfos) Pref() NetPref { return PrefTCP }

func (a *ClientInfos) appendPayload(buf *bytes.Buffer) error {
	writeInt(buf, a.Version)
	buf.WriteString(a.BindKey)
	return nil
}

// UDPBindQuery asks the peer to (re)send its bind key over UDP.
type UDPBindQuery struct {
	base
}

func (*UDPBindQuery) Key() string   { return "udpBindQuery" }
func (*UDPBindQuery) Kind() Kind    { return KindUDPBindQuery }
func (*UDPBindQuery) Pref() NetPref { return PrefTCP }

func (a *UDPBindQuery) appendPayload(buf *bytes.Buffer) error { return nil }

// UDPBind presents the bind key over UDP so the receiver can learn the
// sender's UDP endpoint, or confirms over any transport that the key was
// received. The Answer field distinguishes the two directions.
type UDPBind struct {
	base
	BindKey string
	Answer  bool
}

func (*UDPBind) Key() string { return "udpBind" }
func (*UDPBind) Kind() Kind  { return KindUDPBind }

// Pref is UDP for the key presentation; the confirmation answer rides
// whatever transport is available.
func (a *UDPBind) Pref() NetPref {
	if a.Answer {
		return PrefAny
	}
	return PrefUDP
}

func (a *UDPBind) appendPayload(buf *bytes.Buffer) error {
	writeBool(buf, a.Answer)
	buf.WriteString(a.BindKey)
	return nil
}

// UDPBindValidation acknowledges the bind confirmation, completing the
// second of the two independent one-way UDP confirmations.
type UDPBindValidation struct {
	base
}

func (*UDPBindValidation) Key() string   { return "udpBindValidation" }
func (*UDPBindValidation) Kind() Kind    { return KindUDPBindValidation }
func (*UDPBindValidation) Pref() NetPref { return PrefTCP }

func (a *UDPBindValidation) appendPayload(buf *bytes.Buffer) error { return nil }

// ---- identity / roster ----

// ChangeMode announces the sender's participation mode.
type ChangeMode struct {
	base
	Mode Mode
}

func (*ChangeMode) Key() string   { return "changeMode" }
func (*ChangeMode) Kind() Kind    { return KindChangeMode }
func (*ChangeMode) Pref() NetPref { return PrefTCP }

func (a *ChangeMode) appendPayload(buf *bytes.Buffer) error {
	writeInt(buf, int(a.Mode))
	return nil
}

// ChangeName sets the sender's display name. The server refuses empty
// names and broadcasts the first name-set as the roster-add announcement.
type ChangeName struct {
	base
	Name string
}

func (*ChangeName) Key() string   { return "changeName" }
func (*ChangeName) Kind() Kind    { return KindChangeName }
func (*ChangeName) Pref() NetPref { return PrefTCP }

func (a *ChangeName) appendPayload(buf *bytes.Buffer) error {
	buf.WriteString(a.Name)
	return nil
}

// RosterEntry is one (id, name) pair in a roster delta.
type RosterEntry struct {
	ID   int
	Name string
}

// ClientsAddedRemoved is the roster delta the server broadcasts when
// clients become visible or leave.
type ClientsAddedRemoved struct {
	base
	Added   []RosterEntry
	Removed []RosterEntry
}

func (*ClientsAddedRemoved) Key() string   { return "changeClients" }
func (*ClientsAddedRemoved) Kind() Kind    { return KindClientsAddedRemoved }
func (*ClientsAddedRemoved) Pref() NetPref { return PrefTCP }

func (a *ClientsAddedRemoved) appendPayload(buf *bytes.Buffer) error {
	writeEntries(buf, a.Added)
	writeEntries(buf, a.Removed)
	return nil
}

func writeEntries(buf *bytes.Buffer, entries []RosterEntry) {
	writeInt(buf, len(entries))
	for _, e := range entries {
		writeInt(buf, e.ID)
		writeInt(buf, len(e.Name))
		buf.WriteString(e.Name)
	}
}

// PointsEntry is one per-client score delta. ID -1 means "your own score".
type PointsEntry struct {
	ID     int
	Points int
}

// PointsDelta updates per-client scores.
type PointsDelta struct {
	base
	Entries []PointsEntry
}

func (*PointsDelta) Key() string   { return "points" }
func (*PointsDelta) Kind() Kind    { return KindPointsDelta }
func (*PointsDelta) Pref() NetPref { return PrefTCP }

func (a *PointsDelta) appendPayload(buf *bytes.Buffer) error {
	writeInt(buf, len(a.Entries))
	for _, e := range a.Entries {
		writeInt(buf, e.ID)
		writeInt(buf, e.Points)
	}
	return nil
}

// ---- chat ----

// Chat is a public chat message. The message must not contain a newline;
// the wire format does not escape it (protocol convention).
type Chat struct {
	base
	Message string
}

func (*Chat) Key() string   { return "message" }
func (*Chat) Kind() Kind    { return KindChat }
func (*Chat) Pref() NetPref { return PrefTCP }

func (a *Chat) appendPayload(buf *bytes.Buffer) error {
	buf.WriteString(a.Message)
	return nil
}

// ChatPP is a chat message addressed to a private list of client ids.
type ChatPP struct {
	base
	Recipients []int
	Message    string
}

func (*ChatPP) Key() string   { return "messagePP" }
func (*ChatPP) Kind() Kind    { return KindChatPP }
func (*ChatPP) Pref() NetPref { return PrefTCP }

func (a *ChatPP) appendPayload(buf *bytes.Buffer) error {
	writeInt(buf, len(a.Recipients))
	for _, id := range a.Recipients {
		writeInt(buf, id)
	}
	buf.WriteString(a.Message)
	return nil
}

// ---- play state ----

// PlayingLevel announces which level the sender is currently playing.
// An empty id means "not playing".
type PlayingLevel struct {
	base
	LevelID string
}

func (*PlayingLevel) Key() string   { return "playingLevel" }
func (*PlayingLevel) Kind() Kind    { return KindPlayingLevel }
func (*PlayingLevel) Pref() NetPref { return PrefTCP }

func (a *PlayingLevel) appendPayload(buf *bytes.Buffer) error {
	buf.WriteString(a.LevelID)
	return nil
}

// Frame carries one serialized bike physics state. Highest-frequency
// action; the one-letter key keeps the per-frame overhead down.
type Frame struct {
	base
	State BikeState
}

func (*Frame) Key() string   { return "f" }
func (*Frame) Kind() Kind    { return KindFrame }
func (*Frame) Pref() NetPref { return PrefAny }

func (a *Frame) appendPayload(buf *bytes.Buffer) error {
	return a.State.AppendBinary(buf)
}

// KillAlert warns slave clients that the round ends in Seconds.
type KillAlert struct {
	base
	Seconds int
}

func (*KillAlert) Key() string   { return "killAlert" }
func (*KillAlert) Kind() Kind    { return KindKillAlert }
func (*KillAlert) Pref() NetPref { return PrefTCP }

func (a *KillAlert) appendPayload(buf *bytes.Buffer) error {
	writeInt(buf, a.Seconds)
	return nil
}

// PrepareToPlay starts a synchronized round: the level to load and the
// full replacement set of slave client ids for this round.
type PrepareToPlay struct {
	base
	LevelID string
	Slaves  []int
}

func (*PrepareToPlay) Key() string   { return "prepareToPlay" }
func (*PrepareToPlay) Kind() Kind    { return KindPrepareToPlay }
func (*PrepareToPlay) Pref() NetPref { return PrefTCP }

func (a *PrepareToPlay) appendPayload(buf *bytes.Buffer) error {
	writeInt(buf, len(a.Slaves))
	for _, id := range a.Slaves {
		writeInt(buf, id)
	}
	buf.WriteString(a.LevelID)
	return nil
}

// PrepareToGo counts a synchronized round down; Seconds 0 means go.
type PrepareToGo struct {
	base
	Seconds int
}

func (*PrepareToGo) Key() string   { return "prepareToGo" }
func (*PrepareToGo) Kind() Kind    { return KindPrepareToGo }
func (*PrepareToGo) Pref() NetPref { return PrefTCP }

func (a *PrepareToGo) appendPayload(buf *bytes.Buffer) error {
	writeInt(buf, a.Seconds)
	return nil
}

// GameEvents carries a batched, opaque buffer of serialized scene events.
// The buffer is replayed through the scene event handler on receipt.
type GameEvents struct {
	base
	Buffer []byte
}

func (*GameEvents) Key() string   { return "gameEvents" }
func (*GameEvents) Kind() Kind    { return KindGameEvents }
func (*GameEvents) Pref() NetPref { return PrefTCP }

func (a *GameEvents) appendPayload(buf *bytes.Buffer) error {
	buf.Write(a.Buffer)
	return nil
}

// ---- control ----

// SrvError is a server-originated, untranslated error string; the client
// localizes it for display.
type SrvError struct {
	base
	Message string
}

func (*SrvError) Key() string   { return "srvError" }
func (*SrvError) Kind() Kind    { return KindSrvError }
func (*SrvError) Pref() NetPref { return PrefTCP }

func (a *SrvError) appendPayload(buf *bytes.Buffer) error {
	buf.WriteString(a.Message)
	return nil
}

// Ping is a latency probe. Pong false is an outgoing probe the receiver
// must echo back with Pong true and the same id.
type Ping struct {
	base
	Pong bool
	ID   int
}

func (*Ping) Key() string   { return "ping" }
func (*Ping) Kind() Kind    { return KindPing }
func (*Ping) Pref() NetPref { return PrefAny }

func (a *Ping) appendPayload(buf *bytes.Buffer) error {
	writeBool(buf, a.Pong)
	writeInt(buf, a.ID)
	return nil
}

// SrvCmd is an administrative command sent to the server.
type SrvCmd struct {
	base
	Command string
}

func (*SrvCmd) Key() string   { return "srvCmd" }
func (*SrvCmd) Kind() Kind    { return KindSrvCmd }
func (*SrvCmd) Pref() NetPref { return PrefTCP }

func (a *SrvCmd) appendPayload(buf *bytes.Buffer) error {
	buf.WriteString(a.Command)
	return nil
}

// SrvCmdAnswer is the server's reply to a SrvCmd. The client forwards it
// to the state manager without interpreting the payload.
type SrvCmdAnswer struct {
	base
	Answer string
}

func (*SrvCmdAnswer) Key() string   { return "srvCmdAsw" }
func (*SrvCmdAnswer) Kind() Kind    { return KindSrvCmdAnswer }
func (*SrvCmdAnswer) Pref() NetPref { return PrefTCP }

func (a *SrvCmdAnswer) appendPayload(buf *bytes.Buffer) error {
	buf.WriteString(a.Answer)
	return nil
}

// ---- payload write helpers ----

// writeInt writes a decimal integer followed by a newline separator.
func writeInt(buf *bytes.Buffer, v int) {
	buf.WriteString(strconv.Itoa(v))
	buf.WriteByte('\n')
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeInt(buf, 1)
	} else {
		writeInt(buf, 0)
	}
}

// Describe returns a short log-friendly description of an action.
func Describe(a Action) string {
	return fmt.Sprintf("%s[src=%d sub=%d]", a.Key(), a.Source(), a.SubSource())
}
