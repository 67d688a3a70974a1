// Package network implements the dual-transport (TCP+UDP) send path and
// per-instance traffic statistics shared by the ridenet client and server
// sessions.
package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ridenet-project/ridenet/internal/protocol"
	"github.com/ridenet-project/ridenet/internal/util"
)

// MaxDatagramSize caps outbound UDP datagrams. The authoritative frame
// size check lives at encode time; an oversized datagram reaching this
// layer is logged and dropped rather than treated as an error, since
// losing one frame is recoverable on a best-effort transport.
const MaxDatagramSize = protocol.MaxFrameSize

// TransportStats is a snapshot of one transport instance's counters.
// Stats are per instance, never process-global, so a client session and a
// server session (or two tests) never share counters.
type TransportStats struct {
	TCPPacketsSent uint64 `json:"tcp_packets_sent"`
	TCPBytesSent   uint64 `json:"tcp_bytes_sent"`
	UDPPacketsSent uint64 `json:"udp_packets_sent"`
	UDPBytesSent   uint64 `json:"udp_bytes_sent"`

	TCPPacketsRecv uint64 `json:"tcp_packets_recv"`
	TCPBytesRecv   uint64 `json:"tcp_bytes_recv"`
	UDPPacketsRecv uint64 `json:"udp_packets_recv"`
	UDPBytesRecv   uint64 `json:"udp_bytes_recv"`

	BiggestSent int `json:"biggest_sent"`
	BiggestRecv int `json:"biggest_recv"`
}

// Transport owns the physical send path for one session: an optional TCP
// connection and an optional UDP socket with a peer address. Writes are
// serialized; the scratch encode buffer never crosses goroutines.
type Transport struct {
	mu      sync.Mutex
	tcp     net.Conn
	udp     *net.UDPConn
	udpPeer *net.UDPAddr // nil when the UDP socket is connected/dialed

	// udpConfirmed means the outbound direction is UDP-confirmed: the
	// peer has proven it receives our datagrams. PrefAny actions fall
	// back to TCP until then.
	udpConfirmed bool

	stats  TransportStats
	logger zerolog.Logger
}

// NewTransport creates a transport over the given handles. Either handle
// may be nil. udpPeer is required for an unconnected UDP socket (server
// side) and must be nil for a dialed one (client side).
func NewTransport(tcp net.Conn, udp *net.UDPConn, udpPeer *net.UDPAddr) *Transport {
	return &Transport{
		tcp:     tcp,
		udp:     udp,
		udpPeer: udpPeer,
		logger:  util.ComponentLogger("transport"),
	}
}

// SetUDPPeer installs the UDP destination once the peer's endpoint is
// known (server side, after bind-key authentication).
func (t *Transport) SetUDPPeer(udp *net.UDPConn, peer *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.udp = udp
	t.udpPeer = peer
}

// SetUDPConfirmed flips the outbound UDP confirmation flag. This is one
// of the two independent one-way confirmations; the inbound direction is
// tracked by the session, not here.
func (t *Transport) SetUDPConfirmed(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.udpConfirmed = ok
}

// UDPConfirmed reports whether the outbound direction is UDP-confirmed.
func (t *Transport) UDPConfirmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.udpConfirmed
}

// Send encodes the action with the given identity fields and transmits it,
// honoring the variant's transport preference unless forceUDP overrides
// it. Encode failures and TCP write failures are returned; an oversized
// or unsendable UDP datagram for a best-effort action is dropped.
func (t *Transport) Send(a protocol.Action, source, subSource int, forceUDP bool) error {
	frame, err := protocol.Encode(a, source, subSource)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	useUDP := false
	switch a.Pref() {
	case protocol.PrefUDP:
		useUDP = true
	case protocol.PrefAny:
		useUDP = forceUDP || (t.udpConfirmed && t.udp != nil)
	case protocol.PrefTCP:
		useUDP = forceUDP
	}

	if useUDP {
		return t.sendUDPLocked(a, frame)
	}
	return t.sendTCPLocked(a, frame)
}

func (t *Transport) sendTCPLocked(a protocol.Action, frame []byte) error {
	if t.tcp == nil {
		return fmt.Errorf("send %s: no TCP connection", a.Key())
	}
	n, err := t.tcp.Write(frame)
	if err != nil {
		return fmt.Errorf("send %s: %w", a.Key(), err)
	}
	if n != len(frame) {
		return fmt.Errorf("send %s: short write (%d of %d bytes)", a.Key(), n, len(frame))
	}
	t.stats.TCPPacketsSent++
	t.stats.TCPBytesSent += uint64(n)
	if n > t.stats.BiggestSent {
		t.stats.BiggestSent = n
	}
	return nil
}

func (t *Transport) sendUDPLocked(a protocol.Action, frame []byte) error {
	if t.udp == nil {
		return fmt.Errorf("send %s: no UDP socket", a.Key())
	}
	if len(frame) > MaxDatagramSize {
		t.logger.Warn().
			Str("action", a.Key()).
			Int("size", len(frame)).
			Msg("dropping oversized UDP frame")
		return nil
	}

	var (
		n   int
		err error
	)
	if t.udpPeer != nil {
		n, err = t.udp.WriteToUDP(frame, t.udpPeer)
	} else {
		n, err = t.udp.Write(frame)
	}
	if err != nil {
		// Best-effort transport: log and move on.
		t.logger.Warn().Err(err).Str("action", a.Key()).Msg("UDP send failed")
		return nil
	}
	t.stats.UDPPacketsSent++
	t.stats.UDPBytesSent += uint64(n)
	if n > t.stats.BiggestSent {
		t.stats.BiggestSent = n
	}
	return nil
}

// RecordReceived accounts one inbound packet in the stats.
func (t *Transport) RecordReceived(overUDP bool, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if overUDP {
		t.stats.UDPPacketsRecv++
		t.stats.UDPBytesRecv += uint64(n)
	} else {
		t.stats.TCPPacketsRecv++
		t.stats.TCPBytesRecv += uint64(n)
	}
	if n > t.stats.BiggestRecv {
		t.stats.BiggestRecv = n
	}
}

// Stats returns a snapshot of the counters.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Merge adds another snapshot into this one. Used to aggregate per-client
// transports into one server-wide view.
func (s *TransportStats) Merge(o TransportStats) {
	s.TCPPacketsSent += o.TCPPacketsSent
	s.TCPBytesSent += o.TCPBytesSent
	s.UDPPacketsSent += o.UDPPacketsSent
	s.UDPBytesSent += o.UDPBytesSent
	s.TCPPacketsRecv += o.TCPPacketsRecv
	s.TCPBytesRecv += o.TCPBytesRecv
	s.UDPPacketsRecv += o.UDPPacketsRecv
	s.UDPBytesRecv += o.UDPBytesRecv
	if o.BiggestSent > s.BiggestSent {
		s.BiggestSent = o.BiggestSent
	}
	if o.BiggestRecv > s.BiggestRecv {
		s.BiggestRecv = o.BiggestRecv
	}
}
