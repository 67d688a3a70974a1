// Package server implements the server-side session/broadcast engine:
// it accepts up to maxClients TCP connections, performs the UDP bind-key
// handshake per client, decodes inbound actions, and relays them per
// type-specific fan-out rules.
package server

import (
	"net"
	"sync"

	"github.com/ridenet-project/ridenet/internal/network"
	"github.com/ridenet-project/ridenet/internal/protocol"
)

// ServerClient is one connected socket's bookkeeping. Ids are assigned
// monotonically and never reused within a run. All fields besides the
// immutable id and conn are owned by the dispatch goroutine; the mutex
// only guards the snapshot reads the API and CLI perform.
type ServerClient struct {
	mu sync.Mutex

	id        int
	conn      net.Conn
	transport *network.Transport

	// UDP binding state. udpAddr is valid only once bound. bindKey is
	// the client-chosen random token exchanged over TCP; it is the sole
	// authentication tying an anonymous datagram to this client.
	bindKey  string
	udpAddr  *net.UDPAddr
	udpBound bool

	// clientReceivesUDP is the second one-way confirmation: the client
	// acked that our datagrams reach it.
	clientReceivesUDP bool

	name  string // empty until the client sends change-name
	level string // currently playing level id, empty = none
	mode  protocol.Mode

	// pending removal guard so double-removal during broadcast fan-out
	// failures cannot recurse.
	removed bool
}

// ClientSnapshot is a read-only view of one connected client.
type ClientSnapshot struct {
	ID       int    `json:"id"`
	Addr     string `json:"addr"`
	Name     string `json:"name"`
	Level    string `json:"level"`
	Mode     string `json:"mode"`
	UDPBound bool   `json:"udp_bound"`
}

func (sc *ServerClient) snapshot() ClientSnapshot {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return ClientSnapshot{
		ID:       sc.id,
		Addr:     sc.conn.RemoteAddr().String(),
		Name:     sc.name,
		Level:    sc.level,
		Mode:     sc.mode.String(),
		UDPBound: sc.udpBound,
	}
}

func (sc *ServerClient) setName(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.name = name
}

func (sc *ServerClient) getName() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.name
}

func (sc *ServerClient) setLevel(level string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.level = level
}

func (sc *ServerClient) getLevel() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.level
}

// send transmits an action to this client, stamping the given source id.
func (sc *ServerClient) send(a protocol.Action, source, subSource int, forceUDP bool) error {
	return sc.transport.Send(a, source, subSource, forceUDP)
}
