package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ridenet-project/ridenet/internal/config"
	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/network"
	"github.com/ridenet-project/ridenet/internal/protocol"
	"github.com/ridenet-project/ridenet/internal/util"
)

// inbound is one unit of work for the dispatch goroutine: a decoded
// action from a client, a removal request after a read error, or an
// anonymous datagram awaiting bind-key authentication.
type inbound struct {
	client  *ServerClient
	action  protocol.Action
	overUDP bool
	anonUDP *net.UDPAddr // source address of an unmatched datagram
	err     error        // read/protocol failure, triggers removal
}

// Server is the session/broadcast engine. Accept, per-client TCP readers
// and the shared UDP reader all feed the inbox; a single dispatch
// goroutine owns every state mutation and relay decision, preserving
// per-client TCP ordering end to end.
type Server struct {
	cfg config.ServerConfig
	bus *events.Bus

	listener net.Listener
	udp      *net.UDPConn

	mu      sync.RWMutex
	clients map[int]*ServerClient
	nextID  int

	// closedStats accumulates transport counters of departed clients so
	// Stats() covers the whole run.
	closedStats network.TransportStats

	inbox  chan inbound
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollTimeout time.Duration
	logger      zerolog.Logger
}

// New creates a server session from configuration.
func New(cfg config.ServerConfig, bus *events.Bus) *Server {
	return &Server{
		cfg:         cfg,
		bus:         bus,
		clients:     make(map[int]*ServerClient),
		inbox:       make(chan inbound, 256),
		pollTimeout: time.Duration(cfg.PollTimeoutMs) * time.Millisecond,
		logger:      util.ComponentLogger("net_server"),
	}
}

// Start binds the TCP listener and the shared UDP socket on the
// configured port and launches the accept, UDP and dispatch goroutines.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.Port)

	lc := network.ReuseAddrListenConfig()
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}
	s.listener = listener

	// With port 0 the TCP listener picked an ephemeral port; the UDP
	// socket must share it, since clients derive both from one address.
	if s.cfg.Port == 0 {
		addr = fmt.Sprintf("%s:%d", s.cfg.BindHost, listener.Addr().(*net.TCPAddr).Port)
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to bind UDP socket on %s: %w", addr, err)
	}
	s.udp = pc.(*net.UDPConn)

	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info().Str("addr", addr).Int("max_clients", s.cfg.MaxClients).Msg("server started")

	s.wg.Add(3)
	go s.acceptLoop(ctx)
	go s.udpLoop(ctx)
	go s.dispatchLoop(ctx)

	return nil
}

// Stop shuts the engine down and closes every client connection.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.udp != nil {
		s.udp.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	for _, sc := range s.clients {
		sc.conn.Close()
	}
	s.clients = make(map[int]*ServerClient)
	s.mu.Unlock()

	s.logger.Info().Msg("server stopped")
}

// Addr returns the bound TCP address, useful when port 0 was configured.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Clients returns a snapshot of all connected clients.
func (s *Server) Clients() []ClientSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClientSnapshot, 0, len(s.clients))
	for _, sc := range s.clients {
		out = append(out, sc.snapshot())
	}
	return out
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stats aggregates transport counters across current and departed
// clients.
func (s *Server) Stats() network.TransportStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.closedStats
	for _, sc := range s.clients {
		total.Merge(sc.transport.Stats())
	}
	return total
}

// Say broadcasts a chat line authored by the server itself.
func (s *Server) Say(msg string) {
	s.mu.RLock()
	targets := make([]*ServerClient, 0, len(s.clients))
	for _, sc := range s.clients {
		targets = append(targets, sc)
	}
	s.mu.RUnlock()

	for _, sc := range targets {
		sc.send(&protocol.Chat{Message: msg}, protocol.SourceServer, 0, false)
	}
}

// Kick disconnects one client by id.
func (s *Server) Kick(id int, reason string) error {
	s.mu.RLock()
	sc, ok := s.clients[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no client %d", id)
	}
	sc.send(&protocol.SrvError{Message: "kicked: " + reason}, protocol.SourceServer, 0, false)
	s.inbox <- inbound{client: sc, err: fmt.Errorf("kicked: %s", reason)}
	return nil
}

// ---- accept path ----

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxClients {
			s.mu.Unlock()
			s.refuse(conn)
			continue
		}
		id := s.nextID
		s.nextID++
		sc := &ServerClient{
			id:        id,
			conn:      conn,
			transport: network.NewTransport(conn, nil, nil),
			mode:      protocol.ModeGhost,
		}
		s.clients[id] = sc
		s.mu.Unlock()

		s.logger.Info().
			Int("client", id).
			Str("remote", conn.RemoteAddr().String()).
			Msg("client connected")

		s.wg.Add(1)
		go s.readLoop(ctx, sc)
	}
}

// refuse rejects a connection at capacity: one server-error frame over
// the fresh socket, then close. No client id is ever assigned.
func (s *Server) refuse(conn net.Conn) {
	s.logger.Warn().
		Str("remote", conn.RemoteAddr().String()).
		Msg("refusing connection, server full")

	frame, err := protocol.Encode(&protocol.SrvError{Message: "too many clients connected"},
		protocol.SourceServer, 0)
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.Write(frame)
	}
	conn.Close()
}

// readLoop drains all complete frames available on one client's TCP
// stream. Read and decode failures are handed to the dispatch goroutine,
// which removes only this client.
func (s *Server) readLoop(ctx context.Context, sc *ServerClient) {
	defer s.wg.Done()

	reader := protocol.NewActionReader(&statsReader{conn: sc.conn, transport: sc.transport})
	for {
		if ctx.Err() != nil {
			return
		}
		if !reader.MorePossible() {
			sc.conn.SetReadDeadline(time.Now().Add(s.pollTimeout))
		}
		a, err := reader.Next()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				s.inbox <- inbound{client: sc, err: err}
			}
			return
		}
		if a == nil {
			continue
		}
		select {
		case s.inbox <- inbound{client: sc, action: a}:
		case <-ctx.Done():
			return
		}
	}
}

// udpLoop receives datagrams on the shared socket. A datagram from a
// bound client's address dispatches normally; an unmatched one is decoded
// speculatively for bind-key authentication. Nothing on this path ever
// removes a client: single bad datagrams are logged and dropped.
func (s *Server) udpLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, protocol.MaxEventsFrameSize)
	for {
		if ctx.Err() != nil {
			return
		}
		s.udp.SetReadDeadline(time.Now().Add(s.pollTimeout))
		n, from, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("UDP read failed")
			}
			return
		}

		a, decErr := protocol.DecodeDatagram(buf[:n])

		if sc := s.boundClientFor(from); sc != nil {
			if decErr != nil {
				s.logger.Debug().Err(decErr).Int("client", sc.id).Msg("dropping bad datagram")
				continue
			}
			sc.transport.RecordReceived(true, n)
			select {
			case s.inbox <- inbound{client: sc, action: a, overUDP: true}:
			case <-ctx.Done():
				return
			}
			continue
		}

		if decErr != nil {
			s.logger.Debug().Err(decErr).Str("from", from.String()).Msg("dropping anonymous bad datagram")
			continue
		}
		if bind, ok := a.(*protocol.UDPBind); ok && !bind.Answer {
			select {
			case s.inbox <- inbound{action: bind, anonUDP: from, overUDP: true}:
			case <-ctx.Done():
				return
			}
			continue
		}
		s.logger.Debug().
			Str("from", from.String()).
			Str("action", a.Key()).
			Msg("dropping anonymous datagram")
	}
}

func (s *Server) boundClientFor(from *net.UDPAddr) *ServerClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.clients {
		sc.mu.Lock()
		match := sc.udpBound && sc.udpAddr.IP.Equal(from.IP) && sc.udpAddr.Port == from.Port
		sc.mu.Unlock()
		if match {
			return sc
		}
	}
	return nil
}

// ---- dispatch goroutine ----

// dispatchLoop is the single owner of relay decisions and client
// lifecycle. A protocol violation on a client's TCP stream removes that
// one client; failures on the UDP path only drop the datagram.
func (s *Server) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.inbox:
			if in.anonUDP != nil {
				s.bindAnonymous(in.action.(*protocol.UDPBind), in.anonUDP)
				continue
			}
			if in.err != nil {
				s.removeClient(in.client, in.err)
				continue
			}
			if err := s.handleAction(in.client, in.action, in.overUDP); err != nil {
				if in.overUDP {
					s.logger.Warn().Err(err).Int("client", in.client.id).Msg("UDP action dropped")
					continue
				}
				s.removeClient(in.client, err)
			}
		}
	}
}

// bindAnonymous authenticates an anonymous UDP bind datagram: the carried
// key must equal a not-yet-bound client's TCP-exchanged bind key. An
// unmatched key binds nothing and is merely logged.
func (s *Server) bindAnonymous(bind *protocol.UDPBind, from *net.UDPAddr) {
	s.mu.RLock()
	var match *ServerClient
	for _, sc := range s.clients {
		sc.mu.Lock()
		ok := !sc.udpBound && sc.bindKey != "" && sc.bindKey == bind.BindKey
		sc.mu.Unlock()
		if ok {
			match = sc
			break
		}
	}
	s.mu.RUnlock()

	if match == nil {
		s.logger.Debug().Str("from", from.String()).Msg("bind key matches no pending client")
		return
	}

	match.mu.Lock()
	match.udpAddr = from
	match.udpBound = true
	match.mu.Unlock()
	match.transport.SetUDPPeer(s.udp, from)

	s.logger.Info().
		Int("client", match.id).
		Str("udp", from.String()).
		Msg("client UDP endpoint bound")

	// Confirm over TCP so the client flips its outbound flag, and probe
	// over UDP so the client can prove the reverse direction works. Both
	// best-effort; the handshake re-runs if either is lost.
	answer := &protocol.UDPBind{Answer: true, BindKey: bind.BindKey}
	match.send(answer, protocol.SourceServer, 0, false)
	match.send(answer, protocol.SourceServer, 0, true)
}

// removeClient tears one client down and broadcasts its departure. A
// send failure while broadcasting removes the failing target as well,
// bounded by the roster size.
func (s *Server) removeClient(sc *ServerClient, cause error) {
	sc.mu.Lock()
	if sc.removed {
		sc.mu.Unlock()
		return
	}
	sc.removed = true
	name := sc.name
	sc.mu.Unlock()

	s.mu.Lock()
	delete(s.clients, sc.id)
	s.closedStats.Merge(sc.transport.Stats())
	s.mu.Unlock()

	sc.conn.Close()

	s.logger.Info().
		Int("client", sc.id).
		Str("name", name).
		AnErr("cause", cause).
		Msg("client removed")

	if s.bus != nil {
		s.bus.Emit(context.Background(), events.Event{
			Type:    events.EventClientLeft,
			Source:  "net_server",
			Payload: events.ClientRosterPayload{ID: sc.id, Name: name},
		})
	}

	// Clients that never set a name were never announced; no need to
	// broadcast their departure.
	if name == "" {
		return
	}
	delta := &protocol.ClientsAddedRemoved{
		Removed: []protocol.RosterEntry{{ID: sc.id, Name: name}},
	}
	s.broadcast(delta, protocol.SourceServer, 0, nil)
}

// broadcast sends an action to every connected client except skip. Each
// target's failure is handled independently: the target is removed and
// iteration continues.
func (s *Server) broadcast(a protocol.Action, source, subSource int, skip *ServerClient) {
	s.mu.RLock()
	targets := make([]*ServerClient, 0, len(s.clients))
	for _, sc := range s.clients {
		if sc != skip {
			targets = append(targets, sc)
		}
	}
	s.mu.RUnlock()

	for _, sc := range targets {
		if err := sc.send(a, source, subSource, false); err != nil {
			s.removeClient(sc, fmt.Errorf("broadcast failed: %w", err))
		}
	}
}

// statsReader feeds a stream reader while accounting received bytes.
type statsReader struct {
	conn      net.Conn
	transport *network.Transport
}

func (r *statsReader) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	if n > 0 {
		r.transport.RecordReceived(false, n)
	}
	return n, err
}
