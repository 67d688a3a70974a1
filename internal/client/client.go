// Package client implements the client-side network session: one TCP
// connection plus one UDP socket to a single server, a background
// listener feeding a thread-safe inbound queue, and the roster of other
// connected clients with their ghost bindings.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/game"
	"github.com/ridenet-project/ridenet/internal/network"
	"github.com/ridenet-project/ridenet/internal/protocol"
	"github.com/ridenet-project/ridenet/internal/util"
)

// udpReadBufSize accommodates the largest legal frame in one datagram.
const udpReadBufSize = protocol.MaxEventsFrameSize

// Options configures a client session.
type Options struct {
	Name  string
	Theme game.ThemeProvider
	// PollTimeout bounds how long the listener goroutines block before
	// re-checking for shutdown.
	PollTimeout time.Duration
}

// Client is the client-side session singleton. All game-state access
// (roster ghosts, scenes) happens on the goroutine that calls
// ExecuteNetActions; the listener goroutines only decode and enqueue.
type Client struct {
	mu sync.Mutex

	name     string
	theme    game.ThemeProvider
	console  game.Console
	bus      *events.Bus
	universe game.Universe

	pollTimeout time.Duration

	// connection state
	connected bool
	tcp       net.Conn
	udp       *net.UDPConn
	transport *network.Transport
	bindKey   string

	// Dual one-way UDP confirmations. serverReceivesUDP means the server
	// proved it gets our datagrams (it answered our bind key);
	// serverSendsUDP means we proved we get the server's datagrams.
	// Either may be true without the other under asymmetric NAT.
	serverReceivesUDP bool
	serverSendsUDP    bool

	mode protocol.Mode

	roster map[int]*OtherClient

	// inbound queue, produced by the listener goroutines and drained by
	// ExecuteNetActions on the game goroutine. queueLen mirrors
	// len(queue) so the per-tick empty check needs no lock.
	queueMu  sync.Mutex
	queue    []protocol.Action
	queueLen atomic.Int64

	// listener lifecycle
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	listenerDead bool

	// own-frame FPS accounting (server echo path, slave mode)
	ownFrames     int
	ownFrameFPS   float64
	fpsWindowFrom time.Time

	// single outstanding ping
	pingID      int
	pingPending bool
	pingSentAt  time.Time
	latency     time.Duration

	points int

	logger zerolog.Logger
}

// New creates a disconnected client session.
func New(opts Options, bus *events.Bus, console game.Console) *Client {
	if opts.Theme == nil {
		opts.Theme = game.DefaultTheme
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 200 * time.Millisecond
	}
	return &Client{
		name:        opts.Name,
		theme:       opts.Theme,
		pollTimeout: opts.PollTimeout,
		console:     console,
		bus:         bus,
		mode:        protocol.ModeGhost,
		roster:      make(map[int]*OtherClient),
		logger:      util.ComponentLogger("net_client"),
	}
}

// AttachUniverse binds the active play session. Nil detaches; frame
// actions received while detached are dropped as stale.
func (c *Client) AttachUniverse(u game.Universe) {
	c.mu.Lock()
	c.universe = u
	c.mu.Unlock()
	if u == nil {
		// Leaving play destroys all ghost bindings in bulk; the next
		// session lazily recreates them against the new scenes.
		c.clearGhosts()
	}
}

// Connect opens the TCP connection and UDP socket to the server, starts
// the background listener, and sends the handshake pair. Fails fast when
// already connected.
func (c *Client) Connect(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	tcp, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		tcp.Close()
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		tcp.Close()
		return fmt.Errorf("open UDP socket: %w", err)
	}

	c.tcp = tcp
	c.udp = udp
	c.transport = network.NewTransport(tcp, udp, nil)
	c.bindKey = util.RandomToken(16)
	c.serverReceivesUDP = false
	c.serverSendsUDP = false
	c.listenerDead = false
	c.connected = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.tcpLoop(ctx)
	go c.udpLoop(ctx)

	c.logger.Info().Str("server", addr).Msg("connected")

	// Best-effort handshake: a lost handshake is retried implicitly
	// because the server re-queries UDP binding.
	c.transport.Send(&protocol.ClientInfos{
		Version: protocol.ProtocolVersion,
		BindKey: c.bindKey,
	}, 0, 0, false)
	c.transport.Send(&protocol.ChangeName{Name: c.name}, 0, 0, false)

	if c.bus != nil {
		c.bus.Emit(ctx, events.Event{
			Type:    events.EventClientStatusChanged,
			Source:  "net_client",
			Payload: events.StatusChangedPayload{Connected: true},
		})
	}
	return nil
}

// Disconnect tears the session down: stops the listener goroutines,
// closes both sockets, and clears the roster with its ghost bindings.
// No-op when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	cancel := c.cancel
	tcp, udp := c.tcp, c.udp
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Closing the sockets unblocks reads faster than the poll timeout.
	if tcp != nil {
		tcp.Close()
	}
	if udp != nil {
		udp.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.tcp = nil
	c.udp = nil
	c.transport = nil
	c.roster = make(map[int]*OtherClient)
	c.serverReceivesUDP = false
	c.serverSendsUDP = false
	c.pingPending = false
	c.mu.Unlock()

	c.queueMu.Lock()
	c.queue = nil
	c.queueLen.Store(0)
	c.queueMu.Unlock()

	c.logger.Info().Msg("disconnected")

	if c.bus != nil {
		c.bus.Emit(context.Background(), events.Event{
			Type:    events.EventClientStatusChanged,
			Source:  "net_client",
			Payload: events.StatusChangedPayload{Connected: false},
		})
	}
}

// IsConnected reports the session state. When the listener has died on an
// I/O error, this triggers the teardown first so callers never observe
// "connected but listener dead".
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	dead := c.connected && c.listenerDead
	connected := c.connected
	c.mu.Unlock()

	if dead {
		c.Disconnect()
		return false
	}
	return connected
}

// ChangeMode switches between ghost and slave participation and announces
// the change to the server.
func (c *Client) ChangeMode(mode protocol.Mode) error {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return c.Send(&protocol.ChangeMode{Mode: mode}, 0, false)
}

// Mode returns the current participation mode.
func (c *Client) Mode() protocol.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Send transmits an action to the server with source 0 (the server
// renumbers on relay). A transport failure tears the session down before
// the error is returned: a failed TCP send means the connection is
// unrecoverable and must not be left half-broken.
func (c *Client) Send(a protocol.Action, subSource int, forceUDP bool) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return fmt.Errorf("send %s: not connected", a.Key())
	}
	if err := t.Send(a, 0, subSource, forceUDP); err != nil {
		c.logger.Error().Err(err).Str("action", a.Key()).Msg("send failed, tearing down")
		c.Disconnect()
		return err
	}
	return nil
}

// SendPing issues a latency probe. Only one ping is outstanding at a
// time; a newer ping supersedes the previous correlation id.
func (c *Client) SendPing() error {
	c.mu.Lock()
	c.pingID++
	id := c.pingID
	c.pingPending = true
	c.pingSentAt = time.Now()
	c.mu.Unlock()
	return c.Send(&protocol.Ping{ID: id}, 0, false)
}

// Latency returns the most recent measured round-trip time.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Points returns the own accumulated score.
func (c *Client) Points() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.points
}

// OwnFrameFPS returns the rate at which the server echoes our own
// authoritative frames back (slave mode reconciliation).
func (c *Client) OwnFrameFPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownFrameFPS
}

// Stats returns a snapshot of the transport counters, zero when
// disconnected.
func (c *Client) Stats() network.TransportStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return network.TransportStats{}
	}
	return c.transport.Stats()
}

// UDPConfirmed reports the two independent one-way confirmations:
// outbound (server receives our datagrams) and inbound (we receive the
// server's).
func (c *Client) UDPConfirmed() (outbound, inbound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverReceivesUDP, c.serverSendsUDP
}

// ---- listener goroutines ----

// tcpLoop owns the stream reader. It is the sole TCP disconnect detector:
// a failed read marks the listener dead and IsConnected finishes the
// teardown from a safe goroutine.
func (c *Client) tcpLoop(ctx context.Context) {
	defer c.wg.Done()

	reader := protocol.NewActionReader(&countingReader{src: c.tcp, record: func(n int) {
		c.mu.Lock()
		if c.transport != nil {
			c.transport.RecordReceived(false, n)
		}
		c.mu.Unlock()
	}})
	for {
		if ctx.Err() != nil {
			return
		}
		if !reader.MorePossible() {
			c.tcp.SetReadDeadline(time.Now().Add(c.pollTimeout))
		}
		a, err := reader.Next()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("TCP listener exiting")
				c.markListenerDead()
			}
			return
		}
		if a == nil {
			continue
		}
		c.enqueue(a)
	}
}

// udpLoop receives datagrams. Bad datagrams are logged and dropped; they
// never end the session, because UDP senders are unauthenticated and
// inherently lossy.
func (c *Client) udpLoop(ctx context.Context) {
	defer c.wg.Done()

	buf := make([]byte, udpReadBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		c.udp.SetReadDeadline(time.Now().Add(c.pollTimeout))
		n, err := c.udp.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("UDP listener exiting")
			}
			return
		}

		a, err := protocol.DecodeDatagram(buf[:n])
		if err != nil {
			c.logger.Debug().Err(err).Int("bytes", n).Msg("dropping bad datagram")
			continue
		}

		c.mu.Lock()
		if c.transport != nil {
			c.transport.RecordReceived(true, n)
		}
		firstUDP := !c.serverSendsUDP
		c.serverSendsUDP = true
		c.mu.Unlock()

		if firstUDP {
			// The server's datagrams reach us: acknowledge so the server
			// can flip its own outbound confirmation. Best-effort, sent
			// directly so a failure here cannot recurse into teardown
			// from inside the listener goroutine.
			c.mu.Lock()
			t := c.transport
			c.mu.Unlock()
			if t != nil {
				t.Send(&protocol.UDPBindValidation{}, 0, 0, false)
			}
		}

		c.enqueue(a)
	}
}

func (c *Client) markListenerDead() {
	c.mu.Lock()
	c.listenerDead = true
	c.mu.Unlock()
}

func (c *Client) enqueue(a protocol.Action) {
	c.queueMu.Lock()
	c.queue = append(c.queue, a)
	c.queueLen.Store(int64(len(c.queue)))
	c.queueMu.Unlock()
}

// countingReader feeds the stream reader while accounting received bytes
// in the transport stats.
type countingReader struct {
	src    net.Conn
	record func(n int)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.record(n)
	}
	return n, err
}
