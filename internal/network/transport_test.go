package network

import (
	"net"
	"testing"
	"time"

	"github.com/ridenet-project/ridenet/internal/protocol"
)

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		done <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-done
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

// udpPair returns a dialed UDP socket and the listening far end.
func udpPair(t *testing.T) (dialed *net.UDPConn, far *net.UDPConn) {
	t.Helper()
	farAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	far, err = net.ListenUDP("udp", farAddr)
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	local, err := net.ResolveUDPAddr("udp", far.LocalAddr().String())
	if err != nil {
		t.Fatalf("resolve far: %v", err)
	}
	dialed, err = net.DialUDP("udp", nil, local)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	t.Cleanup(func() { dialed.Close(); far.Close() })
	return dialed, far
}

func readDatagram(t *testing.T, conn *net.UDPConn) protocol.Action {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, protocol.MaxEventsFrameSize)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("udp read: %v", err)
	}
	a, err := protocol.DecodeDatagram(buf[:n])
	if err != nil {
		t.Fatalf("decode datagram: %v", err)
	}
	return a
}

// readStream pumps the reader until one complete action arrives.
func readStream(t *testing.T, conn net.Conn, r *protocol.ActionReader) protocol.Action {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		a, err := r.Next()
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		if a != nil {
			return a
		}
	}
}

func TestSendHonorsPreference(t *testing.T) {
	clientTCP, serverTCP := tcpPair(t)
	udp, far := udpPair(t)

	tr := NewTransport(clientTCP, udp, nil)
	r := protocol.NewActionReader(serverTCP)

	// PrefTCP lands on the stream.
	if err := tr.Send(&protocol.Chat{Message: "hi"}, 0, 0, false); err != nil {
		t.Fatalf("Send chat: %v", err)
	}
	if a := readStream(t, serverTCP, r); a.Kind() != protocol.KindChat {
		t.Fatalf("tcp got %s", a.Key())
	}

	// PrefUDP lands on the datagram socket.
	if err := tr.Send(&protocol.UDPBind{BindKey: "k"}, 0, 0, false); err != nil {
		t.Fatalf("Send bind: %v", err)
	}
	if got := readDatagram(t, far); got.Kind() != protocol.KindUDPBind {
		t.Fatalf("udp got %s", got.Key())
	}

	// PrefAny stays on TCP until the outbound direction is confirmed.
	if err := tr.Send(&protocol.Frame{}, 0, 0, false); err != nil {
		t.Fatalf("Send frame: %v", err)
	}
	if a := readStream(t, serverTCP, r); a.Kind() != protocol.KindFrame {
		t.Fatalf("unconfirmed frame went to %s", a.Key())
	}

	tr.SetUDPConfirmed(true)
	if err := tr.Send(&protocol.Frame{}, 0, 0, false); err != nil {
		t.Fatalf("Send confirmed frame: %v", err)
	}
	if got := readDatagram(t, far); got.Kind() != protocol.KindFrame {
		t.Fatalf("confirmed frame went to %s", got.Key())
	}

	st := tr.Stats()
	if st.TCPPacketsSent != 2 || st.UDPPacketsSent != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if st.BiggestSent == 0 {
		t.Fatal("biggest sent not tracked")
	}
}

func TestForceUDPOverridesPreference(t *testing.T) {
	udp, far := udpPair(t)

	tr := NewTransport(nil, udp, nil)
	if err := tr.Send(&protocol.UDPBind{Answer: true, BindKey: "k"}, 0, 0, true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := readDatagram(t, far); got.Kind() != protocol.KindUDPBind {
		t.Fatalf("got %s", got.Key())
	}
}

func TestSendWithoutTCPFails(t *testing.T) {
	tr := NewTransport(nil, nil, nil)
	if err := tr.Send(&protocol.Chat{Message: "x"}, 0, 0, false); err == nil {
		t.Fatal("send without a TCP connection succeeded")
	}
}

func TestOversizedDatagramDroppedSilently(t *testing.T) {
	udp, far := udpPair(t)
	tr := NewTransport(nil, udp, nil)
	tr.SetUDPConfirmed(true)

	// Larger than a datagram but legal for this kind on TCP; the UDP
	// path must drop it without surfacing an error.
	big := &protocol.GameEvents{Buffer: make([]byte, MaxDatagramSize+1)}
	if err := tr.Send(big, 0, 0, true); err != nil {
		t.Fatalf("oversized drop returned error: %v", err)
	}

	far.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, protocol.MaxEventsFrameSize)
	if n, _, err := far.ReadFromUDP(buf); err == nil {
		t.Fatalf("oversized datagram was sent (%d bytes)", n)
	}

	if st := tr.Stats(); st.UDPPacketsSent != 0 {
		t.Fatalf("dropped datagram counted: %+v", st)
	}
}

func TestStatsMerge(t *testing.T) {
	a := TransportStats{TCPPacketsSent: 1, TCPBytesSent: 100, BiggestSent: 80, UDPPacketsRecv: 3}
	b := TransportStats{TCPPacketsSent: 2, TCPBytesSent: 50, BiggestSent: 200, BiggestRecv: 40}

	a.Merge(b)
	if a.TCPPacketsSent != 3 || a.TCPBytesSent != 150 {
		t.Fatalf("merged = %+v", a)
	}
	if a.BiggestSent != 200 || a.BiggestRecv != 40 {
		t.Fatalf("biggest not max-merged: %+v", a)
	}
	if a.UDPPacketsRecv != 3 {
		t.Fatalf("udp recv lost: %+v", a)
	}
}

func TestRecordReceived(t *testing.T) {
	tr := NewTransport(nil, nil, nil)
	tr.RecordReceived(false, 100)
	tr.RecordReceived(true, 300)
	tr.RecordReceived(true, 50)

	st := tr.Stats()
	if st.TCPPacketsRecv != 1 || st.TCPBytesRecv != 100 {
		t.Fatalf("tcp recv = %+v", st)
	}
	if st.UDPPacketsRecv != 2 || st.UDPBytesRecv != 350 {
		t.Fatalf("udp recv = %+v", st)
	}
	if st.BiggestRecv != 300 {
		t.Fatalf("biggest recv = %d", st.BiggestRecv)
	}
}
