package node

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/protocol/etf"
	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const testCookie auth.Cookie = "secret"

func testConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Identity.Cookie = testCookie
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.RegisterEPMD = false
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.TickTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	return cfg
}

// startService serves on a loopback listener and forwards handler events.
func startService(t *testing.T) (*Service, string, <-chan Event) {
	t.Helper()
	return startServiceWithConfig(t, testConfig())
}

func startServiceWithConfig(t *testing.T, cfg ServiceConfig) (*Service, string, <-chan Event) {
	t.Helper()
	events := make(chan Event, 16)
	svc := NewServiceWithConfig(cfg, HandlerFunc(func(ev Event) {
		events <- ev
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return svc, ln.Addr().String(), events
}

// testPeer is the connecting side of the handshake, driven by hand.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	dec  *frame.Decoder
}

func dialPeer(t *testing.T, addr string) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	return &testPeer{t: t, conn: conn, dec: frame.NewDecoder(frame.DefaultLimits())}
}

func (p *testPeer) readPacket() []byte {
	p.t.Helper()
	var head [2]byte
	_, err := io.ReadFull(p.conn, head[:])
	require.NoError(p.t, err)
	body := make([]byte, binary.BigEndian.Uint16(head[:]))
	_, err = io.ReadFull(p.conn, body)
	require.NoError(p.t, err)
	return body
}

func (p *testPeer) sendName(name string) string {
	p.t.Helper()
	msg, err := handshake.EncodeName(handshake.DefaultFlags, name)
	require.NoError(p.t, err)
	_, err = p.conn.Write(msg)
	require.NoError(p.t, err)
	return string(p.readPacket())
}

// handshake completes the exchange and returns the node's name.
func (p *testPeer) handshake(name string, cookie auth.Cookie) string {
	p.t.Helper()
	require.Equal(p.t, "sok", p.sendName(name))
	challenge := p.readPacket()
	require.Equal(p.t, byte('n'), challenge[0])
	nodeChallenge := binary.BigEndian.Uint32(challenge[7:11])

	const ours = 4242
	_, err := p.conn.Write(handshake.EncodeReply(ours, cookie.Digest(nodeChallenge)))
	require.NoError(p.t, err)

	ack := p.readPacket()
	require.Equal(p.t, byte('a'), ack[0])
	require.NoError(p.t, testCookie.Verify(ours, ack[1:]))
	return string(challenge[11:])
}

// nextMessage reads until one message arrives, skipping heartbeats.
func (p *testPeer) nextMessage() frame.Message {
	p.t.Helper()
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		require.NoError(p.t, err)
		msgs, err := p.dec.Feed(buf[:n])
		require.NoError(p.t, err)
		if len(msgs) > 0 {
			return msgs[0]
		}
	}
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-events:
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
		return Event{}
	}
}

func TestServiceHandshakeAndMessages(t *testing.T) {
	testlog.Start(t)

	svc, addr, events := startService(t)
	peer := dialPeer(t, addr)

	nodeName := peer.handshake("peer@host", testCookie)
	require.Equal(t, "erlnode@localhost", nodeName)

	connected := waitEvent(t, events, EventConnected)
	require.Equal(t, "peer@host", connected.Peer.Name)
	require.NotEmpty(t, connected.ConnID)

	from := etf.Pid{Node: "peer@host", ID: 80, Creation: 1}
	out, err := frame.Encode(frame.RegSendControl(from, "shell"), etf.Tuple{etf.Atom("ping"), from})
	require.NoError(t, err)
	_, err = peer.conn.Write(append(frame.Heartbeat(), out...))
	require.NoError(t, err)

	msg := waitEvent(t, events, EventMessage)
	require.Equal(t, "REG_SEND", msg.Message.Operation())
	to, ok := msg.Message.Destination()
	require.True(t, ok)
	require.Equal(t, etf.Atom("shell"), to)
	require.Equal(t, etf.Tuple{etf.Atom("ping"), from}, msg.Message.Payload)

	peers := svc.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "peer@host", peers[0].Name)
	require.Equal(t, uint64(1), peers[0].Messages)

	// The node can reply, interleaved with its own heartbeats.
	require.NoError(t, svc.Send("peer@host", frame.SendControl(from), etf.Atom("pong")))
	reply := peer.nextMessage()
	require.Equal(t, frame.OpSend, reply.Opcode)
	require.Equal(t, etf.Atom("pong"), reply.Payload)

	err = svc.Send("nobody@host", frame.SendControl(from), etf.Atom("pong"))
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, peer.conn.Close())
	gone := waitEvent(t, events, EventDisconnected)
	require.Equal(t, "peer@host", gone.Peer.Name)
	require.Eventually(t, func() bool { return len(svc.Peers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServiceSendsHeartbeats(t *testing.T) {
	testlog.Start(t)

	_, addr, events := startService(t)
	peer := dialPeer(t, addr)
	peer.handshake("peer@host", testCookie)
	waitEvent(t, events, EventConnected)

	var tick [4]byte
	_, err := io.ReadFull(peer.conn, tick[:])
	require.NoError(t, err)
	require.Equal(t, frame.Heartbeat(), tick[:])
}

func TestServiceRejectsBadCookie(t *testing.T) {
	testlog.Start(t)

	_, addr, events := startService(t)
	peer := dialPeer(t, addr)
	require.Equal(t, "sok", peer.sendName("peer@host"))
	challenge := peer.readPacket()
	nodeChallenge := binary.BigEndian.Uint32(challenge[7:11])

	_, err := peer.conn.Write(handshake.EncodeReply(1, auth.Cookie("wrong").Digest(nodeChallenge)))
	require.NoError(t, err)

	_, err = peer.conn.Read(make([]byte, 1))
	require.True(t, errors.Is(err, io.EOF) || isReset(err), "expected close, got %v", err)
	gone := waitEvent(t, events, EventDisconnected)
	require.Equal(t, "peer@host", gone.Peer.Name)
	require.ErrorIs(t, gone.Err, handshake.ErrDigestMismatch)
}

func TestServiceReportsDisconnectMidHandshake(t *testing.T) {
	testlog.Start(t)

	_, addr, events := startService(t)
	peer := dialPeer(t, addr)
	_, err := peer.conn.Write([]byte{0, 5, 'n'})
	require.NoError(t, err)
	require.NoError(t, peer.conn.Close())

	gone := waitEvent(t, events, EventDisconnected)
	require.Empty(t, gone.Peer.Name)
	require.NotEmpty(t, gone.ConnID)
	require.NoError(t, gone.Err)
}

func TestServiceHandshakeDeadlineIsNotExtended(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HandshakeTimeout = 150 * time.Millisecond
	_, addr, events := startServiceWithConfig(t, cfg)
	peer := dialPeer(t, addr)
	msg, err := handshake.EncodeName(handshake.DefaultFlags, "peer@host")
	require.NoError(t, err)

	// One byte every 40ms would keep a per-read deadline alive for the
	// whole 18-byte message.
	go func() {
		for _, b := range msg {
			if _, err := peer.conn.Write([]byte{b}); err != nil {
				return
			}
			time.Sleep(40 * time.Millisecond)
		}
	}()

	start := time.Now()
	gone := waitEvent(t, events, EventDisconnected)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	var ne net.Error
	require.True(t, errors.As(gone.Err, &ne) && ne.Timeout(), "expected timeout, got %v", gone.Err)
}

func TestServiceRejectsDuplicatePeer(t *testing.T) {
	testlog.Start(t)

	_, addr, events := startService(t)
	first := dialPeer(t, addr)
	first.handshake("peer@host", testCookie)
	waitEvent(t, events, EventConnected)

	second := dialPeer(t, addr)
	require.Equal(t, "snot_allowed", second.sendName("peer@host"))
	rejected := waitEvent(t, events, EventDisconnected)
	require.ErrorIs(t, rejected.Err, handshake.ErrNotAllowed)
}

func TestServiceOTPOpcodes(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.OTPOpcodes = true
	svc, addr, events := startServiceWithConfig(t, cfg)
	peer := dialPeer(t, addr)
	peer.dec = frame.NewDecoder(frame.DefaultLimits(), frame.WithNumbering(frame.OTPNumbering))
	peer.handshake("peer@host", testCookie)
	waitEvent(t, events, EventConnected)

	to := etf.Pid{Node: "erlnode@localhost", ID: 1}
	out, err := frame.Encode(frame.OTPNumbering.SendControl(to), etf.Atom("ping"))
	require.NoError(t, err)
	_, err = peer.conn.Write(out)
	require.NoError(t, err)
	msg := waitEvent(t, events, EventMessage)
	require.Equal(t, "SEND", msg.Message.Operation())
	require.Equal(t, uint8(2), msg.Message.Code)

	from := etf.Pid{Node: "peer@host", ID: 7}
	require.NoError(t, svc.Send("peer@host", cfg.Numbering().SendControl(from), etf.Atom("pong")))
	reply := peer.nextMessage()
	require.Equal(t, frame.OpSend, reply.Opcode)
	require.Equal(t, etf.Atom("pong"), reply.Payload)
}

func TestServiceSendUsesSmallAtomsWhenNegotiated(t *testing.T) {
	testlog.Start(t)

	svc, addr, events := startService(t)
	peer := dialPeer(t, addr)
	peer.handshake("peer@host", testCookie)
	waitEvent(t, events, EventConnected)

	require.NoError(t, svc.Send("peer@host", frame.SendControl(etf.Pid{Node: "p@h"}), etf.Atom("pong")))
	// len:4, 131, 68, 0, then the control tuple {1, '', Pid}.
	head := make([]byte, 11)
	for {
		_, err := io.ReadFull(peer.conn, head[:4])
		require.NoError(t, err)
		if binary.BigEndian.Uint32(head[:4]) != 0 {
			break
		}
	}
	_, err := io.ReadFull(peer.conn, head[4:])
	require.NoError(t, err)
	require.Equal(t, []byte{131, 68, 0, 104, 3, 97, 1}, head[4:])
	tag := make([]byte, 1)
	_, err = io.ReadFull(peer.conn, tag)
	require.NoError(t, err)
	require.Equal(t, byte(115), tag[0])
}

func TestServiceHandshakeTimeout(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	svc := NewServiceWithConfig(cfg, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx, ln) }()

	peer := dialPeer(t, ln.Addr().String())
	_, err = peer.conn.Read(make([]byte, 1))
	require.True(t, errors.Is(err, io.EOF) || isReset(err), "expected close, got %v", err)
}

func TestRunContextRegistersWithEPMD(t *testing.T) {
	testlog.Start(t)

	daemon, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer daemon.Close()
	registered := make(chan []byte, 1)
	go func() {
		conn, err := daemon.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var head [2]byte
		if _, err := io.ReadFull(conn, head[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint16(head[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		registered <- body
		_, _ = conn.Write([]byte{121, 0, 0, 9})
		_, _ = io.Copy(io.Discard, conn)
	}()

	cfg := testConfig()
	cfg.RegisterEPMD = true
	cfg.EPMDAddr = daemon.Addr().String()
	svc := NewServiceWithConfig(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunContext(ctx) }()

	body := <-registered
	require.Equal(t, byte(120), body[0])
	require.Eventually(t, svc.Ready, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint16(9), svc.Creation())
	require.Equal(t, uint16(svc.ListenAddr().Port), binary.BigEndian.Uint16(body[1:3]))
	require.Equal(t, byte(72), body[3], "hidden node")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
	require.False(t, svc.Ready())
}

func TestRunContextRejectsInvalidIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.Identity.Cookie = ""
	err := NewServiceWithConfig(cfg, nil).RunContext(context.Background())
	require.ErrorIs(t, err, ErrInvalidIdentity)
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
