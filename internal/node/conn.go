package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/erlnode/internal/observability"
	"github.com/danmuck/erlnode/internal/protocol"
	"github.com/danmuck/erlnode/internal/protocol/etf"
	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("node: peer not connected")

const readBufferSize = 32 * 1024

// Conn is one accepted distribution connection. Only its own goroutine
// touches the handshake machine; Send may be called from anywhere.
type Conn struct {
	id      string
	conn    net.Conn
	svc     *Service
	machine *handshake.Machine
	logger  zerolog.Logger
	opened  time.Time

	writeMu sync.Mutex

	mu          sync.RWMutex
	peer        handshake.Peer
	connectedAt time.Time
	established bool

	messages   atomic.Uint64
	heartbeats atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
}

// PeerInfo is the admin view of a connection.
type PeerInfo struct {
	ConnID      string    `json:"conn_id"`
	Name        string    `json:"name"`
	Flags       string    `json:"flags"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Messages    uint64    `json:"messages"`
	Heartbeats  uint64    `json:"heartbeats"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
}

func newConn(svc *Service, nc net.Conn) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		conn:   nc,
		svc:    svc,
		opened: time.Now(),
	}
	c.logger = svc.logger.With().Str("conn", c.id).Str("remote", nc.RemoteAddr().String()).Logger()
	c.machine = handshake.New(svc.cfg.Identity.local(),
		handshake.WithLimits(svc.cfg.Limits),
		handshake.WithAdmission(svc.admit),
		handshake.WithNumbering(svc.cfg.Numbering()),
	)
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Peer() handshake.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

func (c *Conn) Info() PeerInfo {
	c.mu.RLock()
	peer, at := c.peer, c.connectedAt
	c.mu.RUnlock()
	return PeerInfo{
		ConnID:      c.id,
		Name:        peer.Name,
		Flags:       peer.Flags.String(),
		RemoteAddr:  c.conn.RemoteAddr().String(),
		ConnectedAt: at,
		Messages:    c.messages.Load(),
		Heartbeats:  c.heartbeats.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
	}
}

// Send writes one distribution message to the peer.
func (c *Conn) Send(control etf.Tuple, payload etf.Term) error {
	c.mu.RLock()
	ok, flags := c.established, c.peer.Flags
	c.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	enc := frame.Encoder{Terms: etf.Encoder{SmallAtoms: flags.Has(handshake.FlagSmallAtomTags)}}
	b, err := enc.Encode(control, payload)
	if err != nil {
		return err
	}
	return c.write(b)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.svc.cfg.WriteTimeout))
	n, err := c.conn.Write(b)
	c.bytesOut.Add(uint64(n))
	observability.RecordBytes(c.svc.name, "out", n)
	if c.svc.cfg.Trace {
		c.logger.Trace().Str("bytes", protocol.FormatBytes(b[:n])).Msg("sent")
	}
	return err
}

// serve runs the connection until the peer goes away, a protocol error
// occurs or ctx ends.
func (c *Conn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	var seenHeartbeats uint64
	// The whole handshake shares one deadline so a peer trickling bytes
	// cannot hold it open.
	handshakeDeadline := c.opened.Add(c.svc.cfg.HandshakeTimeout)
	for {
		deadline := handshakeDeadline
		if c.machine.State() == handshake.StateEstablished {
			deadline = time.Now().Add(c.svc.cfg.TickTimeout)
		}
		_ = c.conn.SetReadDeadline(deadline)

		n, readErr := c.conn.Read(buf)
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			observability.RecordBytes(c.svc.name, "in", n)
			if c.svc.cfg.Trace {
				c.logger.Trace().Str("bytes", protocol.FormatBytes(buf[:n])).Msg("received")
			}

			res, err := c.machine.Advance(buf[:n])
			if werr := c.write(res.Outbound); werr != nil && err == nil {
				err = fmt.Errorf("node: write: %w", werr)
			}
			for _, ev := range res.Events {
				c.dispatch(ctx, ev)
			}
			if frames := c.machine.Frames(); frames != nil {
				total := frames.Heartbeats()
				c.heartbeats.Store(total)
				observability.RecordHeartbeats(c.svc.name, total-seenHeartbeats)
				seenHeartbeats = total
			}
			if err != nil {
				stage := "frame"
				if c.machine.Frames() == nil {
					stage = "handshake"
					observability.RecordHandshake(c.svc.name, handshakeResult(err))
				}
				observability.RecordProtocolError(c.svc.name, stage)
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if c.machine.State() != handshake.StateEstablished {
				observability.RecordHandshake(c.svc.name, "timeout")
			}
			return readErr
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, ev handshake.Event) {
	switch ev.Kind {
	case handshake.EventConnected:
		c.mu.Lock()
		c.logger = c.logger.With().Str("peer", ev.Peer.Name).Logger()
		c.peer = ev.Peer
		c.connectedAt = time.Now()
		c.established = true
		c.mu.Unlock()
		if err := c.svc.registerPeer(c); err != nil {
			c.logger.Warn().Err(err).Msg("node: duplicate peer, closing")
			_ = c.conn.Close()
			return
		}
		observability.RecordHandshake(c.svc.name, "ok")
		c.logger.Info().Stringer("flags", ev.Peer.Flags).Msg("node: handshake complete")
		go c.heartbeatLoop(ctx)
		c.svc.handler.HandleEvent(Event{Kind: EventConnected, ConnID: c.id, Peer: ev.Peer})
	case handshake.EventMessage:
		c.messages.Add(1)
		observability.RecordMessage(c.svc.name, ev.Message.Operation())
		c.logger.Debug().Str("operation", ev.Message.Operation()).Msg("node: message")
		c.svc.handler.HandleEvent(Event{Kind: EventMessage, ConnID: c.id, Peer: ev.Peer, Message: ev.Message})
	}
}

// heartbeatLoop keeps the peer's tick timer satisfied.
func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.svc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(frame.Heartbeat()); err != nil {
				c.logger.Debug().Err(err).Msg("node: heartbeat write failed")
				return
			}
		}
	}
}

func handshakeResult(err error) string {
	switch {
	case errors.Is(err, handshake.ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, handshake.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, handshake.ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, handshake.ErrUnexpectedMessage), errors.Is(err, handshake.ErrMalformedMessage):
		return "bad_message"
	default:
		return "error"
	}
}
