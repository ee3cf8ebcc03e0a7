// Package epmd registers a node with the Erlang port mapper daemon.
package epmd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/erlnode/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPort = 4369

	alive2Req  byte = 120
	alive2Resp byte = 121

	NodeTypeHidden byte = 72
	NodeTypeNormal byte = 77

	protocolTCP  byte = 0
	distVersion       = 5
	fixedReqSize      = 13
)

var (
	ErrRegistrationFailed = errors.New("epmd: registration failed")
	ErrBadResponse        = errors.New("epmd: bad response")
	ErrNameRequired       = errors.New("epmd: node name required")
)

// DefaultAddr is the daemon on the local host.
func DefaultAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort))
}

// Request is an ALIVE2_REQ.
type Request struct {
	Name   string
	Port   uint16
	Hidden bool
}

// Encode returns the length-prefixed request bytes.
func (r Request) Encode() ([]byte, error) {
	if r.Name == "" {
		return nil, ErrNameRequired
	}
	nodeType := NodeTypeNormal
	if r.Hidden {
		nodeType = NodeTypeHidden
	}
	body := []byte{alive2Req}
	body = protocol.AppendUint16(body, r.Port)
	body = append(body, nodeType, protocolTCP)
	body = protocol.AppendUint16(body, distVersion)
	body = protocol.AppendUint16(body, distVersion)
	var err error
	if body, err = protocol.AppendLength16(body, []byte(r.Name)); err != nil {
		return nil, err
	}
	body = protocol.AppendUint16(body, 0)
	return protocol.AppendLength16(nil, body)
}

// Response is an ALIVE2_RESP.
type Response struct {
	Result   uint8
	Creation uint16
}

// DecodeResponse parses the four response bytes.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < 4 {
		return Response{}, fmt.Errorf("%w: %w", ErrBadResponse, protocol.ErrTruncated)
	}
	if b[0] != alive2Resp {
		return Response{}, fmt.Errorf("%w: tag %d", ErrBadResponse, b[0])
	}
	resp := Response{Result: b[1], Creation: binary.BigEndian.Uint16(b[2:4])}
	if resp.Result != 0 {
		return resp, fmt.Errorf("%w: result %d", ErrRegistrationFailed, resp.Result)
	}
	return resp, nil
}

// Client talks to one daemon.
type Client struct {
	Addr    string
	Timeout time.Duration
}

func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr()
	}
	return &Client{Addr: addr, Timeout: 5 * time.Second}
}

// Registration is a live name registration. The daemon forgets the name
// when the connection closes.
type Registration struct {
	Name     string
	Creation uint16

	conn      net.Conn
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Register publishes req and keeps the connection open until the returned
// Registration is closed.
func (c *Client) Register(ctx context.Context, req Request) (*Registration, error) {
	out, err := req.Encode()
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("epmd: dial %s: %w", c.Addr, err)
	}
	log.Trace().Str("addr", c.Addr).Str("bytes", protocol.FormatBytes(out)).Msg("epmd: sending ALIVE2_REQ")

	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	if _, err := conn.Write(out); err != nil {
		conn.Close()
		return nil, fmt.Errorf("epmd: write request: %w", err)
	}
	var in [4]byte
	if _, err := io.ReadFull(conn, in[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: read: %v", ErrBadResponse, err)
	}
	log.Trace().Str("addr", c.Addr).Str("bytes", protocol.FormatBytes(in[:])).Msg("epmd: received ALIVE2_RESP")

	resp, err := DecodeResponse(in[:])
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	reg := &Registration{
		Name:     req.Name,
		Creation: resp.Creation,
		conn:     conn,
		done:     make(chan struct{}),
	}
	go reg.watch()
	return reg, nil
}

// watch waits for the daemon to drop the connection.
func (r *Registration) watch() {
	var buf [64]byte
	for {
		if _, err := r.conn.Read(buf[:]); err != nil {
			r.finish(err)
			return
		}
	}
}

func (r *Registration) finish(err error) {
	r.closeOnce.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed when the registration ends.
func (r *Registration) Done() <-chan struct{} {
	return r.done
}

// Err reports why the registration ended. It is nil while it is live and
// after Close.
func (r *Registration) Err() error {
	select {
	case <-r.done:
		if errors.Is(r.err, net.ErrClosed) {
			return nil
		}
		return r.err
	default:
		return nil
	}
}

// Close ends the registration.
func (r *Registration) Close() error {
	r.finish(net.ErrClosed)
	return r.conn.Close()
}
