package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/erlnode/internal/epmd"
	"github.com/danmuck/erlnode/internal/observability"
	"github.com/danmuck/erlnode/internal/protocol/etf"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrDuplicatePeer = errors.New("node: peer already connected")

// Service owns the listener, the EPMD registration and every connection.
type Service struct {
	cfg     ServiceConfig
	name    string
	handler Handler
	logger  zerolog.Logger
	started time.Time

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
	peers   map[string]*Conn

	ready    atomic.Bool
	addr     atomic.Pointer[net.TCPAddr]
	creation atomic.Uint32
}

func NewService(handler Handler) *Service {
	return NewServiceWithConfig(DefaultServiceConfig(), handler)
}

func NewServiceWithConfig(cfg ServiceConfig, handler Handler) *Service {
	cfg = cfg.WithDefaults()
	if handler == nil {
		handler = LogHandler()
	}
	name := cfg.Identity.FullName()
	return &Service{
		cfg:     cfg,
		name:    name,
		handler: handler,
		logger:  observability.NodeLogger(name),
		started: time.Now(),
		conns:   make(map[*Conn]struct{}),
		peers:   make(map[string]*Conn),
	}
}

// Name is the node's full name.
func (s *Service) Name() string {
	return s.name
}

// Ready reports whether the node is listening and registered.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// ListenAddr returns the bound distribution address, nil before Run.
func (s *Service) ListenAddr() *net.TCPAddr {
	return s.addr.Load()
}

// Creation is the incarnation number EPMD assigned, zero when unregistered.
func (s *Service) Creation() uint16 {
	return uint16(s.creation.Load())
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext listens, registers with EPMD, serves peers and the admin API
// until ctx ends or one of them fails.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.cfg.Identity.Validate(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", s.cfg.ListenAddr, err)
	}
	tcpAddr, _ := ln.Addr().(*net.TCPAddr)
	if tcpAddr != nil {
		s.addr.Store(tcpAddr)
		s.cfg.Identity.Port = uint16(tcpAddr.Port)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("node: listening")

	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.RegisterEPMD {
		reg, err := epmd.NewClient(s.cfg.EPMDAddr).Register(gctx, epmd.Request{
			Name:   s.cfg.Identity.Name,
			Port:   s.cfg.Identity.Port,
			Hidden: s.cfg.Identity.Hidden,
		})
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.creation.Store(uint32(reg.Creation))
		s.logger.Info().
			Str("epmd", s.cfg.EPMDAddr).
			Uint16("port", s.cfg.Identity.Port).
			Uint16("creation", reg.Creation).
			Msg("node: registered with epmd")
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return reg.Close()
			case <-reg.Done():
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("node: epmd registration lost: %w", reg.Err())
			}
		})
	}

	g.Go(func() error {
		return s.Serve(gctx, ln)
	})

	if s.cfg.AdminListenAddr != "" {
		admin := NewAdmin(s)
		srv := adminServer(s.cfg.AdminListenAddr, admin)
		g.Go(func() error {
			s.logger.Info().Str("addr", srv.Addr).Str("kind", admin.Kind()).Msg("node: admin api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("node: admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	s.ready.Store(true)
	defer s.ready.Store(false)
	return g.Wait()
}

// adminServer hosts n's router.
func adminServer(addr string, n Node) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           n.HTTPRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve accepts peers on ln until ctx ends. Timeouts from Accept are retried
// with backoff; other accept errors end the loop.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	backoff := newAcceptBackoff(s.cfg.Backoff)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				attempt, delay := backoff.next()
				s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("node: accept failed, retrying")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				continue
			}
			return fmt.Errorf("node: accept: %w", err)
		}
		backoff.reset()
		c := newConn(s, nc)
		s.trackConn(c)
		go s.handleConn(ctx, c)
	}
}

func (s *Service) handleConn(ctx context.Context, c *Conn) {
	defer c.Close()
	defer s.untrackConn(c)
	observability.RecordConnectionOpened(s.name)
	defer func() {
		observability.RecordConnectionClosed(s.name, time.Since(c.opened))
	}()
	c.logger.Debug().Msg("node: connection accepted")

	err := c.serve(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("state", c.machine.State().String()).Msg("node: connection closed")
	} else {
		c.logger.Debug().Msg("node: connection closed")
	}
	if c.Peer().Name != "" {
		s.unregisterPeer(c)
	}
	// Every connection ends with one event, whatever state it reached.
	// Peer is zero if the name message never arrived.
	s.handler.HandleEvent(Event{Kind: EventDisconnected, ConnID: c.id, Peer: c.machine.Peer(), Err: err})
}

// Peers lists established connections ordered by peer name.
func (s *Service) Peers() []PeerInfo {
	s.connsMu.Lock()
	list := make([]PeerInfo, 0, len(s.peers))
	for _, c := range s.peers {
		list = append(list, c.Info())
	}
	s.connsMu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Send delivers a message to a connected peer.
func (s *Service) Send(peer string, control etf.Tuple, payload etf.Term) error {
	s.connsMu.Lock()
	c, ok := s.peers[peer]
	s.connsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	return c.Send(control, payload)
}

// admit rejects a second connection from an already connected peer.
func (s *Service) admit(p handshake.Peer) error {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if _, ok := s.peers[p.Name]; ok {
		return ErrDuplicatePeer
	}
	return nil
}

func (s *Service) registerPeer(c *Conn) error {
	name := c.Peer().Name
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if existing, ok := s.peers[name]; ok && existing != c {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, name)
	}
	s.peers[name] = c
	return nil
}

// unregisterPeer removes c unless another connection owns its name.
func (s *Service) unregisterPeer(c *Conn) {
	name := c.Peer().Name
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.peers[name] == c {
		delete(s.peers, name)
	}
}

func (s *Service) trackConn(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Service) untrackConn(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// closeAllConns closes every tracked connection for shutdown.
func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

func (s *Service) uptime() string {
	return time.Since(s.started).Truncate(time.Second).String()
}

func (s *Service) port() string {
	if addr := s.ListenAddr(); addr != nil {
		return strconv.Itoa(addr.Port)
	}
	return ""
}
