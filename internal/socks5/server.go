package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arnevy/socks5d/internal/logging"
	"github.com/arnevy/socks5d/internal/metrics"
	"github.com/arnevy/socks5d/internal/recovery"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080").
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int64

	// Blacklist and Whitelist are CIDR admission rules, evaluated in the
	// order limit -> blacklist -> whitelist. An empty Whitelist admits
	// every non-blacklisted address.
	Blacklist []*net.IPNet
	Whitelist []*net.IPNet

	// HandshakeTimeout bounds method selection, sub-auth, and the request
	// frame (see Handler). Zero disables the timeout.
	HandshakeTimeout time.Duration

	// IdleTimeout bounds an accepted connection before the handshake
	// deadline is set; kept as a pre-handshake safety net.
	IdleTimeout time.Duration

	// Authenticators for authentication.
	Authenticators []Authenticator

	// Dialer for making outbound connections.
	Dialer Dialer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          "127.0.0.1:1080",
		MaxConnections:   255,
		HandshakeTimeout: defaultHandshakeTimeout,
		IdleTimeout:      5 * time.Minute,
		Authenticators:   []Authenticator{&NoAuthAuthenticator{}},
		Dialer:           &DirectDialer{},
	}
}

// Server is a SOCKS5 proxy server.
type Server struct {
	cfg       ServerConfig
	handler   *Handler
	admission *Admission
	logger    *slog.Logger
	metrics   *metrics.Metrics
	listener  net.Listener

	tracker *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new SOCKS5 server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Dialer == nil {
		cfg.Dialer = &DirectDialer{}
	}
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	admission := NewAdmission(cfg.MaxConnections, cfg.Blacklist, cfg.Whitelist)

	s := &Server{
		cfg:       cfg,
		admission: admission,
		logger:    logger,
		metrics:   m,
		tracker:   newConnTracker[net.Conn](),
		stopCh:    make(chan struct{}),
	}

	s.handler = NewHandler(cfg.Authenticators, cfg.Dialer,
		WithLogger(logger),
		WithHandshakeTimeout(cfg.HandshakeTimeout),
		WithHandshakeObserver(func(latency time.Duration, reply byte) {
			s.metrics.RecordHandshake(latency.Seconds(), replyName(reply))
		}),
		WithRelayObserver(func(stats relayStats) {
			s.metrics.RecordBytesRelayed("upstream", stats.Upstream)
			s.metrics.RecordBytesRelayed("downstream", stats.Downstream)
		}),
	)

	return s
}

// Start starts the SOCKS5 server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server, closing the listener and every active
// connection.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning early if ctx is done first
// (the server keeps shutting down in the background regardless).
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts new connections and applies admission control before
// handing each one off to its own goroutine.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "socks5.acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		admitted, reason := true, ""
		if err == nil {
			admitted, reason = s.admission.Decide(ip)
		}
		if !admitted {
			s.metrics.RecordAdmissionDenial(reason)
			s.logger.Warn("connection denied",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyReason, reason,
			)
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.metrics.RecordConnect()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves a single connection end to end, guaranteeing the
// admission slot and tracker entry are released and the socket closed on
// every exit path, including a panic in the handler.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer s.admission.Release()
	defer s.metrics.RecordDisconnect()
	defer conn.Close()
	defer recovery.RecoverWithLog(s.logger, "socks5.handleConn")

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if err := s.handler.Handle(conn); err != nil {
		s.logger.Debug("connection closed",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err,
		)
	}
}

// WithAuthenticators returns a new server config with authenticators.
func (cfg ServerConfig) WithAuthenticators(auths ...Authenticator) ServerConfig {
	cfg.Authenticators = auths
	return cfg
}

// WithDialer returns a new server config with a custom dialer.
func (cfg ServerConfig) WithDialer(dialer Dialer) ServerConfig {
	cfg.Dialer = dialer
	return cfg
}

// WithMaxConnections returns a new server config with max connections.
func (cfg ServerConfig) WithMaxConnections(max int64) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
