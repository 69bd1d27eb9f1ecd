// Package socks5 implements a SOCKS5 proxy server (RFC 1928) with RFC 1929
// username/password sub-negotiation.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
	"unicode/utf8"

	"github.com/arnevy/socks5d/internal/logging"
)

// SOCKS5Version is the only protocol version this server speaks.
const SOCKS5Version = 0x05

// Command codes, per RFC 1928 section 4. Only CmdConnect is implemented;
// BIND and UDP ASSOCIATE are recognized only to be rejected with
// ReplyCmdNotSupported.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address type codes, per RFC 1928 section 5.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// defaultHandshakeTimeout bounds the time spent in method selection,
// sub-auth, the request frame, and the outbound dial. It is cleared before the relay begins so
// a long-lived proxied session is never cut off by it.
const defaultHandshakeTimeout = 10 * time.Second

// Request is a parsed SOCKS5 request frame (RFC 1928 section 4).
type Request struct {
	Version  byte
	Command  byte
	AddrType byte
	DestAddr string
	DestPort uint16
	DestIP   net.IP
}

// Handler implements the SOCKS5 protocol state machine; a single Handler is
// shared across every connection accepted by a Server.
type Handler struct {
	authenticators   []Authenticator
	dialer           Dialer
	handshakeTimeout time.Duration
	logger           *slog.Logger
	onHandshake      func(latency time.Duration, reply byte)
	onRelay          func(stats relayStats)
}

// Dialer abstracts outbound connection establishment so tests can inject a
// fake network.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer dials the real network using net.Dialer.
type DirectDialer struct {
	Timeout time.Duration
}

func (d *DirectDialer) Dial(network, address string) (net.Conn, error) {
	return d.dialer().Dial(network, address)
}

func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.dialer().DialContext(ctx, network, address)
}

func (d *DirectDialer) dialer() *net.Dialer {
	return &net.Dialer{Timeout: d.Timeout}
}

// HandlerOption configures optional Handler behavior.
type HandlerOption func(*Handler)

// WithLogger attaches a structured logger; the default discards all output.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithHandshakeTimeout overrides the default 10-second bound on method
// selection, sub-auth, and the request frame. Zero disables the timeout.
func WithHandshakeTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.handshakeTimeout = d }
}

// WithHandshakeObserver registers a callback invoked once per connection
// after the CONNECT reply is written (or the handshake otherwise
// terminates), reporting latency since Handle was called and the reply
// code sent.
func WithHandshakeObserver(fn func(latency time.Duration, reply byte)) HandlerOption {
	return func(h *Handler) { h.onHandshake = fn }
}

// WithRelayObserver registers a callback invoked once per connection after
// relaying finishes, reporting byte counts in each direction.
func WithRelayObserver(fn func(stats relayStats)) HandlerOption {
	return func(h *Handler) { h.onRelay = fn }
}

// NewHandler creates a Handler. auths defaults to NO AUTHENTICATION
// REQUIRED only if empty; dialer defaults to DirectDialer.
func NewHandler(auths []Authenticator, dialer Dialer, opts ...HandlerOption) *Handler {
	if dialer == nil {
		dialer = &DirectDialer{}
	}
	if len(auths) == 0 {
		auths = []Authenticator{&NoAuthAuthenticator{}}
	}

	h := &Handler{
		authenticators:   auths,
		dialer:           dialer,
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle drives one connection through the full SOCKS5 state machine:
// method selection, optional sub-negotiation, the request frame, the reply,
// and (for a successful CONNECT) the relay. It returns once the connection
// is done being served; the caller is responsible for closing conn.
func (h *Handler) Handle(conn net.Conn) error {
	start := time.Now()

	if h.handshakeTimeout > 0 {
		conn.SetDeadline(start.Add(h.handshakeTimeout))
	}

	if _, err := h.authenticate(conn); err != nil {
		h.reportHandshake(start, ReplyServerFailure, err)
		return err
	}

	req, err := h.readRequest(conn)
	if err != nil {
		h.reportHandshake(start, mapErrorToReply(err), err)
		return err
	}

	if req.Command != CmdConnect {
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		err := fmt.Errorf("%w: 0x%02x", errCommandNotSupported, req.Command)
		h.reportHandshake(start, ReplyCmdNotSupported, err)
		return err
	}

	return h.handleConnect(conn, req, start)
}

// authenticate performs method selection (RFC 1928 section 3) and, if a
// method requiring sub-negotiation was selected, the sub-negotiation
// itself (RFC 1929 for username/password).
//
// Method selection scans the client's offered methods in the order the
// client sent them and returns the first one for which a configured
// authenticator exists; this client-offered-order tie-break, rather than
// server-registration order, is the behavior this server is built against.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", fmt.Errorf("read greeting: %w", err)
	}
	if header[0] != SOCKS5Version {
		return "", ErrVersionMismatch
	}

	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if nMethods > 0 {
		if _, err := io.ReadFull(conn, methods); err != nil {
			return "", fmt.Errorf("read methods: %w", err)
		}
	}

	var selected Authenticator
	for _, m := range methods {
		for _, auth := range h.authenticators {
			if auth.GetMethod() == m {
				selected = auth
				break
			}
		}
		if selected != nil {
			break
		}
	}

	if selected == nil {
		conn.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
		return "", errNoAcceptableMethod
	}

	if _, err := conn.Write([]byte{SOCKS5Version, selected.GetMethod()}); err != nil {
		return "", fmt.Errorf("write method selection: %w", err)
	}

	return selected.Authenticate(conn, conn)
}

// readRequest reads and validates the SOCKS5 request frame (RFC 1928
// section 4).
func (h *Handler) readRequest(conn net.Conn) (*Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read request header: %w", err)
	}
	if header[0] != SOCKS5Version {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return nil, ErrVersionMismatch
	}

	req := &Request{
		Version: header[0],
		Command: header[1],
		// header[2] is RSV, reserved and ignored.
		AddrType: header[3],
	}

	switch req.AddrType {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, fmt.Errorf("read ipv4 address: %w", err)
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, fmt.Errorf("read domain length: %w", err)
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			h.sendReply(conn, ReplyAddrNotSupported, nil, 0)
			return nil, errEmptyDomain
		}
		domain := make([]byte, domainLen)
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, fmt.Errorf("read domain: %w", err)
		}
		if !utf8.Valid(domain) {
			h.sendReply(conn, ReplyAddrNotSupported, nil, 0)
			return nil, fmt.Errorf("%w: domain is not valid UTF-8", errUnsupportedAddrType)
		}
		req.DestAddr = string(domain)

	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, fmt.Errorf("read ipv6 address: %w", err)
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()

	default:
		h.sendReply(conn, ReplyAddrNotSupported, nil, 0)
		return nil, fmt.Errorf("%w: 0x%02x", errUnsupportedAddrType, req.AddrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, fmt.Errorf("read port: %w", err)
	}
	req.DestPort = binary.BigEndian.Uint16(portBuf)

	return req, nil
}

// clientDisconnectMonitor watches conn for an early close while a dial is
// in flight and cancels cancel if one is observed, so a client that hangs
// up mid-dial does not leave the outbound connection attempt running
// forever. It polls with a short rolling read deadline and returns as soon
// as ctx is done from elsewhere.
func clientDisconnectMonitor(ctx context.Context, conn net.Conn, cancel context.CancelFunc) {
	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := conn.Read(buf)
		if err == nil {
			// The client is not supposed to send data before the reply;
			// treat it as a protocol violation and abandon the dial.
			cancel()
			return
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		// Any other error (EOF, reset, closed) means the client is gone.
		cancel()
		return
	}
}

// handleConnect dials the requested target and, on success, relays traffic
// between conn and the target until one side closes.
func (h *Handler) handleConnect(conn net.Conn, req *Request, start time.Time) error {
	targetAddr := net.JoinHostPort(req.DestAddr, fmt.Sprintf("%d", req.DestPort))

	dialCtx := context.Background()
	if h.handshakeTimeout > 0 {
		var stop context.CancelFunc
		dialCtx, stop = context.WithDeadline(dialCtx, start.Add(h.handshakeTimeout))
		defer stop()
	}
	ctx, cancel := context.WithCancel(dialCtx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		clientDisconnectMonitor(ctx, conn, cancel)
	}()

	target, err := h.dialer.DialContext(ctx, "tcp", targetAddr)
	cancel()
	<-monitorDone

	if err != nil {
		reply := mapErrorToReply(err)
		h.sendReply(conn, reply, nil, 0)
		h.reportHandshake(start, reply, err)
		return fmt.Errorf("dial %s: %w", targetAddr, err)
	}
	defer target.Close()

	localAddr, _ := target.LocalAddr().(*net.TCPAddr)
	var bindIP net.IP
	var bindPort uint16
	if localAddr != nil {
		bindIP = localAddr.IP
		bindPort = uint16(localAddr.Port)
	}

	if err := h.sendReply(conn, ReplySucceeded, bindIP, bindPort); err != nil {
		h.reportHandshake(start, ReplySucceeded, err)
		return fmt.Errorf("write reply: %w", err)
	}
	h.reportHandshake(start, ReplySucceeded, nil)

	conn.SetDeadline(time.Time{})
	target.SetDeadline(time.Time{})

	stats, relayErr := relay(conn, target, h.logger)
	if h.onRelay != nil {
		h.onRelay(stats)
	}
	return relayErr
}

func (h *Handler) reportHandshake(start time.Time, reply byte, err error) {
	if h.onHandshake != nil {
		h.onHandshake(time.Since(start), reply)
	}
	if err != nil {
		h.logger.Warn("handshake failed",
			logging.KeyError, err,
			logging.KeyReason, replyName(reply),
		)
	}
}

// sendReply writes the SOCKS5 reply frame (RFC 1928 section 6). A nil
// bindIP is encoded as the zero IPv4 address, matching what most
// implementations send for a failure reply.
func (h *Handler) sendReply(conn net.Conn, reply byte, bindIP net.IP, bindPort uint16) error {
	var addrType byte
	var addrBytes []byte

	switch {
	case bindIP == nil:
		addrType = AddrTypeIPv4
		addrBytes = []byte{0, 0, 0, 0}
	case bindIP.To4() != nil:
		addrType = AddrTypeIPv4
		addrBytes = bindIP.To4()
	default:
		addrType = AddrTypeIPv6
		addrBytes = bindIP.To16()
	}

	buf := make([]byte, 0, 6+len(addrBytes))
	buf = append(buf, SOCKS5Version, reply, 0x00, addrType)
	buf = append(buf, addrBytes...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, bindPort)
	buf = append(buf, portBuf...)

	_, err := conn.Write(buf)
	return err
}
