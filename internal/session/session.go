// Package session implements the per-client SOCKS5 dialogue: greeting,
// CONNECT request parsing, interface acquisition, outbound connect, and
// bidirectional relay. Each Session runs on its own goroutine; the
// state constants below exist for introspection and logging, not for
// callback dispatch — Go's goroutine-per-connection model and the
// runtime's netpoller stand in for the single-threaded reactor the
// protocol describes, suspending on I/O the same way a readiness
// callback would.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchproxy/internal/addr"
	"dispatchproxy/internal/applog"
	"dispatchproxy/internal/balancer"
	"dispatchproxy/internal/metrics"
	"dispatchproxy/internal/netsock"
	"dispatchproxy/internal/reactor"
)

// State names a point in the session dialogue.
type State int32

const (
	StateGreetingRead State = iota
	StateGreetingWrite
	StateRequestRead
	StateConnecting
	StateRelaying
	StateReplyWriteThenClose
	StateDone
)

func (s State) String() string {
	switch s {
	case StateGreetingRead:
		return "greeting_read"
	case StateGreetingWrite:
		return "greeting_write"
	case StateRequestRead:
		return "request_read"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateReplyWriteThenClose:
		return "reply_write_then_close"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

const (
	version5     = 0x05
	methodNoAuth = 0x00

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess             = 0x00
	repGeneralFailure      = 0x01
	repNetworkUnreachable  = 0x03
	repHostUnreachable     = 0x04
	repConnectionRefused   = 0x05
	repTTLExpired          = 0x06
	repCommandNotSupported = 0x07

	handshakeTimeout = 10 * time.Second
	connectTimeout   = 10 * time.Second
	relayBufferSize  = 32 * 1024
)

var (
	errBadVersion    = errors.New("session: unsupported SOCKS version")
	errDomainTooLong = errors.New("session: invalid domain name length")
	errBadAddrType   = errors.New("session: unsupported address type")
	errResolveFailed = errors.New("session: domain name resolution failed")
)

// Resolver resolves SOCKS5 domain-name targets (ATYP=3). It is
// satisfied by *net.Resolver; tests substitute a fake.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config carries the knobs a Session needs beyond its connection and
// balancer: an optional idle timeout (disabled by default) and the
// resolver used for ATYP=3 targets.
type Config struct {
	IdleTimeout time.Duration
	Resolver    Resolver
}

func (c Config) resolver() Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return net.DefaultResolver
}

// Session is one accepted SOCKS5 client connection, carried through to
// its terminal state by Run.
type Session struct {
	id       string
	conn     net.Conn
	balancer *balancer.Manager
	cfg      Config
	token    reactor.Token

	mu        sync.Mutex
	state     State
	outbound  net.Conn
	borrow    balancer.Borrow
	hasBorrow bool

	closeOnce sync.Once
}

// New creates a Session for an accepted inbound connection. conn is
// owned by the Session from this point on; Run (or Close, if Run is
// never called) is responsible for closing it.
func New(conn net.Conn, mgr *balancer.Manager, cfg Config) *Session {
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		balancer: mgr,
		cfg:      cfg,
		state:    StateGreetingRead,
	}
}

// ID returns the session's log/metrics identity.
func (s *Session) ID() string { return s.id }

// SetToken records the reactor.Token the session was registered under,
// so the goroutine that runs the session can unregister it once Run
// returns without tracking the registration id separately.
func (s *Session) SetToken(t reactor.Token) { s.token = t }

// Token returns the reactor.Token set by SetToken, or its zero value if
// the session was never registered with a Group.
func (s *Session) Token() reactor.Token { return s.token }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the session's current point in the dialogue.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears the session down from outside its own goroutine (used by
// the reactor group on process shutdown). It is idempotent and safe to
// call concurrently with Run.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		outbound := s.outbound
		hasBorrow := s.hasBorrow
		borrow := s.borrow
		s.hasBorrow = false
		s.state = StateDone
		s.mu.Unlock()

		s.conn.Close()
		if outbound != nil {
			outbound.Close()
		}
		if hasBorrow {
			s.balancer.Release(borrow)
		}
	})
	return nil
}

// Run drives the session through every state to Done. It never
// returns an error: every failure is either a client-visible SOCKS5
// reply or a silent close.
func (s *Session) Run() {
	defer s.Close()

	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))

	s.setState(StateGreetingRead)
	if err := s.readGreeting(); err != nil {
		applog.Debug().Str("session", s.id).Err(err).Msg("greeting failed")
		return
	}

	s.setState(StateGreetingWrite)
	if _, err := s.conn.Write([]byte{version5, methodNoAuth}); err != nil {
		return
	}

	s.setState(StateRequestRead)
	cmd, target, atyp, err := s.readRequest()
	if err != nil {
		applog.Debug().Str("session", s.id).Err(err).Msg("request read failed")
		if errors.Is(err, errResolveFailed) {
			s.replyAndClose(repHostUnreachable, nil)
		}
		return
	}
	if cmd != cmdConnect {
		s.replyAndClose(repCommandNotSupported, nil)
		return
	}

	s.conn.SetDeadline(time.Time{})
	s.connectAndRelay(target, atyp)
}

// readGreeting reads VER(1) NMETHODS(1) METHODS(n). The server always
// selects "no authentication" regardless of what the client offered.
func (s *Session) readGreeting() error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return err
	}
	if hdr[0] != version5 {
		return errBadVersion
	}

	nmethods := int(hdr[1])
	if nmethods > 0 {
		methods := make([]byte, nmethods)
		if _, err := io.ReadFull(s.conn, methods); err != nil {
			return err
		}
	}
	return nil
}

// readRequest reads VER CMD RSV ATYP DST.ADDR DST.PORT and resolves a
// domain target (ATYP=3) synchronously through cfg.Resolver.
func (s *Session) readRequest() (cmd byte, target addr.SocketAddress, atyp byte, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(s.conn, hdr); err != nil {
		return
	}
	if hdr[0] != version5 {
		err = errBadVersion
		return
	}
	cmd = hdr[1]
	atyp = hdr[3]

	var host addr.HostAddress
	var domainName string

	switch atyp {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err = io.ReadFull(s.conn, b); err != nil {
			return
		}
		host = addr.HostFromIPv4(b[0], b[1], b[2], b[3])

	case atypIPv6:
		b := make([]byte, 16)
		if _, err = io.ReadFull(s.conn, b); err != nil {
			return
		}
		var raw [16]byte
		copy(raw[:], b)
		host = addr.HostFromIPv6(raw)

	case atypDomain:
		lb := make([]byte, 1)
		if _, err = io.ReadFull(s.conn, lb); err != nil {
			return
		}
		domainLen := int(lb[0])
		if domainLen == 0 || domainLen > 255 {
			err = errDomainTooLong
			return
		}
		domain := make([]byte, domainLen)
		if _, err = io.ReadFull(s.conn, domain); err != nil {
			return
		}
		domainName = string(domain)

	default:
		err = errBadAddrType
		return
	}

	pb := make([]byte, 2)
	if _, err = io.ReadFull(s.conn, pb); err != nil {
		return
	}
	if atyp == atypDomain {
		host, err = s.resolveDomain(domainName)
		if err != nil {
			err = fmt.Errorf("%w: %v", errResolveFailed, err)
			return
		}
	}
	target = addr.SocketAddress{Host: host, Port: binary.BigEndian.Uint16(pb)}
	return
}

func (s *Session) resolveDomain(name string) (addr.HostAddress, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	addrs, err := s.cfg.resolver().LookupHost(ctx, name)
	if err != nil {
		return addr.HostAddress{}, err
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if h, ok := addr.HostFromNetIP(ip); ok {
			return h, nil
		}
	}
	return addr.HostAddress{}, fmt.Errorf("session: no usable address for %q", name)
}

// connectAndRelay acquires an interface for target's family, dials out
// bound to that interface's source address, replies, and relays until
// either side closes. Every exit path releases the borrowed interface
// exactly once.
func (s *Session) connectAndRelay(target addr.SocketAddress, atyp byte) {
	borrow, err := s.balancer.Acquire(target.Host.Family())
	if err != nil {
		s.replyAndClose(repNetworkUnreachable, nil)
		return
	}
	s.mu.Lock()
	s.borrow = borrow
	s.hasBorrow = true
	s.mu.Unlock()

	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	outbound, err := netsock.DialFrom(ctx, borrow.Interface().Source, addr.SocketToStr(target), connectTimeout)
	if err != nil {
		metrics.ConnectErrors.Inc()
		s.releaseBorrow()
		s.replyAndClose(classifyToReply(err), nil)
		return
	}

	s.mu.Lock()
	s.outbound = outbound
	s.mu.Unlock()

	localAddr, _ := outbound.LocalAddr().(*net.TCPAddr)
	if err := s.sendSuccessReply(localAddr); err != nil {
		return
	}

	s.setState(StateRelaying)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	s.relay(outbound)
}

func (s *Session) releaseBorrow() {
	s.mu.Lock()
	hasBorrow := s.hasBorrow
	borrow := s.borrow
	s.hasBorrow = false
	s.mu.Unlock()

	if hasBorrow {
		s.balancer.Release(borrow)
	}
}

// relay full-duplex copies between the inbound client connection and
// the outbound target connection until both directions are closed. A
// read error or EOF on one side half-closes the other; the session
// ends once both copy goroutines return.
func (s *Session) relay(outbound net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.copyHalf(outbound, s.conn, "upstream")
		halfClose(outbound)
	}()
	go func() {
		defer wg.Done()
		s.copyHalf(s.conn, outbound, "downstream")
		halfClose(s.conn)
	}()

	wg.Wait()
}

func (s *Session) copyHalf(dst net.Conn, src net.Conn, direction string) {
	bufPtr := netsock.GetBuffer(relayBufferSize)
	defer netsock.PutBuffer(bufPtr)

	if s.cfg.IdleTimeout > 0 {
		src.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	n, err := io.CopyBuffer(dst, &idleResetReader{conn: src, timeout: s.cfg.IdleTimeout}, *bufPtr)
	metrics.BytesRelayed.WithLabelValues(direction).Add(float64(n))
	_ = err
}

// idleResetReader refreshes src's read deadline before every Read when
// an idle timeout is configured, so the timeout measures inactivity
// rather than total session duration.
type idleResetReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleResetReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	return r.conn.Read(p)
}

func halfClose(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

// classifyToReply maps a netsock dial error onto a SOCKS5 reply code
// for the Connecting failure branch.
func classifyToReply(err error) byte {
	var nerr *netsock.Error
	if !errors.As(err, &nerr) {
		return repGeneralFailure
	}
	switch nerr.Kind {
	case netsock.ConnectionRefused:
		return repConnectionRefused
	case netsock.NetUnreachable:
		return repNetworkUnreachable
	case netsock.HostUnreachable:
		return repHostUnreachable
	case netsock.Timeout:
		return repTTLExpired
	default:
		return repGeneralFailure
	}
}
