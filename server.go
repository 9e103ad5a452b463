package gemguard

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"git.sr.ht/~strudel/gemguard/certificate"
)

// Logger is the logging sink a Server reports to. It mirrors the level
// vocabulary of the gemeaux reference server (critical/error/warning/info/
// debug) and is satisfied directly by github.com/tliron/commonlog's Logger
// type; the CLI wrapper is expected to pass one in.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Noticef(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Criticalf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})    {}
func (noopLogger) Infof(string, ...interface{})     {}
func (noopLogger) Noticef(string, ...interface{})   {}
func (noopLogger) Warningf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{})    {}
func (noopLogger) Criticalf(string, ...interface{}) {}

// RateLimiter is the subset of internal/ratelimit.Limiter the connection
// worker needs. It is declared here, at the point of use, so Server can be
// exercised in tests against a fake without importing internal/ratelimit.
type RateLimiter interface {
	AddNewConnection(addr string) bool
	GetToken(addr string, amount int) bool
	GetPenaltyTime(addr string) time.Duration
	IsClientInViolation(addr string) bool

	// PenalizeConnectionError forces addr into violation following a
	// non-timeout socket read failure (connection reset, broken pipe, or
	// another I/O error), independent of the normal AddNewConnection/
	// GetToken accounting.
	PenalizeConnectionError(addr string)
}

type noopRateLimiter struct{}

func (noopRateLimiter) AddNewConnection(string) bool        { return true }
func (noopRateLimiter) GetToken(string, int) bool           { return true }
func (noopRateLimiter) GetPenaltyTime(string) time.Duration { return 0 }
func (noopRateLimiter) IsClientInViolation(string) bool     { return false }
func (noopRateLimiter) PenalizeConnectionError(string)      {}

// Server is a Gemini server: it accepts TLS connections, validates each
// request line, routes it through Router, and writes back the resulting
// Response, all while consulting RateLimiter for connection and bandwidth
// limits.
type Server struct {
	// Addr is the address to listen on, e.g. ":1965". Defaults to ":1965".
	Addr string

	// CertificateStore supplies the certificate presented for a given SNI
	// hostname, and is also consulted by the connection worker to recover
	// the leaf certificate used for a connection's CheckURL SAN check.
	CertificateStore *certificate.Store

	// Router dispatches validated requests to a Handler.
	Router *Router

	// RateLimiter guards connection and bandwidth limits. Defaults to a
	// limiter that always permits, if nil.
	RateLimiter RateLimiter

	// Logger receives access lines and warnings. Defaults to a no-op
	// logger if nil.
	Logger Logger

	// ReadTimeout bounds how long the worker waits for a request line.
	// Defaults to 10 seconds.
	ReadTimeout time.Duration

	// AcceptTimeout bounds each blocking Accept call, so the loop can
	// observe context cancellation promptly. Defaults to 10 seconds.
	AcceptTimeout time.Duration

	// Threaded runs each connection worker in its own goroutine when
	// true; when false, the accept loop runs workers inline, serving one
	// connection at a time.
	Threaded bool

	// DisableIPv6 restricts the listener to IPv4 only.
	DisableIPv6 bool

	port int
}

func (s *Server) logger() Logger {
	if s.Logger == nil {
		return noopLogger{}
	}
	return s.Logger
}

func (s *Server) limiter() RateLimiter {
	if s.RateLimiter == nil {
		return noopRateLimiter{}
	}
	return s.RateLimiter
}

func (s *Server) readTimeout() time.Duration {
	if s.ReadTimeout == 0 {
		return 10 * time.Second
	}
	return s.ReadTimeout
}

func (s *Server) acceptTimeout() time.Duration {
	if s.AcceptTimeout == 0 {
		return 10 * time.Second
	}
	return s.AcceptTimeout
}

// ListenAndServe listens on Addr, wraps the listener with TLS using
// CertificateStore, and serves connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":1965"
	}

	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("gemguard: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("gemguard: invalid port in address %q: %w", addr, err)
	}
	s.port = port

	network := "tcp"
	if s.DisableIPv6 {
		network = "tcp4"
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.CertificateStore.Get(hello.ServerName)
		},
	}

	return s.serve(ctx, ln, tls.NewListener(ln, tlsConfig))
}

type deadlineSetter interface {
	SetDeadline(time.Time) error
}

// serve runs the accept loop until ctx is canceled. raw is the unwrapped
// listener, used solely to set an accept deadline so the loop can notice
// cancellation even while idle; l is the TLS-wrapping listener Accept is
// actually called on.
func (s *Server) serve(ctx context.Context, raw net.Listener, l net.Listener) error {
	defer l.Close()

	for {
		select {
		case <-ctx.Done():
			s.logger().Noticef("accept loop stopping")
			return nil
		default:
		}

		if dl, ok := raw.(deadlineSetter); ok {
			dl.SetDeadline(time.Now().Add(s.acceptTimeout()))
		}

		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger().Errorf("accept error: %v", err)
			continue
		}

		if s.Threaded {
			go s.serveConn(conn)
		} else {
			s.serveConn(conn)
		}
	}
}

// serveConn runs the per-connection pipeline: rate-limit the connection,
// read the request line, validate it, route it, account for the bytes
// about to be sent, write the response, and tear down.
func (s *Server) serveConn(conn net.Conn) {
	addr := conn.RemoteAddr().String()

	if !s.limiter().AddNewConnection(addr) {
		s.writeStatus(conn, StatusSlowDown, penaltySeconds(s.limiter().GetPenaltyTime(addr)))
		s.teardown(conn, false)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	buffer, rerr := ReceiveMessage(conn)
	if rerr != nil && !errors.Is(rerr, ErrTimeout) {
		s.limiter().PenalizeConnectionError(addr)
		s.writeStatus(conn, StatusPermanentFailure, "Connection error")
		s.logger().Warningf("connection error from %s: %v", addr, rerr)
		s.teardown(conn, false)
		return
	}

	cert := s.connectionCertificate(conn)
	req, err := CheckURL(buffer, s.port, cert)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			s.teardown(conn, false)
			return
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			s.writeStatus(conn, reqErr.Status, statusReason(reqErr.Status))
			s.teardown(conn, true)
			return
		}
		s.logger().Warningf("request error from %s: %v", addr, err)
		s.teardown(conn, false)
		return
	}
	req.RemoteAddr = conn.RemoteAddr()
	if tlsConn, ok := conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		req.TLS = &state
	}

	resp := s.dispatch(req)

	body := resp.Bytes()
	if !s.limiter().GetToken(addr, len(body)) {
		s.writeStatus(conn, StatusSlowDown, penaltySeconds(s.limiter().GetPenaltyTime(addr)))
		s.teardown(conn, true)
		return
	}

	_, writeErr := conn.Write(body)
	s.teardown(conn, true)

	if writeErr != nil {
		s.logger().Warningf("error sending response to %s: %v", addr, writeErr)
		return
	}
	s.logger().Infof("%s %s %d", addr, req.URL, resp.Status())
}

// dispatch routes req through the Router and recovers from a panicking
// Handler, converting it into an internal-error response rather than
// bringing down the worker goroutine.
func (s *Server) dispatch(req *Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Errorf("handler panic for %s: %v", req.URL, r)
			resp = NewPermanentFailureResponse("Internal error")
		}
	}()

	router := s.Router
	if router == nil {
		return NewNotFoundResponse("Not found")
	}
	resp = router.ServeGemini(context.Background(), req)
	if resp == nil {
		return NewNotFoundResponse("Not found")
	}
	return resp
}

// connectionCertificate recovers the leaf certificate the TLS handshake
// selected for this connection's SNI hostname, for CheckURL's SAN check.
func (s *Server) connectionCertificate(conn net.Conn) *x509.Certificate {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok || s.CertificateStore == nil {
		return nil
	}
	state := tlsConn.ConnectionState()
	cert, err := s.CertificateStore.Get(state.ServerName)
	if err != nil || cert.Leaf == nil {
		return nil
	}
	return cert.Leaf
}

func (s *Server) writeStatus(conn net.Conn, status Status, meta string) {
	conn.Write(header(status, meta))
}

func (s *Server) teardown(conn net.Conn, logWarnings bool) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.CloseWrite(); err != nil && logWarnings {
			s.logger().Warningf("tls close-write error: %v", err)
		}
	}
	if err := conn.Close(); err != nil && logWarnings {
		s.logger().Warningf("connection close error: %v", err)
	}
}

func penaltySeconds(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func statusReason(status Status) string {
	switch status {
	case StatusBadRequest:
		return "Bad request"
	case StatusProxyRequestRefused:
		return "Proxy request refused"
	default:
		return "Bad request"
	}
}
