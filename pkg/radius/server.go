package radius

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	radiuslib "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/jeremyhahn/go-mfa/pkg/validate"
)

// DefaultAddress is the standard RADIUS authentication port on all interfaces.
const DefaultAddress = ":1812"

// Checker resolves one authentication request. *validate.Service satisfies it.
type Checker interface {
	Check(ctx context.Context, req validate.Request) (*validate.Response, error)
}

// Server answers Access-Requests from NAS clients. A request carrying a
// State attribute is treated as the response to an earlier challenge.
type Server struct {
	checker Checker
	logger  *zap.Logger
	packet  *radiuslib.PacketServer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer returns a server listening on addr once started. An empty addr
// uses DefaultAddress.
func NewServer(addr, secret string, checker Checker, opts ...ServerOption) (*Server, error) {
	if secret == "" {
		return nil, errors.New("radius: secret must not be empty")
	}
	if checker == nil {
		return nil, errors.New("radius: checker must not be nil")
	}
	if addr == "" {
		addr = DefaultAddress
	}
	s := &Server{checker: checker, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.packet = &radiuslib.PacketServer{
		Addr:         addr,
		Network:      "udp",
		SecretSource: radiuslib.StaticSecretSource([]byte(secret)),
		Handler:      s,
	}
	return s, nil
}

// ListenAndServe blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("radius server listening", zap.String("addr", s.packet.Addr))
	return ignoreShutdown(s.packet.ListenAndServe())
}

// Serve answers requests arriving on conn until Shutdown is called.
func (s *Server) Serve(conn net.PacketConn) error {
	return ignoreShutdown(s.packet.Serve(conn))
}

// Shutdown stops the server and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.packet.Shutdown(ctx)
}

func ignoreShutdown(err error) error {
	if errors.Is(err, radiuslib.ErrServerShutdown) {
		return nil
	}
	return err
}

// ServeRADIUS implements radiuslib.Handler.
func (s *Server) ServeRADIUS(w radiuslib.ResponseWriter, r *radiuslib.Request) {
	if r.Code != radiuslib.CodeAccessRequest {
		s.logger.Debug("ignoring packet", zap.Stringer("code", r.Code))
		return
	}

	req := validate.Request{
		User:          rfc2865.UserName_GetString(r.Packet),
		Pass:          rfc2865.UserPassword_GetString(r.Packet),
		TransactionID: rfc2865.State_GetString(r.Packet),
		Client:        remoteHost(r.RemoteAddr),
	}
	resp, err := s.checker.Check(r.Context(), req)
	if err != nil {
		s.logger.Error("radius request failed",
			zap.String("user", req.User),
			zap.String("client", req.Client),
			zap.Error(err))
		s.write(w, r.Response(radiuslib.CodeAccessReject))
		return
	}

	var out *radiuslib.Packet
	switch {
	case resp.Accepted():
		out = r.Response(radiuslib.CodeAccessAccept)
	case resp.ChallengeIssued():
		out = r.Response(radiuslib.CodeAccessChallenge)
		if err := rfc2865.State_SetString(out, resp.TransactionID); err != nil {
			s.logger.Error("set state", zap.Error(err))
			out = r.Response(radiuslib.CodeAccessReject)
		}
	default:
		out = r.Response(radiuslib.CodeAccessReject)
	}
	if resp.Message != "" {
		if err := rfc2865.ReplyMessage_SetString(out, resp.Message); err != nil {
			s.logger.Warn("set reply message", zap.Error(err))
		}
	}
	s.write(w, out)
}

func (s *Server) write(w radiuslib.ResponseWriter, p *radiuslib.Packet) {
	if err := w.Write(p); err != nil {
		s.logger.Warn("radius response not sent", zap.Error(err))
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
