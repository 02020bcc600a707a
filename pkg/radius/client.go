package radius

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	radiuslib "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/jeremyhahn/go-mfa/pkg/otp"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

// Token info keys read by the Verifier. Values set on the token override the
// verifier defaults.
const (
	InfoServer = "radius.server"
	InfoSecret = "radius.secret"
	InfoUser   = "radius.user"
)

type packetExchanger interface {
	exchange(ctx context.Context, packet *radiuslib.Packet, addr string) (*radiuslib.Packet, error)
}

type clientConfig struct {
	exchanger          packetExchanger
	server             string
	secret             string
	network            string
	tlsConfig          *tls.Config
	useTLS             bool
	tlsDialer          dialContext
	retry              time.Duration
	maxPacketErrors    int
	insecureSkipVerify bool
	dialTimeout        time.Duration
}

type dialContext interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures a Verifier.
type Option func(*clientConfig)

// WithPacketExchanger overrides the packet exchanger implementation; primarily used for testing.
func WithPacketExchanger(pe packetExchanger) Option {
	return func(c *clientConfig) {
		c.exchanger = pe
	}
}

// WithDefaultServer sets the upstream used by tokens that do not name one.
func WithDefaultServer(address, secret string) Option {
	return func(c *clientConfig) {
		c.server = address
		c.secret = secret
	}
}

// WithNetwork overrides the transport network used by the underlying RADIUS client when TLS is not enabled.
func WithNetwork(network string) Option {
	return func(c *clientConfig) {
		c.network = network
	}
}

// WithTLSConfig enables RadSec (RADIUS-over-TLS) using the provided TLS configuration.
// The configuration is cloned before use to avoid external mutation.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *clientConfig) {
		c.useTLS = true
		c.tlsConfig = cfg
	}
}

// WithTLSDialer overrides the dialer used by the TLS packet exchanger. Primarily used for testing.
func WithTLSDialer(d dialContext) Option {
	return func(c *clientConfig) {
		c.tlsDialer = d
	}
}

// WithRetry adjusts the resend interval for Access-Request packets.
func WithRetry(d time.Duration) Option {
	return func(c *clientConfig) {
		c.retry = d
	}
}

// WithMaxPacketErrors limits how many malformed responses are tolerated before failing the exchange.
func WithMaxPacketErrors(n int) Option {
	return func(c *clientConfig) {
		c.maxPacketErrors = n
	}
}

// WithInsecureSkipVerify toggles verification of response authenticators. Avoid enabling outside of controlled tests.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *clientConfig) {
		c.insecureSkipVerify = skip
	}
}

// WithDialTimeout sets the timeout on the underlying dialer.
func WithDialTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.dialTimeout = d
	}
}

type radiusClient struct {
	client *radiuslib.Client
}

type tlsPacketExchanger struct {
	dialer             dialContext
	retry              time.Duration
	maxPacketErrors    int
	insecureSkipVerify bool
}

func (c radiusClient) exchange(ctx context.Context, packet *radiuslib.Packet, addr string) (*radiuslib.Packet, error) {
	return c.client.Exchange(ctx, packet, addr)
}

// Verifier forwards the value typed for a RADIUS token to an upstream RADIUS
// server as a PAP Access-Request. It implements token.RemoteVerifier.
type Verifier struct {
	server string
	secret string
	client packetExchanger
}

// NewVerifier constructs a Verifier. Options adjust transport behaviour,
// enable RadSec, or supply custom packet exchangers.
func NewVerifier(opts ...Option) (*Verifier, error) {
	cfg := &clientConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.server != "" && cfg.secret == "" {
		return nil, errors.New("radius: secret must not be empty")
	}

	client := cfg.exchanger
	if client == nil {
		if cfg.useTLS {
			tlsExchanger, err := newTLSPacketExchanger(cfg)
			if err != nil {
				return nil, err
			}
			client = tlsExchanger
		} else {
			netDialer := net.Dialer{}
			if cfg.dialTimeout > 0 {
				netDialer.Timeout = cfg.dialTimeout
			}
			rClient := &radiuslib.Client{}
			if cfg.network != "" {
				rClient.Net = cfg.network
			}
			rClient.Dialer = netDialer
			if cfg.retry > 0 {
				rClient.Retry = cfg.retry
			}
			if cfg.maxPacketErrors > 0 {
				rClient.MaxPacketErrors = cfg.maxPacketErrors
			}
			rClient.InsecureSkipVerify = cfg.insecureSkipVerify
			client = radiusClient{client: rClient}
		}
	}

	return &Verifier{
		server: cfg.server,
		secret: cfg.secret,
		client: client,
	}, nil
}

// Kind returns the RADIUS token kind backed by v. The whole value is
// forwarded; the upstream server checks the PIN.
func (v *Verifier) Kind() token.Kind {
	return token.Remote(token.TypeRADIUS, v, -1)
}

// Verify sends value for t upstream. Access-Reject yields false with a nil
// error; transport failures and unexpected codes are returned as errors.
func (v *Verifier) Verify(ctx context.Context, t *token.Token, value string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	addr, secret, user := v.server, v.secret, t.Owner
	if s := t.Info[InfoServer]; s != "" {
		addr, secret = s, t.Info[InfoSecret]
	}
	if u := t.Info[InfoUser]; u != "" {
		user = u
	}
	if addr == "" || secret == "" {
		return false, fmt.Errorf("%w: radius token %s has no upstream server", otp.ErrInvalidConfig, t.Serial)
	}
	if value == "" {
		return false, nil
	}

	packet := radiuslib.New(radiuslib.CodeAccessRequest, []byte(secret))
	if err := rfc2865.UserName_SetString(packet, user); err != nil {
		return false, fmt.Errorf("radius: set username: %w", err)
	}
	if err := rfc2865.UserPassword_SetString(packet, value); err != nil {
		return false, fmt.Errorf("radius: set password: %w", err)
	}

	response, err := v.client.exchange(ctx, packet, addr)
	if err != nil {
		return false, err
	}

	switch response.Code {
	case radiuslib.CodeAccessAccept:
		return true, nil
	case radiuslib.CodeAccessReject:
		return false, nil
	default:
		return false, fmt.Errorf("radius: unexpected response code %s", response.Code)
	}
}

func newTLSPacketExchanger(cfg *clientConfig) (*tlsPacketExchanger, error) {
	if cfg.tlsConfig == nil {
		return nil, errors.New("radius: TLS configuration must be provided")
	}

	var dialer dialContext
	if cfg.tlsDialer != nil {
		dialer = cfg.tlsDialer
	} else {
		netDialer := &net.Dialer{}
		if cfg.dialTimeout > 0 {
			netDialer.Timeout = cfg.dialTimeout
		}
		dialer = &tls.Dialer{
			NetDialer: netDialer,
			Config:    cfg.tlsConfig.Clone(),
		}
	}

	return &tlsPacketExchanger{
		dialer:             dialer,
		retry:              cfg.retry,
		maxPacketErrors:    cfg.maxPacketErrors,
		insecureSkipVerify: cfg.insecureSkipVerify,
	}, nil
}

func (t *tlsPacketExchanger) exchange(ctx context.Context, packet *radiuslib.Packet, addr string) (*radiuslib.Packet, error) {
	wire, err := packet.Encode()
	if err != nil {
		return nil, err
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(wire); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var retryTimer <-chan time.Time
	if t.retry > 0 {
		ticker := time.NewTicker(t.retry)
		defer ticker.Stop()
		retryTimer = ticker.C
	}

	go func() {
		defer conn.Close()
		for {
			select {
			case <-retryTimer:
				conn.Write(wire)
			case <-ctx.Done():
				return
			}
		}
	}()

	incoming := make([]byte, radiuslib.MaxPacketLength)
	var packetErrorCount int

	for {
		n, err := conn.Read(incoming)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		received, err := radiuslib.Parse(incoming[:n], packet.Secret)
		if err != nil {
			packetErrorCount++
			if t.maxPacketErrors > 0 && packetErrorCount >= t.maxPacketErrors {
				return nil, err
			}
			continue
		}

		if !t.insecureSkipVerify && !radiuslib.IsAuthenticResponse(incoming[:n], wire, packet.Secret) {
			packetErrorCount++
			if t.maxPacketErrors > 0 && packetErrorCount >= t.maxPacketErrors {
				return nil, &radiuslib.NonAuthenticResponseError{}
			}
			continue
		}

		return received, nil
	}
}

var _ token.RemoteVerifier = (*Verifier)(nil)
