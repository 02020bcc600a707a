// Package validate decides authentication requests.
//
// A request is resolved along one of three paths. With a transaction id it
// answers an outstanding challenge. Without one, the presented value is split
// into PIN and OTP per policy and either checked directly against the user's
// tokens or, when only a PIN was given, used to open a challenge.
//
// Verification problems are reported in the Response. Check only returns an
// error when a collaborator such as the token store or challenge ledger fails.
package validate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-mfa/pkg/challenge"
	"github.com/jeremyhahn/go-mfa/pkg/metrics"
	"github.com/jeremyhahn/go-mfa/pkg/notify"
	"github.com/jeremyhahn/go-mfa/pkg/otp"
	"github.com/jeremyhahn/go-mfa/pkg/policy"
	"github.com/jeremyhahn/go-mfa/pkg/resync"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

var (
	// ErrMissingUser indicates a request without a user.
	ErrMissingUser = errors.New("validate: user is required")
	// ErrReplayRejected indicates an unknown, expired or already used
	// transaction id.
	ErrReplayRejected = errors.New("validate: transaction not found or already used")
	// ErrAmbiguousChallenge indicates a PIN that would open challenges for
	// more than one token.
	ErrAmbiguousChallenge = errors.New("validate: multiple challenges not supported")
	// ErrNoToken indicates the user has no usable token.
	ErrNoToken = errors.New("validate: user has no usable token")
	// ErrWrongPIN indicates no token PIN matched.
	ErrWrongPIN = errors.New("validate: wrong otp pin")

	errChallengeGone = errors.New("validate: challenge consumed concurrently")
)

// Service resolves authentication requests.
type Service struct {
	repo    token.Repository
	ledger  challenge.Ledger
	kinds   *token.Registry
	policy  policy.Provider
	sender  notify.Sender
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRegistry sets the token kinds. The default holds DefaultKinds.
func WithRegistry(r *token.Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.kinds = r
		}
	}
}

// WithPolicy sets the policy provider. Without one the defaults apply.
func WithPolicy(p policy.Provider) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithSender sets the out-of-band delivery.
func WithSender(sender notify.Sender) Option {
	return func(s *Service) {
		s.sender = sender
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the time source; primarily used for testing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Service over repo and ledger.
func New(repo token.Repository, ledger challenge.Ledger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("validate: token repository must not be nil")
	}
	if ledger == nil {
		return nil, errors.New("validate: challenge ledger must not be nil")
	}
	s := &Service{
		repo:   repo,
		ledger: ledger,
		kinds:  token.NewRegistry(token.DefaultKinds()...),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Request is one authentication attempt.
type Request struct {
	User string
	// Pass is the PIN and OTP as typed, or the challenge response.
	Pass          string
	TransactionID string
	// Client is the source address used for policy matching.
	Client string
}

// Check resolves req.
func (s *Service) Check(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.User == "" {
		return nil, ErrMissingUser
	}
	now := s.now()
	pol := policy.Resolve(s.policy, req.User, req.Client)

	var (
		resp *Response
		err  error
	)
	if req.TransactionID != "" {
		resp, err = s.respond(ctx, req, pol, now)
	} else {
		resp, err = s.direct(ctx, req, pol, now)
	}
	if err != nil {
		s.logger.Error("authentication failed",
			zap.String("user", req.User),
			zap.String("transaction_id", req.TransactionID),
			zap.Error(err))
		return nil, err
	}
	s.record(req, resp)
	return resp, nil
}

func (s *Service) record(req Request, resp *Response) {
	s.metrics.Auth(string(resp.Path), resp.Outcome.String())
	fields := []zap.Field{
		zap.String("user", req.User),
		zap.String("serial", resp.Serial),
		zap.String("path", string(resp.Path)),
		zap.String("outcome", resp.Outcome.String()),
	}
	if resp.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", resp.TransactionID))
	}
	if resp.Reason != nil {
		fields = append(fields, zap.String("reason", reasonLabel(resp.Reason)))
	}
	s.logger.Info("authentication resolved", fields...)
}

func (s *Service) verifyOptions(pol policy.Auth, now time.Time) token.VerifyOptions {
	opts := token.VerifyOptions{
		Now:           now,
		Window:        pol.HOTPWindow,
		Drift:         pol.TOTPWindow,
		KeepFailCount: !pol.ResetFailCountOnSuccess,
	}
	if pol.AutoResync {
		opts.Resyncer = s.resyncEngine(pol)
	}
	return opts
}

func (s *Service) resyncEngine(pol policy.Auth) *resync.Engine {
	return resync.New(
		resync.WithSyncWindow(pol.SyncWindow),
		resync.WithTimeout(pol.AutoResyncTimeout),
		resync.WithLogger(s.logger),
		resync.WithMetrics(s.metrics),
	)
}

func reasonLabel(err error) string {
	var de *notify.DeliveryError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReplayRejected):
		return "replay"
	case errors.Is(err, ErrAmbiguousChallenge):
		return "ambiguous"
	case errors.As(err, &de):
		return "delivery"
	case errors.Is(err, token.ErrBlocked):
		return "blocked"
	case errors.Is(err, token.ErrDisabled):
		return "disabled"
	case errors.Is(err, token.ErrOutsideValidity):
		return "validity"
	case errors.Is(err, token.ErrNoMatch):
		return "no_match"
	case errors.Is(err, otp.ErrInvalidConfig):
		return "config"
	case errors.Is(err, ErrWrongPIN):
		return "wrong_pin"
	case errors.Is(err, ErrNoToken):
		return "no_token"
	default:
		return "other"
	}
}
