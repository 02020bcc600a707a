package validate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-mfa/pkg/challenge"
	"github.com/jeremyhahn/go-mfa/pkg/notify"
	"github.com/jeremyhahn/go-mfa/pkg/otp"
	"github.com/jeremyhahn/go-mfa/pkg/policy"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

type candidate struct {
	t    *token.Token
	k    token.Kind
	code string
}

// splitPIN separates the PIN from an OTP of otpLen characters placed after
// (prepend) or before the PIN.
func splitPIN(pass string, otpLen int, prepend bool) (pin, code string, ok bool) {
	if otpLen < 0 || len(pass) < otpLen {
		return "", "", false
	}
	if prepend {
		cut := len(pass) - otpLen
		return pass[:cut], pass[cut:], true
	}
	return pass[otpLen:], pass[:otpLen], true
}

// direct handles a request without a transaction id.
func (s *Service) direct(ctx context.Context, req Request, pol policy.Auth, now time.Time) (*Response, error) {
	tokens, err := s.repo.FindByOwner(ctx, req.User)
	if err != nil {
		return nil, err
	}

	var (
		checks   []candidate
		triggers []candidate
		pinOnly  []*token.Token
		wrongPIN []*token.Token
		usable   int
	)
	for _, t := range tokens {
		if !t.Active {
			continue
		}
		k, err := s.kinds.Lookup(t.Type)
		if err != nil {
			s.logger.Warn("skipping token", zap.String("serial", t.Serial), zap.Error(err))
			continue
		}
		usable++
		n := k.OTPLength(t)
		switch {
		case pol.PINMode == policy.PINOnly:
			if t.CheckPIN(req.Pass) {
				pinOnly = append(pinOnly, t)
			} else {
				wrongPIN = append(wrongPIN, t)
			}
		case pol.PINMode == policy.PINNone || n < 0:
			checks = append(checks, candidate{t: t, k: k, code: req.Pass})
		default:
			if n > 0 && t.CheckPIN(req.Pass) {
				triggers = append(triggers, candidate{t: t, k: k})
				continue
			}
			if pin, code, ok := splitPIN(req.Pass, n, pol.PrependPIN); ok && t.CheckPIN(pin) {
				checks = append(checks, candidate{t: t, k: k, code: code})
				continue
			}
			wrongPIN = append(wrongPIN, t)
		}
	}
	if usable == 0 {
		return reject(PathDirect, "", ErrNoToken, "user has no usable token"), nil
	}

	if pol.PINMode == policy.PINOnly && len(pinOnly) > 0 {
		return acceptPIN(pinOnly, now), nil
	}
	if len(checks) > 0 {
		resp, err := s.checkAll(ctx, checks, pol, now)
		if err != nil || resp.Accepted() || len(triggers) == 0 {
			return resp, err
		}
	}
	if len(triggers) > 0 {
		return s.trigger(ctx, req, triggers, pol, now)
	}
	if err := s.failAll(ctx, wrongPIN); err != nil {
		return nil, err
	}
	return reject(PathDirect, "", ErrWrongPIN, "wrong otp pin"), nil
}

// checkAll verifies the candidates in order and stops at the first match.
func (s *Service) checkAll(ctx context.Context, cands []candidate, pol policy.Auth, now time.Time) (*Response, error) {
	opts := s.verifyOptions(pol, now)
	var last *token.Result
	for _, c := range cands {
		var res token.Result
		err := s.repo.Update(ctx, c.t.Serial, func(t *token.Token) error {
			var err error
			res, err = token.Verify(ctx, c.k, t, c.code, opts)
			return err
		})
		if errors.Is(err, token.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if res.Accepted() {
			return fromResult(PathDirect, res), nil
		}
		last = &res
	}
	if last == nil {
		return reject(PathDirect, "", ErrNoToken, "user has no usable token"), nil
	}
	return fromResult(PathDirect, *last), nil
}

// failAll counts a wrong PIN against every token it was tried on.
func (s *Service) failAll(ctx context.Context, tokens []*token.Token) error {
	for _, t := range tokens {
		err := s.repo.Update(ctx, t.Serial, func(t *token.Token) error {
			t.IncFail()
			return nil
		})
		if err != nil && !errors.Is(err, token.ErrNotFound) {
			return err
		}
	}
	return nil
}

func acceptPIN(tokens []*token.Token, now time.Time) *Response {
	for _, t := range tokens {
		if msg, reason := unusable(t, now); reason != nil {
			if len(tokens) == 1 {
				return reject(PathDirect, t.Serial, reason, msg)
			}
			continue
		}
		return &Response{Outcome: token.Accepted, Path: PathDirect, Serial: t.Serial, Message: "matching 1 tokens"}
	}
	return reject(PathDirect, "", token.ErrBlocked, "failcounter exceeded")
}

// unusable reports why a token may not authenticate right now.
func unusable(t *token.Token, now time.Time) (string, error) {
	switch {
	case t.Blocked():
		return "failcounter exceeded", token.ErrBlocked
	case !t.InValidity(now):
		return "outside validity period", token.ErrOutsideValidity
	}
	return "", nil
}

func challengeable(k token.Kind, pol policy.Auth) bool {
	if _, ok := k.(token.Challenger); !ok {
		return false
	}
	switch k.ChallengeMode() {
	case token.ChallengeAlways:
		return true
	case token.ChallengeOptional:
		return pol.AllowsChallenge(string(k.Type()))
	}
	return false
}

// trigger opens a challenge for a PIN-only request. At most one token may be
// eligible; a PIN shared by several eligible tokens is rejected.
func (s *Service) trigger(ctx context.Context, req Request, cands []candidate, pol policy.Auth, now time.Time) (*Response, error) {
	var (
		eligible   []candidate
		ineligible []candidate
		excluded   *Response
	)
	for _, c := range cands {
		if !challengeable(c.k, pol) {
			ineligible = append(ineligible, c)
			continue
		}
		if msg, reason := unusable(c.t, now); reason != nil {
			excluded = reject(PathChallengeTrigger, c.t.Serial, reason, msg)
			continue
		}
		eligible = append(eligible, c)
	}

	switch {
	case len(eligible) > 1:
		return reject(PathChallengeTrigger, "", ErrAmbiguousChallenge, "multiple challenges not supported"), nil
	case len(eligible) == 0 && excluded != nil:
		return excluded, nil
	case len(eligible) == 0:
		// The PIN matched but the OTP is missing: an empty guess.
		return s.checkAll(ctx, ineligible, pol, now)
	}

	c := eligible[0]
	prompt, err := c.k.(token.Challenger).Prompt(ctx, c.t, now)
	switch {
	case errors.Is(err, token.ErrNoDestination):
		s.metrics.DeliveryFailed(string(c.t.Type))
		return reject(PathChallengeTrigger, c.t.Serial, notify.AsDeliveryError(string(c.t.Type), err), "could not deliver challenge"), nil
	case errors.Is(err, otp.ErrInvalidConfig):
		return reject(PathChallengeTrigger, c.t.Serial, err, "token misconfigured"), nil
	case err != nil:
		return nil, err
	}

	if prompt.Code != "" {
		if err := s.deliver(ctx, c.t, prompt); err != nil {
			s.metrics.DeliveryFailed(string(c.t.Type))
			s.logger.Warn("challenge delivery failed",
				zap.String("serial", c.t.Serial),
				zap.String("channel", prompt.Channel),
				zap.Error(err))
			return reject(PathChallengeTrigger, c.t.Serial, err, "could not deliver challenge"), nil
		}
	}

	id, err := s.ledger.Create(ctx, challenge.Request{
		Serial:   c.t.Serial,
		User:     req.User,
		Validity: pol.ChallengeValidity,
		Code:     prompt.Code,
		Counter:  prompt.Counter,
		Session:  challenge.SessionAuth,
		Message:  pol.ChallengeText,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ChallengeCreated(string(c.t.Type))
	return &Response{
		Outcome:       token.ChallengeIssued,
		Path:          PathChallengeTrigger,
		Serial:        c.t.Serial,
		TransactionID: id,
		Message:       pol.ChallengeText,
	}, nil
}

func (s *Service) deliver(ctx context.Context, t *token.Token, prompt token.Prompt) error {
	if s.sender == nil {
		return &notify.DeliveryError{Channel: prompt.Channel, Err: notify.ErrNoSender}
	}
	err := s.sender.Send(ctx, notify.Message{
		Channel:     prompt.Channel,
		Destination: prompt.Destination,
		Text:        prompt.Code,
		Serial:      t.Serial,
	})
	if err != nil {
		return notify.AsDeliveryError(prompt.Channel, err)
	}
	return nil
}

// respond handles the answer to an outstanding challenge.
func (s *Service) respond(ctx context.Context, req Request, pol policy.Auth, now time.Time) (*Response, error) {
	ch, err := s.ledger.Lookup(ctx, req.TransactionID)
	if errors.Is(err, challenge.ErrNotFound) {
		return replay(req), nil
	}
	if err != nil {
		return nil, err
	}
	if ch.User != req.User {
		return replay(req), nil
	}

	keep := !pol.ResetFailCountOnSuccess
	var res token.Result
	err = s.repo.Update(ctx, ch.Serial, func(t *token.Token) error {
		// A concurrent response may have consumed the challenge while this
		// one waited for the token.
		if _, err := s.ledger.Lookup(ctx, ch.TransactionID); err != nil {
			if errors.Is(err, challenge.ErrNotFound) {
				return errChallengeGone
			}
			return err
		}
		k, err := s.kinds.Lookup(t.Type)
		if err != nil {
			return err
		}
		code, pinOK := responseCode(t, k, req.Pass, pol)
		switch {
		case !pinOK:
			res = token.Settle(t, token.Match{}, false, keep)
			if errors.Is(res.Reason, token.ErrNoMatch) {
				res.Reason, res.Message = ErrWrongPIN, "wrong otp pin"
			}
		case ch.HasCode():
			res = checkDelivered(t, ch, code, now, keep)
		default:
			if res, err = token.Verify(ctx, k, t, code, s.verifyOptions(pol, now)); err != nil {
				return err
			}
		}
		if !res.Accepted() {
			return nil
		}
		if err := s.ledger.Consume(ctx, ch.TransactionID); err != nil {
			if errors.Is(err, challenge.ErrNotFound) {
				return errChallengeGone
			}
			return err
		}
		return nil
	})
	switch {
	case errors.Is(err, errChallengeGone):
		return replay(req), nil
	case errors.Is(err, token.ErrNotFound), errors.Is(err, token.ErrUnknownType):
		resp := reject(PathChallengeResponse, ch.Serial, ErrNoToken, "token not found")
		resp.TransactionID = ch.TransactionID
		return resp, nil
	case err != nil:
		return nil, err
	}
	resp := fromResult(PathChallengeResponse, res)
	resp.TransactionID = ch.TransactionID
	return resp, nil
}

// responseCode extracts the OTP from a challenge response. The response is
// the OTP alone, or PIN and OTP when it is longer than an OTP or policy
// requires the PIN.
func responseCode(t *token.Token, k token.Kind, pass string, pol policy.Auth) (string, bool) {
	n := k.OTPLength(t)
	if n <= 0 {
		return pass, true
	}
	if !pol.ChallengeResponsePIN && len(pass) <= n {
		return pass, true
	}
	pin, code, ok := splitPIN(pass, n, pol.PrependPIN)
	if !ok || !t.CheckPIN(pin) {
		return "", false
	}
	return code, true
}

// checkDelivered compares the response with the code sent out of band. The
// code is only good while the token has not moved past its counter.
func checkDelivered(t *token.Token, ch *challenge.Challenge, code string, now time.Time, keep bool) token.Result {
	if !t.Active {
		return token.Result{Outcome: token.Rejected, Serial: t.Serial, Reason: token.ErrDisabled, Message: "token disabled"}
	}
	if !t.InValidity(now) {
		return token.Result{Outcome: token.Rejected, Serial: t.Serial, Reason: token.ErrOutsideValidity, Message: "outside validity period"}
	}
	matched := ch.MatchCode(code) && ch.Counter >= t.Counter
	return token.Settle(t, token.Match{Counter: ch.Counter, HasCounter: true}, matched, keep)
}

func replay(req Request) *Response {
	resp := reject(PathChallengeResponse, "", ErrReplayRejected, "challenge expired or already used")
	resp.TransactionID = req.TransactionID
	return resp
}
