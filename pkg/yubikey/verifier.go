package yubikey

import (
	"context"
	"errors"
	"strings"

	"github.com/jeremyhahn/go-mfa/pkg/token"
)

// OTPLength is the length of a YubiKey OTP: a 12 character public id followed
// by 32 characters of encrypted payload, both modhex.
const OTPLength = 44

const publicIDLength = 12

// InfoPublicID is the token info key holding the public id of the key.
const InfoPublicID = "yubikey.public_id"

const modhex = "cbdefghijklnrtuv"

// OTPValidator describes a component capable of validating a YubiKey OTP.
type OTPValidator interface {
	Validate(ctx context.Context, clientID, secret, otp string) error
}

var (
	// ErrInvalidOTP indicates the OTP was syntactically valid but rejected by the validation service.
	ErrInvalidOTP = errors.New("yubikey: invalid OTP")
)

// Config contains the inputs required to talk to a YubiKey validation service.
type Config struct {
	ClientID string
	APIKey   string
	// Endpoint overrides the YubiCloud verify URL.
	Endpoint string
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return errors.New("yubikey: client id must not be empty")
	}
	if c.APIKey == "" {
		return errors.New("yubikey: api key must not be empty")
	}
	return nil
}

// Verifier checks YUBICO tokens. It implements token.RemoteVerifier.
type Verifier struct {
	cfg       Config
	validator OTPValidator
}

// NewVerifier constructs a Verifier. A nil validator talks to YubiCloud over
// HTTP.
func NewVerifier(cfg Config, validator OTPValidator) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if validator == nil {
		validator = NewHTTPValidator(nil, cfg.Endpoint)
	}
	return &Verifier{cfg: cfg, validator: validator}, nil
}

// Kind returns the YUBICO token kind backed by v.
func (v *Verifier) Kind() token.Kind {
	return token.Remote(token.TypeYubico, v, OTPLength)
}

// Verify checks that otp belongs to the key enrolled as t and asks the
// validation service to accept it. A foreign or malformed OTP is rejected
// without a network call.
func (v *Verifier) Verify(ctx context.Context, t *token.Token, otp string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !wellFormed(otp) {
		return false, nil
	}
	if id := t.Info[InfoPublicID]; id == "" || !strings.EqualFold(otp[:publicIDLength], id) {
		return false, nil
	}
	err := v.validator.Validate(ctx, v.cfg.ClientID, v.cfg.APIKey, strings.ToLower(otp))
	if errors.Is(err, ErrInvalidOTP) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func wellFormed(otp string) bool {
	if len(otp) != OTPLength {
		return false
	}
	for _, r := range strings.ToLower(otp) {
		if !strings.ContainsRune(modhex, r) {
			return false
		}
	}
	return true
}

var _ token.RemoteVerifier = (*Verifier)(nil)
