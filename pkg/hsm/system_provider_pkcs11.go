//go:build pkcs11 && cgo

package hsm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkcs "github.com/miekg/pkcs11"
)

const (
	gcmNonceSize = 12
	gcmTagBits   = 128
)

func init() {
	systemSessionProvider = &nativeProvider{}
}

type nativeProvider struct{}

func (nativeProvider) Open(ctx context.Context, cfg Config) (Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	module := pkcs.New(cfg.ModulePath)
	if module == nil {
		return nil, errors.New("hsm: failed to load module")
	}
	if err := module.Initialize(); err != nil {
		module.Destroy()
		return nil, err
	}

	slot, err := selectSlot(module, cfg)
	if err != nil {
		module.Finalize()
		module.Destroy()
		return nil, err
	}

	sessionHandle, err := module.OpenSession(slot, pkcs.CKF_SERIAL_SESSION|pkcs.CKF_RW_SESSION)
	if err != nil {
		module.Finalize()
		module.Destroy()
		return nil, err
	}

	return &nativeSession{module: module, session: sessionHandle, keyLabel: cfg.KeyLabel}, nil
}

func selectSlot(module *pkcs.Ctx, cfg Config) (uint, error) {
	if cfg.Slot != "" {
		id, err := strconv.ParseUint(cfg.Slot, 10, 32)
		if err != nil {
			return 0, err
		}
		return uint(id), nil
	}

	slots, err := module.GetSlotList(true)
	if err != nil {
		return 0, err
	}
	label := strings.TrimSpace(cfg.TokenLabel)
	for _, slot := range slots {
		info, err := module.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(info.Label), label) {
			return slot, nil
		}
	}
	return 0, errors.New("hsm: token not found")
}

type nativeSession struct {
	module   *pkcs.Ctx
	session  pkcs.SessionHandle
	keyLabel string
	key      pkcs.ObjectHandle
}

func (s *nativeSession) Login(ctx context.Context, pin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.module.Login(s.session, pkcs.CKU_USER, pin)
	if err == nil || err == pkcs.Error(pkcs.CKR_USER_ALREADY_LOGGED_IN) {
		return s.findKey()
	}
	if err == pkcs.Error(pkcs.CKR_PIN_INCORRECT) {
		return ErrInvalidPIN
	}
	return err
}

func (s *nativeSession) findKey() error {
	template := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, pkcs.CKO_SECRET_KEY),
		pkcs.NewAttribute(pkcs.CKA_LABEL, s.keyLabel),
	}
	if err := s.module.FindObjectsInit(s.session, template); err != nil {
		return err
	}
	handles, _, err := s.module.FindObjects(s.session, 1)
	if ferr := s.module.FindObjectsFinal(s.session); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		return fmt.Errorf("hsm: key %q not found", s.keyLabel)
	}
	s.key = handles[0]
	return nil
}

func (s *nativeSession) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	params := pkcs.NewGCMParams(nonce, nil, gcmTagBits)
	defer params.Free()
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_GCM, params)}
	if err := s.module.EncryptInit(s.session, mech, s.key); err != nil {
		return nil, err
	}
	sealed, err := s.module.Encrypt(s.session, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

func (s *nativeSession) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ciphertext) < gcmNonceSize+gcmTagBits/8 {
		return nil, ErrInvalidCiphertext
	}
	params := pkcs.NewGCMParams(ciphertext[:gcmNonceSize], nil, gcmTagBits)
	defer params.Free()
	mech := []*pkcs.Mechanism{pkcs.NewMechanism(pkcs.CKM_AES_GCM, params)}
	if err := s.module.DecryptInit(s.session, mech, s.key); err != nil {
		return nil, err
	}
	plain, err := s.module.Decrypt(s.session, ciphertext[gcmNonceSize:])
	if err == pkcs.Error(pkcs.CKR_ENCRYPTED_DATA_INVALID) || err == pkcs.Error(pkcs.CKR_ENCRYPTED_DATA_LEN_RANGE) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plain, err
}

func (s *nativeSession) Close(ctx context.Context) error {
	defer func() {
		s.module.CloseSession(s.session)
		s.module.Finalize()
		s.module.Destroy()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.module.Logout(s.session); err != nil && err != pkcs.Error(pkcs.CKR_USER_NOT_LOGGED_IN) {
		return err
	}
	return nil
}
