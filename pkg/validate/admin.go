package validate

import (
	"context"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-mfa/pkg/policy"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

// Resync realigns a drifted token from two codes generated in sequence. The
// sync window comes from the policy of the token owner.
func (s *Service) Resync(ctx context.Context, serial, otp1, otp2 string) error {
	t, err := s.repo.Load(ctx, serial)
	if err != nil {
		return err
	}
	engine := s.resyncEngine(policy.Resolve(s.policy, t.Owner, ""))
	now := s.now()
	return s.repo.Update(ctx, serial, func(t *token.Token) error {
		return engine.Resync(t, otp1, otp2, now)
	})
}

// ResetFailCount unblocks a token and drops any pending auto-resync.
func (s *Service) ResetFailCount(ctx context.Context, serial string) error {
	err := s.repo.Update(ctx, serial, func(t *token.Token) error {
		t.ResetFail()
		t.Resync = nil
		return nil
	})
	if err == nil {
		s.logger.Info("fail counter reset", zap.String("serial", serial))
	}
	return err
}

// ResetChallenges removes every outstanding challenge of a token.
func (s *Service) ResetChallenges(ctx context.Context, serial string) (int, error) {
	n, err := s.ledger.Reset(ctx, serial)
	if err == nil {
		s.logger.Info("challenges reset", zap.String("serial", serial), zap.Int("removed", n))
	}
	return n, err
}

// ExpireChallenges purges challenges past their validity.
func (s *Service) ExpireChallenges(ctx context.Context) (int, error) {
	return s.ledger.ExpireStale(ctx)
}
