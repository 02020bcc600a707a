package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-mfa/pkg/hsm"
	"github.com/jeremyhahn/go-mfa/pkg/otp"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens a Postgres connection pool and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	if dsn == "" {
		return errors.New("store: database dsn must not be empty")
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

const tokenColumns = `serial, type, owner, secret, counter, time_step, time_shift, digits,
	algorithm, pin_hash, fail_count, max_fail, active, valid_from, valid_until,
	destination, info, resync_counter, resync_at`

const upsertToken = `INSERT INTO tokens (` + tokenColumns + `, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
ON CONFLICT (serial) DO UPDATE SET
	type = EXCLUDED.type,
	owner = EXCLUDED.owner,
	secret = EXCLUDED.secret,
	counter = EXCLUDED.counter,
	time_step = EXCLUDED.time_step,
	time_shift = EXCLUDED.time_shift,
	digits = EXCLUDED.digits,
	algorithm = EXCLUDED.algorithm,
	pin_hash = EXCLUDED.pin_hash,
	fail_count = EXCLUDED.fail_count,
	max_fail = EXCLUDED.max_fail,
	active = EXCLUDED.active,
	valid_from = EXCLUDED.valid_from,
	valid_until = EXCLUDED.valid_until,
	destination = EXCLUDED.destination,
	info = EXCLUDED.info,
	resync_counter = EXCLUDED.resync_counter,
	resync_at = EXCLUDED.resync_at,
	updated_at = now()`

// PostgresStore keeps tokens in Postgres with secrets sealed by an hsm.Module.
type PostgresStore struct {
	db     *sql.DB
	seal   hsm.Module
	logger *zap.Logger
}

// NewPostgresStore wraps db. seal must not be nil.
func NewPostgresStore(db *sql.DB, seal hsm.Module, logger *zap.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("store: db must not be nil")
	}
	if seal == nil {
		return nil, errors.New("store: sealing module must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, seal: seal, logger: logger}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) scan(ctx context.Context, row rowScanner) (*token.Token, error) {
	var (
		t             token.Token
		typ, alg      string
		sealed, info  []byte
		counter       int64
		validFrom     sql.NullTime
		validUntil    sql.NullTime
		resyncCounter sql.NullInt64
		resyncAt      sql.NullTime
	)
	err := row.Scan(&t.Serial, &typ, &t.Owner, &sealed, &counter, &t.TimeStep, &t.TimeShift,
		&t.Digits, &alg, &t.PINHash, &t.FailCount, &t.MaxFail, &t.Active, &validFrom,
		&validUntil, &t.Destination, &info, &resyncCounter, &resyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan token: %w", err)
	}
	t.Type = token.Type(typ)
	t.Counter = uint64(counter)
	if t.Algorithm, err = otp.ParseAlgorithm(alg); err != nil {
		return nil, fmt.Errorf("store: token %s: %w", t.Serial, err)
	}
	if t.Secret, err = s.seal.Decrypt(ctx, sealed); err != nil {
		return nil, fmt.Errorf("store: unseal token %s: %w", t.Serial, err)
	}
	t.Info = map[string]string{}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &t.Info); err != nil {
			return nil, fmt.Errorf("store: token %s info: %w", t.Serial, err)
		}
	}
	if validFrom.Valid {
		t.ValidFrom = validFrom.Time
	}
	if validUntil.Valid {
		t.ValidUntil = validUntil.Time
	}
	if resyncCounter.Valid && resyncAt.Valid {
		t.Resync = &token.PendingResync{Counter: uint64(resyncCounter.Int64), At: resyncAt.Time}
	}
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *PostgresStore) args(ctx context.Context, t *token.Token) ([]any, error) {
	sealed, err := s.seal.Encrypt(ctx, t.Secret)
	if err != nil {
		return nil, fmt.Errorf("store: seal token %s: %w", t.Serial, err)
	}
	info, err := json.Marshal(t.Info)
	if err != nil {
		return nil, fmt.Errorf("store: token %s info: %w", t.Serial, err)
	}
	if t.Info == nil {
		info = []byte("{}")
	}
	var (
		resyncCounter sql.NullInt64
		resyncAt      sql.NullTime
	)
	if t.Resync != nil {
		resyncCounter = sql.NullInt64{Int64: int64(t.Resync.Counter), Valid: true}
		resyncAt = sql.NullTime{Time: t.Resync.At, Valid: true}
	}
	alg := string(t.Algorithm)
	if alg == "" {
		alg = string(otp.AlgorithmSHA1)
	}
	return []any{
		t.Serial, string(t.Type), t.Owner, sealed, int64(t.Counter), t.TimeStep, t.TimeShift,
		t.Digits, alg, t.PINHash, t.FailCount, t.MaxFail, t.Active, nullTime(t.ValidFrom),
		nullTime(t.ValidUntil), t.Destination, string(info), resyncCounter, resyncAt,
	}, nil
}

func (s *PostgresStore) save(ctx context.Context, q querier, t *token.Token) error {
	if t == nil || t.Serial == "" || t.Owner == "" {
		return ErrInvalidToken
	}
	args, err := s.args(ctx, t)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, upsertToken, args...); err != nil {
		return fmt.Errorf("store: save token %s: %w", t.Serial, err)
	}
	return nil
}

func (s *PostgresStore) FindByOwner(ctx context.Context, owner string) ([]*token.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE owner = $1 ORDER BY serial`, owner)
	if err != nil {
		return nil, fmt.Errorf("store: find tokens: %w", err)
	}
	defer rows.Close()
	var out []*token.Token
	for rows.Next() {
		t, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find tokens: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Load(ctx context.Context, serial string) (*token.Token, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE serial = $1`, serial)
	return s.scan(ctx, row)
}

func (s *PostgresStore) Save(ctx context.Context, t *token.Token) error {
	return s.save(ctx, s.db, t)
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, serial string, fn func(*token.Token) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.logger.Warn("token update rollback failed", zap.String("serial", serial), zap.Error(rerr))
			}
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE serial = $1 FOR UPDATE`, serial)
	t, err := s.scan(ctx, row)
	if err != nil {
		return err
	}
	if err = fn(t); err != nil {
		return err
	}
	t.Serial = serial
	if err = s.save(ctx, tx, t); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Delete removes a token.
func (s *PostgresStore) Delete(ctx context.Context, serial string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE serial = $1`, serial)
	if err != nil {
		return fmt.Errorf("store: delete token %s: %w", serial, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return token.ErrNotFound
	}
	return nil
}

var _ token.Repository = (*PostgresStore)(nil)
