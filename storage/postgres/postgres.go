// Package postgres implements storage.Repository on PostgreSQL through a
// pgx connection pool.
//
// Name uniqueness is enforced by the partial unique index
// devices_owner_name_key and serial numbers come from the device_serials
// sequence, so the database alone arbitrates concurrent writers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/ovpnkeeper/internal/logs"
	"github.com/jmcleod/ovpnkeeper/storage"
)

const (
	constraintOwnerName = "devices_owner_name_key"
	constraintSerial    = "devices_serial_number_key"

	codeUniqueViolation = "23505"
)

const deviceColumns = `id, owner_id, name, private_key, certificate_request, certificate, serial_number, created_at, removed`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an existing pool. timeout bounds each statement; zero
// leaves deadlines to the caller's context.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Store {
	return &Store{pool: pool, timeout: timeout}
}

// Open creates a pool from opts without contacting the server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := opts.PoolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify(fmt.Errorf("creating pool: %w", err))
	}
	return NewRepository(pool, opts.Timeout), nil
}

// Connect opens a pool and waits up to maxWait for the server to answer.
// It fails with storage.ErrUnavailable carrying the last probe error.
func Connect(ctx context.Context, opts Options, maxWait time.Duration, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logs.Discard()
	}
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"host": opts.Host, "port": opts.Port, "database": opts.Name})
	if err := storage.WaitUntilReady(ctx, s.Ping, maxWait, storage.DefaultProbeInterval, log); err != nil {
		s.pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) NextSerial(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var serial int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('device_serials')`).Scan(&serial); err != nil {
		return 0, classify(err)
	}
	return serial, nil
}

func (s *Store) Count(ctx context.Context, ownerID int64) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM devices WHERE owner_id = $1 AND NOT removed`, ownerID).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, ownerID int64) ([]*storage.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE owner_id = $1 AND NOT removed
		 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*storage.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, d)
	}
	return out, classify(rows.Err())
}

func (s *Store) Create(ctx context.Context, nd storage.NewDevice) (*storage.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO devices (owner_id, name, private_key, certificate_request, certificate, serial_number)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+deviceColumns,
		nd.OwnerID, nd.Name, nd.PrivateKey, nd.CertificateRequest, nd.Certificate, nd.SerialNumber)
	d, err := scanDevice(row)
	if err != nil {
		return nil, classify(err)
	}
	return d, nil
}

func (s *Store) Get(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE owner_id = $1 AND id = $2 AND NOT removed`, ownerID, id)
	return scanOptional(row)
}

func (s *Store) Remove(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`UPDATE devices SET removed = true
		 WHERE owner_id = $1 AND id = $2 AND NOT removed
		 RETURNING `+deviceColumns, ownerID, id)
	return scanOptional(row)
}

func (s *Store) RevokedSerials(ctx context.Context) ([]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT serial_number FROM devices WHERE removed ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err)
	}
	serials, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, classify(err)
	}
	return serials, nil
}

// Ping acquires a connection and runs a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return classify(err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scanDevice(row pgx.Row) (*storage.Device, error) {
	var d storage.Device
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.PrivateKey, &d.CertificateRequest,
		&d.Certificate, &d.SerialNumber, &d.CreatedAt, &d.Removed)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func scanOptional(row pgx.Row) (*storage.Device, error) {
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return d, nil
}

// classify maps driver errors onto the storage error taxonomy: unique
// violations become duplicate errors and connectivity failures become
// storage.ErrUnavailable. Anything else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraintOwnerName:
			return fmt.Errorf("%w: %v", storage.ErrDuplicateName, err)
		case pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == constraintSerial:
			return fmt.Errorf("%w: %v", storage.ErrDuplicateSerial, err)
		case isUnavailableCode(pgErr.Code):
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		return err
	}

	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, puddle.ErrClosedPool),
		errors.As(err, &connectErr),
		errors.As(err, &netErr),
		pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

// isUnavailableCode reports SQLSTATEs that mean the server cannot serve the
// request right now: connection exceptions (class 08), insufficient
// resources (class 53) and shutdown/startup states.
func isUnavailableCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return true
	case code == "57P01", code == "57P02", code == "57P03":
		return true
	}
	return false
}
