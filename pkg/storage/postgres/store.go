// Package postgres is the production persistence collaborator: inquiry
// submissions land in process_maps (signed-in owners) or unqualified_leads
// (guests, keyed by email), and generated map versions in map_versions.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/veralis/intake-gateway/pkg/gateway/inquiry"
	"github.com/veralis/intake-gateway/pkg/gateway/mapper"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ inquiry.Store       = (*Store)(nil)
	_ mapper.VersionStore = (*Store)(nil)
)

func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded migrations. Goose drives a database/sql handle,
// so it opens its own short-lived connection alongside the pool.
func Migrate(ctx context.Context, databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Submit writes the inquiry exactly once per identity. The unique constraints
// on owner_id and email are the source of truth for the duplicate guard; a
// unique violation surfaces as inquiry.ErrConflict.
func (s *Store) Submit(ctx context.Context, id inquiry.Identity, d inquiry.Draft) (inquiry.Receipt, error) {
	recordID := uuid.New()

	var err error
	var kind inquiry.RecordKind
	if id.Authenticated() {
		kind = inquiry.RecordProcessMap
		_, err = s.pool.Exec(ctx,
			`INSERT INTO process_maps (id, owner_id, name, company, email, challenges, transcript, summary)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			recordID, id.UserID, d.Name, d.Company, d.Email, d.Challenges, d.Transcript, d.Summary)
	} else {
		kind = inquiry.RecordUnqualifiedLead
		_, err = s.pool.Exec(ctx,
			`INSERT INTO unqualified_leads (id, email, name, company, challenges, transcript, summary)
			 VALUES ($1, lower($2), $3, $4, $5, $6, $7)`,
			recordID, id.Email, d.Name, d.Company, d.Challenges, d.Transcript, d.Summary)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return inquiry.Receipt{}, inquiry.ErrConflict
		}
		return inquiry.Receipt{}, fmt.Errorf("insert %s: %w", kind, err)
	}

	s.logger.Info("inquiry persisted", "record_id", recordID, "kind", kind)
	return inquiry.Receipt{RecordID: recordID.String(), Kind: kind}, nil
}

// NextVersion allocates the next map version for an owner. The unique
// (owner_id, version) constraint catches concurrent allocations; callers
// retry through SaveVersion's conflict.
func (s *Store) NextVersion(ctx context.Context, ownerID string) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM map_versions WHERE owner_id = $1`,
		ownerID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return next, nil
}

func (s *Store) SaveVersion(ctx context.Context, m mapper.ProcessMap) error {
	generatedAt := m.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO map_versions (id, owner_id, version, processes, bottlenecks, automation, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), m.OwnerID, m.Version, m.Processes, m.Bottlenecks, m.Automation, generatedAt)
	if err != nil {
		return fmt.Errorf("save map version %d: %w", m.Version, err)
	}
	return nil
}

// Healthy reports whether the database answers a ping.
func (s *Store) Healthy(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("store is not configured")
	}
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
