package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptrefine/metering/internal/tier"
)

// Postgres implements AccountStore and UsageStore over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const accountColumns = `id, external_ids, primary_external_id, email, tier, tier_status,
	standard_used, standard_remaining, comprehensive_credits, created_at, updated_at`

func (p *Postgres) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *Postgres) GetByExternalID(ctx context.Context, ext string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_ids @> ARRAY[$1]::text[]`, ext)
	return scanAccount(row)
}

// GetByEmail tolerates legacy duplicate emails by returning the oldest
// matching record deterministically.
func (p *Postgres) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE lower(email) = lower($1)
		 ORDER BY created_at ASC
		 LIMIT 1`, email)
	return scanAccount(row)
}

func (p *Postgres) AddExternalID(ctx context.Context, id uuid.UUID, ext string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE accounts
		 SET external_ids = CASE
		         WHEN external_ids @> ARRAY[$2]::text[] THEN external_ids
		         ELSE array_append(external_ids, $2)
		     END,
		     primary_external_id = $2,
		     updated_at = now()
		 WHERE id = $1`, id, ext)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DebitStandard(ctx context.Context, id uuid.UUID) (bool, error) {
	return p.guardedUpdate(ctx,
		`UPDATE accounts
		 SET standard_remaining = standard_remaining - 1,
		     standard_used = standard_used + 1,
		     updated_at = now()
		 WHERE id = $1 AND standard_remaining > 0`, id)
}

func (p *Postgres) CreditStandard(ctx context.Context, id uuid.UUID) error {
	_, err := p.guardedUpdate(ctx,
		`UPDATE accounts
		 SET standard_remaining = standard_remaining + 1,
		     standard_used = GREATEST(standard_used - 1, 0),
		     updated_at = now()
		 WHERE id = $1`, id)
	return err
}

func (p *Postgres) MarkStandardUsed(ctx context.Context, id uuid.UUID) error {
	_, err := p.guardedUpdate(ctx,
		`UPDATE accounts
		 SET standard_used = standard_used + 1,
		     updated_at = now()
		 WHERE id = $1`, id)
	return err
}

func (p *Postgres) DebitComprehensive(ctx context.Context, id uuid.UUID) (bool, error) {
	return p.guardedUpdate(ctx,
		`UPDATE accounts
		 SET comprehensive_credits = comprehensive_credits - 1,
		     updated_at = now()
		 WHERE id = $1 AND comprehensive_credits > 0`, id)
}

func (p *Postgres) CreditComprehensive(ctx context.Context, id uuid.UUID) error {
	_, err := p.guardedUpdate(ctx,
		`UPDATE accounts
		 SET comprehensive_credits = comprehensive_credits + 1,
		     updated_at = now()
		 WHERE id = $1`, id)
	return err
}

func (p *Postgres) InsertUsage(ctx context.Context, entry UsageEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO usage_log
		 (account_id, request_id, model, mode, input_tokens, output_tokens,
		  cost_usd_micros, processing_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.AccountID, entry.RequestID, entry.Model, entry.Mode,
		entry.InputTokens, entry.OutputTokens, entry.CostUSDMicros,
		entry.ProcessingTimeMs, entry.CreatedAt)
	return err
}

func (p *Postgres) guardedUpdate(ctx context.Context, sql string, id uuid.UUID) (bool, error) {
	tag, err := p.pool.Exec(ctx, sql, id)
	if err != nil {
		return false, mapPgError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		a             Account
		rawTier       string
		rawTierStatus string
	)
	err := row.Scan(&a.ID, &a.ExternalIDs, &a.PrimaryExternalID, &a.Email,
		&rawTier, &rawTierStatus, &a.StandardUsed, &a.StandardRemaining,
		&a.ComprehensiveCredits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	parsedTier, ok := tier.Parse(rawTier)
	if !ok {
		parsedTier = tier.Free
	}
	a.Tier = parsedTier
	parsedStatus, ok := tier.ParseStatus(rawTierStatus)
	if !ok {
		parsedStatus = tier.StatusExpired
	}
	a.TierStatus = parsedStatus
	return &a, nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure / deadlock_detected are retryable conflicts.
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", ErrWriteConflict, strings.TrimSpace(pgErr.Message))
		}
	}
	return err
}
