// Package store persists billing records and reads call consumption from
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/pkg/database"
	"github.com/RickSF09/eva-sub001/pkg/logging"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed datastore.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New wraps an open connection pool.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const recordColumns = `account_id, external_customer_id, external_subscription_id, status,
	plan_slug, period_start, period_end, cancel_at_period_end, updated_at`

// GetRecord loads the billing record of an account. A missing record is
// reported as billing.ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, accountID string) (*billing.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM billing_records WHERE account_id = $1`, accountID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no billing record for account %s", billing.ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load billing record: %w", err)
	}
	return rec, nil
}

// FindAccountBySubscription resolves the account owning a provider subscription.
func (s *Store) FindAccountBySubscription(ctx context.Context, subscriptionID string) (string, error) {
	return s.findAccount(ctx, `SELECT account_id FROM billing_records WHERE external_subscription_id = $1`, subscriptionID)
}

// FindAccountByCustomer resolves the account owning a provider customer.
func (s *Store) FindAccountByCustomer(ctx context.Context, customerID string) (string, error) {
	return s.findAccount(ctx, `SELECT account_id FROM billing_records WHERE external_customer_id = $1 ORDER BY updated_at DESC LIMIT 1`, customerID)
}

func (s *Store) findAccount(ctx context.Context, query, key string) (string, error) {
	if key == "" {
		return "", billing.ErrNotFound
	}
	var accountID string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", billing.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	return accountID, nil
}

// UpsertRecord overwrites every provider-derived field of the account's record,
// creating the record on first write.
func (s *Store) UpsertRecord(ctx context.Context, accountID string, f billing.Fields) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			external_customer_id     = EXCLUDED.external_customer_id,
			external_subscription_id = EXCLUDED.external_subscription_id,
			status                   = EXCLUDED.status,
			plan_slug                = EXCLUDED.plan_slug,
			period_start             = EXCLUDED.period_start,
			period_end               = EXCLUDED.period_end,
			cancel_at_period_end     = EXCLUDED.cancel_at_period_end,
			updated_at               = NOW()
	`, fieldArgs(accountID, f)...)
	if err != nil {
		return writeError("upsert billing record", err)
	}
	return nil
}

// MarkCanceled writes a terminal cancellation. Stored identifiers and period
// bounds are kept when the incoming values are null. An incoming end that
// does not fall after the stored start leaves the stored end in place.
func (s *Store) MarkCanceled(ctx context.Context, accountID string, f billing.Fields) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			external_customer_id     = COALESCE(EXCLUDED.external_customer_id, billing_records.external_customer_id),
			external_subscription_id = COALESCE(EXCLUDED.external_subscription_id, billing_records.external_subscription_id),
			status                   = EXCLUDED.status,
			plan_slug                = COALESCE(EXCLUDED.plan_slug, billing_records.plan_slug),
			period_start             = COALESCE(EXCLUDED.period_start, billing_records.period_start),
			period_end               = CASE
				WHEN EXCLUDED.period_start IS NULL
					AND billing_records.period_start IS NOT NULL
					AND EXCLUDED.period_end <= billing_records.period_start
				THEN billing_records.period_end
				ELSE COALESCE(EXCLUDED.period_end, billing_records.period_end)
			END,
			cancel_at_period_end     = FALSE,
			updated_at               = NOW()
	`, fieldArgs(accountID, f)...)
	if err != nil {
		return writeError("cancel billing record", err)
	}
	return nil
}

// ListStale returns accounts with a live subscription whose period ended
// before cutoff, oldest update first.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id FROM billing_records
		WHERE external_subscription_id IS NOT NULL
		  AND status <> $1
		  AND (period_end IS NULL OR period_end < $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, billing.StatusCanceled, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale record: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CallDurations returns the duration in seconds of every completed call the
// account owns with completed_at inside [start, end]. Rows without a
// duration are skipped.
func (s *Store) CallDurations(ctx context.Context, accountID string, start, end time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT duration_seconds FROM call_consumption
		WHERE owner_id = $1
		  AND completed_at >= $2
		  AND completed_at <= $3
		  AND duration_seconds IS NOT NULL
	`, accountID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query consumption: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan consumption: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

func writeError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %w", op, billing.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func fieldArgs(accountID string, f billing.Fields) []any {
	return []any{
		accountID,
		database.NullString(f.CustomerID),
		database.NullString(f.SubscriptionID),
		f.Status,
		database.NullString(f.PlanSlug),
		database.NullTime(f.PeriodStart),
		database.NullTime(f.PeriodEnd),
		f.CancelAtPeriodEnd,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*billing.Record, error) {
	var (
		rec                         billing.Record
		customerID, subID, planSlug sql.NullString
		periodStart, periodEnd      sql.NullTime
	)
	if err := row.Scan(&rec.AccountID, &customerID, &subID, &rec.Status, &planSlug,
		&periodStart, &periodEnd, &rec.CancelAtPeriodEnd, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.CustomerID = customerID.String
	rec.SubscriptionID = subID.String
	rec.PlanSlug = planSlug.String
	rec.PeriodStart = database.TimePtr(periodStart)
	rec.PeriodEnd = database.TimePtr(periodEnd)
	return &rec, nil
}
