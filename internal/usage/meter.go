// Package usage computes how many plan minutes an account has used in its
// current allowance window.
package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/RickSF09/eva-sub001/internal/allowance"
	"github.com/RickSF09/eva-sub001/internal/billing"
	"github.com/RickSF09/eva-sub001/pkg/logging"
)

// Rounding decides how call seconds become billable minutes.
type Rounding string

const (
	// RoundTotal sums all seconds and rounds up once.
	RoundTotal Rounding = "total"
	// RoundPerCall rounds every call up to a whole minute before summing.
	RoundPerCall Rounding = "per_call"
)

// ParseRounding accepts "total" or "per_call". Empty means RoundTotal.
func ParseRounding(s string) (Rounding, error) {
	switch Rounding(s) {
	case "", RoundTotal:
		return RoundTotal, nil
	case RoundPerCall:
		return RoundPerCall, nil
	}
	return "", fmt.Errorf("%w: unknown usage rounding %q", billing.ErrValidation, s)
}

// Minutes converts call durations in seconds to billable minutes. Negative
// durations count as zero under both policies.
func (r Rounding) Minutes(durations []int64) int {
	if r == RoundPerCall {
		var m int64
		for _, d := range durations {
			m += ceilMinutes(d)
		}
		return int(m)
	}
	var total int64
	for _, d := range durations {
		total += max(d, 0)
	}
	return int(ceilMinutes(total))
}

func ceilMinutes(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

// Snapshot is the usage view returned to the dashboard. It is recomputed on
// every request.
type Snapshot struct {
	MinutesUsed      int        `json:"minutesUsed"`
	MinutesIncluded  int        `json:"minutesIncluded"`
	MinutesRemaining int        `json:"minutesRemaining"`
	UsagePercent     int        `json:"usagePercent"`
	IsTrial          bool       `json:"isTrial"`
	Plan             string     `json:"plan,omitempty"`
	PeriodStart      *time.Time `json:"periodStart"`
	PeriodEnd        *time.Time `json:"periodEnd"`
	CallCount        int        `json:"callCount"`
	UsageUnavailable bool       `json:"usageUnavailable"`
}

// Unavailable is the zeroed snapshot served when usage cannot be loaded.
func Unavailable() Snapshot {
	return Snapshot{UsageUnavailable: true}
}

func (s *Snapshot) derive() {
	s.MinutesRemaining = max(0, s.MinutesIncluded-s.MinutesUsed)
	if s.MinutesIncluded > 0 {
		pct := math.Round(100 * float64(s.MinutesUsed) / float64(s.MinutesIncluded))
		s.UsagePercent = int(math.Min(100, pct))
	}
}

// Store reads what the meter needs.
type Store interface {
	GetRecord(ctx context.Context, accountID string) (*billing.Record, error)
	CallDurations(ctx context.Context, accountID string, start, end time.Time) ([]int64, error)
}

// Quotas resolves included minutes for a plan.
type Quotas interface {
	MinutesIncluded(slug string, isTrial bool) (int, bool)
}

// Meter produces usage snapshots. It holds no per-account state.
type Meter struct {
	store     Store
	quotas    Quotas
	rounding  Rounding
	logger    logging.Logger
	snapshots *prometheus.CounterVec
}

func NewMeter(store Store, quotas Quotas, rounding Rounding, logger logging.Logger, snapshots *prometheus.CounterVec) *Meter {
	if rounding == "" {
		rounding = RoundTotal
	}
	return &Meter{
		store:     store,
		quotas:    quotas,
		rounding:  rounding,
		logger:    logger,
		snapshots: snapshots,
	}
}

// Snapshot computes usage for accountID in the allowance window containing now.
func (m *Meter) Snapshot(ctx context.Context, accountID string, now time.Time) (Snapshot, error) {
	snap, result, err := m.snapshot(ctx, accountID, now)
	m.count(result)
	return snap, err
}

func (m *Meter) snapshot(ctx context.Context, accountID string, now time.Time) (Snapshot, string, error) {
	rec, err := m.store.GetRecord(ctx, accountID)
	if errors.Is(err, billing.ErrNotFound) {
		return Snapshot{}, "empty", nil
	}
	if err != nil {
		return Snapshot{}, "error", err
	}
	if !rec.HasSubscription() {
		return Snapshot{}, "empty", nil
	}

	snap := Snapshot{IsTrial: rec.IsTrial(), Plan: rec.PlanSlug}
	included, ok := m.quotas.MinutesIncluded(rec.PlanSlug, snap.IsTrial)
	if !ok {
		m.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"plan":       rec.PlanSlug,
		}).Warn("Plan not in catalog, no minutes included")
	}
	snap.MinutesIncluded = included

	w, ok := allowance.Current(rec.PeriodStart, rec.PeriodEnd, now)
	if !ok {
		snap.derive()
		return snap, "no_window", nil
	}
	snap.PeriodStart, snap.PeriodEnd = &w.Start, &w.End

	durations, err := m.store.CallDurations(ctx, accountID, w.Start, w.End)
	if err != nil {
		return Snapshot{}, "error", err
	}
	snap.CallCount = len(durations)
	snap.MinutesUsed = m.rounding.Minutes(durations)
	snap.derive()
	return snap, "ok", nil
}

func (m *Meter) count(result string) {
	if m.snapshots != nil {
		m.snapshots.WithLabelValues(result).Inc()
	}
}
