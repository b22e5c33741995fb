package store

import (
	"context"
	"time"

	"arcanabot/pkg/domain"
)

// Store defines persistence operations for analysis records, legacy credit
// balances, bonus grants, and daily rejection counters.
type Store interface {
	// analysis records
	CreateRecord(ctx context.Context, rec domain.AnalysisRecord) error
	GetRecord(ctx context.Context, id string) (domain.AnalysisRecord, bool, error)
	SetRecordStatus(ctx context.Context, id string, status domain.ReadingStatus, detail domain.ErrorDetail) error
	SetRecordIntermediate(ctx context.Context, id string, intermediate string) error
	CompleteRecord(ctx context.Context, id string, interpretation string) error
	// CompletedFacets returns the facets of completed records sharing the
	// session group, excluding the all sentinel.
	CompletedFacets(ctx context.Context, sessionGroupID string) ([]domain.Facet, error)

	// legacy credit surface; all mutations are single atomic statements
	Balance(ctx context.Context, identity int64, creditType domain.CreditType) (int64, error)
	Consume(ctx context.Context, identity int64, creditType domain.CreditType, amount int64) (bool, error)
	Refund(ctx context.Context, identity int64, creditType domain.CreditType, amount int64) error

	// GrantOnce credits amount at most once per (identity, grantKey) and
	// reports whether this call performed the grant.
	GrantOnce(ctx context.Context, identity int64, grantKey string, creditType domain.CreditType, amount int64) (bool, error)

	// rejection slots: atomic increment-if-under-limit keyed by UTC day,
	// with a release path for slots whose personalized message never sent
	AcquireRejectionSlot(ctx context.Context, identity int64, day string, limit int) (bool, error)
	ReleaseRejectionSlot(ctx context.Context, identity int64, day string) error
}

// DayKey formats t as the UTC-day key used by rejection counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
