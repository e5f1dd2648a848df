package ledger

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store,Index

import (
	"context"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/risk"
)

// Store persists audit records. Implementations must make Append atomic:
// the record, its counter increments and its outbox entry commit together or
// not at all.
//
// Append returns sentinel.ErrConflict when a record for the event already
// exists. Get returns sentinel.ErrNotFound for unknown events.
type Store interface {
	Append(ctx context.Context, rec AuditRecord) (int64, error)
	Get(ctx context.Context, id conjunction.EventID) (AuditRecord, error)
	// List returns up to limit records with Sequence > afterSeq in sequence order.
	List(ctx context.Context, afterSeq int64, limit int) ([]AuditRecord, error)
	Counters(ctx context.Context) (Counters, error)
}

// Index answers similarity queries over executed strategies. It is derived
// from the records and may be discarded at any time.
type Index interface {
	Nearest(ctx context.Context, query risk.Geometry, k int) ([]StrategyMatch, error)
}
