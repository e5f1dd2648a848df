// Package strategy maintains the similarity index over executed maneuvers.
// The index is derived from ledger records and can be dropped and rebuilt at
// any time without loss.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"orbitguard/internal/ledger"
	"orbitguard/internal/risk"
	"orbitguard/internal/safety"
)

const catchUpPage = 512

// Source is the ledger read path the index replays from.
type Source interface {
	List(ctx context.Context, afterSeq int64, limit int) ([]ledger.AuditRecord, error)
}

// Snapshot is the serialisable state of the index at a ledger high-water mark.
type Snapshot struct {
	HighWater int64                  `json:"high_water"`
	Entries   []ledger.StrategyEntry `json:"entries"`
}

// Cache persists snapshots between processes. Cache failures never fail a query.
type Cache interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Index catches up with the ledger incrementally on every query.
type Index struct {
	mu        sync.Mutex
	source    Source
	cache     Cache
	logger    *slog.Logger
	entries   []ledger.StrategyEntry
	highWater int64
	warmed    bool
}

type Option func(*Index)

func WithCache(c Cache) Option {
	return func(ix *Index) {
		ix.cache = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

func NewIndex(source Source, opts ...Option) *Index {
	ix := &Index{source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// EntryFrom reports whether rec belongs in the index: only EXECUTE records
// whose plan converged are successful strategies.
func EntryFrom(rec ledger.AuditRecord) (ledger.StrategyEntry, bool) {
	if rec.Decision != ledger.DecisionExecute || rec.Plan == nil || !rec.Plan.Converged {
		return ledger.StrategyEntry{}, false
	}
	if rec.Verdict == nil || rec.Verdict.Verdict != safety.VerdictExecute {
		return ledger.StrategyEntry{}, false
	}
	return ledger.StrategyEntry{
		EventID:  rec.EventID,
		CDMID:    rec.Event.CDMID,
		Sequence: rec.Sequence,
		Geometry: risk.GeometryOf(rec.Event),
		Plan:     *rec.Plan,
		Decision: rec.Decision,
	}, true
}

// Nearest returns up to k entries by ascending feature distance to query,
// ties broken by ledger sequence.
func (ix *Index) Nearest(ctx context.Context, query risk.Geometry, k int) ([]ledger.StrategyMatch, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.catchUp(ctx); err != nil {
		return nil, err
	}
	matches := make([]ledger.StrategyMatch, 0, len(ix.entries))
	for _, e := range ix.entries {
		matches = append(matches, ledger.StrategyMatch{Entry: e, Distance: query.Distance(e.Geometry)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Entry.Sequence < matches[j].Entry.Sequence
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Rebuild discards the in-memory state and replays the whole ledger.
func (ix *Index) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	ix.highWater = 0
	ix.warmed = true
	return ix.catchUp(ctx)
}

// Len is the number of indexed strategies as of the last catch-up.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// HighWater is the last ledger sequence folded into the index.
func (ix *Index) HighWater() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.highWater
}

func (ix *Index) catchUp(ctx context.Context) error {
	if !ix.warmed {
		ix.warmed = true
		ix.warmFromCache(ctx)
	}
	start := ix.highWater
	for {
		page, err := ix.source.List(ctx, ix.highWater, catchUpPage)
		if err != nil {
			return fmt.Errorf("replay ledger after %d: %w", ix.highWater, err)
		}
		for _, rec := range page {
			if e, ok := EntryFrom(rec); ok {
				ix.entries = append(ix.entries, e)
			}
			ix.highWater = rec.Sequence
		}
		if len(page) < catchUpPage {
			break
		}
	}
	if ix.cache != nil && ix.highWater > start {
		snap := Snapshot{HighWater: ix.highWater, Entries: append([]ledger.StrategyEntry{}, ix.entries...)}
		if err := ix.cache.Save(ctx, snap); err != nil {
			ix.logger.WarnContext(ctx, "strategy snapshot save failed", "high_water", ix.highWater, "error", err)
		}
	}
	return nil
}

// warmFromCache adopts a cached snapshot only if the ledger still holds the
// record at the snapshot's high-water mark; otherwise the index replays from zero.
func (ix *Index) warmFromCache(ctx context.Context) {
	if ix.cache == nil {
		return
	}
	snap, ok, err := ix.cache.Load(ctx)
	if err != nil {
		ix.logger.WarnContext(ctx, "strategy snapshot load failed", "error", err)
		return
	}
	if !ok || snap.HighWater <= 0 {
		return
	}
	page, err := ix.source.List(ctx, snap.HighWater-1, 1)
	if err != nil || len(page) != 1 || page[0].Sequence != snap.HighWater {
		ix.logger.InfoContext(ctx, "strategy snapshot stale, rebuilding", "high_water", snap.HighWater)
		return
	}
	ix.entries = append([]ledger.StrategyEntry{}, snap.Entries...)
	ix.highWater = snap.HighWater
}
