// Package dedup suppresses repeated alarms within a sliding window.
//
// The window is advisory: if the backing store is unreachable the check
// fails open and the alarm is treated as new. Duplicate delivery is
// acceptable; silent loss is not.
package dedup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

const (
	lastSeenPrefix = "alarm:last-seen:"
	hllPrefix      = "alarm:hll:"
)

// Deduper tracks per-fingerprint last occurrence with a TTL equal to the
// deduplication window.
type Deduper struct {
	rdb     *redis.Client
	window  time.Duration
	enabled bool
	logger  zerolog.Logger

	total      atomic.Uint64
	suppressed atomic.Uint64
}

// New creates a deduper. A zero window disables deduplication outright.
func New(rdb *redis.Client, window time.Duration, enabled bool, logger zerolog.Logger) *Deduper {
	if window <= 0 {
		enabled = false
	}
	return &Deduper{
		rdb:     rdb,
		window:  window,
		enabled: enabled,
		logger:  logger.With().Str("component", "dedup").Logger(),
	}
}

// IsNew reports whether the fingerprint has not fired within the window.
// A true result records the occurrence and starts a fresh window.
func (d *Deduper) IsNew(ctx context.Context, fp model.Fingerprint) bool {
	if !d.enabled {
		return true
	}
	d.total.Add(1)

	isNew, err := d.rdb.SetNX(ctx, lastSeenPrefix+fp.String(), time.Now().UnixMilli(), d.window).Result()
	if err != nil {
		// Fail open: a duplicate alarm beats a lost one.
		d.logger.Warn().Err(err).Str("fingerprint", fp.String()).Msg("Dedup store unavailable, treating alarm as new")
		return true
	}
	if isNew {
		d.recordUnique(ctx, fp)
		return true
	}

	d.suppressed.Add(1)
	monitoring.DedupSuppressed.Inc()
	d.publishRate()
	return false
}

// recordUnique feeds the per-rule cardinality estimator. Errors are ignored:
// the estimator is observability, not correctness.
func (d *Deduper) recordUnique(ctx context.Context, fp model.Fingerprint) {
	if err := d.rdb.PFAdd(ctx, hllPrefix+fp.RuleID, fp.String()).Err(); err != nil {
		d.logger.Debug().Err(err).Str("rule_id", fp.RuleID).Msg("Cardinality estimator update failed")
	}
}

// UniqueCount estimates the distinct fingerprints seen for a rule.
func (d *Deduper) UniqueCount(ctx context.Context, ruleID string) (int64, error) {
	n, err := d.rdb.PFCount(ctx, hllPrefix+ruleID).Result()
	if err != nil {
		return 0, fmt.Errorf("count unique alarms for rule %s: %w", ruleID, err)
	}
	return n, nil
}

// Stats returns the checked and suppressed counts since startup.
func (d *Deduper) Stats() (total, suppressed uint64) {
	return d.total.Load(), d.suppressed.Load()
}

// Rate returns the suppression percentage since startup.
func (d *Deduper) Rate() float64 {
	total := d.total.Load()
	if total == 0 {
		return 0
	}
	return float64(d.suppressed.Load()) / float64(total) * 100
}

func (d *Deduper) publishRate() {
	monitoring.DedupRate.Set(d.Rate())
}
