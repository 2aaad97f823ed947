// Package history persists alarms into time-scored indices with bounded
// retention, degrading to an in-memory ring when the backing store is down.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// Index kinds for the secondary indices.
const (
	IndexDevice   = "device"
	IndexSeverity = "severity"
	IndexType     = "type"
)

const globalKey = "alarm:history"

// ErrDegraded is returned by reads that could only be served from the
// fallback ring. The result is still usable; callers surface the
// degradation (an API layer would answer 503 with the partial data).
var ErrDegraded = errors.New("history: store unreachable, serving from fallback ring")

// Store writes each alarm to a global time-scored index plus secondary
// indices by device, severity, and alarm type. Scores are millisecond
// timestamps, so range queries are time windows.
type Store struct {
	rdb       *redis.Client
	retention time.Duration
	ring      *Ring
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStore creates a history store with the given retention and fallback
// ring capacity.
func NewStore(rdb *redis.Client, retention time.Duration, fallbackSize int, logger zerolog.Logger) *Store {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Store{
		rdb:       rdb,
		retention: retention,
		ring:      NewRing(fallbackSize),
		logger:    logger.With().Str("component", "history").Logger(),
		now:       time.Now,
	}
}

// Ring exposes the fallback ring, used as the distributor's retention of
// last resort.
func (s *Store) Ring() *Ring { return s.ring }

// Record writes one alarm to all four indices and refreshes their TTLs.
// On store failure the alarm is retained in the fallback ring and the
// error returned so the caller's retry machinery sees it.
func (s *Store) Record(ctx context.Context, alarm *model.AlarmEvent) error {
	payload, err := model.EncodeAlarm(alarm)
	if err != nil {
		return fmt.Errorf("encode alarm %s: %w", alarm.ID, err)
	}
	score := float64(alarm.Timestamp.UnixMilli())
	member := redis.Z{Score: score, Member: payload}

	pipe := s.rdb.TxPipeline()
	for _, key := range indexKeys(alarm) {
		pipe.ZAdd(ctx, key, member)
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.markDegraded()
		s.ring.Retain(alarm)
		return fmt.Errorf("record alarm %s: %w", alarm.ID, err)
	}
	s.markAvailable()
	return nil
}

// Recent returns the newest n alarms.
func (s *Store) Recent(ctx context.Context, n int) ([]*model.AlarmEvent, error) {
	return s.page(ctx, globalKey, 0, n, nil)
}

// RecentPage returns n alarms starting at the given offset, newest first.
func (s *Store) RecentPage(ctx context.Context, offset, n int) ([]*model.AlarmEvent, error) {
	return s.page(ctx, globalKey, offset, n, nil)
}

// InWindow returns alarms with start <= timestamp <= end (epoch ms),
// oldest first.
func (s *Store) InWindow(ctx context.Context, start, end int64) ([]*model.AlarmEvent, error) {
	raw, err := s.rdb.ZRangeByScore(ctx, globalKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(start, 10),
		Max: strconv.FormatInt(end, 10),
	}).Result()
	if err != nil {
		return s.degradeWindow(start, end)
	}
	s.markAvailable()
	return decodeAll(raw)
}

// Before returns up to n alarms strictly older than the cursor timestamp,
// newest first. Paging by cursor stays stable while new alarms arrive.
func (s *Store) Before(ctx context.Context, cursor int64, n int) ([]*model.AlarmEvent, error) {
	raw, err := s.rdb.ZRevRangeByScore(ctx, globalKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cursor, 10),
		Count: int64(n),
	}).Result()
	if err != nil {
		s.markDegraded()
		return s.ringPage(0, n, func(a *model.AlarmEvent) bool {
			return a.Timestamp.UnixMilli() < cursor
		}), ErrDegraded
	}
	s.markAvailable()
	return decodeAll(raw)
}

// ByDevice returns the newest n alarms for one device.
func (s *Store) ByDevice(ctx context.Context, deviceID string, n int) ([]*model.AlarmEvent, error) {
	return s.page(ctx, indexKey(IndexDevice, deviceID), 0, n, func(a *model.AlarmEvent) bool {
		return a.DeviceID == deviceID
	})
}

// BySeverity returns the newest n alarms of one severity.
func (s *Store) BySeverity(ctx context.Context, severity model.Severity, n int) ([]*model.AlarmEvent, error) {
	return s.page(ctx, indexKey(IndexSeverity, string(severity)), 0, n, func(a *model.AlarmEvent) bool {
		return a.Severity == severity
	})
}

// ByType returns the newest n alarms of one alarm type.
func (s *Store) ByType(ctx context.Context, alarmType string, n int) ([]*model.AlarmEvent, error) {
	return s.page(ctx, indexKey(IndexType, alarmType), 0, n, func(a *model.AlarmEvent) bool {
		return a.AlarmType == alarmType
	})
}

// Count returns the total number of indexed alarms.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, globalKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// CountByIndex returns the entry count of one secondary index.
func (s *Store) CountByIndex(ctx context.Context, kind, value string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, indexKey(kind, value)).Result()
	if err != nil {
		return 0, fmt.Errorf("count history %s=%s: %w", kind, value, err)
	}
	return n, nil
}

// Sweep removes entries older than the retention cutoff from every index.
// Idempotent; re-running with no expired entries removes nothing.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := strconv.FormatInt(s.now().Add(-s.retention).UnixMilli(), 10)

	removed, err := s.rdb.ZRemRangeByScore(ctx, globalKey, "-inf", "("+cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep history: %w", err)
	}

	iter := s.rdb.Scan(ctx, 0, globalKey+":*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("sweep index %s: %w", iter.Val(), err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("sweep history indices: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("Retention sweep completed")
	}
	return removed, nil
}

// RunSweeper sweeps on the given interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}

// Probe checks store availability with a trivial existence check and
// updates the degraded state. Recovery does not back-fill the ring.
func (s *Store) Probe(ctx context.Context) bool {
	if err := s.rdb.Exists(ctx, globalKey).Err(); err != nil {
		s.markDegraded()
		return false
	}
	s.markAvailable()
	return true
}

// RunProbe probes availability on the given interval until ctx ends.
func (s *Store) RunProbe(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// page reads one index page, falling back to the ring on store failure.
// The match predicate re-applies the index the key encodes, so degraded
// reads never leak alarms from outside it; nil matches everything.
func (s *Store) page(ctx context.Context, key string, offset, n int, match func(*model.AlarmEvent) bool) ([]*model.AlarmEvent, error) {
	if n <= 0 {
		n = 10
	}
	raw, err := s.rdb.ZRevRange(ctx, key, int64(offset), int64(offset+n-1)).Result()
	if err != nil {
		s.markDegraded()
		return s.ringPage(offset, n, match), ErrDegraded
	}
	s.markAvailable()
	return decodeAll(raw)
}

// ringPage pages the fallback ring newest first, mirroring ZRevRange.
func (s *Store) ringPage(offset, n int, match func(*model.AlarmEvent) bool) []*model.AlarmEvent {
	out := make([]*model.AlarmEvent, 0, n)
	skipped := 0
	for _, a := range s.ring.Recent(0) {
		if match != nil && !match(a) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, a)
		if len(out) == n {
			break
		}
	}
	return out
}

func (s *Store) degradeWindow(start, end int64) ([]*model.AlarmEvent, error) {
	s.markDegraded()
	var out []*model.AlarmEvent
	// Ring order is newest first; walk it backwards to keep the window
	// contract (oldest first).
	recent := s.ring.Recent(0)
	for i := len(recent) - 1; i >= 0; i-- {
		ts := recent[i].Timestamp.UnixMilli()
		if ts >= start && ts <= end {
			out = append(out, recent[i])
		}
	}
	return out, ErrDegraded
}

func (s *Store) markDegraded() {
	monitoring.HistoryDegraded.Set(1)
}

func (s *Store) markAvailable() {
	monitoring.HistoryDegraded.Set(0)
}

func decodeAll(raw []string) ([]*model.AlarmEvent, error) {
	out := make([]*model.AlarmEvent, 0, len(raw))
	for _, item := range raw {
		alarm, err := model.DecodeAlarm([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, alarm)
	}
	return out, nil
}

func indexKeys(alarm *model.AlarmEvent) []string {
	return []string{
		globalKey,
		indexKey(IndexDevice, alarm.DeviceID),
		indexKey(IndexSeverity, string(alarm.Severity)),
		indexKey(IndexType, alarm.AlarmType),
	}
}

func indexKey(kind, value string) string {
	return globalKey + ":" + kind + ":" + value
}
