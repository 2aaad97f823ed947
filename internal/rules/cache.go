package rules

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// Cache is the evaluator's read path: an immutable snapshot of enabled
// rules indexed by (device, sensor), swapped atomically on every change
// notification. Lookups never block behind a reload.
//
// Rules that fail validation on load are quarantined: they are dropped from
// the snapshot and remembered as unhealthy so one bad rule cannot take the
// rest of the device's rules with it.
type Cache struct {
	store  *Store
	logger zerolog.Logger

	snapshot atomic.Value // map[string][]*model.Rule, keyed device:sensor

	mu        sync.Mutex
	unhealthy map[string]string // rule ID -> validation error

	resync       time.Duration
	updateBudget time.Duration
}

// NewCache creates an empty cache. Call Run to load and follow changes.
// updateBudget is the notification-to-snapshot latency above which a
// warning is logged; zero disables the check.
func NewCache(store *Store, resync, updateBudget time.Duration, logger zerolog.Logger) *Cache {
	if resync <= 0 {
		resync = time.Minute
	}
	c := &Cache{
		store:        store,
		logger:       logger.With().Str("component", "rule-cache").Logger(),
		unhealthy:    make(map[string]string),
		resync:       resync,
		updateBudget: updateBudget,
	}
	c.snapshot.Store(map[string][]*model.Rule{})
	return c
}

// Match returns the enabled rules for a (device, sensor) pair. The returned
// slice is shared and must not be mutated.
func (c *Cache) Match(deviceID, sensorType string) []*model.Rule {
	snap := c.snapshot.Load().(map[string][]*model.Rule)
	return snap[deviceID+":"+sensorType]
}

// Unhealthy returns the rule IDs quarantined by the last reload.
func (c *Cache) Unhealthy() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.unhealthy))
	for k, v := range c.unhealthy {
		out[k] = v
	}
	return out
}

// Reload rebuilds the snapshot from the store.
func (c *Cache) Reload(ctx context.Context) error {
	all, err := c.store.List(ctx)
	if err != nil {
		return err
	}

	next := make(map[string][]*model.Rule)
	bad := make(map[string]string)
	for _, rule := range all {
		if err := rule.Validate(); err != nil {
			bad[rule.ID] = err.Error()
			c.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("Quarantined invalid rule")
			continue
		}
		if !rule.Enabled {
			continue
		}
		key := rule.DeviceID + ":" + rule.SensorType
		next[key] = append(next[key], rule)
	}

	c.snapshot.Store(next)
	c.mu.Lock()
	c.unhealthy = bad
	c.mu.Unlock()
	return nil
}

// Run loads the cache, then follows change notifications until ctx ends.
// A periodic resync covers notifications lost while disconnected.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.Reload(ctx); err != nil {
		return err
	}

	sub := c.store.rdb.Subscribe(ctx, ChannelRuleChanged)
	defer sub.Close()
	ch := sub.Channel()

	ticker := time.NewTicker(c.resync)
	defer ticker.Stop()

	c.logger.Info().Msg("Rule cache following change notifications")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("Periodic rule resync failed")
			}
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var note ChangeNotification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				c.logger.Warn().Err(err).Msg("Undecodable rule change notification")
				continue
			}
			if err := c.Reload(ctx); err != nil {
				if ctx.Err() == nil {
					c.logger.Error().Err(err).Str("rule_id", note.RuleID).Msg("Rule reload failed")
				}
				continue
			}
			if note.EmittedAt > 0 {
				lag := time.Since(time.UnixMilli(note.EmittedAt))
				if lag > 0 {
					monitoring.RuleUpdateLatency.Observe(lag.Seconds())
				}
				if c.updateBudget > 0 && lag > c.updateBudget {
					c.logger.Warn().
						Dur("lag", lag).
						Dur("budget", c.updateBudget).
						Str("rule_id", note.RuleID).
						Msg("Rule update exceeded latency budget")
				}
			}
			c.logger.Debug().
				Str("op", note.Op).
				Str("rule_id", note.RuleID).
				Msg("Rule cache updated")
		}
	}
}
