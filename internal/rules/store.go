// Package rules is the threshold rule store and its evaluator-facing cache.
//
// Rules live in Redis under alarm:rule:<id>. A denormalized hot path,
// alarm:threshold:<device>:<sensor>, carries the current threshold so the
// evaluator can pick up an update without reloading the rule body. Every
// mutation writes the hot path first and only then publishes a change
// notification; subscribers therefore never observe a notification ahead of
// the threshold it announces.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
)

const (
	rulePrefix      = "alarm:rule:"
	thresholdPrefix = "alarm:threshold:"

	// ChannelRuleChanged carries change notifications for the evaluator.
	ChannelRuleChanged = "alarm:rule-changed"
)

// ErrRuleNotFound is returned for get/update/delete of an unknown rule.
var ErrRuleNotFound = errors.New("rules: rule not found")

// ChangeNotification is the pub/sub payload emitted after a mutation.
type ChangeNotification struct {
	Op        string `json:"op"` // create | update | delete
	RuleID    string `json:"rule_id"`
	EmittedAt int64  `json:"emitted_at"` // epoch ms
}

// Store persists rules and their hot-path thresholds.
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a rule store on the given Redis client.
func NewStore(rdb *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger.With().Str("component", "rule-store").Logger(),
		now:    time.Now,
	}
}

// Create validates and persists a new rule. An empty ID is assigned.
func (s *Store) Create(ctx context.Context, rule *model.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	return s.write(ctx, rule, "create")
}

// Update replaces an existing rule.
func (s *Store) Update(ctx context.Context, rule *model.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		return ErrRuleNotFound
	}
	exists, err := s.rdb.Exists(ctx, rulePrefix+rule.ID).Result()
	if err != nil {
		return fmt.Errorf("check rule %s: %w", rule.ID, err)
	}
	if exists == 0 {
		return ErrRuleNotFound
	}
	return s.write(ctx, rule, "update")
}

// Delete removes a rule. The hot-path threshold is shared by every rule
// for the (device, sensor) pair, so it is rewritten from a surviving rule
// and removed only when none remains. Threshold-before-notification
// ordering holds here too.
func (s *Store) Delete(ctx context.Context, id string) error {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, rulePrefix+id).Err(); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}

	survivor, err := s.survivor(ctx, rule.DeviceID, rule.SensorType)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if survivor != nil {
		err = s.rdb.Set(ctx, thresholdKey(rule.DeviceID, rule.SensorType),
			strconv.FormatFloat(survivor.Threshold, 'f', -1, 64), 0).Err()
	} else {
		err = s.rdb.Del(ctx, thresholdKey(rule.DeviceID, rule.SensorType)).Err()
	}
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	s.notify(ctx, id, "delete")
	return nil
}

// survivor returns any remaining rule for the (device, sensor) pair.
func (s *Store) survivor(ctx context.Context, deviceID, sensorType string) (*model.Rule, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.DeviceID == deviceID && r.SensorType == sensorType {
			return r, nil
		}
	}
	return nil, nil
}

// Get loads one rule by ID.
func (s *Store) Get(ctx context.Context, id string) (*model.Rule, error) {
	data, err := s.rdb.Get(ctx, rulePrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	var rule model.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("decode rule %s: %w", id, err)
	}
	return &rule, nil
}

// List returns all stored rules.
func (s *Store) List(ctx context.Context) ([]*model.Rule, error) {
	var rules []*model.Rule
	iter := s.rdb.Scan(ctx, 0, rulePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		var rule model.Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			s.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Skipping undecodable rule")
			continue
		}
		rules = append(rules, &rule)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// Threshold reads the hot-path threshold for a (device, sensor) pair.
func (s *Store) Threshold(ctx context.Context, deviceID, sensorType string) (float64, bool, error) {
	val, err := s.rdb.Get(ctx, thresholdKey(deviceID, sensorType)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get threshold: %w", err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse threshold %q: %w", val, err)
	}
	return f, true, nil
}

// write persists the rule body and hot-path threshold atomically, then
// notifies subscribers. Threshold-before-notification is the ordering the
// evaluator depends on.
func (s *Store) write(ctx context.Context, rule *model.Rule, op string) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.ID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, rulePrefix+rule.ID, data, 0)
	pipe.Set(ctx, thresholdKey(rule.DeviceID, rule.SensorType),
		strconv.FormatFloat(rule.Threshold, 'f', -1, 64), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write rule %s: %w", rule.ID, err)
	}
	s.notify(ctx, rule.ID, op)
	return nil
}

// notify publishes a change notification. A failed publish is logged, not
// returned: the periodic cache resync covers missed notifications.
func (s *Store) notify(ctx context.Context, ruleID, op string) {
	payload, _ := json.Marshal(ChangeNotification{
		Op:        op,
		RuleID:    ruleID,
		EmittedAt: s.now().UnixMilli(),
	})
	if err := s.rdb.Publish(ctx, ChannelRuleChanged, payload).Err(); err != nil {
		s.logger.Error().Err(err).Str("rule_id", ruleID).Msg("Rule change notification failed")
	}
}

func thresholdKey(deviceID, sensorType string) string {
	return thresholdPrefix + deviceID + ":" + sensorType
}
