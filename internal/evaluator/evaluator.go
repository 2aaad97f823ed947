// Package evaluator matches the sensor stream against threshold rules.
//
// It consumes sensor-data in partition order, looks up enabled rules for
// each reading's (device, sensor) pair in the rule cache snapshot, and
// evaluates value OP threshold per rule. Every matching rule fires; windowed
// rules fire at most once per window per fingerprint. Deduplication of the
// resulting candidates happens downstream.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
	"github.com/firesentinel/firesentinel/internal/queue"
	"github.com/firesentinel/firesentinel/internal/rules"
)

// Emitter receives candidate alarms from matched rules.
type Emitter interface {
	Emit(ctx context.Context, rule *model.Rule, event *model.SensorEvent) error
}

// Evaluator is the sensor-data consumer's message handler.
type Evaluator struct {
	cache   *rules.Cache
	emitter Emitter
	logger  zerolog.Logger

	// Epsilon widens = and != comparisons. Zero means exact.
	epsilon float64

	mu      sync.Mutex
	windows map[string]time.Time // fingerprint -> window open until

	now func() time.Time
}

// New creates an evaluator over the given rule cache.
func New(cache *rules.Cache, emitter Emitter, epsilon float64, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		cache:   cache,
		emitter: emitter,
		logger:  logger.With().Str("component", "evaluator").Logger(),
		epsilon: epsilon,
		windows: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Handle processes one sensor-data message. Undecodable payloads are
// permanent failures; emitter errors are retryable.
func (e *Evaluator) Handle(ctx context.Context, msg *queue.Message) error {
	var event model.SensorEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return queue.Permanent(fmt.Errorf("decode sensor event: %w", err))
	}

	for _, rule := range e.cache.Match(event.DeviceID, event.SensorType) {
		monitoring.RulesEvaluated.Inc()
		if !Compare(event.Value, rule.Operator, rule.Threshold, e.epsilon) {
			continue
		}

		fp := model.Fingerprint{RuleID: rule.ID, DeviceID: event.DeviceID, SensorType: event.SensorType}
		if !e.windowOpen(fp, rule.WindowSeconds) {
			continue
		}

		if err := e.emitter.Emit(ctx, rule, &event); err != nil {
			// Reopen the window so the retry can fire again.
			e.clearWindow(fp)
			return fmt.Errorf("emit alarm for rule %s: %w", rule.ID, err)
		}
		e.logger.Debug().
			Str("rule_id", rule.ID).
			Str("device_id", event.DeviceID).
			Float64("value", event.Value).
			Msg("Rule matched")
	}
	return nil
}

// windowOpen reports whether the fingerprint may fire, and if so claims the
// rule's window. Rules without a window always fire.
func (e *Evaluator) windowOpen(fp model.Fingerprint, windowSeconds int) bool {
	if windowSeconds <= 0 {
		return true
	}
	key := fp.String()
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if until, ok := e.windows[key]; ok && now.Before(until) {
		return false
	}
	e.windows[key] = now.Add(time.Duration(windowSeconds) * time.Second)
	if len(e.windows) > 10000 {
		e.sweepLocked(now)
	}
	return true
}

func (e *Evaluator) clearWindow(fp model.Fingerprint) {
	e.mu.Lock()
	delete(e.windows, fp.String())
	e.mu.Unlock()
}

func (e *Evaluator) sweepLocked(now time.Time) {
	for k, until := range e.windows {
		if now.After(until) {
			delete(e.windows, k)
		}
	}
}

// Compare evaluates value op threshold. Epsilon widens equality checks;
// ordering operators keep strict semantics.
func Compare(value float64, op model.Operator, threshold, epsilon float64) bool {
	switch op {
	case model.OpGreater:
		return value > threshold
	case model.OpGreaterEqual:
		return value >= threshold
	case model.OpLess:
		return value < threshold
	case model.OpLessEqual:
		return value <= threshold
	case model.OpEqual:
		return abs(value-threshold) <= epsilon
	case model.OpNotEqual:
		return abs(value-threshold) > epsilon
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
