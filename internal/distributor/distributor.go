// Package distributor fans each alarm out to its delivery sinks.
//
// Every sink runs independently and concurrently, wrapped in a resilience
// chain: per-call timeout, bounded retry with jittered backoff, a circuit
// breaker over the rolling failure rate, and a bulkhead capping in-flight
// calls per sink. One misbehaving sink cannot block or starve the others.
// An alarm that every sink rejects is still retained by the history
// fallback ring so it can be inspected after the incident.
package distributor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// Sink delivers an alarm to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, alarm *model.AlarmEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, alarm *model.AlarmEvent) error
}

func (s SinkFunc) Name() string { return s.SinkName }
func (s SinkFunc) Send(ctx context.Context, alarm *model.AlarmEvent) error {
	return s.Fn(ctx, alarm)
}

// Fallback retains alarms that no sink accepted.
type Fallback interface {
	Retain(alarm *model.AlarmEvent)
}

// Config tunes the per-sink resilience chain.
type Config struct {
	MaxAttempts int           // retry budget per delivery (default 3)
	Backoff     time.Duration // base backoff between attempts (default 50ms)
	FailureRate float64       // rolling failure rate that opens the breaker (default 0.5)
	Cooldown    time.Duration // open -> half-open delay (default 10s)
	Bulkhead    int           // max in-flight calls per sink (default 16)
	Timeout     time.Duration // per-call timeout (default 2s)
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 50 * time.Millisecond
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.Bulkhead < 1 {
		c.Bulkhead = 16
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
}

// guardedSink is a sink with its resilience state.
type guardedSink struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
	slots   chan struct{} // bulkhead
}

// Distributor fans alarms out to all registered sinks.
type Distributor struct {
	cfg      Config
	sinks    []*guardedSink
	fallback Fallback
	logger   zerolog.Logger
}

// New creates a distributor over the given sinks.
func New(cfg Config, fallback Fallback, logger zerolog.Logger, sinks ...Sink) *Distributor {
	cfg.applyDefaults()
	d := &Distributor{
		cfg:      cfg,
		fallback: fallback,
		logger:   logger.With().Str("component", "distributor").Logger(),
	}
	for _, s := range sinks {
		d.sinks = append(d.sinks, &guardedSink{
			sink: s,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    s.Name(),
				Timeout: cfg.Cooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					if counts.Requests < 5 {
						return false
					}
					return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRate
				},
			}),
			slots: make(chan struct{}, cfg.Bulkhead),
		})
	}
	return d
}

// Distribute delivers the alarm to every sink concurrently and waits for
// all of them. Individual failures are logged and counted; only a total
// failure falls back to the retention ring.
func (d *Distributor) Distribute(ctx context.Context, alarm *model.AlarmEvent) {
	if len(d.sinks) == 0 {
		return
	}

	var wg sync.WaitGroup
	failures := make([]bool, len(d.sinks))
	for i, gs := range d.sinks {
		wg.Add(1)
		go func(i int, gs *guardedSink) {
			defer wg.Done()
			defer monitoring.RecoverPanic(d.logger, "sinkDelivery", map[string]any{
				"sink":     gs.sink.Name(),
				"alarm_id": alarm.ID,
			})
			if err := d.deliver(ctx, gs, alarm); err != nil {
				failures[i] = true
				d.logger.Error().
					Err(err).
					Str("sink", gs.sink.Name()).
					Str("alarm_id", alarm.ID).
					Msg("Sink delivery failed")
			}
		}(i, gs)
	}
	wg.Wait()

	for _, failed := range failures {
		if !failed {
			return
		}
	}
	d.logger.Error().Str("alarm_id", alarm.ID).Msg("All sinks failed, retaining alarm in fallback")
	monitoring.FallbackRetained.Inc()
	if d.fallback != nil {
		d.fallback.Retain(alarm)
	}
}

// deliver runs one sink's full chain: bulkhead admission, then retries of
// breaker-guarded, timeout-bounded sends.
func (d *Distributor) deliver(ctx context.Context, gs *guardedSink, alarm *model.AlarmEvent) error {
	select {
	case gs.slots <- struct{}{}:
		defer func() { <-gs.slots }()
	default:
		monitoring.SinkDeliveries.WithLabelValues(gs.sink.Name(), "rejected").Inc()
		return errBulkheadFull
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.Backoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		_, err := gs.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			return nil, gs.sink.Send(callCtx, alarm)
		})
		monitoring.SinkLatency.WithLabelValues(gs.sink.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			monitoring.SinkDeliveries.WithLabelValues(gs.sink.Name(), "ok").Inc()
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// Breaker is shedding; retrying immediately would be counted
			// against nothing useful.
			break
		}
	}
	monitoring.SinkDeliveries.WithLabelValues(gs.sink.Name(), "error").Inc()
	return lastErr
}

var errBulkheadFull = bulkheadError{}

type bulkheadError struct{}

func (bulkheadError) Error() string { return "distributor: sink bulkhead full" }
