package session

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Guard is the accept-path admission control: a hard session cap plus a
// CPU emergency brake sampled in the background. Rejecting at accept time
// keeps an overloaded node from digging itself deeper.
type Guard struct {
	maxSessions  int64
	cpuThreshold float64
	logger       zerolog.Logger

	active  atomic.Int64
	cpuBits atomic.Uint64 // float64 bits of the last CPU sample
}

// NewGuard creates a guard. cpuThreshold is a percentage; <=0 disables
// the CPU brake.
func NewGuard(maxSessions int, cpuThreshold float64, logger zerolog.Logger) *Guard {
	return &Guard{
		maxSessions:  int64(maxSessions),
		cpuThreshold: cpuThreshold,
		logger:       logger.With().Str("component", "session-guard").Logger(),
	}
}

// Run samples CPU usage until ctx ends.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			g.cpuBits.Store(math.Float64bits(percents[0]))
		}
	}
}

// Admit reserves a session slot. The caller must Release on session end.
func (g *Guard) Admit() bool {
	if g.cpuThreshold > 0 {
		if pct := math.Float64frombits(g.cpuBits.Load()); pct > g.cpuThreshold {
			g.logger.Warn().Float64("cpu_percent", pct).Msg("Rejecting connection, CPU above threshold")
			return false
		}
	}
	if g.active.Add(1) > g.maxSessions {
		g.active.Add(-1)
		g.logger.Warn().Int64("max_sessions", g.maxSessions).Msg("Rejecting connection, session cap reached")
		return false
	}
	return true
}

// Release frees a session slot.
func (g *Guard) Release() {
	g.active.Add(-1)
}

// Active returns the current session count.
func (g *Guard) Active() int64 {
	return g.active.Load()
}
