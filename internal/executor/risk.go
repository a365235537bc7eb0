package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradefleet/tradefleet/internal/config"
)

// RiskState is the executor's own ledger of realized P&L and failure
// streaks. Only the executor mutates it; the runtime reads snapshots for
// status reporting.
type RiskState struct {
	mu sync.Mutex

	day                 time.Time
	dailyPnLUSD         float64
	consecutiveFailures int
	paused              bool
	pauseReason         string
	executedTrades      int
}

// NewRiskState creates a state anchored to today's UTC day. seedPnL carries
// P&L already realized today, so a restart does not reopen a tripped
// breaker.
func NewRiskState(seedPnL float64) *RiskState {
	return &RiskState{day: utcDay(time.Now()), dailyPnLUSD: seedPnL}
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// rollover resets daily P&L when the UTC day has changed. Callers hold mu.
func (r *RiskState) rollover() {
	if today := utcDay(time.Now()); !today.Equal(r.day) {
		r.day = today
		r.dailyPnLUSD = 0
	}
}

// Tripped returns the blocking reason when the executor must not trade:
// paused, daily loss beyond the cap, or too many consecutive failures.
func (r *RiskState) Tripped(guards config.TradingGuards) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover()

	switch {
	case r.paused:
		reason := r.pauseReason
		if reason == "" {
			reason = "paused"
		}
		return reason, true
	case guards.MaxDailyLossUSD > 0 && r.dailyPnLUSD <= -guards.MaxDailyLossUSD:
		return fmt.Sprintf("daily loss limit: %.2f USD", r.dailyPnLUSD), true
	case guards.MaxConsecutiveFailures > 0 && r.consecutiveFailures >= guards.MaxConsecutiveFailures:
		return fmt.Sprintf("circuit breaker: %d consecutive failures", r.consecutiveFailures), true
	}
	return "", false
}

// RecordResult books realized P&L and resets the failure streak.
func (r *RiskState) RecordResult(pnlUSD float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover()
	r.dailyPnLUSD += pnlUSD
	r.consecutiveFailures = 0
	r.executedTrades++
}

// RecordFailure bumps the failure streak and returns the new count.
func (r *RiskState) RecordFailure() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	return r.consecutiveFailures
}

// Pause blocks trading until Resume.
func (r *RiskState) Pause(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	r.pauseReason = reason
}

// Resume clears the paused flag and the failure streak, reopening a
// failure-tripped breaker.
func (r *RiskState) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.pauseReason = ""
	r.consecutiveFailures = 0
}

// Snapshot returns the current counters for status reporting.
func (r *RiskState) Snapshot() (dailyPnLUSD float64, consecutiveFailures, executedTrades int, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover()
	return r.dailyPnLUSD, r.consecutiveFailures, r.executedTrades, r.paused
}

// ExecutedTrades returns the lifetime executed-trade count for the
// manual-approval window.
func (r *RiskState) ExecutedTrades() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executedTrades
}
