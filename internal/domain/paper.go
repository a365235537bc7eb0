package domain

import "time"

// PaperOutcome is the resolution of one simulated arbitrage attempt.
type PaperOutcome string

const (
	PaperPending       PaperOutcome = "pending"
	PaperWon           PaperOutcome = "won"
	PaperLost          PaperOutcome = "lost"
	PaperFailedExec    PaperOutcome = "failed_execution"
	PaperPartialFill   PaperOutcome = "partial_fill"
	PaperExpired       PaperOutcome = "expired"
	PaperRejectedFalse PaperOutcome = "rejected_false_positive"
	PaperSkipped       PaperOutcome = "skipped"
)

// PaperTrade is the simulator counterpart to Trade. Skipped attempts record
// only the inputs and the skip reason so missed-revenue analysis stays
// possible; executed attempts carry the full friction breakdown.
type PaperTrade struct {
	ID             string
	TenantID       string
	ArbKind        ArbKind
	VenueA         Venue
	MarketAID      string
	MarketATitle   string
	PriceA         float64
	VenueB         Venue
	MarketBID      string
	MarketBTitle   string
	PriceB         float64
	OriginalSpread float64 // quoted spread %, pre-latency
	ExecutedSpread float64 // spread % after latency drift
	SlippagePct    float64
	FeesUSD        float64
	SizeUSD        float64
	GrossProfitUSD float64
	NetProfitUSD   float64
	BalanceAfter   float64
	Outcome        PaperOutcome
	OutcomeReason  string
	CreatedAt      time.Time
}

// Skipped reports whether the attempt was filtered before simulated execution.
func (p PaperTrade) Skipped() bool { return p.Outcome == PaperSkipped }

// StatsSnapshot is the per-tenant aggregate the simulator upserts at a bounded
// cadence. Exactly one row exists per tenant; concurrent writers converge on
// the same anchor instead of fanning out new rows.
type StatsSnapshot struct {
	TenantID      string
	Balance       float64
	StartBalance  float64
	TotalPnLUSD   float64
	TotalFeesUSD  float64
	TradeCount    int64
	WinCount      int64
	LossCount     int64
	SkipCount     int64
	BestTradeUSD  float64
	WorstTradeUSD float64
	UpdatedAt     time.Time
}

// WinRate returns wins over resolved trades in [0,1].
func (s StatsSnapshot) WinRate() float64 {
	resolved := s.WinCount + s.LossCount
	if resolved == 0 {
		return 0
	}
	return float64(s.WinCount) / float64(resolved)
}
