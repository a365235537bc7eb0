package sim

import "github.com/tradefleet/tradefleet/internal/domain"

// riskProfile is the per-arbitrage-family execution risk model. Rates are
// probabilities in [0,1]; loss severities are percentages of position size.
type riskProfile struct {
	execFailureRate float64
	lossRate        float64
	lossMinPct      float64
	lossMaxPct      float64
	// lossMaxFromSpread caps the max severity at spread+8 when set.
	lossMaxFromSpread bool
	lossCapPct        float64
}

// profileFor returns the risk profile for an arbitrage family. Single-venue
// Dutch books carry timing risk only; cross-venue adds platform mismatch;
// same-venue overlap is correlation-not-arbitrage and priced accordingly.
// Families the table does not name trade like cross-venue pairs.
func profileFor(kind domain.ArbKind) riskProfile {
	switch kind {
	case domain.ArbSinglePlatform, domain.ArbMultiOutcome:
		return riskProfile{execFailureRate: 0.08, lossRate: 0.04, lossMinPct: 2, lossMaxPct: 12}
	case domain.ArbSameVenueOverlap:
		return riskProfile{execFailureRate: 0.30, lossRate: 0.50, lossMinPct: 30, lossMaxPct: 85}
	default:
		return riskProfile{
			execFailureRate:   0.15,
			lossRate:          0.12,
			lossMinPct:        3,
			lossMaxFromSpread: true,
			lossCapPct:        20,
		}
	}
}

// maxLossPct resolves the severity ceiling for a given quoted spread.
func (p riskProfile) maxLossPct(spreadPct float64) float64 {
	if !p.lossMaxFromSpread {
		return p.lossMaxPct
	}
	m := spreadPct + 8
	if m > p.lossCapPct {
		m = p.lossCapPct
	}
	if m < p.lossMinPct {
		m = p.lossMinPct
	}
	return m
}

// avgFeePct is the blended round-trip fee applied to a winning trade's
// profit, keyed by family and the venues involved. Kalshi charges 7% of
// profit, Polymarket nothing; a cross-venue pair averages to 3.5%.
func avgFeePct(kind domain.ArbKind, venueA, venueB domain.Venue) float64 {
	switch kind {
	case domain.ArbSinglePlatform, domain.ArbMultiOutcome:
		if venueA == domain.VenueKalshi {
			return 7
		}
		return 0
	case domain.ArbSameVenueOverlap:
		return 7
	default:
		return 3.5
	}
}
