package kalshi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/domain"
)

func TestOrderbookToDomainYESDenominated(t *testing.T) {
	raw := `{"yes": [[45, 100], [52, 30]], "no": [[40, 50], [55, 80]]}`

	var ob apiOrderbook
	require.NoError(t, json.Unmarshal([]byte(raw), &ob))

	now := time.Now()
	snap := ob.toDomain("KXTEST-26", now)

	assert.Equal(t, domain.VenueKalshi, snap.Venue)
	assert.Equal(t, "KXTEST-26", snap.MarketID)

	// YES bids in dollars, best first.
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, 0.52, snap.Bids[0].Price)
	assert.Equal(t, 30.0, snap.Bids[0].Size)

	// NO bids become YES asks at 100-p. no@55 folds to 0.45, below the
	// best YES bid of 0.52: a stale quote, dropped. no@40 folds to 0.60.
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 0.60, snap.Asks[0].Price)
	assert.Equal(t, 50.0, snap.Asks[0].Size)

	// Derived book must not cross.
	assert.Less(t, snap.BestBid(), snap.BestAsk())
}

func TestOrderbookToDomainDropsJunkLevels(t *testing.T) {
	ob := apiOrderbook{
		Yes: []priceLevel{{0, 10}, {100, 10}, {50, 0}, {50, 5}},
	}
	snap := ob.toDomain("T", time.Now())
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, 0.50, snap.Bids[0].Price)
}

func TestAPIMarketToDomain(t *testing.T) {
	m := apiMarket{
		Ticker:         "KXRAIN-26DEC31",
		EventTicker:    "KXRAIN",
		Title:          "Will it rain?",
		Status:         "open",
		Volume24H:      1500,
		Liquidity:      250000, // cents
		ExpirationTime: "2026-12-31T23:59:00Z",
	}

	d := m.toDomain()
	assert.Equal(t, domain.VenueKalshi, d.Venue)
	assert.Equal(t, "KXRAIN-26DEC31", d.ID)
	assert.Equal(t, "KXRAIN", d.EventID)
	assert.Equal(t, []string{"Yes", "No"}, d.Outcomes)
	assert.Equal(t, domain.MarketStatusActive, d.Status)
	assert.Equal(t, 2500.0, d.Liquidity)
	require.NotNil(t, d.ResolvesAt)

	m.Status = "settled"
	assert.Equal(t, domain.MarketStatusResolved, m.toDomain().Status)
}

func TestAPIOrderStateToDomain(t *testing.T) {
	o := apiOrderState{
		OrderID:        "ord-1",
		Ticker:         "KXTEST-26",
		Status:         "resting",
		Action:         "buy",
		Side:           "yes",
		Type:           "limit",
		YesPrice:       52,
		InitialCount:   100,
		RemainingCount: 60,
		TakerFillCount: 40,
		TakerFillCost:  2080, // 40 contracts at 52c
		TakerFees:      15,
		CreatedTime:    "2026-08-01T12:00:00Z",
	}

	ord := o.toDomain()
	assert.Equal(t, domain.SideBuy, ord.Side)
	assert.Equal(t, domain.OrderStatusPartial, ord.Status)
	assert.Equal(t, 0.52, ord.Price)
	assert.Equal(t, 100.0, ord.Amount)
	assert.Equal(t, 40.0, ord.Filled)
	assert.InDelta(t, 0.52, ord.AvgPrice, 1e-9)
	assert.Equal(t, 0.15, ord.FeeUSD)
}

func TestOrderStatusToDomain(t *testing.T) {
	assert.Equal(t, domain.OrderStatusOpen, orderStatusToDomain("resting", 10, 10))
	assert.Equal(t, domain.OrderStatusPartial, orderStatusToDomain("resting", 5, 10))
	assert.Equal(t, domain.OrderStatusFilled, orderStatusToDomain("executed", 0, 10))
	assert.Equal(t, domain.OrderStatusCancelled, orderStatusToDomain("canceled", 10, 10))
	assert.Equal(t, domain.OrderStatusPending, orderStatusToDomain("pending", 10, 10))
}
