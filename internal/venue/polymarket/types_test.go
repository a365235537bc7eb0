package polymarket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/domain"
)

func TestGammaMarketToDomain(t *testing.T) {
	raw := `{
		"id": "12345",
		"question": "Will it rain tomorrow?",
		"conditionId": "0xcond",
		"slug": "will-it-rain",
		"active": "true",
		"closed": false,
		"outcomes": "[\"Yes\",\"No\"]",
		"clobTokenIds": "[\"111\",\"222\"]",
		"volume24hr": 5000.5,
		"liquidity": "12000.25",
		"endDateIso": "2026-12-31T00:00:00Z"
	}`

	var gm gammaMarket
	require.NoError(t, json.Unmarshal([]byte(raw), &gm))

	m := gm.toDomain()
	assert.Equal(t, domain.VenuePolymarket, m.Venue)
	assert.Equal(t, "0xcond", m.ID, "condition ID preferred over numeric ID")
	assert.Equal(t, "Will it rain tomorrow?", m.Title)
	assert.Equal(t, []string{"Yes", "No"}, m.Outcomes, "double-encoded outcomes decoded")
	assert.Equal(t, []string{"111", "222"}, m.TokenIDs)
	assert.Equal(t, 5000.5, m.Volume24h)
	assert.Equal(t, 12000.25, m.Liquidity)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	require.NotNil(t, m.ResolvesAt)
	assert.Equal(t, 2026, m.ResolvesAt.Year())
}

func TestGammaMarketStatusMapping(t *testing.T) {
	closed := gammaMarket{ID: "1", Closed: true}
	assert.Equal(t, domain.MarketStatusClosed, closed.toDomain().Status)

	inactive := gammaMarket{ID: "1"}
	assert.Equal(t, domain.MarketStatusResolved, inactive.toDomain().Status)
}

func TestClobBookToDomainSortsBestFirst(t *testing.T) {
	book := clobBook{
		AssetID: "111",
		Bids: []clobLevel{
			{Price: "0.40", Size: "10"},
			{Price: "0.52", Size: "5"},
			{Price: "0.45", Size: "0"}, // zero size dropped
		},
		Asks: []clobLevel{
			{Price: "0.60", Size: "8"},
			{Price: "0.55", Size: "3"},
		},
		Timestamp: "1700000000000",
	}

	snap := book.toDomain()
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, 0.52, snap.Bids[0].Price, "bids descending")
	assert.Equal(t, 0.55, snap.Asks[0].Price, "asks ascending")
	assert.Equal(t, 0.52, snap.BestBid())
	assert.Equal(t, 0.55, snap.BestAsk())
	assert.Equal(t, int64(1700000000), snap.Timestamp.Unix())
}

func TestClobOrderToDomain(t *testing.T) {
	o := clobOrder{
		ID:           "ord-1",
		Status:       "LIVE",
		AssetID:      "111",
		Side:         "SELL",
		OriginalSize: "100",
		SizeMatched:  "40",
		Price:        "0.52",
		CreatedAt:    1700000000,
	}

	ord := o.toDomain()
	assert.Equal(t, domain.SideSell, ord.Side)
	assert.Equal(t, domain.OrderStatusOpen, ord.Status)
	assert.Equal(t, 100.0, ord.Amount)
	assert.Equal(t, 40.0, ord.Filled)
	assert.Equal(t, 0.52, ord.AvgPrice)
}

func TestOrderStatusToDomain(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"LIVE":      domain.OrderStatusOpen,
		"MATCHED":   domain.OrderStatusFilled,
		"DELAYED":   domain.OrderStatusPending,
		"CANCELED":  domain.OrderStatusCancelled,
		"UNMATCHED": domain.OrderStatusRejected,
		"weird":     domain.OrderStatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, orderStatusToDomain(in), in)
	}
}

func TestToUnits(t *testing.T) {
	assert.Equal(t, "1000000", toUnits(1))
	assert.Equal(t, "520000", toUnits(0.52))
	assert.Equal(t, "52000000", toUnits(52))
	// Float noise rounds cleanly at 6 decimals.
	assert.Equal(t, "100000", toUnits(0.1))
}

func TestFlexBool(t *testing.T) {
	var m struct {
		A flexBool `json:"a"`
		B flexBool `json:"b"`
		C flexBool `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":true,"b":"true","c":"false"}`), &m))
	assert.True(t, bool(m.A))
	assert.True(t, bool(m.B))
	assert.False(t, bool(m.C))
}
