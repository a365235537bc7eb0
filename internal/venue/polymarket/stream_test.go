package polymarket

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/domain"
)

func newTestStream() *Stream {
	return NewStream("", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStreamSnapshotAfterBookMessage(t *testing.T) {
	s := newTestStream()

	s.handleMessage([]byte(`{
		"event_type": "book",
		"asset_id": "111",
		"bids": [{"price":"0.50","size":"10"},{"price":"0.48","size":"20"}],
		"asks": [{"price":"0.53","size":"5"}],
		"timestamp": "1700000000000"
	}`))

	snap, ok := s.Snapshot("111")
	require.True(t, ok)
	assert.Equal(t, 0.50, snap.BestBid())
	assert.Equal(t, 0.53, snap.BestAsk())

	_, ok = s.Snapshot("999")
	assert.False(t, ok)
}

func TestStreamHandlesArrayFrames(t *testing.T) {
	s := newTestStream()

	s.handleMessage([]byte(`[
		{"event_type":"book","asset_id":"111","bids":[{"price":"0.50","size":"10"}],"asks":[],"timestamp":"1700000000000"},
		{"event_type":"book","asset_id":"222","bids":[],"asks":[{"price":"0.70","size":"4"}],"timestamp":"1700000000000"}
	]`))

	_, ok := s.Snapshot("111")
	assert.True(t, ok)
	_, ok = s.Snapshot("222")
	assert.True(t, ok)
}

func TestStreamPriceChangeUpdatesLevels(t *testing.T) {
	s := newTestStream()
	s.handleMessage([]byte(`{
		"event_type": "book",
		"asset_id": "111",
		"bids": [{"price":"0.50","size":"10"}],
		"asks": [{"price":"0.53","size":"5"}],
		"timestamp": "1700000000000"
	}`))

	// New best bid inserted above the existing level.
	s.handleMessage([]byte(`{"event_type":"price_change","asset_id":"111","side":"BUY","price":"0.51","size":"7","timestamp":"1700000001000"}`))
	snap, _ := s.Snapshot("111")
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, 0.51, snap.BestBid())

	// Size zero removes the level.
	s.handleMessage([]byte(`{"event_type":"price_change","asset_id":"111","side":"BUY","price":"0.51","size":"0","timestamp":"1700000002000"}`))
	snap, _ = s.Snapshot("111")
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, 0.50, snap.BestBid())

	// Ask side update replaces size in place.
	s.handleMessage([]byte(`{"event_type":"price_change","asset_id":"111","side":"SELL","price":"0.53","size":"9","timestamp":"1700000003000"}`))
	snap, _ = s.Snapshot("111")
	assert.Equal(t, 9.0, snap.Asks[0].Size)
}

func TestStreamPriceChangeWithoutSnapshotIgnored(t *testing.T) {
	s := newTestStream()
	s.handleMessage([]byte(`{"event_type":"price_change","asset_id":"111","side":"BUY","price":"0.51","size":"7","timestamp":"1"}`))
	_, ok := s.Snapshot("111")
	assert.False(t, ok)
}

func TestStreamSnapshotReturnsCopy(t *testing.T) {
	s := newTestStream()
	s.handleMessage([]byte(`{
		"event_type": "book",
		"asset_id": "111",
		"bids": [{"price":"0.50","size":"10"}],
		"asks": [],
		"timestamp": "1700000000000"
	}`))

	snap, _ := s.Snapshot("111")
	snap.Bids[0].Size = 999

	again, _ := s.Snapshot("111")
	assert.Equal(t, 10.0, again.Bids[0].Size, "mutating a snapshot does not touch the live book")
}

func TestStreamSubscribeDeduplicates(t *testing.T) {
	s := newTestStream()

	// Not connected: IDs are queued for the next connect.
	require.NoError(t, s.Subscribe(context.Background(), []string{"111", "222", "111", ""}))
	require.NoError(t, s.Subscribe(context.Background(), []string{"222", "333"}))

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Equal(t, []string{"111", "222", "333"}, s.subs)
}

func TestUpdateLevelOrdering(t *testing.T) {
	asks := []domain.PriceLevel{{Price: 0.55, Size: 3}, {Price: 0.60, Size: 8}}
	asks = updateLevel(asks, 0.57, 2, false)
	require.Len(t, asks, 3)
	assert.Equal(t, 0.55, asks[0].Price)
	assert.Equal(t, 0.57, asks[1].Price)
	assert.Equal(t, 0.60, asks[2].Price)

	bids := []domain.PriceLevel{{Price: 0.52, Size: 5}}
	bids = updateLevel(bids, 0.40, 1, true)
	require.Len(t, bids, 2)
	assert.Equal(t, 0.52, bids[0].Price)

	// Removing an absent level is a no-op.
	bids = updateLevel(bids, 0.99, 0, true)
	assert.Len(t, bids, 2)
}
