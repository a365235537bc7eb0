package kalshi

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream() *Stream {
	return NewStream("", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStreamSnapshotAndDelta(t *testing.T) {
	s := newTestStream()

	s.handleMessage([]byte(`{"type":"orderbook_snapshot","msg":{
		"market_ticker":"KXTEST-26",
		"yes":[[45,100],[52,30]],
		"no":[[40,50]]
	}}`))

	snap, ok := s.Snapshot("KXTEST-26")
	require.True(t, ok)
	assert.Equal(t, 0.52, snap.BestBid())
	assert.Equal(t, 0.60, snap.BestAsk(), "no@40 derives ask at 1-0.40")

	// Delta adds contracts at a new YES level above the touch.
	s.handleMessage([]byte(`{"type":"orderbook_delta","msg":{
		"market_ticker":"KXTEST-26","price":53,"delta":10,"side":"yes"
	}}`))
	snap, _ = s.Snapshot("KXTEST-26")
	assert.Equal(t, 0.53, snap.BestBid())

	// Negative delta drains the level away entirely.
	s.handleMessage([]byte(`{"type":"orderbook_delta","msg":{
		"market_ticker":"KXTEST-26","price":53,"delta":-10,"side":"yes"
	}}`))
	snap, _ = s.Snapshot("KXTEST-26")
	assert.Equal(t, 0.52, snap.BestBid())
}

func TestStreamSnapshotDropsStaleCrossedLevels(t *testing.T) {
	s := newTestStream()

	// no@55 folds to an ask at 0.45, below the 0.52 YES bid. That level is
	// stale, not a crossing, and must not surface.
	s.handleMessage([]byte(`{"type":"orderbook_snapshot","msg":{
		"market_ticker":"KXTEST-26",
		"yes":[[45,100],[52,30]],
		"no":[[40,50],[55,80]]
	}}`))

	snap, ok := s.Snapshot("KXTEST-26")
	require.True(t, ok)
	assert.Equal(t, 0.52, snap.BestBid())
	assert.Equal(t, 0.60, snap.BestAsk())
	assert.Less(t, snap.BestBid(), snap.BestAsk())
}

func TestStreamDeltaWithoutSnapshotDropped(t *testing.T) {
	s := newTestStream()
	s.handleMessage([]byte(`{"type":"orderbook_delta","msg":{
		"market_ticker":"KXNEW-26","price":50,"delta":10,"side":"yes"
	}}`))
	_, ok := s.Snapshot("KXNEW-26")
	assert.False(t, ok)
}

func TestStreamSnapshotReplacesBook(t *testing.T) {
	s := newTestStream()
	s.handleMessage([]byte(`{"type":"orderbook_snapshot","msg":{
		"market_ticker":"T","yes":[[45,100]],"no":[]
	}}`))
	s.handleMessage([]byte(`{"type":"orderbook_snapshot","msg":{
		"market_ticker":"T","yes":[[50,10]],"no":[]
	}}`))

	snap, _ := s.Snapshot("T")
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, 0.50, snap.Bids[0].Price)
}

func TestStreamSubscribeQueuesWhenDisconnected(t *testing.T) {
	s := newTestStream()
	require.NoError(t, s.Subscribe(context.Background(), []string{"A", "B", "A"}))
	require.NoError(t, s.Subscribe(context.Background(), []string{"B", "C"}))

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Equal(t, []string{"A", "B", "C"}, s.subs)
}

func TestStreamMalformedFramesIgnored(t *testing.T) {
	s := newTestStream()
	s.handleMessage([]byte(`not json`))
	s.handleMessage([]byte(`{"type":"orderbook_snapshot","msg":"wrong shape"}`))
	s.handleMessage([]byte(`{"type":"unknown","msg":{}}`))
	assert.Empty(t, s.books)
}
