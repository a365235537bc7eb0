package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefleet/tradefleet/internal/config"
)

func TestTeeHandlerDeliversToAllHandlers(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(teeHandlers(
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	))

	logger.Info("order placed", slog.String("venue", "kalshi"))

	for _, buf := range []*bytes.Buffer{&a, &b} {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "order placed", rec["msg"])
		assert.Equal(t, "kalshi", rec["venue"])
	}
}

func TestTeeHandlerRespectsPerHandlerLevel(t *testing.T) {
	var quiet, chatty bytes.Buffer
	logger := slog.New(teeHandlers(
		slog.NewJSONHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&chatty, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	logger.Info("routine tick")

	assert.Zero(t, quiet.Len())
	assert.NotZero(t, chatty.Len())
}

func TestTeeHandlerWithAttrsPropagates(t *testing.T) {
	var buf bytes.Buffer
	h := teeHandlers(slog.NewJSONHandler(&buf, nil)).
		WithAttrs([]slog.Attr{slog.String("tenant_id", "t1")})

	require.NoError(t, h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0)))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "t1", rec["tenant_id"])
}

func TestEnabledStrategies(t *testing.T) {
	tc := config.TenantDefaults()
	names := enabledStrategies(tc)
	assert.NotEmpty(t, names)

	tc.SinglePlatform.Enabled = false
	tc.CrossPlatform.Enabled = false
	tc.CopyTrade.Enabled = false
	tc.MarketMaker.Enabled = false
	tc.Funding.Enabled = false
	tc.Grid.Enabled = false
	tc.Pairs.Enabled = false
	tc.MeanReversion.Enabled = false
	tc.Momentum.Enabled = false
	assert.Empty(t, enabledStrategies(tc))
}

func TestSecondsFallsBack(t *testing.T) {
	assert.Equal(t, 30*time.Second, seconds(30, 60))
	assert.Equal(t, 60*time.Second, seconds(0, 60))
	assert.Equal(t, 60*time.Second, seconds(-5, 60))
}
