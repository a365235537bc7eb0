package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// LeaderboardEntry is one wallet from the data-api leaderboard, with volume
// and profit merged from the two rankings.
type LeaderboardEntry struct {
	Address   string
	Name      string
	VolumeUSD float64
	ProfitUSD float64
}

// UserTrade is one fill from a wallet's public activity feed.
type UserTrade struct {
	Address  string
	MarketID string
	TokenID  string
	Title    string
	Side     domain.Side
	Price    float64
	SizeUSD  float64
	TxHash   string
	TradedAt time.Time
}

type leaderboardRow struct {
	ProxyWallet string  `json:"proxyWallet"`
	Name        string  `json:"name"`
	Amount      float64 `json:"amount"`
}

type activityRow struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Type            string  `json:"type"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	USDCSize        float64 `json:"usdcSize"`
	Title           string  `json:"title"`
	TransactionHash string  `json:"transactionHash"`
}

// Leaderboard returns the top wallets over the 30-day window. Volume and
// profit come from separate rankings keyed by the same wallet.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	byVolume, err := c.leaderboardRank(ctx, "vol", limit)
	if err != nil {
		return nil, err
	}
	byProfit, err := c.leaderboardRank(ctx, "pnl", limit)
	if err != nil {
		return nil, err
	}

	profit := make(map[string]float64, len(byProfit))
	for _, row := range byProfit {
		profit[row.ProxyWallet] = row.Amount
	}

	out := make([]LeaderboardEntry, 0, len(byVolume))
	for _, row := range byVolume {
		out = append(out, LeaderboardEntry{
			Address:   row.ProxyWallet,
			Name:      row.Name,
			VolumeUSD: row.Amount,
			ProfitUSD: profit[row.ProxyWallet],
		})
	}
	return out, nil
}

func (c *Client) leaderboardRank(ctx context.Context, rankType string, limit int) ([]leaderboardRow, error) {
	params := url.Values{}
	params.Set("window", "30d")
	params.Set("rankType", rankType)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, c.dataURL+"/leaderboard?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket: fetch leaderboard: %w", err)
	}

	var rows []leaderboardRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket: decode leaderboard: %w", err)
	}
	return rows, nil
}

// UserActivity returns a wallet's recent fills, newest first. Non-trade
// activity rows (splits, merges, redeems) are dropped.
func (c *Client) UserActivity(ctx context.Context, address string, limit int) ([]UserTrade, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("user", address)
	params.Set("type", "TRADE")
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, c.dataURL+"/activity?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket: fetch activity: %w", err)
	}

	var rows []activityRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("polymarket: decode activity: %w", err)
	}

	out := make([]UserTrade, 0, len(rows))
	for _, row := range rows {
		if row.Type != "" && row.Type != "TRADE" {
			continue
		}
		side := domain.SideBuy
		if row.Side == "SELL" {
			side = domain.SideSell
		}
		out = append(out, UserTrade{
			Address:  row.ProxyWallet,
			MarketID: row.ConditionID,
			TokenID:  row.Asset,
			Title:    row.Title,
			Side:     side,
			Price:    row.Price,
			SizeUSD:  row.USDCSize,
			TxHash:   row.TransactionHash,
			TradedAt: time.Unix(row.Timestamp, 0).UTC(),
		})
	}
	return out, nil
}
