// Package cex implements the centralized crypto exchange venues. Each
// exchange gets its own client type speaking the venue's native REST
// dialect; all of them share the resty HTTP plumbing, HMAC signing helpers,
// and the published fee table.
package cex

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// Credentials is the API credential set shared by all exchange clients.
// Passphrase is only used by venues that require one (OKX, KuCoin).
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// feeTable holds published base-tier maker/taker rates as fractions of
// notional.
var feeTable = map[domain.Venue]domain.FeeSchedule{
	domain.VenueBinanceUS: schedule(0.0010, 0.0010),
	domain.VenueCoinbase:  schedule(0.0060, 0.0120),
	domain.VenueKraken:    schedule(0.0016, 0.0026),
	domain.VenueBybit:     schedule(0.0010, 0.0010),
	domain.VenueOKX:       schedule(0.0008, 0.0010),
	domain.VenueKuCoin:    schedule(0.0010, 0.0010),
}

func schedule(maker, taker float64) domain.FeeSchedule {
	return domain.FeeSchedule{
		Maker: decimal.NewFromFloat(maker),
		Taker: decimal.NewFromFloat(taker),
	}
}

// Fees returns the published fee schedule for an exchange venue; a zero
// schedule for unknown venues.
func Fees(venue domain.Venue) domain.FeeSchedule {
	return feeTable[venue]
}

// newHTTP builds the shared resty client: short timeout, bounded retry on
// transport errors and 5xx.
func newHTTP(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
}

// checkResponse maps non-2xx responses to domain sentinel errors.
func checkResponse(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, resp.String())
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, resp.String())
	case http.StatusTooManyRequests, 418: // Binance bans with 418
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, resp.String())
	default:
		return fmt.Errorf("HTTP %d: %s", code, resp.String())
	}
}

// decodeBody unmarshals a checked response body into out. Decoding the raw
// bytes directly keeps venues that reply with a text/plain content type on
// JSON bodies working; resty's automatic unmarshalling would skip those.
func decodeBody(resp *resty.Response, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// hmacHex returns hex(HMAC-SHA256(secret, message)).
func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacB64 returns base64(HMAC-SHA256(secret, message)).
func hmacB64(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// hmacB64SHA512 returns base64(HMAC-SHA512(key, message)) over raw bytes.
func hmacB64SHA512(key, message []byte) string {
	mac := hmac.New(sha512.New, key)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// nowMillis returns the current Unix time in milliseconds as a string.
func nowMillis() string {
	return fmt.Sprintf("%d", time.Now().UnixMilli())
}

// notSupported wraps domain.ErrNotSupported with the venue and capability.
func notSupported(venue domain.Venue, what string) error {
	return fmt.Errorf("%s: %s: %w", venue, what, domain.ErrNotSupported)
}
