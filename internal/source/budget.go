package source

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultQuotaFloorWait    = 15 * time.Minute
	DefaultQuotaSafetyMargin = 60 * time.Second
)

// RateBudget is the last quota state advertised by the API. It is advisory:
// it picks backoff durations and is shown on the ops endpoint.
type RateBudget struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Known is false until a response carried rate-limit headers.
	Known      bool
	ObservedAt time.Time
}

// parseBudget reads x-rate-limit-{limit,remaining,reset}. The reset header
// is unix seconds. ok is false when none of the headers are present.
func parseBudget(h http.Header, now time.Time) (RateBudget, bool) {
	var b RateBudget
	seen := false
	if v, ok := headerInt(h, "x-rate-limit-limit"); ok {
		b.Limit = v
		seen = true
	}
	if v, ok := headerInt(h, "x-rate-limit-remaining"); ok {
		b.Remaining = v
		seen = true
	}
	if v, ok := headerInt(h, "x-rate-limit-reset"); ok && v > 0 {
		b.ResetAt = time.Unix(int64(v), 0)
		seen = true
	}
	if !seen {
		return RateBudget{}, false
	}
	b.Known = true
	b.ObservedAt = now
	return b, true
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// QuotaWait is how long to stay away after quota exhaustion:
// max(reset_at - now + margin, floor). Without a reset time the floor is used.
func QuotaWait(b RateBudget, now time.Time, margin, floor time.Duration) time.Duration {
	if b.ResetAt.IsZero() {
		return floor
	}
	w := b.ResetAt.Sub(now) + margin
	if w < floor {
		return floor
	}
	return w
}
