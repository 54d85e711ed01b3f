package credentials

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Keep refreshes the token in the background whenever its remaining lifetime
// drops to window, checking roughly every interval. A reconnect then finds a
// valid access token without waiting on the token endpoint, and the store
// always holds the latest refresh token. It returns when ctx is canceled.
func (r *Refreshing) Keep(ctx context.Context, clk clockwork.Clock, interval, window time.Duration) error {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	for {
		// Add per-iteration jitter (±20% of interval) for scheduling diversity.
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		next := interval + time.Duration(rand.Int64N(jitterRange*2+1)-jitterRange)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(next):
		}
		if !r.expiresWithin(clk.Now(), window) {
			continue
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := r.token(ctx2, true)
		cancel()
		if err != nil {
			r.log.Warn("token refresh failed", slog.Any("err", err))
		}
	}
}

func (r *Refreshing) expiresWithin(now time.Time, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tok.AccessToken == "" || r.tok.Expiry.IsZero() {
		return r.tok.AccessToken == ""
	}
	return r.tok.Expiry.Sub(now) <= window
}
