package irc

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultPingPeriod is how often Keepalive pings each open connection.
	DefaultPingPeriod = 60 * time.Second
	// DefaultPongTimeout is how long a PING may go unanswered before the
	// transport is closed.
	DefaultPongTimeout = 55 * time.Second
)

// Keepalive is a periodic driver shared by any number of connections. On
// every tick it arms a PONG deadline on each open connection and sends PING.
// A connection whose deadline fires has its transport closed, which its Run
// loop handles like any other disconnect.
type Keepalive struct {
	Clock   clockwork.Clock
	Period  time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run ticks until ctx is canceled.
func (k *Keepalive) Run(ctx context.Context, conns ...*Conn) error {
	clk := k.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	period, timeout := k.Period, k.Timeout
	if period <= 0 {
		period = DefaultPingPeriod
	}
	if timeout <= 0 {
		timeout = DefaultPongTimeout
	}
	log := k.Logger
	if log == nil {
		log = slog.Default()
	}

	ticker := clk.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		for _, c := range conns {
			if c.State() != StateOpen {
				continue
			}
			if err := c.keepalive(ctx, timeout); err != nil {
				log.Debug("keepalive ping not sent", slog.String("conn", c.Name()), slog.Any("err", err))
			}
		}
	}
}
