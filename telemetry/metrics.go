// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Per-connection counters, labelled by connection name (primary, whisper).
	LinesReceived     *prometheus.CounterVec
	LinesSent         *prometheus.CounterVec
	ParseErrors       *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	KeepaliveTimeouts *prometheus.CounterVec

	// ConnectionState holds the numeric irc.State of each connection.
	ConnectionState *prometheus.GaugeVec

	// HandlerDuration observes signal handler run time in seconds.
	HandlerDuration *prometheus.HistogramVec

	// Bot
	CommandsDispatched prometheus.Counter
	CommandsDenied     prometheus.Counter

	// Chat log
	ChatMessagesRecorded prometheus.Counter
	ChatRecordFailures   prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		LinesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "irc_lines_received_total", Help: "Lines parsed successfully"}, []string{"conn"})
		LinesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "irc_lines_sent_total", Help: "Lines written and flushed"}, []string{"conn"})
		ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "irc_parse_errors_total", Help: "Lines dropped because they failed the message grammar"}, []string{"conn"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "irc_reconnects_total", Help: "Sessions that ended and entered the backoff cycle"}, []string{"conn"})
		KeepaliveTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "irc_keepalive_timeouts_total", Help: "Transports force-closed after a missed PONG"}, []string{"conn"})
		ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "irc_connection_state", Help: "0=idle 1=connecting 2=open 3=closing 4=faulted"}, []string{"conn"})
		HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "irc_handler_duration_seconds", Help: "Signal handler duration seconds", Buckets: prometheus.DefBuckets}, []string{"signal"})
		CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_dispatched_total", Help: "Chat commands matched and invoked"})
		CommandsDenied = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_commands_denied_total", Help: "Chat commands rejected by a permission predicate"})
		ChatMessagesRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "chatlog_messages_recorded_total", Help: "Chat messages persisted"})
		ChatRecordFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatlog_record_failures_total", Help: "Chat messages that failed to persist"})
	})
}

// SetConnectionState records the numeric state of a named connection.
func SetConnectionState(conn string, state int) {
	Init()
	ConnectionState.WithLabelValues(conn).Set(float64(state))
}

// RecordLineReceived counts a parsed inbound line.
func RecordLineReceived(conn string) { Init(); LinesReceived.WithLabelValues(conn).Inc() }

// RecordLineSent counts a flushed outbound line.
func RecordLineSent(conn string) { Init(); LinesSent.WithLabelValues(conn).Inc() }

// RecordParseError counts a dropped malformed line.
func RecordParseError(conn string) { Init(); ParseErrors.WithLabelValues(conn).Inc() }

// RecordReconnect counts a session entering the backoff cycle.
func RecordReconnect(conn string) { Init(); Reconnects.WithLabelValues(conn).Inc() }

// RecordKeepaliveTimeout counts a forced close after a missed PONG.
func RecordKeepaliveTimeout(conn string) { Init(); KeepaliveTimeouts.WithLabelValues(conn).Inc() }

// RecordCommand counts a dispatched chat command; denied commands are counted separately.
func RecordCommand(denied bool) {
	Init()
	if denied {
		CommandsDenied.Inc()
		return
	}
	CommandsDispatched.Inc()
}

// RecordChatMessage counts a chat log write and whether it failed.
func RecordChatMessage(err error) {
	Init()
	if err != nil {
		ChatRecordFailures.Inc()
		return
	}
	ChatMessagesRecorded.Inc()
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// HandlerObserver returns the duration observer for a signal.
func HandlerObserver(signal string) prometheus.Observer {
	Init()
	return HandlerDuration.WithLabelValues(signal)
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
