package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/shodan/irc"
	"github.com/onnwee/shodan/telemetry"
)

type handlers struct {
	opts  Options
	conns []*irc.Conn
}

func newHandlers(opts Options) *handlers {
	h := &handlers{opts: opts}
	if opts.Primary != nil {
		h.conns = append(h.conns, opts.Primary)
	}
	for _, c := range opts.Conns {
		if c != nil && c != opts.Primary {
			h.conns = append(h.conns, c)
		}
	}
	return h
}

// handleHealthz answers liveness probes. The process is alive as long as it
// can serve this request; reconnect cycles do not count as unhealthy.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the primary connection is open and the
// database, if any, answers.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"irc", func() error {
			if h.opts.Primary == nil {
				return errors.New("no primary connection")
			}
			if s := h.opts.Primary.State(); s != irc.StateOpen {
				return fmt.Errorf("primary connection is %s", s)
			}
			return nil
		}},
		{"database", func() error {
			if h.opts.DB == nil {
				return nil
			}
			return h.opts.DB.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type connStatus struct {
	Name  string `json:"name"`
	Host  string `json:"host"`
	State string `json:"state"`
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := make([]connStatus, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, connStatus{Name: c.Name(), Host: c.Host(), State: c.State().String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

// handleReconnect closes the transport of every connection, or of the one
// named by ?conn=. Each reconnects through its normal backoff cycle.
func (h *handlers) handleReconnect(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("conn")
	var closed []string
	for _, c := range h.conns {
		if name != "" && c.Name() != name {
			continue
		}
		c.ForceClose()
		closed = append(closed, c.Name())
	}
	if len(closed) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("reconnect requested", slog.Any("conns", closed))
	writeJSON(w, http.StatusAccepted, map[string]any{"closed": closed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
