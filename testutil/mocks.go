package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks the Twitch OAuth token endpoint.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	calls    int
	requests []TokenRequest
	handler  http.HandlerFunc
}

// TokenRequest is what a client posted to /oauth2/token.
type TokenRequest struct {
	GrantType    string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// NewMockTwitchServer creates a new mock Twitch OAuth server. Until a response
// is configured the token endpoint answers 400.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.calls++
		m.requests = append(m.requests, TokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			RefreshToken: r.PostForm.Get("refresh_token"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
		})
		h := m.handler
		m.mu.Unlock()
		if h == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "Invalid refresh token"})
			return
		}
		h(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the endpoint to hand to an oauth2.Config.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// MockRefreshResponse answers every refresh with accessToken and a rotated
// refresh token "<refreshPrefix>-<n>", where n counts calls from 1.
func (m *MockTwitchServer) MockRefreshResponse(accessToken, refreshPrefix string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		n := m.calls
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshPrefix + "-" + strconv.Itoa(n),
			"expires_in":    expiresIn,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	}
}

// MockRefreshFailure makes the token endpoint answer with status.
func (m *MockTwitchServer) MockRefreshFailure(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]any{"status": status, "message": "Invalid refresh token"})
	}
}

// Calls returns how many token requests were received.
func (m *MockTwitchServer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns a copy of the received token requests.
func (m *MockTwitchServer) Requests() []TokenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TokenRequest(nil), m.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
