// Package credentials supplies the password sent with PASS when the bot
// connects: either a fixed chat token or a user token kept fresh with the
// OAuth2 refresh flow and persisted in Postgres.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// ProviderTwitch is the oauth_tokens key for the chat token.
const ProviderTwitch = "twitch"

// Source yields the PASS password. It is called on every connect.
type Source interface {
	Password(ctx context.Context) (string, error)
}

// Static is a fixed chat token.
type Static string

// Password returns the token with the "oauth:" prefix IRC expects.
func (s Static) Password(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("credentials: empty chat token")
	}
	return withPrefix(string(s)), nil
}

func withPrefix(token string) string {
	if strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}

// RefreshOptions configures a Refreshing source.
type RefreshOptions struct {
	ClientID     string
	ClientSecret string
	// RefreshToken seeds the flow when the store has no token yet.
	RefreshToken string
	// TokenURL overrides the Twitch token endpoint.
	TokenURL string
	// Store persists rotated tokens. Optional.
	Store  *Store
	Logger *slog.Logger
}

// Refreshing returns a valid user access token, refreshing it when it has
// expired. Rotated tokens are written back to the store.
type Refreshing struct {
	cfg   *oauth2.Config
	store *Store
	log   *slog.Logger

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewRefreshing seeds the source. A token in the store wins over
// opts.RefreshToken because the configured one may already have been rotated.
func NewRefreshing(ctx context.Context, opts RefreshOptions) (*Refreshing, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("credentials: client id and secret are required for refresh")
	}
	endpoint := twitch.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if opts.TokenURL != "" {
		endpoint.TokenURL = opts.TokenURL
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Refreshing{
		cfg:   &oauth2.Config{ClientID: opts.ClientID, ClientSecret: opts.ClientSecret, Endpoint: endpoint},
		store: opts.Store,
		log:   log.With(slog.String("component", "credentials")),
	}

	if r.store != nil {
		tok, err := r.store.Load(ctx, ProviderTwitch)
		switch {
		case err == nil && tok.RefreshToken != "":
			r.tok = tok
			r.log.Info("using stored chat token", slog.Time("expires_at", tok.Expiry))
		case err != nil && !errors.Is(err, ErrNoToken):
			return nil, err
		}
	}
	if r.tok == nil {
		if opts.RefreshToken == "" {
			return nil, errors.New("credentials: no refresh token configured or stored")
		}
		r.tok = &oauth2.Token{RefreshToken: opts.RefreshToken}
	}
	return r, nil
}

// Password returns the access token, refreshing first when it is expired or
// about to expire.
func (r *Refreshing) Password(ctx context.Context) (string, error) {
	tok, err := r.token(ctx, false)
	if err != nil {
		return "", err
	}
	return withPrefix(tok.AccessToken), nil
}

// token returns a valid token. force runs the refresh grant even when the
// current access token has not expired.
func (r *Refreshing) token(ctx context.Context, force bool) (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.tok
	if force {
		cur = &oauth2.Token{RefreshToken: r.tok.RefreshToken}
	}
	tok, err := r.cfg.TokenSource(ctx, cur).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh chat token: %w", err)
	}
	if tok == cur {
		return tok, nil
	}
	r.tok = tok
	r.log.Info("chat token refreshed", slog.Time("expires_at", tok.Expiry))
	if r.store != nil {
		if err := r.store.Save(ctx, ProviderTwitch, tok); err != nil {
			r.log.Warn("token persist failed", slog.Any("err", err))
		}
	}
	return tok, nil
}
