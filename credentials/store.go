package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned by Store.Load when no row exists for the provider.
var ErrNoToken = errors.New("credentials: no stored token")

// Store persists OAuth tokens in the oauth_tokens table. Twitch rotates the
// refresh token on every refresh, so the latest pair must survive restarts.
// With a Sealer the tokens are encrypted (encryption_version 1); without one
// they are stored as plaintext (version 0).
type Store struct {
	DB     *sql.DB
	Sealer *Sealer
}

// Load returns the stored token for provider.
func (s *Store) Load(ctx context.Context, provider string) (*oauth2.Token, error) {
	var (
		access, refresh, scope sql.NullString
		expiry                 sql.NullTime
		version                int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version
		 FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&access, &refresh, &expiry, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	tok := &oauth2.Token{AccessToken: access.String, RefreshToken: refresh.String, Expiry: expiry.Time, TokenType: "bearer"}
	if version == 1 {
		if s.Sealer == nil {
			return nil, ErrSealed
		}
		if tok.AccessToken, err = s.Sealer.Open(provider, tok.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = s.Sealer.Open(provider, tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	if scope.String != "" {
		tok = tok.WithExtra(map[string]any{"scope": scope.String})
	}
	return tok, nil
}

// Save stores or replaces the token for provider.
func (s *Store) Save(ctx context.Context, provider string, tok *oauth2.Token) error {
	access, refresh := tok.AccessToken, tok.RefreshToken
	version := 0
	if s.Sealer != nil {
		version = 1
		var err error
		if access, err = s.Sealer.Seal(provider, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(provider, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	var expiry any
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry.UTC()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=EXCLUDED.updated_at`,
		provider, access, refresh, expiry, scopeOf(tok), version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// scopeOf flattens the scope field of a token response, which Twitch sends
// as a JSON array.
func scopeOf(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
