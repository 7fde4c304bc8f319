// Package token implements the multi-device auth token manager. Tokens are
// opaque high-entropy strings stored server-side: one entry per (username,
// token) pair so any number of device sessions coexist, plus a per-user
// last-valid-token record that lets a client exchange a recently expired
// token for a fresh one without a password.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/metrics"
	"github.com/afar1/ryos/internal/sanitize"
	"github.com/afar1/ryos/internal/store"
)

const (
	activePrefix    = "token:"     // token:<username>:<token> -> "1"
	legacyPrefix    = "tokenmap:"  // tokenmap:<token> -> username (read-path only)
	lastValidPrefix = "lastvalid:" // lastvalid:<username> -> lastValidRecord
)

// Result of a validation check.
type Result struct {
	Valid bool
	// Expired is set when the token only matched the grace-period record.
	Expired bool
}

// Session describes one active device session.
type Session struct {
	Preview   string        `json:"preview"`
	ExpiresIn time.Duration `json:"expiresIn"`
}

// lastValidRecord is the grace-period refresh anchor. On issue it is written
// predictively with the token's future expiry; on refresh it is rewritten
// with the retired token and expiredAt = now.
type lastValidRecord struct {
	Token     string `json:"token"`
	ExpiredAt int64  `json:"expiredAt"` // epoch milliseconds
}

type Manager struct {
	store    store.Store
	lifetime time.Duration
	grace    time.Duration
	now      func() time.Time
}

func NewManager(s store.Store, lifetime, grace time.Duration) *Manager {
	return &Manager{store: s, lifetime: lifetime, grace: grace, now: time.Now}
}

// WithClock overrides the clock; tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func activeKey(username, token string) string { return activePrefix + username + ":" + token }
func legacyKey(token string) string           { return legacyPrefix + token }
func lastValidKey(username string) string     { return lastValidPrefix + username }

// mint generates and stores a new active token without touching the
// last-valid record.
func (m *Manager) mint(ctx context.Context, username string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.Internal, "generate token", err)
	}
	tok := hex.EncodeToString(b)
	if err := m.store.Set(ctx, activeKey(username, tok), "1", m.lifetime); err != nil {
		return "", apperr.Wrap(apperr.Internal, "store token", err)
	}
	metrics.TokensIssued.Inc()
	return tok, nil
}

// Issue creates a new token for the user and records the predictive
// last-valid entry that activates at the token's expiry.
func (m *Manager) Issue(ctx context.Context, username string) (string, error) {
	if !sanitize.ValidUsername(username) {
		return "", apperr.New(apperr.Validation, "invalid username")
	}
	tok, err := m.mint(ctx, username)
	if err != nil {
		return "", err
	}
	rec := lastValidRecord{Token: tok, ExpiredAt: m.now().Add(m.lifetime).UnixMilli()}
	if err := m.writeLastValid(ctx, username, rec, m.lifetime+m.grace); err != nil {
		return "", err
	}
	return tok, nil
}

func (m *Manager) writeLastValid(ctx context.Context, username string, rec lastValidRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode last-valid record", err)
	}
	if err := m.store.Set(ctx, lastValidKey(username), string(raw), ttl); err != nil {
		return apperr.Wrap(apperr.Internal, "store last-valid record", err)
	}
	return nil
}

// Validate checks a (username, token) pair. A hit on the active collection
// refreshes the token's TTL. A hit on the legacy flat mapping migrates the
// entry into the collection. With allowExpired, the grace-period record is
// consulted last and a match reports Expired.
func (m *Manager) Validate(ctx context.Context, username, tok string, allowExpired bool) (Result, error) {
	if username == "" || tok == "" {
		return Result{}, nil
	}

	_, err := m.store.Get(ctx, activeKey(username, tok))
	switch {
	case err == nil:
		if err := m.store.Expire(ctx, activeKey(username, tok), m.lifetime); err != nil {
			return Result{}, apperr.Wrap(apperr.Internal, "refresh token ttl", err)
		}
		return Result{Valid: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, apperr.Wrap(apperr.Internal, "read token", err)
	}

	owner, err := m.store.Get(ctx, legacyKey(tok))
	switch {
	case err == nil && owner == username:
		// One-time migration into the per-identity collection.
		if err := m.store.Set(ctx, activeKey(username, tok), "1", m.lifetime); err != nil {
			return Result{}, apperr.Wrap(apperr.Internal, "migrate token", err)
		}
		if _, err := m.store.Del(ctx, legacyKey(tok)); err != nil {
			log.Warn().Err(err).Msg("drop legacy token mapping")
		}
		return Result{Valid: true}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return Result{}, apperr.Wrap(apperr.Internal, "read legacy token", err)
	}

	if allowExpired {
		return m.checkGrace(ctx, username, tok)
	}
	return Result{}, nil
}

func (m *Manager) checkGrace(ctx context.Context, username, tok string) (Result, error) {
	raw, err := m.store.Get(ctx, lastValidKey(username))
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "read last-valid record", err)
	}
	var rec lastValidRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Malformed record: fail closed on this path.
		log.Warn().Err(err).Str("username", username).Msg("malformed last-valid record")
		return Result{}, nil
	}
	expiredAt := time.UnixMilli(rec.ExpiredAt)
	if rec.Token == tok && m.now().Before(expiredAt.Add(m.grace)) {
		return Result{Valid: true, Expired: true}, nil
	}
	return Result{}, nil
}

// Refresh exchanges a token (possibly expired, within grace) for a new one.
// The old token is retired into the last-valid record so a client that
// crashes between receiving the new token and persisting it can retry.
func (m *Manager) Refresh(ctx context.Context, username, oldToken string) (string, error) {
	res, err := m.Validate(ctx, username, oldToken, true)
	if err != nil {
		return "", err
	}
	if !res.Valid {
		return "", apperr.New(apperr.Auth, "token not refreshable")
	}

	if _, err := m.store.Del(ctx, activeKey(username, oldToken), legacyKey(oldToken)); err != nil {
		return "", apperr.Wrap(apperr.Internal, "retire old token", err)
	}
	tok, err := m.mint(ctx, username)
	if err != nil {
		return "", err
	}
	rec := lastValidRecord{Token: oldToken, ExpiredAt: m.now().UnixMilli()}
	if err := m.writeLastValid(ctx, username, rec, m.grace); err != nil {
		return "", err
	}
	return tok, nil
}

// Revoke deletes one token everywhere it may be stored. The legacy flat
// mapping doubles as the owner lookup; when it is gone the per-identity
// collection is scanned as a fallback.
func (m *Manager) Revoke(ctx context.Context, tok string) error {
	if tok == "" {
		return apperr.New(apperr.Validation, "missing token")
	}
	keys := []string{legacyKey(tok)}
	owner, err := m.store.Get(ctx, legacyKey(tok))
	switch {
	case err == nil:
		keys = append(keys, activeKey(owner, tok))
	case errors.Is(err, store.ErrNotFound):
		matches, err := store.ScanAll(ctx, m.store, activePrefix+"*:"+tok)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "scan tokens", err)
		}
		keys = append(keys, matches...)
	default:
		return apperr.Wrap(apperr.Internal, "read legacy token", err)
	}
	if _, err := m.store.Del(ctx, keys...); err != nil {
		return apperr.Wrap(apperr.Internal, "delete token", err)
	}
	return nil
}

// RevokeAll logs the user out of every device: all active tokens, legacy
// mappings, and the grace-period record. Returns the number of active
// tokens destroyed.
func (m *Manager) RevokeAll(ctx context.Context, username string) (int, error) {
	if username == "" {
		return 0, apperr.New(apperr.Validation, "missing username")
	}
	keys, err := store.ScanAll(ctx, m.store, activePrefix+username+":*")
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "scan tokens", err)
	}
	count := len(keys)
	doomed := make([]string, 0, 2*count+1)
	for _, k := range keys {
		tok := strings.TrimPrefix(k, activePrefix+username+":")
		doomed = append(doomed, k, legacyKey(tok))
	}
	doomed = append(doomed, lastValidKey(username))
	if _, err := m.store.Del(ctx, doomed...); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "delete tokens", err)
	}
	return count, nil
}

// List enumerates the user's active device sessions.
func (m *Manager) List(ctx context.Context, username string) ([]Session, error) {
	keys, err := store.ScanAll(ctx, m.store, activePrefix+username+":*")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan tokens", err)
	}
	out := make([]Session, 0, len(keys))
	for _, k := range keys {
		tok := strings.TrimPrefix(k, activePrefix+username+":")
		ttl, err := m.store.TTL(ctx, k)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "token ttl", err)
		}
		preview := tok
		if len(preview) > 8 {
			preview = preview[:8] + "…"
		}
		out = append(out, Session{Preview: preview, ExpiresIn: ttl})
	}
	return out, nil
}
