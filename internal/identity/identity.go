// Package identity owns user records and password credentials. Users are
// created lazily on first activity and never deleted.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/sanitize"
	"github.com/afar1/ryos/internal/store"
)

const (
	userPrefix = "user:"
	passPrefix = "pass:"

	searchMinQuery = 2
	searchMax      = 20
)

type User struct {
	Username     string    `json:"username"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type Service struct {
	store store.Store
	now   func() time.Time
}

func NewService(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// WithClock overrides the clock; tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func userKey(username string) string { return userPrefix + username }
func passKey(username string) string { return passPrefix + username }

// Ensure creates the user record if absent. Concurrent callers race on an
// atomic create-if-absent; the loser re-reads the winner's record.
func (s *Service) Ensure(ctx context.Context, username string) (*User, error) {
	u, _, err := s.Create(ctx, username)
	return u, err
}

// Create writes the user record if absent. created reports whether this call
// claimed the name; a caller that loses the race gets the existing record.
func (s *Service) Create(ctx context.Context, username string) (*User, bool, error) {
	if !sanitize.ValidUsername(username) {
		return nil, false, apperr.New(apperr.Validation, "invalid username")
	}
	u := User{Username: username, LastActiveAt: s.now()}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, "encode user", err)
	}
	won, err := s.store.SetNX(ctx, userKey(username), string(raw), 0)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, "create user", err)
	}
	if won {
		return &u, true, nil
	}
	existing, err := s.Get(ctx, username)
	return existing, false, err
}

func (s *Service) Get(ctx context.Context, username string) (*User, error) {
	raw, err := s.store.Get(ctx, userKey(username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read user", err)
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode user", err)
	}
	return &u, nil
}

// Touch refreshes lastActiveAt; called on any authenticated activity.
func (s *Service) Touch(ctx context.Context, username string) error {
	u, err := s.Get(ctx, username)
	if err != nil {
		return err
	}
	u.LastActiveAt = s.now()
	raw, err := json.Marshal(u)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode user", err)
	}
	if err := s.store.Set(ctx, userKey(username), string(raw), 0); err != nil {
		return apperr.Wrap(apperr.Internal, "write user", err)
	}
	return nil
}

// SetPassword stores a bcrypt hash keyed by username.
func (s *Service) SetPassword(ctx context.Context, username, password string) error {
	if password == "" {
		return apperr.New(apperr.Validation, "empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "hash password", err)
	}
	if err := s.store.Set(ctx, passKey(username), string(hash), 0); err != nil {
		return apperr.Wrap(apperr.Internal, "write password", err)
	}
	return nil
}

// VerifyPassword reports whether the password matches the stored hash.
// A user with no stored hash never verifies.
func (s *Service) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	hash, err := s.store.Get(ctx, passKey(username))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "read password", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// HasPassword reports whether the user has a stored credential.
func (s *Service) HasPassword(ctx context.Context, username string) (bool, error) {
	_, err := s.store.Get(ctx, passKey(username))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "read password", err)
	}
	return true, nil
}

// Search returns up to 20 usernames containing the query substring.
func (s *Service) Search(ctx context.Context, query string) ([]string, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if len(query) < searchMinQuery {
		return nil, apperr.New(apperr.Validation, "query too short")
	}
	keys, err := store.ScanAll(ctx, s.store, userPrefix+"*")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan users", err)
	}
	var out []string
	for _, k := range keys {
		name := strings.TrimPrefix(k, userPrefix)
		if strings.Contains(name, query) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	if len(out) > searchMax {
		out = out[:searchMax]
	}
	return out, nil
}
