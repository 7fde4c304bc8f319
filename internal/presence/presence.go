// Package presence tracks per-room liveness with sliding TTL entries. There
// is no persistent connection to this service, so "present" means "acted
// within the presence window"; entries silently expire when a client goes
// away without an explicit leave.
package presence

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/store"
)

const (
	entryPrefix  = "presence:" // presence:<roomID>:<username> -> last refresh
	legacyPrefix = "members:"  // legacy membership list, purged lazily
)

type Tracker struct {
	store  store.Store
	window time.Duration
	now    func() time.Time
}

func NewTracker(s store.Store, window time.Duration) *Tracker {
	return &Tracker{store: s, window: window, now: time.Now}
}

// WithClock overrides the clock; tests only.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func entryKey(roomID, username string) string { return entryPrefix + roomID + ":" + username }

// Mark sets or refreshes the user's presence entry for the room. Called on
// join, on every message send, and on switching into a room.
func (t *Tracker) Mark(ctx context.Context, roomID, username string) error {
	ts := t.now().UTC().Format(time.RFC3339)
	if err := t.store.Set(ctx, entryKey(roomID, username), ts, t.window); err != nil {
		return apperr.Wrap(apperr.Internal, "mark presence", err)
	}
	return nil
}

// Clear deletes the presence entry. Used on explicit leave and when
// switching out of a public room; private-room presence is left to expire so
// briefly navigating away does not show the member as offline.
func (t *Tracker) Clear(ctx context.Context, roomID, username string) error {
	if _, err := t.store.Del(ctx, entryKey(roomID, username)); err != nil {
		return apperr.Wrap(apperr.Internal, "clear presence", err)
	}
	return nil
}

// ActiveUsers enumerates everyone with a live presence entry in the room.
// It also drops the room's legacy membership list if one is still stored;
// repeated calls are harmless.
func (t *Tracker) ActiveUsers(ctx context.Context, roomID string) ([]string, error) {
	keys, err := store.ScanAll(ctx, t.store, entryPrefix+roomID+":*")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan presence", err)
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		users = append(users, strings.TrimPrefix(k, entryPrefix+roomID+":"))
	}
	sort.Strings(users)

	if _, err := t.store.Del(ctx, legacyPrefix+roomID); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("purge legacy membership list")
	}
	return users, nil
}

// ClearRoom removes every presence entry for a room; used when the room is
// deleted.
func (t *Tracker) ClearRoom(ctx context.Context, roomID string) error {
	keys, err := store.ScanAll(ctx, t.store, entryPrefix+roomID+":*")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "scan presence", err)
	}
	keys = append(keys, legacyPrefix+roomID)
	if _, err := t.store.Del(ctx, keys...); err != nil {
		return apperr.Wrap(apperr.Internal, "clear room presence", err)
	}
	return nil
}
