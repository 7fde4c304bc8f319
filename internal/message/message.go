// Package message owns the bounded per-room message logs: newest-first
// storage trimmed to the last 100 entries, duplicate suppression against the
// immediately preceding message, and post-commit broadcast to the room and
// (for private rooms) each member's personal channel.
package message

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/assistant"
	"github.com/afar1/ryos/internal/broadcast"
	"github.com/afar1/ryos/internal/identity"
	"github.com/afar1/ryos/internal/limiter"
	"github.com/afar1/ryos/internal/metrics"
	"github.com/afar1/ryos/internal/presence"
	"github.com/afar1/ryos/internal/room"
	"github.com/afar1/ryos/internal/sanitize"
	"github.com/afar1/ryos/internal/store"
)

const (
	logPrefix = "messages:"

	maxContentLen = 1000
	historyLimit  = 100
	recentLimit   = 20

	assistPrefix = "@ai "
	// AssistantUser posts the automated replies; exempt from re-triggering.
	AssistantUser = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Store struct {
	store    store.Store
	rooms    *room.Registry
	presence *presence.Tracker
	users    *identity.Service
	burst    *limiter.Burst
	bcast    broadcast.Broadcaster
	assist   assistant.Completer
	admin    string
	now      func() time.Time
}

func NewStore(s store.Store, rooms *room.Registry, p *presence.Tracker, users *identity.Service,
	burst *limiter.Burst, b broadcast.Broadcaster, admin string) *Store {
	return &Store{
		store: s, rooms: rooms, presence: p, users: users,
		burst: burst, bcast: b, admin: admin, now: time.Now,
	}
}

// SetAssistant enables the automated-reply feature.
func (s *Store) SetAssistant(c assistant.Completer) { s.assist = c }

// WithClock overrides the clock; tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func logKey(roomID string) string { return logPrefix + roomID }

// Send validates, rate-limits, stores, and broadcasts one message.
func (s *Store) Send(ctx context.Context, roomID, username, rawContent string) (*Message, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if !sanitize.ValidUsername(username) {
		return nil, apperr.New(apperr.Validation, "invalid username")
	}
	if !sanitize.ValidRoomID(roomID) {
		return nil, apperr.New(apperr.Validation, "invalid room id")
	}
	rm, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if rm.IsPrivate() && !rm.HasMember(username) && username != AssistantUser {
		return nil, apperr.New(apperr.Forbidden, "not a member of this room")
	}

	// Private rooms are exempt: trusted smaller audience. Assistant replies
	// are exempt too, since several can legitimately land back to back.
	if !rm.IsPrivate() && username != AssistantUser {
		if err := s.burst.Allow(ctx, roomID, username); err != nil {
			return nil, err
		}
	}

	filtered := sanitize.FilterProfanity(strings.TrimSpace(rawContent))
	if filtered == "" {
		return nil, apperr.New(apperr.Validation, "empty message")
	}
	if len(filtered) > maxContentLen {
		return nil, apperr.New(apperr.Validation, "message too long")
	}
	content := sanitize.Escape(filtered)

	if dup, err := s.isDuplicate(ctx, roomID, username, content); err != nil {
		return nil, err
	} else if dup {
		return nil, apperr.New(apperr.Validation, "duplicate message")
	}

	if _, err := s.users.Ensure(ctx, username); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		RoomID:    roomID,
		Username:  username,
		Content:   content,
		Timestamp: s.now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode message", err)
	}
	if err := s.store.LPush(ctx, logKey(roomID), string(raw)); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "store message", err)
	}
	if err := s.store.LTrim(ctx, logKey(roomID), 0, historyLimit-1); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "trim message log", err)
	}
	if err := s.presence.Mark(ctx, roomID, username); err != nil {
		return nil, err
	}
	metrics.MessagesSent.Inc()

	s.broadcast(ctx, rm, "message", msg)

	if s.assist != nil && !rm.IsPrivate() && username != AssistantUser &&
		strings.HasPrefix(rawContent, assistPrefix) {
		go s.assistReply(roomID, strings.TrimPrefix(rawContent, assistPrefix))
	}
	return msg, nil
}

// isDuplicate compares against the newest stored entry only: it exists to
// absorb double submits, not to dedupe history.
func (s *Store) isDuplicate(ctx context.Context, roomID, username, content string) (bool, error) {
	head, err := s.store.LRange(ctx, logKey(roomID), 0, 0)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "read message log", err)
	}
	if len(head) == 0 {
		return false, nil
	}
	var prev Message
	if err := json.Unmarshal([]byte(head[0]), &prev); err != nil {
		return false, nil
	}
	return prev.Username == username && prev.Content == content, nil
}

// assistReply posts the completion back through the normal send path so it
// is trimmed, broadcast, and counted like any other message.
func (s *Store) assistReply(roomID, prompt string) {
	ctx := context.Background()
	reply, err := s.assist.Complete(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("assistant completion failed")
		return
	}
	if _, err := s.Send(ctx, roomID, AssistantUser, reply); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("assistant reply dropped")
	}
}

// Delete removes exactly one message by id; admin only.
func (s *Store) Delete(ctx context.Context, roomID, messageID, requester string) error {
	if requester != s.admin {
		return apperr.New(apperr.Forbidden, "only the admin can delete messages")
	}
	rm, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	entries, err := s.store.LRange(ctx, logKey(roomID), 0, -1)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "read message log", err)
	}
	for _, raw := range entries {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.ID != messageID {
			continue
		}
		if err := s.store.LRem(ctx, logKey(roomID), 1, raw); err != nil {
			return apperr.Wrap(apperr.Internal, "remove message", err)
		}
		s.broadcast(ctx, rm, "message-deleted", map[string]string{"roomId": roomID, "messageId": messageID})
		return nil
	}
	return apperr.New(apperr.NotFound, "message not found")
}

// GetRecent returns up to the last 20 messages, newest first. Malformed
// stored entries are dropped rather than failing the read.
func (s *Store) GetRecent(ctx context.Context, roomID string) ([]Message, error) {
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return nil, err
	}
	entries, err := s.store.LRange(ctx, logKey(roomID), 0, recentLimit-1)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read message log", err)
	}
	return decodeAll(entries, roomID), nil
}

// GetBulk fetches recent messages for many rooms in one pipelined round
// trip, partitioning the input into rooms that exist and ids that do not.
func (s *Store) GetBulk(ctx context.Context, roomIDs []string) (map[string][]Message, []string, error) {
	var valid, invalid []string
	for _, id := range roomIDs {
		if !sanitize.ValidRoomID(id) {
			invalid = append(invalid, id)
			continue
		}
		if _, err := s.rooms.Get(ctx, id); err != nil {
			invalid = append(invalid, id)
			continue
		}
		valid = append(valid, id)
	}
	keys := make([]string, len(valid))
	for i, id := range valid {
		keys[i] = logKey(id)
	}
	ranges, err := s.store.LRangeBulk(ctx, keys, 0, recentLimit-1)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Internal, "bulk read message logs", err)
	}
	out := make(map[string][]Message, len(valid))
	for _, id := range valid {
		out[id] = decodeAll(ranges[logKey(id)], id)
	}
	return out, invalid, nil
}

// PurgeRoom drops a deleted room's entire log.
func (s *Store) PurgeRoom(ctx context.Context, roomID string) error {
	if _, err := s.store.Del(ctx, logKey(roomID)); err != nil {
		return apperr.Wrap(apperr.Internal, "purge message log", err)
	}
	return nil
}

func decodeAll(entries []string, roomID string) []Message {
	out := make([]Message, 0, len(entries))
	for _, raw := range entries {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Warn().Str("room_id", roomID).Msg("dropping malformed message entry")
			continue
		}
		out = append(out, msg)
	}
	return out
}

// broadcast notifies the room channel and, for private rooms, each member's
// personal channel concurrently. Failures never fail the send.
func (s *Store) broadcast(ctx context.Context, rm *room.Room, event string, payload any) {
	publish := func(channel string) {
		if err := s.bcast.Publish(ctx, channel, event, payload); err != nil {
			metrics.BroadcastFailures.Inc()
			log.Warn().Err(err).Str("channel", channel).Str("event", event).Msg("broadcast failed")
		}
	}
	publish(broadcast.RoomChannel(rm.ID))
	if !rm.IsPrivate() {
		return
	}
	var wg sync.WaitGroup
	for _, m := range rm.Members {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			publish(broadcast.UserChannel(m))
		}(m)
	}
	wg.Wait()
}
