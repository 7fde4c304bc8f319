// Package room owns room records: public rooms (admin-managed slugs, open to
// everyone) and private rooms (member lists with derived display names).
// Occupancy is never maintained incrementally; it is recomputed from live
// presence entries whenever it is about to be shown to a client.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/broadcast"
	"github.com/afar1/ryos/internal/identity"
	"github.com/afar1/ryos/internal/metrics"
	"github.com/afar1/ryos/internal/presence"
	"github.com/afar1/ryos/internal/sanitize"
	"github.com/afar1/ryos/internal/store"
)

const recordPrefix = "room:"

const (
	TypePublic  = "public"
	TypePrivate = "private"
)

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UserCount int       `json:"userCount"`
	Members   []string  `json:"members,omitempty"` // private rooms only, sorted
}

func (r *Room) IsPrivate() bool { return r.Type == TypePrivate }

func (r *Room) HasMember(username string) bool {
	for _, m := range r.Members {
		if m == username {
			return true
		}
	}
	return false
}

// View is a room plus its freshly computed occupancy, as returned to clients.
type View struct {
	Room
	ActiveUsers []string `json:"activeUsers"`
}

// MessagePurger removes a deleted room's message log; implemented by the
// message store and injected to keep the dependency one-way.
type MessagePurger interface {
	PurgeRoom(ctx context.Context, roomID string) error
}

type Registry struct {
	store    store.Store
	users    *identity.Service
	presence *presence.Tracker
	bcast    broadcast.Broadcaster
	messages MessagePurger
	admin    string
	now      func() time.Time
}

func NewRegistry(s store.Store, users *identity.Service, p *presence.Tracker, b broadcast.Broadcaster, admin string) *Registry {
	return &Registry{store: s, users: users, presence: p, bcast: b, admin: admin, now: time.Now}
}

// SetMessagePurger wires the message store in after construction (the two
// services are built in either order at startup).
func (r *Registry) SetMessagePurger(p MessagePurger) { r.messages = p }

// WithClock overrides the clock; tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func recordKey(roomID string) string { return recordPrefix + roomID }

// PrivateName derives a private room's display name from its sorted members.
func PrivateName(members []string) string {
	tagged := make([]string, len(members))
	for i, m := range members {
		tagged[i] = "@" + m
	}
	return strings.Join(tagged, ", ")
}

// Create registers a new room. Public rooms are admin-only with slugified
// names; private rooms auto-include the creator and derive their name from
// the sorted member list.
func (r *Registry) Create(ctx context.Context, requester, name, typ string, members []string) (*Room, error) {
	switch typ {
	case TypePublic:
		return r.createPublic(ctx, requester, name)
	case TypePrivate:
		return r.createPrivate(ctx, requester, members)
	default:
		return nil, apperr.New(apperr.Validation, "invalid room type")
	}
}

func (r *Registry) createPublic(ctx context.Context, requester, name string) (*Room, error) {
	if requester != r.admin {
		return nil, apperr.New(apperr.Forbidden, "only the admin can create public rooms")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.Validation, "room name required")
	}
	if sanitize.FilterProfanity(name) != name {
		return nil, apperr.New(apperr.Validation, "room name rejected")
	}
	slug := sanitize.Slugify(name)
	if !sanitize.ValidRoomID(slug) {
		return nil, apperr.New(apperr.Validation, "room name produces no valid id")
	}
	room := &Room{ID: slug, Name: slug, Type: TypePublic, CreatedAt: r.now()}
	won, err := r.storeNew(ctx, room)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperr.New(apperr.Validation, "room already exists")
	}
	r.publish(ctx, broadcast.RoomsChannel, "rooms-updated", roomEvent{RoomID: room.ID, Action: "created"})
	return room, nil
}

func (r *Registry) createPrivate(ctx context.Context, requester string, members []string) (*Room, error) {
	if !sanitize.ValidUsername(requester) {
		return nil, apperr.New(apperr.Validation, "invalid username")
	}
	set := map[string]bool{requester: true}
	for _, m := range members {
		m = strings.ToLower(strings.TrimSpace(m))
		if !sanitize.ValidUsername(m) {
			return nil, apperr.New(apperr.Validation, "invalid member username")
		}
		set[m] = true
	}
	if len(set) < 2 {
		return nil, apperr.New(apperr.Validation, "private room needs at least one other member")
	}
	all := make([]string, 0, len(set))
	for m := range set {
		all = append(all, m)
	}
	sort.Strings(all)

	room := &Room{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:      PrivateName(all),
		Type:      TypePrivate,
		CreatedAt: r.now(),
		UserCount: len(all),
		Members:   all,
	}
	if _, err := r.storeNew(ctx, room); err != nil {
		return nil, err
	}
	for _, m := range all {
		if err := r.presence.Mark(ctx, room.ID, m); err != nil {
			return nil, err
		}
	}
	r.fanOut(ctx, all, "rooms-updated", roomEvent{RoomID: room.ID, Action: "created"})
	return room, nil
}

func (r *Registry) storeNew(ctx context.Context, room *Room) (bool, error) {
	raw, err := json.Marshal(room)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "encode room", err)
	}
	won, err := r.store.SetNX(ctx, recordKey(room.ID), string(raw), 0)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "store room", err)
	}
	return won, nil
}

func (r *Registry) save(ctx context.Context, room *Room) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode room", err)
	}
	if err := r.store.Set(ctx, recordKey(room.ID), string(raw), 0); err != nil {
		return apperr.Wrap(apperr.Internal, "store room", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, roomID string) (*Room, error) {
	if !sanitize.ValidRoomID(roomID) {
		return nil, apperr.New(apperr.Validation, "invalid room id")
	}
	raw, err := r.store.Get(ctx, recordKey(roomID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "room not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read room", err)
	}
	var room Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode room", err)
	}
	return &room, nil
}

// RefreshCount recomputes the room's occupancy from live presence entries
// and writes it back into the record. Must run before occupancy is returned
// to a client; it is never maintained incrementally.
func (r *Registry) RefreshCount(ctx context.Context, roomID string) (int, []string, error) {
	active, err := r.presence.ActiveUsers(ctx, roomID)
	if err != nil {
		return 0, nil, err
	}
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return 0, nil, err
	}
	if room.UserCount != len(active) {
		room.UserCount = len(active)
		if err := r.save(ctx, room); err != nil {
			return 0, nil, err
		}
	}
	return len(active), active, nil
}

// GetView returns the room with a fresh occupancy count.
func (r *Registry) GetView(ctx context.Context, roomID string) (*View, error) {
	count, active, err := r.RefreshCount(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.UserCount = count
	return &View{Room: *room, ActiveUsers: active}, nil
}

// ListVisible returns public rooms plus the private rooms the viewer belongs
// to, each with fresh occupancy. An empty viewer sees only public rooms.
// Malformed records are skipped rather than failing the listing.
func (r *Registry) ListVisible(ctx context.Context, viewer string) ([]View, error) {
	keys, err := store.ScanAll(ctx, r.store, recordPrefix+"*")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan rooms", err)
	}
	views := make([]View, 0, len(keys))
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var room Room
		if err := json.Unmarshal([]byte(raw), &room); err != nil {
			log.Warn().Str("key", k).Msg("skipping malformed room record")
			continue
		}
		if room.IsPrivate() && (viewer == "" || !room.HasMember(viewer)) {
			continue
		}
		count, active, err := r.RefreshCount(ctx, room.ID)
		if err != nil {
			// deleted between the scan and the re-read
			if apperr.KindOf(err) == apperr.NotFound {
				continue
			}
			return nil, err
		}
		room.UserCount = count
		views = append(views, View{Room: room, ActiveUsers: active})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

// Delete removes a room. Public rooms require the admin and are purged
// outright. For private rooms this is "leave": the requester is dropped from
// the member list, and a room left with fewer than two members is purged
// because there is no one left to chat with.
func (r *Registry) Delete(ctx context.Context, roomID, requester string) error {
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsPrivate() {
		if requester != r.admin {
			return apperr.New(apperr.Forbidden, "only the admin can delete public rooms")
		}
		if err := r.purge(ctx, room); err != nil {
			return err
		}
		r.publish(ctx, broadcast.RoomsChannel, "rooms-updated", roomEvent{RoomID: room.ID, Action: "deleted"})
		return nil
	}

	if !room.HasMember(requester) {
		return apperr.New(apperr.Forbidden, "not a member of this room")
	}
	remaining := make([]string, 0, len(room.Members)-1)
	for _, m := range room.Members {
		if m != requester {
			remaining = append(remaining, m)
		}
	}
	if err := r.presence.Clear(ctx, roomID, requester); err != nil {
		return err
	}

	if len(remaining) <= 1 {
		notify := room.Members
		if err := r.purge(ctx, room); err != nil {
			return err
		}
		r.fanOut(ctx, notify, "rooms-updated", roomEvent{RoomID: room.ID, Action: "deleted"})
		return nil
	}

	room.Members = remaining
	room.Name = PrivateName(remaining)
	room.UserCount = len(remaining)
	if err := r.save(ctx, room); err != nil {
		return err
	}
	r.fanOut(ctx, room.Members, "rooms-updated", roomEvent{RoomID: room.ID, Action: "member-left"})
	return nil
}

func (r *Registry) purge(ctx context.Context, room *Room) error {
	if _, err := r.store.Del(ctx, recordKey(room.ID)); err != nil {
		return apperr.Wrap(apperr.Internal, "delete room", err)
	}
	if r.messages != nil {
		if err := r.messages.PurgeRoom(ctx, room.ID); err != nil {
			return err
		}
	}
	return r.presence.ClearRoom(ctx, room.ID)
}

// Join marks the user present and announces the new occupancy.
func (r *Registry) Join(ctx context.Context, roomID, username string) (*View, error) {
	if !sanitize.ValidUsername(username) {
		return nil, apperr.New(apperr.Validation, "invalid username")
	}
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.IsPrivate() && !room.HasMember(username) {
		return nil, apperr.New(apperr.Forbidden, "not a member of this room")
	}
	// Joining may be a user's first action; create the record now.
	if _, err := r.users.Ensure(ctx, username); err != nil {
		return nil, err
	}
	if err := r.presence.Mark(ctx, roomID, username); err != nil {
		return nil, err
	}
	view, err := r.GetView(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, broadcast.RoomChannel(roomID), "presence", presenceEvent{
		RoomID: roomID, Username: username, Action: "join", Online: view.UserCount,
	})
	return view, nil
}

// Leave clears the user's presence and announces the new occupancy.
func (r *Registry) Leave(ctx context.Context, roomID, username string) error {
	room, err := r.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.presence.Clear(ctx, roomID, username); err != nil {
		return err
	}
	count, _, err := r.RefreshCount(ctx, roomID)
	if err != nil {
		return err
	}
	r.publish(ctx, broadcast.RoomChannel(room.ID), "presence", presenceEvent{
		RoomID: roomID, Username: username, Action: "leave", Online: count,
	})
	return nil
}

// Switch moves presence between rooms. Presence is only cleared when leaving
// a public room; stepping out of a private conversation must not show the
// member as offline to the others.
func (r *Registry) Switch(ctx context.Context, fromID, toID, username string) (*View, error) {
	if fromID != "" {
		from, err := r.Get(ctx, fromID)
		if err == nil && !from.IsPrivate() {
			if err := r.Leave(ctx, fromID, username); err != nil {
				return nil, err
			}
		}
	}
	return r.Join(ctx, toID, username)
}

type roomEvent struct {
	RoomID string `json:"roomId"`
	Action string `json:"action"`
}

type presenceEvent struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Action   string `json:"action"`
	Online   int    `json:"online"`
}

// publish sends one event; failures are logged and swallowed so they never
// fail the mutation that triggered them.
func (r *Registry) publish(ctx context.Context, channel, event string, payload any) {
	if err := r.bcast.Publish(ctx, channel, event, payload); err != nil {
		metrics.BroadcastFailures.Inc()
		log.Warn().Err(err).Str("channel", channel).Str("event", event).Msg("broadcast failed")
	}
}

// fanOut publishes the same event to each member's personal channel
// concurrently and waits for all of them.
func (r *Registry) fanOut(ctx context.Context, usernames []string, event string, payload any) {
	var wg sync.WaitGroup
	for _, u := range usernames {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			r.publish(ctx, broadcast.UserChannel(u), event, payload)
		}(u)
	}
	wg.Wait()
}
