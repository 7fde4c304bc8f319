package message

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/broadcast"
	"github.com/afar1/ryos/internal/identity"
	"github.com/afar1/ryos/internal/limiter"
	"github.com/afar1/ryos/internal/presence"
	"github.com/afar1/ryos/internal/room"
	"github.com/afar1/ryos/internal/store"
)

const admin = "ryo"

type fixture struct {
	msgs  *Store
	rooms *room.Registry
	pres  *presence.Tracker
	rec   *broadcast.Recorder
	mem   *store.Memory
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := store.NewMemory()
	mem.Now = clock

	pres := presence.NewTracker(mem, 24*time.Hour).WithClock(clock)
	rec := broadcast.NewRecorder()
	users := identity.NewService(mem).WithClock(clock)
	rooms := room.NewRegistry(mem, users, pres, rec, admin).WithClock(clock)
	burst := limiter.NewBurst(mem).WithClock(clock)
	msgs := NewStore(mem, rooms, pres, users, burst, rec, admin).WithClock(clock)
	rooms.SetMessagePurger(msgs)

	if _, err := rooms.Create(context.Background(), admin, "general", room.TypePublic, nil); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	return &fixture{msgs: msgs, rooms: rooms, pres: pres, rec: rec, mem: mem, now: &now}
}

// step advances the clock far enough to clear every burst constraint.
func (f *fixture) step() { *f.now = f.now.Add(11 * time.Second) }

func TestSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.msgs.Send(ctx, "general", "alice", "hello world")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.Content != "hello world" || msg.Username != "alice" || msg.RoomID != "general" {
		t.Errorf("Send() = %+v", msg)
	}
	if msg.ID == "" {
		t.Error("message has no id")
	}

	got, err := f.msgs.GetRecent(ctx, "general")
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "hello world" {
		t.Errorf("GetRecent() = %+v, want the sent message", got)
	}

	// the sender was created lazily and marked present
	users, _ := f.pres.ActiveUsers(ctx, "general")
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("ActiveUsers() = %v, want [alice]", users)
	}
}

func TestSend_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.msgs.Send(ctx, "general", "alice", "hello world"); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	f.step()
	_, err := f.msgs.Send(ctx, "general", "alice", "hello world")
	if apperr.KindOf(err) != apperr.Validation {
		t.Errorf("duplicate Send() kind = %v, want Validation", apperr.KindOf(err))
	}

	// different content, different sender, or different room all pass
	f.step()
	if _, err := f.msgs.Send(ctx, "general", "alice", "something else"); err != nil {
		t.Errorf("different content rejected: %v", err)
	}
	f.step()
	if _, err := f.msgs.Send(ctx, "general", "bob", "something else"); err != nil {
		t.Errorf("same content from another user rejected: %v", err)
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		roomID   string
		username string
		content  string
		wantKind apperr.Kind
	}{
		{"bad username", "general", "-alice", "hi", apperr.Validation},
		{"bad room id", "not/valid", "alice", "hi", apperr.Validation},
		{"missing room", "nosuchroom", "alice", "hi", apperr.NotFound},
		{"empty content", "general", "alice", "   ", apperr.Validation},
		{"oversized content", "general", "alice", strings.Repeat("a", 1001), apperr.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.msgs.Send(ctx, tt.roomID, tt.username, tt.content)
			if apperr.KindOf(err) != tt.wantKind {
				t.Errorf("Send() kind = %v, want %v (err=%v)", apperr.KindOf(err), tt.wantKind, err)
			}
		})
	}
}

func TestSend_SanitizesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.msgs.Send(ctx, "general", "alice", `<b>shit</b> see https://x.io/shit`)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if strings.Contains(msg.Content, "<b>") {
		t.Errorf("markup not escaped: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "****") {
		t.Errorf("profanity not masked: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "https://x.io/shit") {
		t.Errorf("URL corrupted: %q", msg.Content)
	}
}

func TestSend_HistoryBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < historyLimit+20; i++ {
		if _, err := f.msgs.Send(ctx, "general", "alice", fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
		f.step()
	}
	entries, _ := f.mem.LRange(ctx, "messages:general", 0, -1)
	if len(entries) != historyLimit {
		t.Errorf("stored log has %d entries, want %d", len(entries), historyLimit)
	}

	got, _ := f.msgs.GetRecent(ctx, "general")
	if len(got) != recentLimit {
		t.Errorf("GetRecent() returned %d, want %d", len(got), recentLimit)
	}
	// newest first
	if got[0].Content != fmt.Sprintf("message %d", historyLimit+19) {
		t.Errorf("GetRecent()[0] = %q, want the newest message", got[0].Content)
	}
}

func TestSend_BurstLimitedInPublicRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.msgs.Send(ctx, "general", "alice", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
		*f.now = f.now.Add(3 * time.Second)
	}
	_, err := f.msgs.Send(ctx, "general", "alice", "m3")
	if apperr.KindOf(err) != apperr.RateLimited {
		t.Errorf("4th Send() kind = %v, want RateLimited", apperr.KindOf(err))
	}
}

func TestSend_PrivateRoomsExemptFromBurst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, err := f.rooms.Create(ctx, "alice", "", room.TypePrivate, []string{"bob"})
	if err != nil {
		t.Fatalf("create private room: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := f.msgs.Send(ctx, rm.ID, "alice", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("private Send(%d) error = %v", i, err)
		}
	}
}

func TestSend_PrivateRoomFansOutToMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, _ := f.rooms.Create(ctx, "alice", "", room.TypePrivate, []string{"bob"})

	if _, err := f.msgs.Send(ctx, rm.ID, "alice", "psst"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	roomEvents := 0
	for _, e := range f.rec.On(broadcast.RoomChannel(rm.ID)) {
		if e.Event == "message" {
			roomEvents++
		}
	}
	if roomEvents != 1 {
		t.Errorf("room channel message events = %d, want 1", roomEvents)
	}
	for _, member := range []string{"alice", "bob"} {
		got := 0
		for _, e := range f.rec.On(broadcast.UserChannel(member)) {
			if e.Event == "message" {
				got++
			}
		}
		if got != 1 {
			t.Errorf("%s personal channel message events = %d, want 1", member, got)
		}
	}
}

func TestSend_PrivateRoomNonMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rm, _ := f.rooms.Create(ctx, "alice", "", room.TypePrivate, []string{"bob"})

	_, err := f.msgs.Send(ctx, rm.ID, "mallory", "let me in")
	if apperr.KindOf(err) != apperr.Forbidden {
		t.Errorf("Send() kind = %v, want Forbidden", apperr.KindOf(err))
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, _ := f.msgs.Send(ctx, "general", "alice", "delete me")

	if err := f.msgs.Delete(ctx, "general", msg.ID, "alice"); apperr.KindOf(err) != apperr.Forbidden {
		t.Errorf("non-admin Delete() kind = %v, want Forbidden", apperr.KindOf(err))
	}

	if err := f.msgs.Delete(ctx, "general", msg.ID, admin); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, _ := f.msgs.GetRecent(ctx, "general")
	if len(got) != 0 {
		t.Errorf("GetRecent() after delete = %+v, want empty", got)
	}

	if err := f.msgs.Delete(ctx, "general", msg.ID, admin); apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("repeat Delete() kind = %v, want NotFound", apperr.KindOf(err))
	}
}

func TestGetRecent_DropsMalformedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.msgs.Send(ctx, "general", "alice", "fine")
	f.mem.LPush(ctx, "messages:general", "{corrupted")

	got, err := f.msgs.GetRecent(ctx, "general")
	if err != nil {
		t.Fatalf("GetRecent() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "fine" {
		t.Errorf("GetRecent() = %+v, want only the valid message", got)
	}
}

func TestGetBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rooms.Create(ctx, admin, "random", room.TypePublic, nil)
	f.msgs.Send(ctx, "general", "alice", "one")
	f.msgs.Send(ctx, "random", "bob", "two")

	got, invalid, err := f.msgs.GetBulk(ctx, []string{"general", "random", "ghost", "BAD ID"})
	if err != nil {
		t.Fatalf("GetBulk() error = %v", err)
	}
	if len(got) != 2 || len(got["general"]) != 1 || len(got["random"]) != 1 {
		t.Errorf("GetBulk() = %+v", got)
	}
	if len(invalid) != 2 {
		t.Errorf("invalid = %v, want [ghost BAD ID]", invalid)
	}
}

func TestPurgeRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.msgs.Send(ctx, "general", "alice", "bye")

	if err := f.msgs.PurgeRoom(ctx, "general"); err != nil {
		t.Fatalf("PurgeRoom() error = %v", err)
	}
	entries, _ := f.mem.LRange(ctx, "messages:general", 0, -1)
	if len(entries) != 0 {
		t.Errorf("log after purge = %v, want empty", entries)
	}
}

func TestEndToEndFirstMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// fresh user, no prior record: send works and the user exists afterwards
	msg, err := f.msgs.Send(ctx, "general", "alice", "hello world")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, _ := f.msgs.GetRecent(ctx, "general")
	if len(got) != 1 || got[0].Content != "hello world" || got[0].Username != "alice" {
		t.Fatalf("GetRecent() = %+v", got)
	}
	_ = msg

	// identical resend is rejected as a duplicate
	f.step()
	if _, err := f.msgs.Send(ctx, "general", "alice", "hello world"); apperr.KindOf(err) != apperr.Validation {
		t.Errorf("identical resend kind = %v, want Validation", apperr.KindOf(err))
	}
}
