package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pharmachat/pkg/domain"
)

func seedRoom(t *testing.T, s *MemoryStore, members ...domain.PharmacistID) domain.Room {
	t.Helper()
	ctx := context.Background()
	for _, id := range members {
		s.SeedPharmacist(domain.Pharmacist{ID: id, Name: fmt.Sprintf("pharmacist-%d", id)})
	}
	room, err := s.CreateRoom(ctx, domain.Room{Name: "Dispensary", Kind: domain.RoomGeneral, CreatedBy: members[0]})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, id := range members[1:] {
		if _, err := s.UpsertActiveMembership(ctx, room.ID, id, false); err != nil {
			t.Fatalf("add member %d: %v", id, err)
		}
	}
	return room
}

func insertAt(t *testing.T, s *MemoryStore, room domain.RoomID, sender domain.PharmacistID, body string, at time.Time) domain.MessageView {
	t.Helper()
	view, err := s.InsertMessage(context.Background(), domain.Message{
		RoomID: room, SenderID: sender, Body: body, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return view
}

func TestListRoomMessagesPagesNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room := seedRoom(t, s, 1, 2)
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		insertAt(t, s, room.ID, 1, fmt.Sprintf("m%d", i+1), base.Add(time.Duration(i)*time.Minute))
	}

	// Page 1 holds the newest messages, returned in chronological order.
	page1, err := s.ListRoomMessages(ctx, room.ID, MessagePage{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].Body != "m4" || page1[1].Body != "m5" {
		t.Fatalf("unexpected page 1: %+v", page1)
	}

	page2, err := s.ListRoomMessages(ctx, room.ID, MessagePage{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2) != 2 || page2[0].Body != "m2" || page2[1].Body != "m3" {
		t.Fatalf("unexpected page 2: %+v", page2)
	}

	// The final partial page, then an empty one past the end.
	page3, err := s.ListRoomMessages(ctx, room.ID, MessagePage{Page: 3, Limit: 2})
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(page3) != 1 || page3[0].Body != "m1" {
		t.Fatalf("unexpected page 3: %+v", page3)
	}
	page4, err := s.ListRoomMessages(ctx, room.ID, MessagePage{Page: 4, Limit: 2})
	if err != nil || len(page4) != 0 {
		t.Fatalf("page past the end: %+v err=%v", page4, err)
	}
}

func TestListRoomMessagesSkipsDeleted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room := seedRoom(t, s, 1)
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	insertAt(t, s, room.ID, 1, "keep", base)
	gone := insertAt(t, s, room.ID, 1, "drop", base.Add(time.Minute))
	if err := s.SoftDeleteMessage(ctx, gone.ID, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	msgs, err := s.ListRoomMessages(ctx, room.ID, MessagePage{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "keep" {
		t.Fatalf("deleted message leaked: %+v", msgs)
	}
}

func TestUpsertReadMarkerIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room := seedRoom(t, s, 1, 2)
	msg := insertAt(t, s, room.ID, 1, "hello", time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC))

	later := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := s.UpsertReadMarker(ctx, msg.ID, 2, later); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A stale receipt must not move the marker backwards.
	if err := s.UpsertReadMarker(ctx, msg.ID, 2, earlier); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}
	if at, ok := s.ReadMarker(msg.ID, 2); !ok || !at.Equal(later) {
		t.Fatalf("marker regressed: at=%v ok=%v", at, ok)
	}
}

func TestMarkRoomReadCountsAndIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room := seedRoom(t, s, 1, 2)
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	m1 := insertAt(t, s, room.ID, 2, "from other", base)
	m2 := insertAt(t, s, room.ID, 2, "also other", base.Add(time.Minute))
	own := insertAt(t, s, room.ID, 1, "own message", base.Add(2*time.Minute))

	// Own messages never count as unread.
	covered, err := s.MarkRoomRead(ctx, room.ID, 1, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if covered != 2 {
		t.Fatalf("covered = %d, want 2", covered)
	}
	for _, id := range []domain.MessageID{m1.ID, m2.ID} {
		if _, ok := s.ReadMarker(id, 1); !ok {
			t.Fatalf("no read marker for message %d", id)
		}
	}
	if _, ok := s.ReadMarker(own.ID, 1); ok {
		t.Fatalf("read marker recorded for the reader's own message")
	}

	// Repeating with an older timestamp is a no-op.
	covered, err = s.MarkRoomRead(ctx, room.ID, 1, base.Add(time.Minute))
	if err != nil || covered != 0 {
		t.Fatalf("stale mark covered=%d err=%v, want 0", covered, err)
	}

	// Only messages without a marker count on the next sweep.
	insertAt(t, s, room.ID, 2, "new arrival", base.Add(4*time.Minute))
	covered, err = s.MarkRoomRead(ctx, room.ID, 1, base.Add(5*time.Minute))
	if err != nil || covered != 1 {
		t.Fatalf("second mark covered=%d err=%v, want 1", covered, err)
	}

	if _, err := s.MarkRoomRead(ctx, room.ID, 99, base); err != ErrNotMember {
		t.Fatalf("non-member mark read: %v, want ErrNotMember", err)
	}
}

func TestReplaceReactionKeepsOnePerPharmacist(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room := seedRoom(t, s, 1, 2)
	msg := insertAt(t, s, room.ID, 1, "hello", time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC))

	if err := s.ReplaceReaction(ctx, domain.Reaction{MessageID: msg.ID, Pharmacist: 2, Emoji: "👍"}); err != nil {
		t.Fatalf("react: %v", err)
	}
	if err := s.ReplaceReaction(ctx, domain.Reaction{MessageID: msg.ID, Pharmacist: 2, Emoji: "🎉"}); err != nil {
		t.Fatalf("re-react: %v", err)
	}

	msgs, err := s.ListRoomMessages(ctx, room.ID, MessagePage{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Reactions) != 1 || msgs[0].Reactions[0].Emoji != "🎉" {
		t.Fatalf("unexpected reactions: %+v", msgs[0].Reactions)
	}

	if err := s.DeleteReaction(ctx, msg.ID, 2); err != nil {
		t.Fatalf("delete reaction: %v", err)
	}
	msgs, _ = s.ListRoomMessages(ctx, room.ID, MessagePage{})
	if len(msgs[0].Reactions) != 0 {
		t.Fatalf("reaction survived removal: %+v", msgs[0].Reactions)
	}
}

func TestLeaveAndRejoinKeepsReadState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room := seedRoom(t, s, 1, 2)
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	insertAt(t, s, room.ID, 1, "before leave", base)

	if _, err := s.MarkRoomRead(ctx, room.ID, 2, base.Add(time.Minute)); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := s.DeactivateMembership(ctx, room.ID, 2); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := s.MarkRoomRead(ctx, room.ID, 2, base.Add(2*time.Minute)); err != ErrNotMember {
		t.Fatalf("inactive member mark read: %v, want ErrNotMember", err)
	}

	member, err := s.UpsertActiveMembership(ctx, room.ID, 2, false)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if member.LastReadAt == nil || !member.LastReadAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("read marker lost across rejoin: %+v", member.LastReadAt)
	}

	// Messages sent before the old marker stay read after rejoining.
	rooms, err := s.ListRoomsFor(ctx, 2, RoomFilter{})
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].UnreadCount != 0 {
		t.Fatalf("unexpected summaries: %+v", rooms)
	}
}

func TestListRoomsForSummaries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room := seedRoom(t, s, 1, 2)
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	insertAt(t, s, room.ID, 1, "first", base)
	insertAt(t, s, room.ID, 1, "latest", base.Add(time.Minute))

	rooms, err := s.ListRoomsFor(ctx, 2, RoomFilter{})
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(rooms))
	}
	got := rooms[0]
	if got.MemberCount != 2 || got.UnreadCount != 2 {
		t.Fatalf("counts: members=%d unread=%d", got.MemberCount, got.UnreadCount)
	}
	if got.LastMessage != "latest" || got.LastSenderID != 1 {
		t.Fatalf("last message preview: %+v", got)
	}

	// A kind filter that matches nothing returns an empty list.
	none, err := s.ListRoomsFor(ctx, 2, RoomFilter{Kind: domain.RoomPrivate})
	if err != nil || len(none) != 0 {
		t.Fatalf("filter leaked rooms: %+v err=%v", none, err)
	}
}
