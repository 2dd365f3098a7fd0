package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"pharmachat/pkg/domain"
)

func page(room domain.RoomID, texts ...string) []domain.MessageView {
	out := make([]domain.MessageView, 0, len(texts))
	for i, text := range texts {
		out = append(out, domain.MessageView{
			Message: domain.Message{
				ID:     domain.MessageID(i + 1),
				RoomID: room,
				Body:   text,
			},
			SenderName: "Asha",
		})
	}
	return out
}

func TestMessagesRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr(), "", time.Minute)
	ctx := context.Background()

	if _, ok := c.GetMessages(ctx, 1, 1, 50); ok {
		t.Fatalf("cold cache reported a hit")
	}

	want := page(1, "hello", "world")
	c.SetMessages(ctx, 1, 1, 50, want)

	got, ok := c.GetMessages(ctx, 1, 1, 50)
	if !ok {
		t.Fatalf("expected a hit after set")
	}
	if len(got) != 2 || got[0].Body != "hello" || got[1].SenderName != "Asha" {
		t.Fatalf("unexpected cached page %+v", got)
	}

	// A different page or limit is a separate entry.
	if _, ok := c.GetMessages(ctx, 1, 2, 50); ok {
		t.Fatalf("page 2 hit without a set")
	}
	if _, ok := c.GetMessages(ctx, 1, 1, 20); ok {
		t.Fatalf("different limit shared the entry")
	}
}

func TestInvalidateRoomDropsAllPages(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr(), "", time.Minute)
	ctx := context.Background()

	c.SetMessages(ctx, 1, 1, 50, page(1, "a"))
	c.SetMessages(ctx, 1, 2, 50, page(1, "b"))
	c.SetMessages(ctx, 2, 1, 50, page(2, "c"))

	c.InvalidateRoom(ctx, 1)

	if _, ok := c.GetMessages(ctx, 1, 1, 50); ok {
		t.Fatalf("page 1 survived invalidation")
	}
	if _, ok := c.GetMessages(ctx, 1, 2, 50); ok {
		t.Fatalf("page 2 survived invalidation")
	}
	if _, ok := c.GetMessages(ctx, 2, 1, 50); !ok {
		t.Fatalf("other room's page was dropped")
	}
}

func TestEntriesExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr(), "", time.Minute)
	ctx := context.Background()

	c.SetMessages(ctx, 1, 1, 50, page(1, "a"))
	mr.FastForward(2 * time.Minute)

	if _, ok := c.GetMessages(ctx, 1, 1, 50); ok {
		t.Fatalf("entry survived past its TTL")
	}
}

func TestRedisDownDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr(), "", time.Minute)
	ctx := context.Background()

	c.SetMessages(ctx, 1, 1, 50, page(1, "a"))
	mr.Close()

	if _, ok := c.GetMessages(ctx, 1, 1, 50); ok {
		t.Fatalf("hit reported while redis was unreachable")
	}
	// Writes and invalidations must not panic or error either.
	c.SetMessages(ctx, 1, 1, 50, page(1, "b"))
	c.InvalidateRoom(ctx, 1)
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	ctx := context.Background()
	if _, ok := c.GetMessages(ctx, 1, 1, 50); ok {
		t.Fatalf("nil cache reported a hit")
	}
	c.SetMessages(ctx, 1, 1, 50, page(1, "a"))
	c.InvalidateRoom(ctx, 1)
}
