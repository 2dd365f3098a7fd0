package chat

import (
	"sync"
	"testing"

	"pharmachat/pkg/domain"
)

type recordingSink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (s *recordingSink) Send(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *recordingSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.envs))
	for _, env := range s.envs {
		out = append(out, env.Event)
	}
	return out
}

func TestBroadcasterPublishReachesSubscribersOnly(t *testing.T) {
	b := NewBroadcaster()
	room := domain.RoomID(1)
	a, c, d := &recordingSink{}, &recordingSink{}, &recordingSink{}
	b.Attach("conn-a", a)
	b.Attach("conn-c", c)
	b.Attach("conn-d", d)
	b.Subscribe("conn-a", room)
	b.Subscribe("conn-c", room)

	b.Publish(room, NewEnvelope("ping", nil))

	if len(a.events()) != 1 || len(c.events()) != 1 {
		t.Fatalf("expected subscribers to receive 1 event, got %d and %d", len(a.events()), len(c.events()))
	}
	if len(d.events()) != 0 {
		t.Fatalf("unsubscribed connection received %d events", len(d.events()))
	}
}

func TestBroadcasterPublishExceptSkipsOriginator(t *testing.T) {
	b := NewBroadcaster()
	room := domain.RoomID(1)
	a, c := &recordingSink{}, &recordingSink{}
	b.Attach("conn-a", a)
	b.Attach("conn-c", c)
	b.Subscribe("conn-a", room)
	b.Subscribe("conn-c", room)

	b.PublishExcept(room, "conn-a", NewEnvelope("ping", nil))

	if len(a.events()) != 0 {
		t.Fatalf("originator received %d events", len(a.events()))
	}
	if len(c.events()) != 1 {
		t.Fatalf("expected other subscriber to receive 1 event, got %d", len(c.events()))
	}
}

func TestBroadcasterSubscribeIdempotent(t *testing.T) {
	b := NewBroadcaster()
	room := domain.RoomID(7)
	sink := &recordingSink{}
	b.Attach("conn-a", sink)
	b.Subscribe("conn-a", room)
	b.Subscribe("conn-a", room)

	b.Publish(room, NewEnvelope("ping", nil))

	if got := len(sink.events()); got != 1 {
		t.Fatalf("double subscribe caused %d deliveries, want 1", got)
	}

	b.Unsubscribe("conn-a", room)
	b.Unsubscribe("conn-a", room)
	b.Publish(room, NewEnvelope("ping", nil))
	if got := len(sink.events()); got != 1 {
		t.Fatalf("publish after unsubscribe delivered, total %d events", got)
	}
}

func TestBroadcasterDetachRemovesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster()
	sink := &recordingSink{}
	b.Attach("conn-a", sink)
	b.Subscribe("conn-a", 1)
	b.Subscribe("conn-a", 2)

	b.Detach("conn-a")

	b.Publish(1, NewEnvelope("ping", nil))
	b.Publish(2, NewEnvelope("ping", nil))
	b.PublishGlobal(NewEnvelope("ping", nil))
	if got := len(sink.events()); got != 0 {
		t.Fatalf("detached connection received %d events", got)
	}
	if b.Subscribed("conn-a", 1) {
		t.Fatalf("detached connection still subscribed")
	}
}

func TestBroadcasterSubscribeWithoutAttachIsIgnored(t *testing.T) {
	b := NewBroadcaster()
	b.Subscribe("ghost", 1)
	if b.Subscribed("ghost", 1) {
		t.Fatalf("unattached connection was subscribed")
	}
}

func TestBroadcasterPublishGlobalReachesEveryone(t *testing.T) {
	b := NewBroadcaster()
	a, c := &recordingSink{}, &recordingSink{}
	b.Attach("conn-a", a)
	b.Attach("conn-c", c)
	b.Subscribe("conn-a", 1)

	b.PublishGlobal(NewEnvelope("announce", nil))

	if len(a.events()) != 1 || len(c.events()) != 1 {
		t.Fatalf("global publish missed a connection: %d and %d", len(a.events()), len(c.events()))
	}
}
