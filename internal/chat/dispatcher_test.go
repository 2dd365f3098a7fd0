package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"pharmachat/internal/ratelimit"
	"pharmachat/pkg/domain"
	"pharmachat/pkg/store"
)

type fixture struct {
	store       *store.MemoryStore
	registry    *Registry
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
}

func newFixture(t *testing.T, msgLimit int) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.SeedPharmacist(domain.Pharmacist{ID: 1, Name: "Asha", Email: "asha@pharm.example"})
	st.SeedPharmacist(domain.Pharmacist{ID: 2, Name: "Bineta", Email: "bineta@pharm.example"})
	st.SeedPharmacist(domain.Pharmacist{ID: 3, Name: "Chir", Email: "chir@pharm.example"})
	limiter, err := ratelimit.NewSlidingWindowLimiter(msgLimit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	registry := NewRegistry(st)
	broadcaster := NewBroadcaster()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:       st,
		registry:    registry,
		broadcaster: broadcaster,
		dispatcher:  NewDispatcher(st, registry, broadcaster, limiter, nil, log),
	}
}

func (f *fixture) connect(t *testing.T, id domain.PharmacistID, conn domain.ConnID) (Session, *recordingSink) {
	t.Helper()
	p, ok, err := f.store.GetPharmacistByID(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("pharmacist %d not seeded", id)
	}
	sess := Session{Conn: conn, Pharmacist: p}
	sink := &recordingSink{}
	if err := f.dispatcher.Connect(context.Background(), sess, sink); err != nil {
		t.Fatalf("connect %s: %v", conn, err)
	}
	return sess, sink
}

func (f *fixture) newRoom(t *testing.T, creator domain.PharmacistID, members ...domain.PharmacistID) domain.RoomID {
	t.Helper()
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, domain.Room{Name: "dispensary", Kind: domain.RoomGeneral, CreatedBy: creator})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, m := range members {
		if _, err := f.store.UpsertActiveMembership(ctx, room.ID, m, false); err != nil {
			t.Fatalf("add member %d: %v", m, err)
		}
	}
	return room.ID
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func lastEvent(t *testing.T, sink *recordingSink, want string) Envelope {
	t.Helper()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := len(sink.envs) - 1; i >= 0; i-- {
		if sink.envs[i].Event == want {
			return sink.envs[i]
		}
	}
	t.Fatalf("no %q event delivered, got %v", want, eventNames(sink.envs))
	return Envelope{}
}

func eventNames(envs []Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Event)
	}
	return out
}

func countEvents(sink *recordingSink, name string) int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	n := 0
	for _, e := range sink.envs {
		if e.Event == name {
			n++
		}
	}
	return n
}

func TestSendMessageBroadcastsToEveryoneInRoom(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1, 2)
	sender, senderSink := f.connect(t, 1, "conn-1")
	_, otherSink := f.connect(t, 2, "conn-2")

	f.dispatcher.Dispatch(context.Background(), sender, Envelope{
		Event: EvtSendMessage,
		Data:  raw(t, map[string]any{"room_id": room, "message_text": "stock count done"}),
	})

	for _, sink := range []*recordingSink{senderSink, otherSink} {
		env := lastEvent(t, sink, EvtNewMessage)
		var view domain.MessageView
		if err := json.Unmarshal(env.Data, &view); err != nil {
			t.Fatalf("unmarshal new_message: %v", err)
		}
		if view.Body != "stock count done" || view.SenderName != "Asha" {
			t.Fatalf("unexpected message payload: %+v", view)
		}
	}
}

func TestSendMessageRejectedForNonMember(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1)
	outsider, outsiderSink := f.connect(t, 3, "conn-3")
	_, memberSink := f.connect(t, 1, "conn-1")

	f.dispatcher.Dispatch(context.Background(), outsider, Envelope{
		Event: EvtSendMessage,
		Data:  raw(t, map[string]any{"room_id": room, "message_text": "hello"}),
	})

	env := lastEvent(t, outsiderSink, EvtError)
	var payload errorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Message != "You are not a member of this room." {
		t.Fatalf("unexpected error message %q", payload.Message)
	}
	if countEvents(memberSink, EvtNewMessage) != 0 {
		t.Fatalf("non-member send reached the room")
	}
	msgs, _ := f.store.ListRoomMessages(context.Background(), room, store.MessagePage{})
	if len(msgs) != 0 {
		t.Fatalf("rejected message was persisted")
	}
}

func TestSendMessageRejectedWhenMuted(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1, 2)
	if err := f.store.SetMemberMuted(context.Background(), room, 2, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	muted, mutedSink := f.connect(t, 2, "conn-2")
	_, otherSink := f.connect(t, 1, "conn-1")

	f.dispatcher.Dispatch(context.Background(), muted, Envelope{
		Event: EvtSendMessage,
		Data:  raw(t, map[string]any{"room_id": room, "message_text": "let me talk"}),
	})

	env := lastEvent(t, mutedSink, EvtError)
	var payload errorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Message != "You are muted and cannot send messages." {
		t.Fatalf("unexpected error message %q", payload.Message)
	}
	if countEvents(otherSink, EvtNewMessage) != 0 {
		t.Fatalf("muted send reached the room")
	}
	msgs, _ := f.store.ListRoomMessages(context.Background(), room, store.MessagePage{})
	if len(msgs) != 0 {
		t.Fatalf("muted message was persisted")
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	room := f.newRoom(t, 1)
	sender, sink := f.connect(t, 1, "conn-1")

	for i := 0; i < 3; i++ {
		f.dispatcher.Dispatch(context.Background(), sender, Envelope{
			Event: EvtSendMessage,
			Data:  raw(t, map[string]any{"room_id": room, "message_text": "msg"}),
		})
	}

	if got := countEvents(sink, EvtNewMessage); got != 2 {
		t.Fatalf("expected 2 delivered messages, got %d", got)
	}
	if got := countEvents(sink, EvtError); got != 1 {
		t.Fatalf("expected 1 rate limit error, got %d", got)
	}
	msgs, _ := f.store.ListRoomMessages(context.Background(), room, store.MessagePage{})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
}

func TestTypingIndicatorSkipsSenderAndPersistsNothing(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1, 2)
	sender, senderSink := f.connect(t, 1, "conn-1")
	_, otherSink := f.connect(t, 2, "conn-2")

	f.dispatcher.Dispatch(context.Background(), sender, Envelope{
		Event: EvtStartTyping,
		Data:  raw(t, map[string]any{"room_id": room}),
	})

	env := lastEvent(t, otherSink, EvtUserTyping)
	var payload typingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal typing payload: %v", err)
	}
	if !payload.IsTyping || payload.Name != "Asha" {
		t.Fatalf("unexpected typing payload %+v", payload)
	}
	if countEvents(senderSink, EvtUserTyping) != 0 {
		t.Fatalf("typing echoed to sender")
	}

	f.dispatcher.Dispatch(context.Background(), sender, Envelope{
		Event: EvtStopTyping,
		Data:  raw(t, map[string]any{"room_id": room}),
	})
	env = lastEvent(t, otherSink, EvtUserTyping)
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal typing payload: %v", err)
	}
	if payload.IsTyping {
		t.Fatalf("stop_typing did not clear the flag")
	}
}

func TestReactionReplacesPreviousEmoji(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1, 2)
	sender, _ := f.connect(t, 1, "conn-1")
	reactor, _ := f.connect(t, 2, "conn-2")

	f.dispatcher.Dispatch(context.Background(), sender, Envelope{
		Event: EvtSendMessage,
		Data:  raw(t, map[string]any{"room_id": room, "message_text": "hello"}),
	})
	msgs, _ := f.store.ListRoomMessages(context.Background(), room, store.MessagePage{})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	msgID := msgs[0].ID

	for _, emoji := range []string{"👍", "🎉"} {
		f.dispatcher.Dispatch(context.Background(), reactor, Envelope{
			Event: EvtAddReaction,
			Data:  raw(t, map[string]any{"message_id": msgID, "room_id": room, "emoji": emoji}),
		})
	}

	msgs, _ = f.store.ListRoomMessages(context.Background(), room, store.MessagePage{})
	if len(msgs[0].Reactions) != 1 {
		t.Fatalf("expected a single reaction after replacement, got %d", len(msgs[0].Reactions))
	}
	if msgs[0].Reactions[0].Emoji != "🎉" {
		t.Fatalf("expected latest emoji to win, got %q", msgs[0].Reactions[0].Emoji)
	}

	f.dispatcher.Dispatch(context.Background(), reactor, Envelope{
		Event: EvtRemoveReaction,
		Data:  raw(t, map[string]any{"message_id": msgID, "room_id": room}),
	})
	msgs, _ = f.store.ListRoomMessages(context.Background(), room, store.MessagePage{})
	if len(msgs[0].Reactions) != 0 {
		t.Fatalf("reaction not removed")
	}
}

func TestMarkRoomReadInsertsMarkersAndStaysPrivate(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1, 2)
	sender, senderSink := f.connect(t, 1, "conn-1")
	reader, readerSink := f.connect(t, 2, "conn-2")

	for i := 0; i < 3; i++ {
		f.dispatcher.Dispatch(context.Background(), sender, Envelope{
			Event: EvtSendMessage,
			Data:  raw(t, map[string]any{"room_id": room, "message_text": "note"}),
		})
	}
	senderSink.mu.Lock()
	senderEventsBefore := len(senderSink.envs)
	senderSink.mu.Unlock()

	f.dispatcher.Dispatch(context.Background(), reader, Envelope{
		Event: EvtMarkRoomRead,
		Data:  raw(t, map[string]any{"room_id": room}),
	})

	msgs, err := f.store.ListRoomMessages(context.Background(), room, store.MessagePage{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for _, msg := range msgs {
		if _, ok := f.store.ReadMarker(msg.ID, 2); !ok {
			t.Fatalf("no read marker for message %d", msg.ID)
		}
	}
	summaries, err := f.store.ListRoomsFor(context.Background(), 2, store.RoomFilter{})
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if summaries[0].UnreadCount != 0 {
		t.Fatalf("unread count not cleared, got %d", summaries[0].UnreadCount)
	}
	if countEvents(readerSink, EvtError) != 0 {
		t.Fatalf("mark_room_as_read produced an error")
	}
	// Read state is private to the reader: nothing reaches the rest of the room.
	senderSink.mu.Lock()
	senderEventsAfter := len(senderSink.envs)
	senderSink.mu.Unlock()
	if senderEventsAfter != senderEventsBefore {
		t.Fatalf("mark_room_as_read broadcast %d events to other members",
			senderEventsAfter-senderEventsBefore)
	}
}

func TestLeaveRoomDeactivatesMembershipAndNotifiesOthers(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1, 2)
	_, creatorSink := f.connect(t, 1, "conn-1")
	leaver, leaverSink := f.connect(t, 2, "conn-2")

	f.dispatcher.Dispatch(context.Background(), leaver, Envelope{
		Event: EvtLeaveRoom,
		Data:  raw(t, map[string]any{"room_id": room}),
	})

	member, ok, err := f.store.GetMembership(context.Background(), room, 2)
	if err != nil || !ok {
		t.Fatalf("membership row missing after leave: %v", err)
	}
	if member.Active {
		t.Fatalf("membership still active after leave")
	}
	env := lastEvent(t, creatorSink, EvtUserLeftRoom)
	var payload roomMembershipPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal leave payload: %v", err)
	}
	if payload.Pharmacist != 2 || payload.RoomID != room {
		t.Fatalf("unexpected leave payload %+v", payload)
	}
	if f.broadcaster.Subscribed("conn-2", room) {
		t.Fatalf("leaver still subscribed to the room")
	}

	// Leaving again is rejected: the membership is no longer active.
	f.dispatcher.Dispatch(context.Background(), leaver, Envelope{
		Event: EvtLeaveRoom,
		Data:  raw(t, map[string]any{"room_id": room}),
	})
	errEnv := lastEvent(t, leaverSink, EvtError)
	var errPayload errorPayload
	if err := json.Unmarshal(errEnv.Data, &errPayload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if errPayload.Message != "You are not a member of this room." {
		t.Fatalf("unexpected error message %q", errPayload.Message)
	}
}

func TestJoinRoomSubscribesAndNotifiesOthers(t *testing.T) {
	f := newFixture(t, 100)
	room := f.newRoom(t, 1)
	creator, creatorSink := f.connect(t, 1, "conn-1")
	joiner, joinerSink := f.connect(t, 2, "conn-2")

	f.dispatcher.Dispatch(context.Background(), joiner, Envelope{
		Event: EvtJoinRoom,
		Data:  raw(t, map[string]any{"room_id": room}),
	})

	env := lastEvent(t, creatorSink, EvtUserJoinedRoom)
	var payload roomMembershipPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal join payload: %v", err)
	}
	if payload.Pharmacist != 2 || payload.RoomID != room {
		t.Fatalf("unexpected join payload %+v", payload)
	}
	if countEvents(joinerSink, EvtUserJoinedRoom) != 0 {
		t.Fatalf("join announcement echoed to joiner")
	}

	// The fresh subscription must deliver subsequent messages.
	f.dispatcher.Dispatch(context.Background(), creator, Envelope{
		Event: EvtSendMessage,
		Data:  raw(t, map[string]any{"room_id": room, "message_text": "welcome"}),
	})
	if countEvents(joinerSink, EvtNewMessage) != 1 {
		t.Fatalf("joiner did not receive messages after joining")
	}
}

func TestJoinPrivateRoomRequiresExistingMembership(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	room, err := f.store.CreateRoom(ctx, domain.Room{Name: "leads", Kind: domain.RoomPrivate, CreatedBy: 1})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	outsider, sink := f.connect(t, 3, "conn-3")

	f.dispatcher.Dispatch(ctx, outsider, Envelope{
		Event: EvtJoinRoom,
		Data:  raw(t, map[string]any{"room_id": room.ID}),
	})

	lastEvent(t, sink, EvtError)
	if f.broadcaster.Subscribed("conn-3", room.ID) {
		t.Fatalf("outsider was subscribed to a private room")
	}
}

func TestConnectAnnouncesOnlineOnceAndDisconnectAnnouncesOffline(t *testing.T) {
	f := newFixture(t, 100)
	_, observerSink := f.connect(t, 2, "conn-observer")
	// The observer sees its own online announcement too.
	base := countEvents(observerSink, EvtUserStatusChanged)

	sess1, _ := f.connect(t, 1, "conn-1a")
	if countEvents(observerSink, EvtUserStatusChanged) != base+1 {
		t.Fatalf("first connection did not announce online exactly once")
	}
	sess2, _ := f.connect(t, 1, "conn-1b")
	if countEvents(observerSink, EvtUserStatusChanged) != base+1 {
		t.Fatalf("second device re-announced online")
	}

	f.dispatcher.Disconnect(context.Background(), sess1)
	if countEvents(observerSink, EvtUserStatusChanged) != base+1 {
		t.Fatalf("dropping one of two connections announced offline")
	}
	f.dispatcher.Disconnect(context.Background(), sess2)
	if countEvents(observerSink, EvtUserStatusChanged) != base+2 {
		t.Fatalf("last disconnect did not announce offline")
	}
	env := lastEvent(t, observerSink, EvtUserStatusChanged)
	var payload statusChangedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal status payload: %v", err)
	}
	if payload.Status != domain.StatusOffline || payload.Pharmacist != 1 {
		t.Fatalf("unexpected final status payload %+v", payload)
	}
}

func TestUpdateStatusBroadcastsGlobally(t *testing.T) {
	f := newFixture(t, 100)
	sess, _ := f.connect(t, 1, "conn-1")
	_, observerSink := f.connect(t, 2, "conn-2")

	f.dispatcher.Dispatch(context.Background(), sess, Envelope{
		Event: EvtUpdateStatus,
		Data:  raw(t, map[string]any{"status": "busy"}),
	})

	env := lastEvent(t, observerSink, EvtUserStatusChanged)
	var payload statusChangedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal status payload: %v", err)
	}
	if payload.Status != domain.StatusBusy || payload.Pharmacist != 1 {
		t.Fatalf("unexpected status payload %+v", payload)
	}
}

func TestUnknownEventAnswersSenderOnly(t *testing.T) {
	f := newFixture(t, 100)
	sess, sink := f.connect(t, 1, "conn-1")
	_, otherSink := f.connect(t, 2, "conn-2")

	f.dispatcher.Dispatch(context.Background(), sess, Envelope{Event: "no_such_event"})

	lastEvent(t, sink, EvtError)
	if countEvents(otherSink, EvtError) != 0 {
		t.Fatalf("unknown event leaked to other connections")
	}
}

func TestMarkNotificationReadValidatesID(t *testing.T) {
	f := newFixture(t, 100)
	sess, sink := f.connect(t, 1, "conn-1")

	f.dispatcher.Dispatch(context.Background(), sess, Envelope{
		Event: EvtMarkNotifRead,
		Data:  raw(t, map[string]any{"notification_id": 0}),
	})
	env := lastEvent(t, sink, EvtError)
	var payload errorPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Message != "Invalid notification ID" {
		t.Fatalf("unexpected message %q", payload.Message)
	}

	f.dispatcher.Dispatch(context.Background(), sess, Envelope{
		Event: EvtMarkNotifRead,
		Data:  raw(t, map[string]any{"notification_id": 999}),
	})
	env = lastEvent(t, sink, EvtError)
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Message != "Notification not found" {
		t.Fatalf("unexpected message %q", payload.Message)
	}
}

func TestUpdateNotificationPreferencesAcksSender(t *testing.T) {
	f := newFixture(t, 100)
	sess, sink := f.connect(t, 1, "conn-1")

	// Clients nest the fields under a "preferences" object.
	f.dispatcher.Dispatch(context.Background(), sess, Envelope{
		Event: EvtUpdateNotifPref,
		Data: raw(t, map[string]any{"preferences": map[string]any{
			"daily_notifications": false,
			"push_notifications":  false,
		}}),
	})

	env := lastEvent(t, sink, EvtNotifPrefsUpdated)
	var payload notifPrefsUpdatedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal prefs payload: %v", err)
	}
	if !payload.Success || payload.Preferences.Daily || payload.Preferences.Push {
		t.Fatalf("unexpected prefs payload %+v", payload)
	}
	prefs, err := f.store.GetNotificationPreferences(context.Background(), 1)
	if err != nil {
		t.Fatalf("get prefs: %v", err)
	}
	if prefs.Daily || prefs.Push || !prefs.Weekly {
		t.Fatalf("preferences not persisted correctly: %+v", prefs)
	}
}
