package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"pharmachat/internal/ratelimit"
	"pharmachat/pkg/cache"
	"pharmachat/pkg/domain"
	"pharmachat/pkg/store"
)

const maxMessageLength = 4000

// Session is the immutable identity bound to one connection at admission.
// Nothing a client sends after the handshake can change who it is.
type Session struct {
	Conn       domain.ConnID
	Pharmacist domain.Pharmacist
}

// Scope selects the audience of one broadcast instruction.
type Scope int

const (
	ScopeRoom Scope = iota
	ScopeRoomExcept
	ScopeConn
	ScopeGlobal
)

// Instruction is one outbound delivery decided by a handler. Handlers return
// instructions instead of writing to connections so routing decisions are
// testable without a transport.
type Instruction struct {
	Scope Scope
	Room  domain.RoomID
	Conn  domain.ConnID
	Env   Envelope
}

func toRoom(room domain.RoomID, env Envelope) Instruction {
	return Instruction{Scope: ScopeRoom, Room: room, Env: env}
}

func toRoomExcept(room domain.RoomID, except domain.ConnID, env Envelope) Instruction {
	return Instruction{Scope: ScopeRoomExcept, Room: room, Conn: except, Env: env}
}

func toConn(conn domain.ConnID, env Envelope) Instruction {
	return Instruction{Scope: ScopeConn, Conn: conn, Env: env}
}

func toGlobal(env Envelope) Instruction {
	return Instruction{Scope: ScopeGlobal, Env: env}
}

// Dispatcher routes inbound events to handlers and executes the broadcast
// instructions they return. Handler errors become point-to-point error events
// on the offending connection; they never tear the connection down.
type Dispatcher struct {
	store       store.Store
	registry    *Registry
	broadcaster *Broadcaster
	limiter     *ratelimit.SlidingWindowLimiter
	cache       *cache.Cache
	log         *slog.Logger
}

func NewDispatcher(st store.Store, registry *Registry, broadcaster *Broadcaster, limiter *ratelimit.SlidingWindowLimiter, msgCache *cache.Cache, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       st,
		registry:    registry,
		broadcaster: broadcaster,
		limiter:     limiter,
		cache:       msgCache,
		log:         log,
	}
}

// Connect admits a session: registers presence, subscribes the connection to
// every room the pharmacist is an active member of, and announces the online
// transition when this is the first connection.
func (d *Dispatcher) Connect(ctx context.Context, sess Session, sink Sink) error {
	d.broadcaster.Attach(sess.Conn, sink)
	first, err := d.registry.Register(ctx, sess.Conn, sess.Pharmacist.ID)
	if err != nil {
		d.broadcaster.Detach(sess.Conn)
		return err
	}
	rooms, err := d.store.ListActiveRoomIDs(ctx, sess.Pharmacist.ID)
	if err != nil {
		d.log.Error("list rooms on connect", "pharmacist_id", sess.Pharmacist.ID, "error", err)
	}
	for _, room := range rooms {
		d.broadcaster.Subscribe(sess.Conn, room)
	}
	if first {
		d.execute(statusChanged(sess.Pharmacist.ID, domain.StatusOnline))
	}
	d.log.Info("connected",
		"conn_id", sess.Conn,
		"pharmacist_id", sess.Pharmacist.ID,
		"rooms", len(rooms))
	return nil
}

// Disconnect tears a session down and announces offline when it was the
// pharmacist's last connection.
func (d *Dispatcher) Disconnect(ctx context.Context, sess Session) {
	d.broadcaster.Detach(sess.Conn)
	pharmacist, last, err := d.registry.Unregister(ctx, sess.Conn)
	if err != nil {
		d.log.Error("record offline presence", "pharmacist_id", pharmacist, "error", err)
	}
	if last {
		d.execute(statusChanged(pharmacist, domain.StatusOffline))
	}
	d.log.Info("disconnected", "conn_id", sess.Conn, "pharmacist_id", sess.Pharmacist.ID)
}

func statusChanged(pharmacist domain.PharmacistID, status domain.PresenceStatus) []Instruction {
	return []Instruction{toGlobal(NewEnvelope(EvtUserStatusChanged, statusChangedPayload{
		Pharmacist: pharmacist,
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}))}
}

// Dispatch routes one inbound envelope. Unknown events and handler errors are
// answered on the sender's connection only.
func (d *Dispatcher) Dispatch(ctx context.Context, sess Session, env Envelope) {
	instructions, err := d.Handle(ctx, sess, env)
	if err != nil {
		var engineErr *Error
		if errors.As(err, &engineErr) {
			if engineErr.Kind == KindPersistence {
				d.log.Error("event failed",
					"event", env.Event,
					"conn_id", sess.Conn,
					"pharmacist_id", sess.Pharmacist.ID,
					"error", err)
			}
			d.execute([]Instruction{toConn(sess.Conn, NewEnvelope(EvtError, errorPayload{Message: engineErr.Message}))})
			return
		}
		d.log.Error("event failed",
			"event", env.Event,
			"conn_id", sess.Conn,
			"error", err)
		d.execute([]Instruction{toConn(sess.Conn, NewEnvelope(EvtError, errorPayload{Message: "internal error"}))})
		return
	}
	d.execute(instructions)
}

// Handle routes an envelope and returns the broadcast instructions without
// executing them.
func (d *Dispatcher) Handle(ctx context.Context, sess Session, env Envelope) ([]Instruction, error) {
	switch env.Event {
	case EvtJoinRoom:
		return d.handleJoinRoom(ctx, sess, env.Data)
	case EvtLeaveRoom:
		return d.handleLeaveRoom(ctx, sess, env.Data)
	case EvtSendMessage:
		return d.handleSendMessage(ctx, sess, env.Data)
	case EvtMarkRoomRead:
		return d.handleMarkRoomRead(ctx, sess, env.Data)
	case EvtMarkMessageRead:
		return d.handleMarkMessageRead(ctx, sess, env.Data)
	case EvtAddReaction:
		return d.handleAddReaction(ctx, sess, env.Data)
	case EvtRemoveReaction:
		return d.handleRemoveReaction(ctx, sess, env.Data)
	case EvtStartTyping:
		return d.handleTyping(sess, env.Data, true)
	case EvtStopTyping:
		return d.handleTyping(sess, env.Data, false)
	case EvtUpdateStatus:
		return d.handleUpdateStatus(ctx, sess, env.Data)
	case EvtMarkNotifRead:
		return d.handleMarkNotifRead(ctx, sess, env.Data)
	case EvtUpdateNotifPref:
		return d.handleUpdateNotifPrefs(ctx, sess, env.Data)
	}
	return nil, validationErr("unknown event: " + env.Event)
}

func (d *Dispatcher) execute(instructions []Instruction) {
	for _, in := range instructions {
		switch in.Scope {
		case ScopeRoom:
			d.broadcaster.Publish(in.Room, in.Env)
		case ScopeRoomExcept:
			d.broadcaster.PublishExcept(in.Room, in.Conn, in.Env)
		case ScopeConn:
			d.broadcaster.PublishTo(in.Conn, in.Env)
		case ScopeGlobal:
			d.broadcaster.PublishGlobal(in.Env)
		}
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var payload T
	if len(raw) == 0 {
		return payload, validationErr("missing payload")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, validationErr("malformed payload")
	}
	return payload, nil
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[joinRoomPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.RoomID <= 0 {
		return nil, validationErr("room_id is required")
	}
	room, ok, err := d.store.GetRoom(ctx, payload.RoomID)
	if err != nil {
		return nil, persistErr("could not join room", err)
	}
	if !ok || !room.Active {
		return nil, notFoundErr("room not found")
	}
	if room.Kind == domain.RoomPrivate {
		member, found, err := d.store.GetMembership(ctx, room.ID, sess.Pharmacist.ID)
		if err != nil {
			return nil, persistErr("could not join room", err)
		}
		if !found || !member.Active {
			return nil, authzErr("You are not a member of this room.")
		}
	} else {
		if _, err := d.store.UpsertActiveMembership(ctx, room.ID, sess.Pharmacist.ID, false); err != nil {
			return nil, persistErr("could not join room", err)
		}
	}
	d.broadcaster.Subscribe(sess.Conn, room.ID)
	if err := d.registry.SetCurrentRoom(ctx, sess.Conn, &room.ID); err != nil {
		d.log.Error("set current room", "conn_id", sess.Conn, "error", err)
	}
	return []Instruction{
		toRoomExcept(room.ID, sess.Conn, NewEnvelope(EvtUserJoinedRoom, roomMembershipPayload{
			Pharmacist: sess.Pharmacist.ID,
			Name:       sess.Pharmacist.Name,
			RoomID:     room.ID,
		})),
	}, nil
}

func (d *Dispatcher) handleLeaveRoom(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[joinRoomPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.RoomID <= 0 {
		return nil, validationErr("room_id is required")
	}
	// Memberships are deactivated, never deleted, so history and read state
	// survive a later rejoin.
	if err := d.store.DeactivateMembership(ctx, payload.RoomID, sess.Pharmacist.ID); err != nil {
		if errors.Is(err, store.ErrNotMember) {
			return nil, authzErr("You are not a member of this room.")
		}
		return nil, persistErr("could not leave room", err)
	}
	instructions := []Instruction{
		toRoomExcept(payload.RoomID, sess.Conn, NewEnvelope(EvtUserLeftRoom, roomMembershipPayload{
			Pharmacist: sess.Pharmacist.ID,
			Name:       sess.Pharmacist.Name,
			RoomID:     payload.RoomID,
		})),
	}
	d.broadcaster.Unsubscribe(sess.Conn, payload.RoomID)
	if err := d.registry.SetCurrentRoom(ctx, sess.Conn, nil); err != nil {
		d.log.Error("clear current room", "conn_id", sess.Conn, "error", err)
	}
	return instructions, nil
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[sendMessagePayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.RoomID <= 0 {
		return nil, validationErr("room_id is required")
	}
	body := strings.TrimSpace(payload.Body)
	kind := payload.Kind
	if kind == "" {
		kind = domain.MessageText
	}
	switch kind {
	case domain.MessageText, domain.MessageSystem:
		if body == "" {
			return nil, validationErr("message_text is required")
		}
	case domain.MessageImage, domain.MessageFile:
		if payload.FileURL == "" {
			return nil, validationErr("file_url is required for attachment messages")
		}
	default:
		return nil, validationErr("invalid message_type")
	}
	if len(body) > maxMessageLength {
		return nil, validationErr("message too long")
	}
	if !d.limiter.Allow(rateKey(sess.Pharmacist.ID)) {
		return nil, rateLimitErr("You are sending messages too quickly. Please slow down.")
	}
	member, found, err := d.store.GetMembership(ctx, payload.RoomID, sess.Pharmacist.ID)
	if err != nil {
		return nil, persistErr("Could not send message.", err)
	}
	if !found || !member.Active {
		return nil, authzErr("You are not a member of this room.")
	}
	if member.Muted {
		return nil, authzErr("You are muted and cannot send messages.")
	}
	if payload.ReplyTo != nil {
		parent, ok, err := d.store.GetMessage(ctx, *payload.ReplyTo)
		if err != nil {
			return nil, persistErr("Could not send message.", err)
		}
		if !ok || parent.Deleted || parent.RoomID != payload.RoomID {
			return nil, validationErr("replied-to message not found in this room")
		}
	}
	view, err := d.store.InsertMessage(ctx, domain.Message{
		RoomID:   payload.RoomID,
		SenderID: sess.Pharmacist.ID,
		Body:     body,
		Kind:     kind,
		FileURL:  payload.FileURL,
		FileName: payload.FileName,
		FileSize: payload.FileSize,
		ReplyTo:  payload.ReplyTo,
	})
	if err != nil {
		return nil, persistErr("Could not send message.", err)
	}
	d.cache.InvalidateRoom(ctx, payload.RoomID)
	return []Instruction{
		toRoom(payload.RoomID, NewEnvelope(EvtNewMessage, view)),
	}, nil
}

func (d *Dispatcher) handleMarkRoomRead(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[joinRoomPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.RoomID <= 0 {
		return nil, validationErr("room_id is required")
	}
	// Private to the caller: read state changes are not announced to the room.
	if _, err := d.store.MarkRoomRead(ctx, payload.RoomID, sess.Pharmacist.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotMember) {
			return nil, authzErr("You are not a member of this room.")
		}
		return nil, persistErr("could not mark room as read", err)
	}
	return nil, nil
}

func (d *Dispatcher) handleMarkMessageRead(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[markMessageReadPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.MessageID <= 0 || payload.RoomID <= 0 {
		return nil, validationErr("message_id and room_id are required")
	}
	msg, ok, err := d.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return nil, persistErr("could not mark message as read", err)
	}
	if !ok || msg.RoomID != payload.RoomID {
		return nil, notFoundErr("message not found")
	}
	if err := d.store.UpsertReadMarker(ctx, payload.MessageID, sess.Pharmacist.ID, time.Now().UTC()); err != nil {
		return nil, persistErr("could not mark message as read", err)
	}
	return []Instruction{
		toRoom(payload.RoomID, NewEnvelope(EvtMessageRead, messageReadPayload{
			MessageID:  payload.MessageID,
			Pharmacist: sess.Pharmacist.ID,
			Name:       sess.Pharmacist.Name,
		})),
	}, nil
}

func (d *Dispatcher) handleAddReaction(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[reactionPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.MessageID <= 0 || payload.RoomID <= 0 {
		return nil, validationErr("message_id and room_id are required")
	}
	if strings.TrimSpace(payload.Emoji) == "" {
		return nil, validationErr("emoji is required")
	}
	member, found, err := d.store.GetMembership(ctx, payload.RoomID, sess.Pharmacist.ID)
	if err != nil {
		return nil, persistErr("Failed to add reaction", err)
	}
	if !found || !member.Active {
		return nil, authzErr("You are not a member of this room.")
	}
	msg, ok, err := d.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return nil, persistErr("Failed to add reaction", err)
	}
	if !ok || msg.Deleted || msg.RoomID != payload.RoomID {
		return nil, notFoundErr("message not found")
	}
	if err := d.store.ReplaceReaction(ctx, domain.Reaction{
		MessageID:  payload.MessageID,
		Pharmacist: sess.Pharmacist.ID,
		Emoji:      payload.Emoji,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, persistErr("Failed to add reaction", err)
	}
	d.cache.InvalidateRoom(ctx, payload.RoomID)
	return []Instruction{
		toRoom(payload.RoomID, NewEnvelope(EvtReactionAdded, reactionAddedPayload{
			MessageID:  payload.MessageID,
			Pharmacist: sess.Pharmacist.ID,
			Name:       sess.Pharmacist.Name,
			Emoji:      payload.Emoji,
		})),
	}, nil
}

func (d *Dispatcher) handleRemoveReaction(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[reactionPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.MessageID <= 0 || payload.RoomID <= 0 {
		return nil, validationErr("message_id and room_id are required")
	}
	if err := d.store.DeleteReaction(ctx, payload.MessageID, sess.Pharmacist.ID); err != nil {
		return nil, persistErr("Failed to remove reaction", err)
	}
	d.cache.InvalidateRoom(ctx, payload.RoomID)
	return []Instruction{
		toRoom(payload.RoomID, NewEnvelope(EvtReactionRemoved, reactionRemovedPayload{
			MessageID:  payload.MessageID,
			Pharmacist: sess.Pharmacist.ID,
			Name:       sess.Pharmacist.Name,
		})),
	}, nil
}

// handleTyping fans a typing indicator out to everyone else in the room. It
// is ephemeral: nothing is persisted, and the sender must already be
// subscribed.
func (d *Dispatcher) handleTyping(sess Session, raw json.RawMessage, typing bool) ([]Instruction, error) {
	payload, err := decode[joinRoomPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.RoomID <= 0 {
		return nil, validationErr("room_id is required")
	}
	if !d.broadcaster.Subscribed(sess.Conn, payload.RoomID) {
		return nil, authzErr("You are not a member of this room.")
	}
	return []Instruction{
		toRoomExcept(payload.RoomID, sess.Conn, NewEnvelope(EvtUserTyping, typingPayload{
			Name:     sess.Pharmacist.Name,
			IsTyping: typing,
			RoomID:   payload.RoomID,
		})),
	}, nil
}

func (d *Dispatcher) handleUpdateStatus(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[updateStatusPayload](raw)
	if err != nil {
		return nil, err
	}
	entry, err := d.registry.SetStatus(ctx, sess.Conn, payload.Status, payload.CurrentRoomID)
	if err != nil {
		return nil, err
	}
	return statusChanged(entry.Pharmacist, entry.Status), nil
}

func (d *Dispatcher) handleMarkNotifRead(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[markNotifReadPayload](raw)
	if err != nil {
		return nil, err
	}
	if payload.NotificationID <= 0 {
		return nil, validationErr("Invalid notification ID")
	}
	_, ok, err := d.store.GetNotification(ctx, payload.NotificationID)
	if err != nil {
		return nil, persistErr("Failed to mark notification as read", err)
	}
	if !ok {
		return nil, notFoundErr("Notification not found")
	}
	if err := d.store.MarkNotificationRead(ctx, payload.NotificationID, sess.Pharmacist.ID, time.Now().UTC()); err != nil {
		return nil, persistErr("Failed to mark notification as read", err)
	}
	return nil, nil
}

func (d *Dispatcher) handleUpdateNotifPrefs(ctx context.Context, sess Session, raw json.RawMessage) ([]Instruction, error) {
	payload, err := decode[updateNotifPrefsPayload](raw)
	if err != nil {
		return nil, err
	}
	prefs, err := d.store.GetNotificationPreferences(ctx, sess.Pharmacist.ID)
	if err != nil {
		return nil, persistErr("Failed to update notification preferences", err)
	}
	prefs.Pharmacist = sess.Pharmacist.ID
	applyPref(&prefs.Daily, payload.Preferences.Daily)
	applyPref(&prefs.Weekly, payload.Preferences.Weekly)
	applyPref(&prefs.Monthly, payload.Preferences.Monthly)
	applyPref(&prefs.Custom, payload.Preferences.Custom)
	applyPref(&prefs.System, payload.Preferences.System)
	applyPref(&prefs.Email, payload.Preferences.Email)
	applyPref(&prefs.Push, payload.Preferences.Push)
	if err := d.store.UpsertNotificationPreferences(ctx, prefs); err != nil {
		return nil, persistErr("Failed to update notification preferences", err)
	}
	return []Instruction{
		toConn(sess.Conn, NewEnvelope(EvtNotifPrefsUpdated, notifPrefsUpdatedPayload{
			Success:     true,
			Preferences: prefs,
		})),
	}, nil
}

func applyPref(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func rateKey(pharmacist domain.PharmacistID) string {
	return "send_message:" + strconv.FormatInt(int64(pharmacist), 10)
}
