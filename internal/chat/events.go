package chat

import (
	"encoding/json"

	"pharmachat/pkg/domain"
)

// Inbound event names accepted from clients.
const (
	EvtJoinRoom        = "join_room"
	EvtLeaveRoom       = "leave_room"
	EvtSendMessage     = "send_message"
	EvtMarkRoomRead    = "mark_room_as_read"
	EvtMarkMessageRead = "mark_message_read"
	EvtAddReaction     = "add_reaction"
	EvtRemoveReaction  = "remove_reaction"
	EvtStartTyping     = "start_typing"
	EvtStopTyping      = "stop_typing"
	EvtUpdateStatus    = "update_status"
	EvtMarkNotifRead   = "mark_notification_read"
	EvtUpdateNotifPref = "update_notification_preferences"
)

// Outbound event names emitted to clients.
const (
	EvtError             = "error"
	EvtNewMessage        = "new_message"
	EvtUserJoinedRoom    = "user_joined_room"
	EvtUserLeftRoom      = "user_left_room"
	EvtUserTyping        = "user_typing"
	EvtReactionAdded     = "reaction_added"
	EvtReactionRemoved   = "reaction_removed"
	EvtMessageRead       = "message_read"
	EvtUserStatusChanged = "user_status_changed"
	EvtNotifPrefsUpdated = "notification_preferences_updated"
	EvtDailyNotifs       = "daily_notifications"
	EvtWeeklyNotifs      = "weekly_notifications"
	EvtMonthlyNotifs     = "monthly_notifications"
)

// Envelope is the wire frame: an event name plus a JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals the payload into an envelope. Marshal failures are a
// programming error; they surface as an error envelope instead of panicking.
func NewEnvelope(event string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(errorPayload{Message: "internal encoding error"})
		return Envelope{Event: EvtError, Data: raw}
	}
	return Envelope{Event: event, Data: raw}
}

type errorPayload struct {
	Message string `json:"message"`
}

// Inbound payloads.

type joinRoomPayload struct {
	RoomID domain.RoomID `json:"room_id"`
}

type sendMessagePayload struct {
	RoomID    domain.RoomID      `json:"room_id"`
	Body      string             `json:"message_text"`
	Kind      domain.MessageKind `json:"message_type,omitempty"`
	ReplyTo   *domain.MessageID  `json:"reply_to_message_id,omitempty"`
	FileURL   string             `json:"file_url,omitempty"`
	FileName  string             `json:"file_name,omitempty"`
	FileSize  int64              `json:"file_size,omitempty"`
}

type reactionPayload struct {
	MessageID domain.MessageID `json:"message_id"`
	RoomID    domain.RoomID    `json:"room_id"`
	Emoji     string           `json:"emoji,omitempty"`
}

type markMessageReadPayload struct {
	MessageID domain.MessageID `json:"message_id"`
	RoomID    domain.RoomID    `json:"room_id"`
}

type updateStatusPayload struct {
	Status        domain.PresenceStatus `json:"status"`
	CurrentRoomID *domain.RoomID        `json:"current_room_id,omitempty"`
}

type markNotifReadPayload struct {
	NotificationID domain.NotificationID `json:"notification_id"`
}

// updateNotifPrefsPayload carries the preference fields nested under a
// "preferences" object, matching what clients send.
type updateNotifPrefsPayload struct {
	Preferences notifPrefFields `json:"preferences"`
}

type notifPrefFields struct {
	Daily   *bool `json:"daily_notifications,omitempty"`
	Weekly  *bool `json:"weekly_notifications,omitempty"`
	Monthly *bool `json:"monthly_notifications,omitempty"`
	Custom  *bool `json:"custom_notifications,omitempty"`
	System  *bool `json:"system_notifications,omitempty"`
	Email   *bool `json:"email_notifications,omitempty"`
	Push    *bool `json:"push_notifications,omitempty"`
}

// Outbound payloads.

type roomMembershipPayload struct {
	Pharmacist domain.PharmacistID `json:"pharmacist_id"`
	Name       string              `json:"name"`
	RoomID     domain.RoomID       `json:"room_id"`
}

type typingPayload struct {
	Name     string        `json:"name"`
	IsTyping bool          `json:"is_typing"`
	RoomID   domain.RoomID `json:"room_id"`
}

type reactionAddedPayload struct {
	MessageID  domain.MessageID    `json:"message_id"`
	Pharmacist domain.PharmacistID `json:"pharmacist_id"`
	Name       string              `json:"name"`
	Emoji      string              `json:"emoji"`
}

type reactionRemovedPayload struct {
	MessageID  domain.MessageID    `json:"message_id"`
	Pharmacist domain.PharmacistID `json:"pharmacist_id"`
	Name       string              `json:"name"`
}

type messageReadPayload struct {
	MessageID  domain.MessageID    `json:"message_id"`
	Pharmacist domain.PharmacistID `json:"pharmacist_id"`
	Name       string              `json:"name"`
}

type statusChangedPayload struct {
	Pharmacist domain.PharmacistID   `json:"pharmacist_id"`
	Status     domain.PresenceStatus `json:"status"`
	Timestamp  string                `json:"timestamp"`
}

type notifPrefsUpdatedPayload struct {
	Success     bool                           `json:"success"`
	Preferences domain.NotificationPreferences `json:"preferences"`
}
