package domain

import "time"

// Typed identifiers for relational rows. Connection ids are opaque strings
// assigned per websocket connection.
type (
	PharmacistID   int64
	RoomID         int64
	ShopID         int64
	MessageID      int64
	NotificationID int64
	ConnID         string
)

type RoomKind string

const (
	RoomGeneral RoomKind = "general"
	RoomShop    RoomKind = "shop"
	RoomPrivate RoomKind = "private"
)

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

type PresenceStatus string

const (
	StatusOnline    PresenceStatus = "online"
	StatusAway      PresenceStatus = "away"
	StatusBusy      PresenceStatus = "busy"
	StatusInvisible PresenceStatus = "invisible"
	StatusOffline   PresenceStatus = "offline"
)

// UserSelectable reports whether a pharmacist may choose the status via
// update_status. "offline" is reserved for the liveness transition on
// disconnect and is never user-selectable.
func (s PresenceStatus) UserSelectable() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return true
	}
	return false
}

type DigestPeriod string

const (
	DigestDaily   DigestPeriod = "daily"
	DigestWeekly  DigestPeriod = "weekly"
	DigestMonthly DigestPeriod = "monthly"
)

// Pharmacist is the authenticated actor bound to a connection. Credential
// storage itself is out of scope; only lookup and verification surfaces exist.
type Pharmacist struct {
	ID           PharmacistID `json:"pharmacist_id"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"`
}

type Room struct {
	ID        RoomID       `json:"room_id"`
	Name      string       `json:"room_name"`
	Kind      RoomKind     `json:"room_type"`
	ShopID    *ShopID      `json:"shop_id,omitempty"`
	CreatedBy PharmacistID `json:"created_by"`
	Active    bool         `json:"is_active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Membership struct {
	RoomID     RoomID       `json:"room_id"`
	Pharmacist PharmacistID `json:"pharmacist_id"`
	Admin      bool         `json:"is_admin"`
	Muted      bool         `json:"is_muted"`
	Active     bool         `json:"is_active"`
	JoinedAt   time.Time    `json:"joined_at"`
	LastReadAt *time.Time   `json:"last_read_at,omitempty"`
}

type Message struct {
	ID        MessageID    `json:"message_id"`
	RoomID    RoomID       `json:"room_id"`
	SenderID  PharmacistID `json:"sender_id"`
	Body      string       `json:"message_text"`
	Kind      MessageKind  `json:"message_type"`
	FileURL   string       `json:"file_url,omitempty"`
	FileName  string       `json:"file_name,omitempty"`
	FileSize  int64        `json:"file_size,omitempty"`
	ReplyTo   *MessageID   `json:"reply_to_message_id,omitempty"`
	Edited    bool         `json:"is_edited"`
	EditedAt  *time.Time   `json:"edited_at,omitempty"`
	Deleted   bool         `json:"is_deleted"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// MessageView is a message enriched with sender info and, where loaded,
// reactions and the replied-to preview. This is the shape broadcast as
// new_message and returned by the messages endpoint.
type MessageView struct {
	Message
	SenderName    string     `json:"sender_name"`
	SenderEmail   string     `json:"sender_email"`
	ReplyToText   string     `json:"reply_to_message_text,omitempty"`
	ReplyToSender string     `json:"reply_to_sender_name,omitempty"`
	Reactions     []Reaction `json:"reactions,omitempty"`
}

type Reaction struct {
	MessageID  MessageID    `json:"message_id"`
	Pharmacist PharmacistID `json:"pharmacist_id"`
	Name       string       `json:"pharmacist_name,omitempty"`
	Emoji      string       `json:"emoji"`
	CreatedAt  time.Time    `json:"created_at"`
}

type ReadMarker struct {
	MessageID  MessageID    `json:"message_id"`
	Pharmacist PharmacistID `json:"pharmacist_id"`
	ReadAt     time.Time    `json:"read_at"`
}

// PresenceEntry is the durable projection of a pharmacist's presence. The
// in-memory registry is the authority for online/offline.
type PresenceEntry struct {
	Pharmacist  PharmacistID   `json:"pharmacist_id"`
	Status      PresenceStatus `json:"status"`
	ConnID      ConnID         `json:"-"`
	CurrentRoom *RoomID        `json:"current_room_id,omitempty"`
	LastSeen    time.Time      `json:"last_seen"`
}

// OnlineUser is a presence entry joined with pharmacist info for the pull API.
type OnlineUser struct {
	PresenceEntry
	Name            string `json:"name"`
	Email           string `json:"email"`
	CurrentRoomName string `json:"current_room_name,omitempty"`
}

// RoomSummary is a room joined with membership-derived fields for the
// caller's room list.
type RoomSummary struct {
	Room
	MemberCount    int          `json:"member_count"`
	UnreadCount    int          `json:"unread_count"`
	LastMessage    string       `json:"last_message,omitempty"`
	LastMessageAt  *time.Time   `json:"last_message_time,omitempty"`
	LastSenderID   PharmacistID `json:"last_message_sender_id,omitempty"`
	LastSenderName string       `json:"last_message_sender_name,omitempty"`
}

// RoomMember is a membership joined with pharmacist and presence info.
type RoomMember struct {
	Membership
	Name         string         `json:"name"`
	Email        string         `json:"email"`
	OnlineStatus PresenceStatus `json:"online_status,omitempty"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`
}

type Notification struct {
	ID        NotificationID `json:"notification_id"`
	Period    DigestPeriod   `json:"period"`
	Key       string         `json:"id_key"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NotificationPreferences controls which digest kinds a pharmacist receives.
type NotificationPreferences struct {
	Pharmacist PharmacistID `json:"pharmacist_id"`
	Daily      bool         `json:"daily_notifications"`
	Weekly     bool         `json:"weekly_notifications"`
	Monthly    bool         `json:"monthly_notifications"`
	Custom     bool         `json:"custom_notifications"`
	System     bool         `json:"system_notifications"`
	Email      bool         `json:"email_notifications"`
	Push       bool         `json:"push_notifications"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// DefaultNotificationPreferences mirrors the column defaults applied when a
// pharmacist has never saved preferences.
func DefaultNotificationPreferences(id PharmacistID) NotificationPreferences {
	return NotificationPreferences{
		Pharmacist: id,
		Daily:      true,
		Weekly:     true,
		Monthly:    true,
		Custom:     true,
		System:     true,
		Email:      false,
		Push:       true,
	}
}
