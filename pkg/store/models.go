package store

import (
	"time"

	"gorm.io/datatypes"

	"pharmachat/pkg/domain"
)

// GORM models used for persistence. The pharmacists table is owned by the
// staff system; it is mapped here read-only and excluded from auto-migration.

type PharmacistModel struct {
	ID           int64  `gorm:"column:pharmacist_id;primaryKey"`
	Name         string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"column:password_hash"`
}

func (PharmacistModel) TableName() string { return "pharmacists" }

type RoomModel struct {
	ID        int64     `gorm:"column:room_id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:room_name;not null"`
	Kind      string    `gorm:"column:room_type;not null;default:general"`
	ShopID    *int64    `gorm:"column:shop_id;index"`
	CreatedBy int64     `gorm:"not null"`
	Active    bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

func (RoomModel) TableName() string { return "chat_rooms" }

type MembershipModel struct {
	RoomID       int64      `gorm:"column:room_id;primaryKey;autoIncrement:false"`
	PharmacistID int64      `gorm:"column:pharmacist_id;primaryKey;autoIncrement:false"`
	Admin        bool       `gorm:"column:is_admin;not null;default:false"`
	Muted        bool       `gorm:"column:is_muted;not null;default:false"`
	Active       bool       `gorm:"column:is_active;not null;default:true"`
	JoinedAt     time.Time  `gorm:"not null"`
	LastReadAt   *time.Time `gorm:"column:last_read_at"`
}

func (MembershipModel) TableName() string { return "chat_room_members" }

type MessageModel struct {
	ID        int64  `gorm:"column:message_id;primaryKey;autoIncrement"`
	RoomID    int64  `gorm:"not null;index:idx_room_created,priority:1"`
	SenderID  int64  `gorm:"not null;index"`
	Body      string `gorm:"column:message_text;type:text;not null"`
	Kind      string `gorm:"column:message_type;not null;default:text"`
	FileURL   string `gorm:"column:file_url"`
	FileName  string `gorm:"column:file_name"`
	FileSize  int64  `gorm:"column:file_size"`
	ReplyTo   *int64 `gorm:"column:reply_to_message_id"`
	Edited    bool   `gorm:"column:is_edited;not null;default:false"`
	EditedAt  *time.Time
	Deleted   bool `gorm:"column:is_deleted;not null;default:false"`
	DeletedAt *time.Time
	CreatedAt time.Time `gorm:"not null;index:idx_room_created,priority:2"`
	UpdatedAt time.Time
}

func (MessageModel) TableName() string { return "chat_messages" }

type ReactionModel struct {
	MessageID    int64     `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	PharmacistID int64     `gorm:"column:pharmacist_id;primaryKey;autoIncrement:false"`
	Emoji        string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (ReactionModel) TableName() string { return "message_reactions" }

type ReadMarkerModel struct {
	MessageID    int64     `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	PharmacistID int64     `gorm:"column:pharmacist_id;primaryKey;autoIncrement:false"`
	ReadAt       time.Time `gorm:"not null"`
}

func (ReadMarkerModel) TableName() string { return "message_read_status" }

type PresenceModel struct {
	PharmacistID  int64     `gorm:"column:pharmacist_id;primaryKey;autoIncrement:false"`
	Status        string    `gorm:"not null;default:offline"`
	ConnID        string    `gorm:"column:conn_id"`
	CurrentRoomID *int64    `gorm:"column:current_room_id"`
	LastSeen      time.Time `gorm:"not null"`
}

func (PresenceModel) TableName() string { return "online_users" }

type NotificationModel struct {
	ID        int64          `gorm:"column:notification_id;primaryKey;autoIncrement"`
	Period    string         `gorm:"not null;index"`
	Key       string         `gorm:"column:id_key;not null"`
	Title     string         `gorm:"not null"`
	Message   string         `gorm:"type:text;not null"`
	Severity  string         `gorm:"not null;default:info"`
	Data      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

func (NotificationModel) TableName() string { return "notifications" }

type NotificationReadModel struct {
	NotificationID int64     `gorm:"column:notification_id;primaryKey;autoIncrement:false"`
	PharmacistID   int64     `gorm:"column:pharmacist_id;primaryKey;autoIncrement:false"`
	ReadAt         time.Time `gorm:"not null"`
}

func (NotificationReadModel) TableName() string { return "notification_reads" }

type NotificationPrefsModel struct {
	PharmacistID int64 `gorm:"column:pharmacist_id;primaryKey;autoIncrement:false"`
	Daily        bool  `gorm:"column:daily_notifications;not null;default:true"`
	Weekly       bool  `gorm:"column:weekly_notifications;not null;default:true"`
	Monthly      bool  `gorm:"column:monthly_notifications;not null;default:true"`
	Custom       bool  `gorm:"column:custom_notifications;not null;default:true"`
	System       bool  `gorm:"column:system_notifications;not null;default:true"`
	Email        bool  `gorm:"column:email_notifications;not null;default:false"`
	Push         bool  `gorm:"column:push_notifications;not null;default:true"`
	UpdatedAt    time.Time
}

func (NotificationPrefsModel) TableName() string { return "notification_preferences" }

func pharmacistFromModel(m PharmacistModel) domain.Pharmacist {
	return domain.Pharmacist{
		ID:           domain.PharmacistID(m.ID),
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
	}
}

func roomToModel(r domain.Room) RoomModel {
	var shop *int64
	if r.ShopID != nil {
		v := int64(*r.ShopID)
		shop = &v
	}
	return RoomModel{
		ID:        int64(r.ID),
		Name:      r.Name,
		Kind:      string(r.Kind),
		ShopID:    shop,
		CreatedBy: int64(r.CreatedBy),
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func roomFromModel(m RoomModel) domain.Room {
	var shop *domain.ShopID
	if m.ShopID != nil {
		v := domain.ShopID(*m.ShopID)
		shop = &v
	}
	return domain.Room{
		ID:        domain.RoomID(m.ID),
		Name:      m.Name,
		Kind:      domain.RoomKind(m.Kind),
		ShopID:    shop,
		CreatedBy: domain.PharmacistID(m.CreatedBy),
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func membershipFromModel(m MembershipModel) domain.Membership {
	return domain.Membership{
		RoomID:     domain.RoomID(m.RoomID),
		Pharmacist: domain.PharmacistID(m.PharmacistID),
		Admin:      m.Admin,
		Muted:      m.Muted,
		Active:     m.Active,
		JoinedAt:   m.JoinedAt,
		LastReadAt: m.LastReadAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var replyTo *int64
	if msg.ReplyTo != nil {
		v := int64(*msg.ReplyTo)
		replyTo = &v
	}
	return MessageModel{
		ID:        int64(msg.ID),
		RoomID:    int64(msg.RoomID),
		SenderID:  int64(msg.SenderID),
		Body:      msg.Body,
		Kind:      string(msg.Kind),
		FileURL:   msg.FileURL,
		FileName:  msg.FileName,
		FileSize:  msg.FileSize,
		ReplyTo:   replyTo,
		Edited:    msg.Edited,
		EditedAt:  msg.EditedAt,
		Deleted:   msg.Deleted,
		DeletedAt: msg.DeletedAt,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var replyTo *domain.MessageID
	if m.ReplyTo != nil {
		v := domain.MessageID(*m.ReplyTo)
		replyTo = &v
	}
	return domain.Message{
		ID:        domain.MessageID(m.ID),
		RoomID:    domain.RoomID(m.RoomID),
		SenderID:  domain.PharmacistID(m.SenderID),
		Body:      m.Body,
		Kind:      domain.MessageKind(m.Kind),
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		ReplyTo:   replyTo,
		Edited:    m.Edited,
		EditedAt:  m.EditedAt,
		Deleted:   m.Deleted,
		DeletedAt: m.DeletedAt,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func presenceToModel(e domain.PresenceEntry) PresenceModel {
	var room *int64
	if e.CurrentRoom != nil {
		v := int64(*e.CurrentRoom)
		room = &v
	}
	return PresenceModel{
		PharmacistID:  int64(e.Pharmacist),
		Status:        string(e.Status),
		ConnID:        string(e.ConnID),
		CurrentRoomID: room,
		LastSeen:      e.LastSeen,
	}
}
