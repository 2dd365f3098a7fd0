package store

import (
	"context"
	"errors"
	"time"

	"pharmachat/pkg/domain"
)

// ErrNotMember is returned by mutations that require an active membership.
var ErrNotMember = errors.New("not an active member of this room")

// RoomFilter narrows the caller's room list.
type RoomFilter struct {
	Kind   domain.RoomKind
	ShopID *domain.ShopID
}

// MessagePage addresses one page of a room's history. Pages are queried
// newest-first and reversed to chronological order before delivery.
type MessagePage struct {
	Page  int
	Limit int
}

func (p MessagePage) Normalize() MessagePage {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 || p.Limit > 200 {
		p.Limit = 50
	}
	return p
}

// Store is the persistence gateway: the durable source of truth for rooms,
// memberships, messages, reactions, read state, presence projections, and
// notifications. The chat engine only writes through this interface; the
// in-memory registries are rebuilt from it on restart.
type Store interface {
	// pharmacists: external collaborator surface, lookup only
	GetPharmacistByID(ctx context.Context, id domain.PharmacistID) (domain.Pharmacist, bool, error)
	GetPharmacistByEmail(ctx context.Context, email string) (domain.Pharmacist, bool, error)

	// rooms
	CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error)
	GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, bool, error)
	ListRoomsFor(ctx context.Context, pharmacist domain.PharmacistID, filter RoomFilter) ([]domain.RoomSummary, error)
	DeactivateRoom(ctx context.Context, id domain.RoomID) error

	// memberships are deactivated on leave, never deleted, so history and
	// read state survive rejoining
	GetMembership(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID) (domain.Membership, bool, error)
	UpsertActiveMembership(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID, admin bool) (domain.Membership, error)
	DeactivateMembership(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID) error
	SetMemberMuted(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID, muted bool) error
	ListActiveRoomIDs(ctx context.Context, pharmacist domain.PharmacistID) ([]domain.RoomID, error)
	ListRoomMembers(ctx context.Context, room domain.RoomID) ([]domain.RoomMember, error)

	// messages
	InsertMessage(ctx context.Context, msg domain.Message) (domain.MessageView, error)
	GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, bool, error)
	ListRoomMessages(ctx context.Context, room domain.RoomID, page MessagePage) ([]domain.MessageView, error)
	EditMessage(ctx context.Context, id domain.MessageID, body string, at time.Time) error
	SoftDeleteMessage(ctx context.Context, id domain.MessageID, at time.Time) error

	// reactions: one row per (message, pharmacist); re-reacting replaces
	ReplaceReaction(ctx context.Context, reaction domain.Reaction) error
	DeleteReaction(ctx context.Context, message domain.MessageID, pharmacist domain.PharmacistID) error

	// read markers are monotonic: an upsert only advances read_at
	UpsertReadMarker(ctx context.Context, message domain.MessageID, pharmacist domain.PharmacistID, at time.Time) error
	MarkRoomRead(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID, at time.Time) (int, error)

	// presence projection for clients who are not connected
	UpsertPresence(ctx context.Context, entry domain.PresenceEntry) error
	ListOnline(ctx context.Context, room *domain.RoomID) ([]domain.OnlineUser, error)

	// notifications
	InsertNotifications(ctx context.Context, notifications []domain.Notification) error
	GetNotification(ctx context.Context, id domain.NotificationID) (domain.Notification, bool, error)
	ListNotificationsFor(ctx context.Context, pharmacist domain.PharmacistID, limit int) ([]domain.NotificationView, error)
	MarkNotificationRead(ctx context.Context, id domain.NotificationID, pharmacist domain.PharmacistID, at time.Time) error
	GetNotificationPreferences(ctx context.Context, pharmacist domain.PharmacistID) (domain.NotificationPreferences, error)
	UpsertNotificationPreferences(ctx context.Context, prefs domain.NotificationPreferences) error
}

// MetricsStore reads aggregate sales facts for the digest generator. Kept
// separate from Store because it only touches tables owned by the retail
// system.
type MetricsStore interface {
	TopSellingDrugs(ctx context.Context, since time.Time, limit int) ([]domain.DrugSales, error)
	ShopRevenueRanking(ctx context.Context, since time.Time) ([]domain.ShopRevenue, error)
	EmployeeSalesRanking(ctx context.Context, since time.Time, limit int) ([]domain.EmployeeSales, error)
	NetProfit(ctx context.Context, since, until time.Time) (domain.ProfitSummary, error)
	MostInteractiveEmployee(ctx context.Context, since time.Time) (domain.EmployeeInteraction, bool, error)
}
