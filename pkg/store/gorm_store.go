package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"pharmachat/pkg/domain"
)

const migrateLockID int64 = 82930114

// GormStore implements Store and MetricsStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations for the chat tables.
// The pharmacists and sales tables belong to the retail system and are not
// migrated here.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&RoomModel{},
			&MembershipModel{},
			&MessageModel{},
			&ReactionModel{},
			&ReadMarkerModel{},
			&PresenceModel{},
			&NotificationModel{},
			&NotificationReadModel{},
			&NotificationPrefsModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes schema changes across processes sharing the
// database via a postgres advisory lock.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetPharmacistByID returns a pharmacist by ID.
func (s *GormStore) GetPharmacistByID(ctx context.Context, id domain.PharmacistID) (domain.Pharmacist, bool, error) {
	var model PharmacistModel
	if err := s.db.WithContext(ctx).First(&model, "pharmacist_id = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Pharmacist{}, false, nil
		}
		return domain.Pharmacist{}, false, err
	}
	return pharmacistFromModel(model), true, nil
}

// GetPharmacistByEmail looks up a pharmacist by email for credential checks.
func (s *GormStore) GetPharmacistByEmail(ctx context.Context, email string) (domain.Pharmacist, bool, error) {
	var model PharmacistModel
	if err := s.db.WithContext(ctx).First(&model, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Pharmacist{}, false, nil
		}
		return domain.Pharmacist{}, false, err
	}
	return pharmacistFromModel(model), true, nil
}

// CreateRoom inserts a room and its creator's admin membership in one
// transaction.
func (s *GormStore) CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error) {
	model := roomToModel(room)
	model.ID = 0
	model.Active = true
	now := time.Now().UTC()
	model.CreatedAt = now
	model.UpdatedAt = now
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		member := MembershipModel{
			RoomID:       model.ID,
			PharmacistID: int64(room.CreatedBy),
			Admin:        true,
			Active:       true,
			JoinedAt:     now,
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return domain.Room{}, err
	}
	return roomFromModel(model), nil
}

// GetRoom returns a room by ID regardless of active flag; callers check
// Active where it matters.
func (s *GormStore) GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.WithContext(ctx).First(&model, "room_id = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

// roomSummaryRow is the scan target for the room list query.
type roomSummaryRow struct {
	RoomModel
	MemberCount    int
	UnreadCount    int
	LastMessage    sql.NullString
	LastMessageAt  sql.NullTime
	LastSenderID   sql.NullInt64
	LastSenderName sql.NullString
}

// ListRoomsFor returns the caller's active rooms with member counts, unread
// counts, and a last-message preview, most recently active first.
func (s *GormStore) ListRoomsFor(ctx context.Context, pharmacist domain.PharmacistID, filter RoomFilter) ([]domain.RoomSummary, error) {
	query := `
		WITH latest AS (
			SELECT cm.room_id, cm.message_text, cm.created_at, cm.sender_id, p.name AS sender_name,
			       ROW_NUMBER() OVER (PARTITION BY cm.room_id ORDER BY cm.created_at DESC) AS rn
			FROM chat_messages cm
			JOIN pharmacists p ON cm.sender_id = p.pharmacist_id
			WHERE cm.is_deleted = FALSE
		),
		member_counts AS (
			SELECT room_id, COUNT(*) AS member_count
			FROM chat_room_members
			WHERE is_active = TRUE
			GROUP BY room_id
		)
		SELECT cr.*,
		       COALESCE(mc.member_count, 0) AS member_count,
		       (SELECT COUNT(*) FROM chat_messages cm
		        WHERE cm.room_id = cr.room_id
		          AND cm.is_deleted = FALSE
		          AND cm.sender_id <> ?
		          AND (crm.last_read_at IS NULL OR cm.created_at > crm.last_read_at)
		       ) AS unread_count,
		       l.message_text AS last_message,
		       l.created_at AS last_message_at,
		       l.sender_id AS last_sender_id,
		       l.sender_name AS last_sender_name
		FROM chat_rooms cr
		JOIN chat_room_members crm ON cr.room_id = crm.room_id
		LEFT JOIN member_counts mc ON cr.room_id = mc.room_id
		LEFT JOIN latest l ON cr.room_id = l.room_id AND l.rn = 1
		WHERE cr.is_active = TRUE
		  AND crm.pharmacist_id = ?
		  AND crm.is_active = TRUE`
	args := []any{int64(pharmacist), int64(pharmacist)}
	if filter.Kind != "" {
		query += " AND cr.room_type = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.ShopID != nil {
		query += " AND cr.shop_id = ?"
		args = append(args, int64(*filter.ShopID))
	}
	query += " ORDER BY COALESCE(l.created_at, cr.created_at) DESC"

	var rows []roomSummaryRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.RoomSummary, 0, len(rows))
	for _, row := range rows {
		summary := domain.RoomSummary{
			Room:        roomFromModel(row.RoomModel),
			MemberCount: row.MemberCount,
			UnreadCount: row.UnreadCount,
		}
		if row.LastMessage.Valid {
			summary.LastMessage = row.LastMessage.String
		}
		if row.LastMessageAt.Valid {
			t := row.LastMessageAt.Time
			summary.LastMessageAt = &t
		}
		if row.LastSenderID.Valid {
			summary.LastSenderID = domain.PharmacistID(row.LastSenderID.Int64)
		}
		if row.LastSenderName.Valid {
			summary.LastSenderName = row.LastSenderName.String
		}
		res = append(res, summary)
	}
	return res, nil
}

// DeactivateRoom soft-deletes a room; history stays.
func (s *GormStore) DeactivateRoom(ctx context.Context, id domain.RoomID) error {
	return s.db.WithContext(ctx).Model(&RoomModel{}).
		Where("room_id = ?", int64(id)).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()}).Error
}

// GetMembership returns the membership row whatever its flags.
func (s *GormStore) GetMembership(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID) (domain.Membership, bool, error) {
	var model MembershipModel
	err := s.db.WithContext(ctx).
		First(&model, "room_id = ? AND pharmacist_id = ?", int64(room), int64(pharmacist)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Membership{}, false, nil
		}
		return domain.Membership{}, false, err
	}
	return membershipFromModel(model), true, nil
}

// UpsertActiveMembership makes the pharmacist an active member, reactivating
// a deactivated row if one exists. The row is locked for the read-then-write
// so two concurrent joins cannot race into duplicate state.
func (s *GormStore) UpsertActiveMembership(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID, admin bool) (domain.Membership, error) {
	var result MembershipModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MembershipModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "room_id = ? AND pharmacist_id = ?", int64(room), int64(pharmacist)).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			result = MembershipModel{
				RoomID:       int64(room),
				PharmacistID: int64(pharmacist),
				Admin:        admin,
				Active:       true,
				JoinedAt:     time.Now().UTC(),
			}
			return tx.Create(&result).Error
		case err != nil:
			return err
		}
		if !existing.Active {
			existing.Active = true
			existing.JoinedAt = time.Now().UTC()
			if err := tx.Model(&MembershipModel{}).
				Where("room_id = ? AND pharmacist_id = ?", int64(room), int64(pharmacist)).
				Updates(map[string]any{"is_active": true, "joined_at": existing.JoinedAt}).Error; err != nil {
				return err
			}
		}
		result = existing
		return nil
	})
	if err != nil {
		return domain.Membership{}, err
	}
	return membershipFromModel(result), nil
}

// DeactivateMembership marks the member inactive; read state and history
// survive for rejoining.
func (s *GormStore) DeactivateMembership(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID) error {
	res := s.db.WithContext(ctx).Model(&MembershipModel{}).
		Where("room_id = ? AND pharmacist_id = ? AND is_active = TRUE", int64(room), int64(pharmacist)).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotMember
	}
	return nil
}

// SetMemberMuted flips the muted flag; takes effect on the next send without
// reconnecting.
func (s *GormStore) SetMemberMuted(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID, muted bool) error {
	res := s.db.WithContext(ctx).Model(&MembershipModel{}).
		Where("room_id = ? AND pharmacist_id = ?", int64(room), int64(pharmacist)).
		Update("is_muted", muted)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotMember
	}
	return nil
}

// ListActiveRoomIDs returns the rooms a pharmacist is an active member of,
// used to subscribe a fresh connection.
func (s *GormStore) ListActiveRoomIDs(ctx context.Context, pharmacist domain.PharmacistID) ([]domain.RoomID, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&MembershipModel{}).
		Where("pharmacist_id = ? AND is_active = TRUE", int64(pharmacist)).
		Pluck("room_id", &ids).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.RoomID, 0, len(ids))
	for _, id := range ids {
		res = append(res, domain.RoomID(id))
	}
	return res, nil
}

type roomMemberRow struct {
	MembershipModel
	Name         string
	Email        string
	OnlineStatus sql.NullString
	LastSeen     sql.NullTime
}

// ListRoomMembers returns active members with pharmacist and presence info,
// admins first.
func (s *GormStore) ListRoomMembers(ctx context.Context, room domain.RoomID) ([]domain.RoomMember, error) {
	var rows []roomMemberRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT crm.*, p.name, p.email, ou.status AS online_status, ou.last_seen
		FROM chat_room_members crm
		JOIN pharmacists p ON crm.pharmacist_id = p.pharmacist_id
		LEFT JOIN online_users ou ON crm.pharmacist_id = ou.pharmacist_id
		WHERE crm.room_id = ? AND crm.is_active = TRUE
		ORDER BY crm.is_admin DESC, p.name ASC`, int64(room)).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.RoomMember, 0, len(rows))
	for _, row := range rows {
		member := domain.RoomMember{
			Membership: membershipFromModel(row.MembershipModel),
			Name:       row.Name,
			Email:      row.Email,
		}
		if row.OnlineStatus.Valid {
			member.OnlineStatus = domain.PresenceStatus(row.OnlineStatus.String)
		}
		if row.LastSeen.Valid {
			t := row.LastSeen.Time
			member.LastSeen = &t
		}
		res = append(res, member)
	}
	return res, nil
}
