package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pharmachat/pkg/domain"
)

type messageViewRow struct {
	MessageModel
	SenderName    string
	SenderEmail   string
	ReplyToText   sql.NullString
	ReplyToSender sql.NullString
}

func messageViewFromRow(row messageViewRow) domain.MessageView {
	view := domain.MessageView{
		Message:     messageFromModel(row.MessageModel),
		SenderName:  row.SenderName,
		SenderEmail: row.SenderEmail,
	}
	if row.ReplyToText.Valid {
		view.ReplyToText = row.ReplyToText.String
	}
	if row.ReplyToSender.Valid {
		view.ReplyToSender = row.ReplyToSender.String
	}
	return view
}

// InsertMessage persists a message and returns it joined with sender and
// reply-to info, ready to broadcast.
func (s *GormStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.MessageView, error) {
	model := messageToModel(msg)
	model.ID = 0
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = model.CreatedAt
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.MessageView{}, err
	}
	var row messageViewRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT cm.*, p.name AS sender_name, p.email AS sender_email,
		       rm.message_text AS reply_to_text, rp.name AS reply_to_sender
		FROM chat_messages cm
		JOIN pharmacists p ON cm.sender_id = p.pharmacist_id
		LEFT JOIN chat_messages rm ON cm.reply_to_message_id = rm.message_id
		LEFT JOIN pharmacists rp ON rm.sender_id = rp.pharmacist_id
		WHERE cm.message_id = ?`, model.ID).Scan(&row).Error
	if err != nil {
		return domain.MessageView{}, err
	}
	return messageViewFromRow(row), nil
}

// GetMessage returns a message by ID, deleted or not.
func (s *GormStore) GetMessage(ctx context.Context, id domain.MessageID) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "message_id = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListRoomMessages returns one page of a room's history in chronological
// order. Pagination walks newest-first; the page is reversed before return.
func (s *GormStore) ListRoomMessages(ctx context.Context, room domain.RoomID, page MessagePage) ([]domain.MessageView, error) {
	page = page.Normalize()
	offset := (page.Page - 1) * page.Limit
	var rows []messageViewRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT cm.*, p.name AS sender_name, p.email AS sender_email,
		       rm.message_text AS reply_to_text, rp.name AS reply_to_sender
		FROM chat_messages cm
		JOIN pharmacists p ON cm.sender_id = p.pharmacist_id
		LEFT JOIN chat_messages rm ON cm.reply_to_message_id = rm.message_id
		LEFT JOIN pharmacists rp ON rm.sender_id = rp.pharmacist_id
		WHERE cm.room_id = ? AND cm.is_deleted = FALSE
		ORDER BY cm.created_at DESC
		LIMIT ? OFFSET ?`, int64(room), page.Limit, offset).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	views := make([]domain.MessageView, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		views = append(views, messageViewFromRow(rows[i]))
	}
	if len(views) == 0 {
		return views, nil
	}
	ids := make([]int64, 0, len(views))
	index := make(map[domain.MessageID]int, len(views))
	for i, v := range views {
		ids = append(ids, int64(v.ID))
		index[v.ID] = i
	}
	type reactionRow struct {
		ReactionModel
		Name string
	}
	var reactions []reactionRow
	err = s.db.WithContext(ctx).Raw(`
		SELECT mr.*, p.name
		FROM message_reactions mr
		JOIN pharmacists p ON mr.pharmacist_id = p.pharmacist_id
		WHERE mr.message_id IN ?
		ORDER BY mr.created_at ASC`, ids).Scan(&reactions).Error
	if err != nil {
		return nil, err
	}
	for _, r := range reactions {
		i, ok := index[domain.MessageID(r.MessageID)]
		if !ok {
			continue
		}
		views[i].Reactions = append(views[i].Reactions, domain.Reaction{
			MessageID:  domain.MessageID(r.MessageID),
			Pharmacist: domain.PharmacistID(r.PharmacistID),
			Name:       r.Name,
			Emoji:      r.Emoji,
			CreatedAt:  r.CreatedAt,
		})
	}
	return views, nil
}

// EditMessage replaces the body and flags the message edited.
func (s *GormStore) EditMessage(ctx context.Context, id domain.MessageID, body string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("message_id = ? AND is_deleted = FALSE", int64(id)).
		Updates(map[string]any{
			"message_text": body,
			"is_edited":    true,
			"edited_at":    at,
			"updated_at":   at,
		}).Error
}

// SoftDeleteMessage hides a message without removing the row.
func (s *GormStore) SoftDeleteMessage(ctx context.Context, id domain.MessageID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("message_id = ?", int64(id)).
		Updates(map[string]any{
			"is_deleted": true,
			"deleted_at": at,
			"updated_at": at,
		}).Error
}

// ReplaceReaction upserts the caller's single reaction on a message. A second
// reaction with a different emoji replaces the first.
func (s *GormStore) ReplaceReaction(ctx context.Context, reaction domain.Reaction) error {
	model := ReactionModel{
		MessageID:    int64(reaction.MessageID),
		PharmacistID: int64(reaction.Pharmacist),
		Emoji:        reaction.Emoji,
		CreatedAt:    reaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "pharmacist_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"emoji", "created_at"}),
	}).Create(&model).Error
}

// DeleteReaction removes the caller's reaction; removing a reaction that does
// not exist is a no-op.
func (s *GormStore) DeleteReaction(ctx context.Context, message domain.MessageID, pharmacist domain.PharmacistID) error {
	return s.db.WithContext(ctx).
		Where("message_id = ? AND pharmacist_id = ?", int64(message), int64(pharmacist)).
		Delete(&ReactionModel{}).Error
}

// UpsertReadMarker records a per-message read receipt. The marker only ever
// advances; a stale timestamp never overwrites a newer one.
func (s *GormStore) UpsertReadMarker(ctx context.Context, message domain.MessageID, pharmacist domain.PharmacistID, at time.Time) error {
	model := ReadMarkerModel{
		MessageID:    int64(message),
		PharmacistID: int64(pharmacist),
		ReadAt:       at,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}, {Name: "pharmacist_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"read_at": gorm.Expr("GREATEST(message_read_status.read_at, EXCLUDED.read_at)"),
		}),
	}).Create(&model).Error
}

// MarkRoomRead inserts read markers for every unread message in the room not
// authored by the caller, advances the member's last_read_at, and returns how
// many markers were newly inserted. The watermark is monotonic.
func (s *GormStore) MarkRoomRead(ctx context.Context, room domain.RoomID, pharmacist domain.PharmacistID, at time.Time) (int, error) {
	var covered int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var member MembershipModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&member, "room_id = ? AND pharmacist_id = ? AND is_active = TRUE", int64(room), int64(pharmacist)).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotMember
			}
			return err
		}
		if member.LastReadAt != nil && !at.After(*member.LastReadAt) {
			covered = 0
			return nil
		}
		res := tx.Exec(`
			INSERT INTO message_read_status (message_id, pharmacist_id, read_at)
			SELECT cm.message_id, ?, ?
			FROM chat_messages cm
			WHERE cm.room_id = ? AND cm.is_deleted = FALSE
			  AND cm.sender_id <> ? AND cm.created_at <= ?
			ON CONFLICT (message_id, pharmacist_id) DO NOTHING`,
			int64(pharmacist), at, int64(room), int64(pharmacist), at)
		if res.Error != nil {
			return res.Error
		}
		covered = int(res.RowsAffected)
		return tx.Model(&MembershipModel{}).
			Where("room_id = ? AND pharmacist_id = ?", int64(room), int64(pharmacist)).
			Update("last_read_at", at).Error
	})
	return covered, err
}

// UpsertPresence writes the durable presence projection row.
func (s *GormStore) UpsertPresence(ctx context.Context, entry domain.PresenceEntry) error {
	model := presenceToModel(entry)
	if model.LastSeen.IsZero() {
		model.LastSeen = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pharmacist_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "conn_id", "current_room_id", "last_seen"}),
	}).Create(&model).Error
}

type onlineUserRow struct {
	PresenceModel
	Name            string
	Email           string
	CurrentRoomName sql.NullString
}

// ListOnline returns the non-offline presence projection, optionally narrowed
// to active members of one room.
func (s *GormStore) ListOnline(ctx context.Context, room *domain.RoomID) ([]domain.OnlineUser, error) {
	query := `
		SELECT ou.*, p.name, p.email, cr.room_name AS current_room_name
		FROM online_users ou
		JOIN pharmacists p ON ou.pharmacist_id = p.pharmacist_id
		LEFT JOIN chat_rooms cr ON ou.current_room_id = cr.room_id
		WHERE ou.status <> 'offline'`
	var args []any
	if room != nil {
		query += ` AND ou.pharmacist_id IN (
			SELECT pharmacist_id FROM chat_room_members
			WHERE room_id = ? AND is_active = TRUE)`
		args = append(args, int64(*room))
	}
	query += " ORDER BY p.name ASC"
	var rows []onlineUserRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.OnlineUser, 0, len(rows))
	for _, row := range rows {
		var current *domain.RoomID
		if row.CurrentRoomID != nil {
			v := domain.RoomID(*row.CurrentRoomID)
			current = &v
		}
		user := domain.OnlineUser{
			PresenceEntry: domain.PresenceEntry{
				Pharmacist:  domain.PharmacistID(row.PharmacistID),
				Status:      domain.PresenceStatus(row.Status),
				ConnID:      domain.ConnID(row.ConnID),
				CurrentRoom: current,
				LastSeen:    row.LastSeen,
			},
			Name:  row.Name,
			Email: row.Email,
		}
		if row.CurrentRoomName.Valid {
			user.CurrentRoomName = row.CurrentRoomName.String
		}
		res = append(res, user)
	}
	return res, nil
}

// InsertNotifications stores a batch of digest notifications.
func (s *GormStore) InsertNotifications(ctx context.Context, notifications []domain.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	models := make([]NotificationModel, 0, len(notifications))
	now := time.Now().UTC()
	for _, n := range notifications {
		model := NotificationModel{
			Period:    string(n.Period),
			Key:       n.Key,
			Title:     n.Title,
			Message:   n.Message,
			Severity:  n.Severity,
			CreatedAt: n.CreatedAt,
		}
		if model.CreatedAt.IsZero() {
			model.CreatedAt = now
		}
		if n.Data != nil {
			raw, err := json.Marshal(n.Data)
			if err != nil {
				return err
			}
			model.Data = raw
		}
		models = append(models, model)
	}
	return s.db.WithContext(ctx).Create(&models).Error
}

// GetNotification returns a notification by ID.
func (s *GormStore) GetNotification(ctx context.Context, id domain.NotificationID) (domain.Notification, bool, error) {
	var model NotificationModel
	if err := s.db.WithContext(ctx).First(&model, "notification_id = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Notification{}, false, nil
		}
		return domain.Notification{}, false, err
	}
	return notificationFromModel(model)
}

func notificationFromModel(m NotificationModel) (domain.Notification, bool, error) {
	n := domain.Notification{
		ID:        domain.NotificationID(m.ID),
		Period:    domain.DigestPeriod(m.Period),
		Key:       m.Key,
		Title:     m.Title,
		Message:   m.Message,
		Severity:  m.Severity,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &n.Data); err != nil {
			return domain.Notification{}, false, err
		}
	}
	return n, true, nil
}

// ListNotificationsFor returns the newest notifications for the digest
// periods the pharmacist has enabled, each paired with its read state.
func (s *GormStore) ListNotificationsFor(ctx context.Context, pharmacist domain.PharmacistID, limit int) ([]domain.NotificationView, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	prefs, err := s.GetNotificationPreferences(ctx, pharmacist)
	if err != nil {
		return nil, err
	}
	periods := make([]string, 0, 3)
	if prefs.Daily {
		periods = append(periods, string(domain.DigestDaily))
	}
	if prefs.Weekly {
		periods = append(periods, string(domain.DigestWeekly))
	}
	if prefs.Monthly {
		periods = append(periods, string(domain.DigestMonthly))
	}
	if len(periods) == 0 {
		return []domain.NotificationView{}, nil
	}
	type notifRow struct {
		NotificationModel
		ReadAt sql.NullTime
	}
	var rows []notifRow
	err = s.db.WithContext(ctx).Raw(`
		SELECT n.*, nr.read_at
		FROM notifications n
		LEFT JOIN notification_reads nr
		  ON n.notification_id = nr.notification_id AND nr.pharmacist_id = ?
		WHERE n.period IN ?
		ORDER BY n.created_at DESC
		LIMIT ?`, int64(pharmacist), periods, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.NotificationView, 0, len(rows))
	for _, row := range rows {
		n, _, err := notificationFromModel(row.NotificationModel)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.NotificationView{Notification: n, Read: row.ReadAt.Valid})
	}
	return res, nil
}

// MarkNotificationRead records a per-pharmacist read receipt; idempotent.
func (s *GormStore) MarkNotificationRead(ctx context.Context, id domain.NotificationID, pharmacist domain.PharmacistID, at time.Time) error {
	model := NotificationReadModel{
		NotificationID: int64(id),
		PharmacistID:   int64(pharmacist),
		ReadAt:         at,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "notification_id"}, {Name: "pharmacist_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// GetNotificationPreferences returns the saved preferences or the defaults
// when the pharmacist has never saved any.
func (s *GormStore) GetNotificationPreferences(ctx context.Context, pharmacist domain.PharmacistID) (domain.NotificationPreferences, error) {
	var model NotificationPrefsModel
	err := s.db.WithContext(ctx).First(&model, "pharmacist_id = ?", int64(pharmacist)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DefaultNotificationPreferences(pharmacist), nil
		}
		return domain.NotificationPreferences{}, err
	}
	return domain.NotificationPreferences{
		Pharmacist: domain.PharmacistID(model.PharmacistID),
		Daily:      model.Daily,
		Weekly:     model.Weekly,
		Monthly:    model.Monthly,
		Custom:     model.Custom,
		System:     model.System,
		Email:      model.Email,
		Push:       model.Push,
		UpdatedAt:  model.UpdatedAt,
	}, nil
}

// UpsertNotificationPreferences saves the full preference row.
func (s *GormStore) UpsertNotificationPreferences(ctx context.Context, prefs domain.NotificationPreferences) error {
	model := NotificationPrefsModel{
		PharmacistID: int64(prefs.Pharmacist),
		Daily:        prefs.Daily,
		Weekly:       prefs.Weekly,
		Monthly:      prefs.Monthly,
		Custom:       prefs.Custom,
		System:       prefs.System,
		Email:        prefs.Email,
		Push:         prefs.Push,
		UpdatedAt:    time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "pharmacist_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"daily_notifications", "weekly_notifications", "monthly_notifications",
			"custom_notifications", "system_notifications",
			"email_notifications", "push_notifications", "updated_at",
		}),
	}).Create(&model).Error
}
