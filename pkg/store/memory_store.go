package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"pharmachat/pkg/domain"
)

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors GormStore semantics closely enough that engine tests run against it
// without a database.
type MemoryStore struct {
	mu sync.RWMutex

	pharmacists map[domain.PharmacistID]domain.Pharmacist
	rooms       map[domain.RoomID]domain.Room
	memberships map[domain.RoomID]map[domain.PharmacistID]*domain.Membership
	messages    map[domain.MessageID]domain.Message
	reactions   map[domain.MessageID]map[domain.PharmacistID]domain.Reaction
	readMarkers map[domain.MessageID]map[domain.PharmacistID]time.Time
	presence    map[domain.PharmacistID]domain.PresenceEntry
	notifs      map[domain.NotificationID]domain.Notification
	notifReads  map[domain.NotificationID]map[domain.PharmacistID]time.Time
	prefs       map[domain.PharmacistID]domain.NotificationPreferences

	nextRoomID    int64
	nextMessageID int64
	nextNotifID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pharmacists: make(map[domain.PharmacistID]domain.Pharmacist),
		rooms:       make(map[domain.RoomID]domain.Room),
		memberships: make(map[domain.RoomID]map[domain.PharmacistID]*domain.Membership),
		messages:    make(map[domain.MessageID]domain.Message),
		reactions:   make(map[domain.MessageID]map[domain.PharmacistID]domain.Reaction),
		readMarkers: make(map[domain.MessageID]map[domain.PharmacistID]time.Time),
		presence:    make(map[domain.PharmacistID]domain.PresenceEntry),
		notifs:      make(map[domain.NotificationID]domain.Notification),
		notifReads:  make(map[domain.NotificationID]map[domain.PharmacistID]time.Time),
		prefs:       make(map[domain.PharmacistID]domain.NotificationPreferences),
	}
}

// SeedPharmacist registers a pharmacist row. Tests use this in place of the
// staff system's table.
func (s *MemoryStore) SeedPharmacist(p domain.Pharmacist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pharmacists[p.ID] = p
}

func (s *MemoryStore) GetPharmacistByID(_ context.Context, id domain.PharmacistID) (domain.Pharmacist, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pharmacists[id]
	return p, ok, nil
}

func (s *MemoryStore) GetPharmacistByEmail(_ context.Context, email string) (domain.Pharmacist, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pharmacists {
		if p.Email == email {
			return p, true, nil
		}
	}
	return domain.Pharmacist{}, false, nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, room domain.Room) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRoomID++
	room.ID = domain.RoomID(s.nextRoomID)
	room.Active = true
	now := time.Now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now
	s.rooms[room.ID] = room
	s.memberships[room.ID] = map[domain.PharmacistID]*domain.Membership{
		room.CreatedBy: {
			RoomID:     room.ID,
			Pharmacist: room.CreatedBy,
			Admin:      true,
			Active:     true,
			JoinedAt:   now,
		},
	}
	return room, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id domain.RoomID) (domain.Room, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	return room, ok, nil
}

func (s *MemoryStore) ListRoomsFor(_ context.Context, pharmacist domain.PharmacistID, filter RoomFilter) ([]domain.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.RoomSummary
	for id, room := range s.rooms {
		if !room.Active {
			continue
		}
		member := s.memberships[id][pharmacist]
		if member == nil || !member.Active {
			continue
		}
		if filter.Kind != "" && room.Kind != filter.Kind {
			continue
		}
		if filter.ShopID != nil && (room.ShopID == nil || *room.ShopID != *filter.ShopID) {
			continue
		}
		summary := domain.RoomSummary{Room: room}
		for _, m := range s.memberships[id] {
			if m.Active {
				summary.MemberCount++
			}
		}
		var last domain.Message
		for _, msg := range s.messages {
			if msg.RoomID != id || msg.Deleted {
				continue
			}
			if msg.SenderID != pharmacist &&
				(member.LastReadAt == nil || msg.CreatedAt.After(*member.LastReadAt)) {
				summary.UnreadCount++
			}
			if msg.CreatedAt.After(last.CreatedAt) {
				last = msg
			}
		}
		if last.ID != 0 {
			summary.LastMessage = last.Body
			t := last.CreatedAt
			summary.LastMessageAt = &t
			summary.LastSenderID = last.SenderID
			summary.LastSenderName = s.pharmacists[last.SenderID].Name
		}
		res = append(res, summary)
	}
	sort.Slice(res, func(i, j int) bool {
		ti, tj := res[i].CreatedAt, res[j].CreatedAt
		if res[i].LastMessageAt != nil {
			ti = *res[i].LastMessageAt
		}
		if res[j].LastMessageAt != nil {
			tj = *res[j].LastMessageAt
		}
		return ti.After(tj)
	})
	return res, nil
}

func (s *MemoryStore) DeactivateRoom(_ context.Context, id domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil
	}
	room.Active = false
	room.UpdatedAt = time.Now().UTC()
	s.rooms[id] = room
	return nil
}

func (s *MemoryStore) GetMembership(_ context.Context, room domain.RoomID, pharmacist domain.PharmacistID) (domain.Membership, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member := s.memberships[room][pharmacist]
	if member == nil {
		return domain.Membership{}, false, nil
	}
	return *member, true, nil
}

func (s *MemoryStore) UpsertActiveMembership(_ context.Context, room domain.RoomID, pharmacist domain.PharmacistID, admin bool) (domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.memberships[room]
	if members == nil {
		members = make(map[domain.PharmacistID]*domain.Membership)
		s.memberships[room] = members
	}
	member := members[pharmacist]
	if member == nil {
		member = &domain.Membership{
			RoomID:     room,
			Pharmacist: pharmacist,
			Admin:      admin,
			Active:     true,
			JoinedAt:   time.Now().UTC(),
		}
		members[pharmacist] = member
	} else if !member.Active {
		member.Active = true
		member.JoinedAt = time.Now().UTC()
	}
	return *member, nil
}

func (s *MemoryStore) DeactivateMembership(_ context.Context, room domain.RoomID, pharmacist domain.PharmacistID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	member := s.memberships[room][pharmacist]
	if member == nil || !member.Active {
		return ErrNotMember
	}
	member.Active = false
	return nil
}

func (s *MemoryStore) SetMemberMuted(_ context.Context, room domain.RoomID, pharmacist domain.PharmacistID, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	member := s.memberships[room][pharmacist]
	if member == nil {
		return ErrNotMember
	}
	member.Muted = muted
	return nil
}

func (s *MemoryStore) ListActiveRoomIDs(_ context.Context, pharmacist domain.PharmacistID) ([]domain.RoomID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []domain.RoomID
	for roomID, members := range s.memberships {
		if m := members[pharmacist]; m != nil && m.Active {
			ids = append(ids, roomID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) ListRoomMembers(_ context.Context, room domain.RoomID) ([]domain.RoomMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.RoomMember
	for _, m := range s.memberships[room] {
		if !m.Active {
			continue
		}
		p := s.pharmacists[m.Pharmacist]
		member := domain.RoomMember{
			Membership: *m,
			Name:       p.Name,
			Email:      p.Email,
		}
		if entry, ok := s.presence[m.Pharmacist]; ok {
			member.OnlineStatus = entry.Status
			t := entry.LastSeen
			member.LastSeen = &t
		}
		res = append(res, member)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Admin != res[j].Admin {
			return res[i].Admin
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg domain.Message) (domain.MessageView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessageID++
	msg.ID = domain.MessageID(s.nextMessageID)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UpdatedAt = msg.CreatedAt
	s.messages[msg.ID] = msg
	return s.viewLocked(msg), nil
}

func (s *MemoryStore) viewLocked(msg domain.Message) domain.MessageView {
	sender := s.pharmacists[msg.SenderID]
	view := domain.MessageView{
		Message:     msg,
		SenderName:  sender.Name,
		SenderEmail: sender.Email,
	}
	if msg.ReplyTo != nil {
		if parent, ok := s.messages[*msg.ReplyTo]; ok {
			view.ReplyToText = parent.Body
			view.ReplyToSender = s.pharmacists[parent.SenderID].Name
		}
	}
	for _, r := range s.reactions[msg.ID] {
		r.Name = s.pharmacists[r.Pharmacist].Name
		view.Reactions = append(view.Reactions, r)
	}
	sort.Slice(view.Reactions, func(i, j int) bool {
		return view.Reactions[i].CreatedAt.Before(view.Reactions[j].CreatedAt)
	})
	return view
}

func (s *MemoryStore) GetMessage(_ context.Context, id domain.MessageID) (domain.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	return msg, ok, nil
}

func (s *MemoryStore) ListRoomMessages(_ context.Context, room domain.RoomID, page MessagePage) ([]domain.MessageView, error) {
	page = page.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.Message
	for _, msg := range s.messages {
		if msg.RoomID == room && !msg.Deleted {
			all = append(all, msg)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	end := len(all) - (page.Page-1)*page.Limit
	if end <= 0 {
		return []domain.MessageView{}, nil
	}
	start := end - page.Limit
	if start < 0 {
		start = 0
	}
	views := make([]domain.MessageView, 0, end-start)
	for _, msg := range all[start:end] {
		views = append(views, s.viewLocked(msg))
	}
	return views, nil
}

func (s *MemoryStore) EditMessage(_ context.Context, id domain.MessageID, body string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.Deleted {
		return nil
	}
	msg.Body = body
	msg.Edited = true
	msg.EditedAt = &at
	msg.UpdatedAt = at
	s.messages[id] = msg
	return nil
}

func (s *MemoryStore) SoftDeleteMessage(_ context.Context, id domain.MessageID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil
	}
	msg.Deleted = true
	msg.DeletedAt = &at
	msg.UpdatedAt = at
	s.messages[id] = msg
	return nil
}

func (s *MemoryStore) ReplaceReaction(_ context.Context, reaction domain.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	byUser := s.reactions[reaction.MessageID]
	if byUser == nil {
		byUser = make(map[domain.PharmacistID]domain.Reaction)
		s.reactions[reaction.MessageID] = byUser
	}
	byUser[reaction.Pharmacist] = reaction
	return nil
}

func (s *MemoryStore) DeleteReaction(_ context.Context, message domain.MessageID, pharmacist domain.PharmacistID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reactions[message], pharmacist)
	return nil
}

func (s *MemoryStore) UpsertReadMarker(_ context.Context, message domain.MessageID, pharmacist domain.PharmacistID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := s.readMarkers[message]
	if byUser == nil {
		byUser = make(map[domain.PharmacistID]time.Time)
		s.readMarkers[message] = byUser
	}
	if existing, ok := byUser[pharmacist]; ok && !at.After(existing) {
		return nil
	}
	byUser[pharmacist] = at
	return nil
}

// ReadMarker returns the recorded receipt time, for assertions.
func (s *MemoryStore) ReadMarker(message domain.MessageID, pharmacist domain.PharmacistID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.readMarkers[message][pharmacist]
	return t, ok
}

func (s *MemoryStore) MarkRoomRead(_ context.Context, room domain.RoomID, pharmacist domain.PharmacistID, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member := s.memberships[room][pharmacist]
	if member == nil || !member.Active {
		return 0, ErrNotMember
	}
	if member.LastReadAt != nil && !at.After(*member.LastReadAt) {
		return 0, nil
	}
	covered := 0
	for id, msg := range s.messages {
		if msg.RoomID != room || msg.Deleted || msg.SenderID == pharmacist {
			continue
		}
		if msg.CreatedAt.After(at) {
			continue
		}
		byUser := s.readMarkers[id]
		if byUser == nil {
			byUser = make(map[domain.PharmacistID]time.Time)
			s.readMarkers[id] = byUser
		}
		if _, ok := byUser[pharmacist]; ok {
			continue
		}
		byUser[pharmacist] = at
		covered++
	}
	member.LastReadAt = &at
	return covered, nil
}

func (s *MemoryStore) UpsertPresence(_ context.Context, entry domain.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.LastSeen.IsZero() {
		entry.LastSeen = time.Now().UTC()
	}
	s.presence[entry.Pharmacist] = entry
	return nil
}

// Presence returns the stored projection row, for assertions.
func (s *MemoryStore) Presence(pharmacist domain.PharmacistID) (domain.PresenceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.presence[pharmacist]
	return entry, ok
}

func (s *MemoryStore) ListOnline(_ context.Context, room *domain.RoomID) ([]domain.OnlineUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.OnlineUser
	for id, entry := range s.presence {
		if entry.Status == domain.StatusOffline {
			continue
		}
		if room != nil {
			member := s.memberships[*room][id]
			if member == nil || !member.Active {
				continue
			}
		}
		p := s.pharmacists[id]
		user := domain.OnlineUser{PresenceEntry: entry, Name: p.Name, Email: p.Email}
		if entry.CurrentRoom != nil {
			user.CurrentRoomName = s.rooms[*entry.CurrentRoom].Name
		}
		res = append(res, user)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *MemoryStore) InsertNotifications(_ context.Context, notifications []domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, n := range notifications {
		s.nextNotifID++
		n.ID = domain.NotificationID(s.nextNotifID)
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		s.notifs[n.ID] = n
	}
	return nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id domain.NotificationID) (domain.Notification, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifs[id]
	return n, ok, nil
}

func (s *MemoryStore) ListNotificationsFor(_ context.Context, pharmacist domain.PharmacistID, limit int) ([]domain.NotificationView, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.prefs[pharmacist]
	if !ok {
		prefs = domain.DefaultNotificationPreferences(pharmacist)
	}
	enabled := map[domain.DigestPeriod]bool{
		domain.DigestDaily:   prefs.Daily,
		domain.DigestWeekly:  prefs.Weekly,
		domain.DigestMonthly: prefs.Monthly,
	}
	var res []domain.NotificationView
	for id, n := range s.notifs {
		if !enabled[n.Period] {
			continue
		}
		_, read := s.notifReads[id][pharmacist]
		res = append(res, domain.NotificationView{Notification: n, Read: read})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id domain.NotificationID, pharmacist domain.PharmacistID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := s.notifReads[id]
	if byUser == nil {
		byUser = make(map[domain.PharmacistID]time.Time)
		s.notifReads[id] = byUser
	}
	if _, ok := byUser[pharmacist]; !ok {
		byUser[pharmacist] = at
	}
	return nil
}

func (s *MemoryStore) GetNotificationPreferences(_ context.Context, pharmacist domain.PharmacistID) (domain.NotificationPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if prefs, ok := s.prefs[pharmacist]; ok {
		return prefs, nil
	}
	return domain.DefaultNotificationPreferences(pharmacist), nil
}

func (s *MemoryStore) UpsertNotificationPreferences(_ context.Context, prefs domain.NotificationPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs.UpdatedAt = time.Now().UTC()
	s.prefs[prefs.Pharmacist] = prefs
	return nil
}
