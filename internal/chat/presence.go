package chat

import (
	"context"
	"sync"
	"time"

	"pharmachat/pkg/domain"
	"pharmachat/pkg/store"
)

// Registry tracks which pharmacists are connected right now. It is the
// authority for online/offline: a pharmacist is online while at least one
// connection is registered, whatever the durable projection says. Status
// choices (away, busy, invisible) are per pharmacist, last writer wins
// across that pharmacist's devices.
type Registry struct {
	store store.Store

	mu     sync.Mutex
	conns  map[domain.ConnID]domain.PharmacistID
	byUser map[domain.PharmacistID]map[domain.ConnID]struct{}
	status map[domain.PharmacistID]domain.PresenceStatus
	rooms  map[domain.PharmacistID]*domain.RoomID
}

func NewRegistry(st store.Store) *Registry {
	return &Registry{
		store:  st,
		conns:  make(map[domain.ConnID]domain.PharmacistID),
		byUser: make(map[domain.PharmacistID]map[domain.ConnID]struct{}),
		status: make(map[domain.PharmacistID]domain.PresenceStatus),
		rooms:  make(map[domain.PharmacistID]*domain.RoomID),
	}
}

// Register binds a connection to its pharmacist. It returns true when this is
// the pharmacist's first live connection, meaning the caller should announce
// the online transition. The durable projection is written before the
// transition is reported so observers never see an announcement the pull API
// contradicts.
func (r *Registry) Register(ctx context.Context, conn domain.ConnID, pharmacist domain.PharmacistID) (bool, error) {
	r.mu.Lock()
	set := r.byUser[pharmacist]
	first := len(set) == 0
	if set == nil {
		set = make(map[domain.ConnID]struct{})
		r.byUser[pharmacist] = set
	}
	set[conn] = struct{}{}
	r.conns[conn] = pharmacist
	if first {
		r.status[pharmacist] = domain.StatusOnline
	}
	entry := r.entryLocked(pharmacist, conn)
	r.mu.Unlock()

	if err := r.store.UpsertPresence(ctx, entry); err != nil {
		return first, persistErr("could not record presence", err)
	}
	return first, nil
}

// Unregister drops the connection. It returns true when this was the
// pharmacist's last connection, meaning the caller should announce offline.
// A second Unregister for the same connection is a no-op.
func (r *Registry) Unregister(ctx context.Context, conn domain.ConnID) (domain.PharmacistID, bool, error) {
	r.mu.Lock()
	pharmacist, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return 0, false, nil
	}
	delete(r.conns, conn)
	delete(r.byUser[pharmacist], conn)
	last := len(r.byUser[pharmacist]) == 0
	if last {
		delete(r.byUser, pharmacist)
		delete(r.status, pharmacist)
		delete(r.rooms, pharmacist)
	}
	r.mu.Unlock()

	if last {
		entry := domain.PresenceEntry{
			Pharmacist: pharmacist,
			Status:     domain.StatusOffline,
			LastSeen:   time.Now().UTC(),
		}
		if err := r.store.UpsertPresence(ctx, entry); err != nil {
			return pharmacist, last, persistErr("could not record presence", err)
		}
	}
	return pharmacist, last, nil
}

// SetStatus records a pharmacist's chosen status and current room. Offline is
// not selectable; only losing the last connection produces it.
func (r *Registry) SetStatus(ctx context.Context, conn domain.ConnID, status domain.PresenceStatus, room *domain.RoomID) (domain.PresenceEntry, error) {
	if !status.UserSelectable() {
		return domain.PresenceEntry{}, validationErr("invalid status")
	}
	r.mu.Lock()
	pharmacist, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return domain.PresenceEntry{}, authzErr("connection is not registered")
	}
	r.status[pharmacist] = status
	r.rooms[pharmacist] = room
	entry := r.entryLocked(pharmacist, conn)
	r.mu.Unlock()

	if err := r.store.UpsertPresence(ctx, entry); err != nil {
		return entry, persistErr("could not record presence", err)
	}
	return entry, nil
}

// SetCurrentRoom updates only the room a pharmacist is focused on.
func (r *Registry) SetCurrentRoom(ctx context.Context, conn domain.ConnID, room *domain.RoomID) error {
	r.mu.Lock()
	pharmacist, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return authzErr("connection is not registered")
	}
	r.rooms[pharmacist] = room
	entry := r.entryLocked(pharmacist, conn)
	r.mu.Unlock()

	if err := r.store.UpsertPresence(ctx, entry); err != nil {
		return persistErr("could not record presence", err)
	}
	return nil
}

// Identity resolves a connection to its pharmacist.
func (r *Registry) Identity(conn domain.ConnID) (domain.PharmacistID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pharmacist, ok := r.conns[conn]
	return pharmacist, ok
}

// Online reports whether the pharmacist has at least one live connection.
func (r *Registry) Online(pharmacist domain.PharmacistID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[pharmacist]) > 0
}

// Connections returns the number of live connections for a pharmacist.
func (r *Registry) Connections(pharmacist domain.PharmacistID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[pharmacist])
}

func (r *Registry) entryLocked(pharmacist domain.PharmacistID, conn domain.ConnID) domain.PresenceEntry {
	status, ok := r.status[pharmacist]
	if !ok {
		status = domain.StatusOnline
	}
	return domain.PresenceEntry{
		Pharmacist:  pharmacist,
		Status:      status,
		ConnID:      conn,
		CurrentRoom: r.rooms[pharmacist],
		LastSeen:    time.Now().UTC(),
	}
}
