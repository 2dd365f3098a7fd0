package server

import (
	"net/http"

	"pharmachat/pkg/domain"
)

// handleListOnline returns everyone currently visible as online. Invisible
// pharmacists appear offline, so they are filtered out here even though the
// projection row carries their real status.
func (s *Server) handleListOnline(w http.ResponseWriter, r *http.Request, _ domain.Pharmacist) {
	var room *domain.RoomID
	if id, ok := pathOrQueryRoom(r); ok {
		room = &id
	}
	users, err := s.store.ListOnline(r.Context(), room)
	if err != nil {
		s.log.Error("list online", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list online users")
		return
	}
	visible := make([]domain.OnlineUser, 0, len(users))
	for _, u := range users {
		if u.Status == domain.StatusInvisible {
			continue
		}
		visible = append(visible, u)
	}
	writeJSON(w, http.StatusOK, visible)
}

type updateStatusRequest struct {
	Status        domain.PresenceStatus `json:"status"`
	CurrentRoomID *domain.RoomID        `json:"current_room_id,omitempty"`
}

// handleUpdateStatus writes the durable status projection for callers without
// a live websocket. Connected clients use the update_status event instead,
// which also broadcasts the change.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Status.UserSelectable() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	entry := domain.PresenceEntry{
		Pharmacist:  p.ID,
		Status:      req.Status,
		CurrentRoom: req.CurrentRoomID,
	}
	if err := s.store.UpsertPresence(r.Context(), entry); err != nil {
		s.log.Error("update status", "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not update status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": req.Status})
}

func pathOrQueryRoom(r *http.Request) (domain.RoomID, bool) {
	if id, ok := pathID(r, "room_id"); ok {
		return domain.RoomID(id), true
	}
	id := queryInt(r, "room_id", 0)
	if id <= 0 {
		return 0, false
	}
	return domain.RoomID(id), true
}
