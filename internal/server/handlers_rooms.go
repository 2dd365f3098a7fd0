package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"pharmachat/pkg/domain"
	"pharmachat/pkg/store"
)

const maxBodyBytes = 1 << 20

type createRoomRequest struct {
	Name   string          `json:"room_name"`
	Kind   domain.RoomKind `json:"room_type"`
	ShopID *domain.ShopID  `json:"shop_id,omitempty"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "room_name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = domain.RoomGeneral
	}
	switch req.Kind {
	case domain.RoomGeneral, domain.RoomShop, domain.RoomPrivate:
	default:
		writeError(w, http.StatusBadRequest, "invalid room_type")
		return
	}
	if req.Kind == domain.RoomShop && req.ShopID == nil {
		writeError(w, http.StatusBadRequest, "shop_id is required for shop rooms")
		return
	}
	room, err := s.store.CreateRoom(r.Context(), domain.Room{
		Name:      req.Name,
		Kind:      req.Kind,
		ShopID:    req.ShopID,
		CreatedBy: p.ID,
	})
	if err != nil {
		s.log.Error("create room", "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create room")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	filter := store.RoomFilter{}
	if kind := r.URL.Query().Get("room_type"); kind != "" {
		filter.Kind = domain.RoomKind(kind)
	}
	rooms, err := s.store.ListRoomsFor(r.Context(), p.ID, filter)
	if err != nil {
		s.log.Error("list rooms", "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, ok := pathID(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}
	room, found, err := s.store.GetRoom(r.Context(), domain.RoomID(roomID))
	if err != nil {
		s.log.Error("get room", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not join room")
		return
	}
	if !found || !room.Active {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if room.Kind == domain.RoomPrivate {
		member, hasMember, err := s.store.GetMembership(r.Context(), room.ID, p.ID)
		if err != nil {
			s.log.Error("get membership", "room_id", roomID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not join room")
			return
		}
		if !hasMember || !member.Active {
			writeError(w, http.StatusForbidden, "You are not a member of this room.")
			return
		}
	}
	member, err := s.store.UpsertActiveMembership(r.Context(), room.ID, p.ID, false)
	if err != nil {
		s.log.Error("join room", "room_id", roomID, "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not join room")
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, ok := pathID(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}
	if err := s.store.DeactivateMembership(r.Context(), domain.RoomID(roomID), p.ID); err != nil {
		if errors.Is(err, store.ErrNotMember) {
			writeError(w, http.StatusForbidden, "You are not a member of this room.")
			return
		}
		s.log.Error("leave room", "room_id", roomID, "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not leave room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, ok := pathID(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}
	if !s.requireActiveMember(w, r, domain.RoomID(roomID), p.ID) {
		return
	}
	members, err := s.store.ListRoomMembers(r.Context(), domain.RoomID(roomID))
	if err != nil {
		s.log.Error("list members", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list members")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleDeactivateRoom(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, ok := pathID(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}
	if !s.requireRoomAdmin(w, r, domain.RoomID(roomID), p.ID) {
		return
	}
	if err := s.store.DeactivateRoom(r.Context(), domain.RoomID(roomID)); err != nil {
		s.log.Error("deactivate room", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete room")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type addMemberRequest struct {
	PharmacistID domain.PharmacistID `json:"pharmacist_id"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, ok := pathID(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}
	var req addMemberRequest
	if err := decodeBody(r, &req); err != nil || req.PharmacistID <= 0 {
		writeError(w, http.StatusBadRequest, "pharmacist_id is required")
		return
	}
	if !s.requireRoomAdmin(w, r, domain.RoomID(roomID), p.ID) {
		return
	}
	if _, found, err := s.store.GetPharmacistByID(r.Context(), req.PharmacistID); err != nil || !found {
		if err != nil {
			s.log.Error("lookup pharmacist", "pharmacist_id", req.PharmacistID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not add member")
			return
		}
		writeError(w, http.StatusNotFound, "pharmacist not found")
		return
	}
	member, err := s.store.UpsertActiveMembership(r.Context(), domain.RoomID(roomID), req.PharmacistID, false)
	if err != nil {
		s.log.Error("add member", "room_id", roomID, "pharmacist_id", req.PharmacistID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not add member")
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, okRoom := pathID(r, "room_id")
	memberID, okMember := pathID(r, "pharmacist_id")
	if !okRoom || !okMember {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if !s.requireRoomAdmin(w, r, domain.RoomID(roomID), p.ID) {
		return
	}
	if err := s.store.DeactivateMembership(r.Context(), domain.RoomID(roomID), domain.PharmacistID(memberID)); err != nil {
		if errors.Is(err, store.ErrNotMember) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		s.log.Error("remove member", "room_id", roomID, "pharmacist_id", memberID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not remove member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMute(muted bool) pharmacistHandler {
	return func(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
		roomID, okRoom := pathID(r, "room_id")
		memberID, okMember := pathID(r, "pharmacist_id")
		if !okRoom || !okMember {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		if !s.requireRoomAdmin(w, r, domain.RoomID(roomID), p.ID) {
			return
		}
		if err := s.store.SetMemberMuted(r.Context(), domain.RoomID(roomID), domain.PharmacistID(memberID), muted); err != nil {
			if errors.Is(err, store.ErrNotMember) {
				writeError(w, http.StatusNotFound, "member not found")
				return
			}
			s.log.Error("set muted", "room_id", roomID, "pharmacist_id", memberID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not update member")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true, "is_muted": muted})
	}
}

func (s *Server) handleMarkRoomRead(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, ok := pathID(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}
	covered, err := s.store.MarkRoomRead(r.Context(), domain.RoomID(roomID), p.ID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotMember) {
			writeError(w, http.StatusForbidden, "You are not a member of this room.")
			return
		}
		s.log.Error("mark room read", "room_id", roomID, "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not mark room as read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"read_count": covered})
}

// requireActiveMember rejects with 403 unless the pharmacist is an active
// member of the room. Returns false when a response was already written.
func (s *Server) requireActiveMember(w http.ResponseWriter, r *http.Request, room domain.RoomID, pharmacist domain.PharmacistID) bool {
	member, found, err := s.store.GetMembership(r.Context(), room, pharmacist)
	if err != nil {
		s.log.Error("get membership", "room_id", room, "pharmacist_id", pharmacist, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !found || !member.Active {
		writeError(w, http.StatusForbidden, "You are not a member of this room.")
		return false
	}
	return true
}

// requireRoomAdmin rejects with 403 unless the pharmacist is an active admin
// of the room.
func (s *Server) requireRoomAdmin(w http.ResponseWriter, r *http.Request, room domain.RoomID, pharmacist domain.PharmacistID) bool {
	member, found, err := s.store.GetMembership(r.Context(), room, pharmacist)
	if err != nil {
		s.log.Error("get membership", "room_id", room, "pharmacist_id", pharmacist, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !found || !member.Active || !member.Admin {
		writeError(w, http.StatusForbidden, "room admin required")
		return false
	}
	return true
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}
