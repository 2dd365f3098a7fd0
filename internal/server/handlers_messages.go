package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"pharmachat/pkg/domain"
	"pharmachat/pkg/store"
)

// editWindow bounds how long after sending a message may still be edited.
const editWindow = 24 * time.Hour

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	roomID, ok := pathID(r, "room_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}
	if !s.requireActiveMember(w, r, domain.RoomID(roomID), p.ID) {
		return
	}
	page := store.MessagePage{
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", 50),
	}.Normalize()

	if cached, hit := s.cache.GetMessages(r.Context(), domain.RoomID(roomID), page.Page, page.Limit); hit {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	messages, err := s.store.ListRoomMessages(r.Context(), domain.RoomID(roomID), page)
	if err != nil {
		s.log.Error("list messages", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	s.cache.SetMessages(r.Context(), domain.RoomID(roomID), page.Page, page.Limit, messages)
	writeJSON(w, http.StatusOK, messages)
}

type editMessageRequest struct {
	Body string `json:"message_text"`
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	messageID, ok := pathID(r, "message_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message_id")
		return
	}
	var req editMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "message_text is required")
		return
	}
	msg, found, err := s.store.GetMessage(r.Context(), domain.MessageID(messageID))
	if err != nil {
		s.log.Error("get message", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not edit message")
		return
	}
	if !found || msg.Deleted {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if msg.SenderID != p.ID {
		writeError(w, http.StatusForbidden, "only the sender can edit a message")
		return
	}
	now := time.Now().UTC()
	if now.Sub(msg.CreatedAt) > editWindow {
		writeError(w, http.StatusForbidden, "messages can only be edited within 24 hours")
		return
	}
	if err := s.store.EditMessage(r.Context(), msg.ID, req.Body, now); err != nil {
		s.log.Error("edit message", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not edit message")
		return
	}
	s.cache.InvalidateRoom(r.Context(), msg.RoomID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	messageID, ok := pathID(r, "message_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message_id")
		return
	}
	msg, found, err := s.store.GetMessage(r.Context(), domain.MessageID(messageID))
	if err != nil {
		s.log.Error("get message", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete message")
		return
	}
	if !found || msg.Deleted {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if msg.SenderID != p.ID {
		// Room admins may also remove messages.
		member, hasMember, err := s.store.GetMembership(r.Context(), msg.RoomID, p.ID)
		if err != nil {
			s.log.Error("get membership", "room_id", msg.RoomID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not delete message")
			return
		}
		if !hasMember || !member.Active || !member.Admin {
			writeError(w, http.StatusForbidden, "only the sender or a room admin can delete a message")
			return
		}
	}
	if err := s.store.SoftDeleteMessage(r.Context(), msg.ID, time.Now().UTC()); err != nil {
		s.log.Error("delete message", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete message")
		return
	}
	s.cache.InvalidateRoom(r.Context(), msg.RoomID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMarkMessageRead(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	messageID, ok := pathID(r, "message_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message_id")
		return
	}
	msg, found, err := s.store.GetMessage(r.Context(), domain.MessageID(messageID))
	if err != nil {
		s.log.Error("get message", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not mark message as read")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if !s.requireActiveMember(w, r, msg.RoomID, p.ID) {
		return
	}
	if err := s.store.UpsertReadMarker(r.Context(), msg.ID, p.ID, time.Now().UTC()); err != nil {
		s.log.Error("mark message read", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not mark message as read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	messageID, ok := pathID(r, "message_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message_id")
		return
	}
	var req reactionRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Emoji) == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}
	msg, found, err := s.store.GetMessage(r.Context(), domain.MessageID(messageID))
	if err != nil {
		s.log.Error("get message", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to add reaction")
		return
	}
	if !found || msg.Deleted {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if !s.requireActiveMember(w, r, msg.RoomID, p.ID) {
		return
	}
	reaction := domain.Reaction{
		MessageID:  msg.ID,
		Pharmacist: p.ID,
		Name:       p.Name,
		Emoji:      strings.TrimSpace(req.Emoji),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.ReplaceReaction(r.Context(), reaction); err != nil {
		s.log.Error("add reaction", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to add reaction")
		return
	}
	s.cache.InvalidateRoom(r.Context(), msg.RoomID)
	writeJSON(w, http.StatusOK, reaction)
}

func (s *Server) handleRemoveReaction(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	messageID, ok := pathID(r, "message_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message_id")
		return
	}
	msg, found, err := s.store.GetMessage(r.Context(), domain.MessageID(messageID))
	if err != nil {
		s.log.Error("get message", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to remove reaction")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err := s.store.DeleteReaction(r.Context(), msg.ID, p.ID); err != nil {
		s.log.Error("remove reaction", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to remove reaction")
		return
	}
	s.cache.InvalidateRoom(r.Context(), msg.RoomID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
