package server

import (
	"net/http"
	"time"

	"pharmachat/pkg/domain"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	limit := queryInt(r, "limit", 50)
	notifications, err := s.store.ListNotificationsFor(r.Context(), p.ID, limit)
	if err != nil {
		s.log.Error("list notifications", "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list notifications")
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	id, ok := pathID(r, "notification_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}
	_, found, err := s.store.GetNotification(r.Context(), domain.NotificationID(id))
	if err != nil {
		s.log.Error("get notification", "notification_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to mark notification as read")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Notification not found")
		return
	}
	if err := s.store.MarkNotificationRead(r.Context(), domain.NotificationID(id), p.ID, time.Now().UTC()); err != nil {
		s.log.Error("mark notification read", "notification_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to mark notification as read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type preferencesRequest struct {
	Daily   *bool `json:"daily_notifications,omitempty"`
	Weekly  *bool `json:"weekly_notifications,omitempty"`
	Monthly *bool `json:"monthly_notifications,omitempty"`
	Custom  *bool `json:"custom_notifications,omitempty"`
	System  *bool `json:"system_notifications,omitempty"`
	Email   *bool `json:"email_notifications,omitempty"`
	Push    *bool `json:"push_notifications,omitempty"`
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request, p domain.Pharmacist) {
	var req preferencesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	prefs, err := s.store.GetNotificationPreferences(r.Context(), p.ID)
	if err != nil {
		s.log.Error("get preferences", "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update notification preferences")
		return
	}
	prefs.Pharmacist = p.ID
	applyPref(&prefs.Daily, req.Daily)
	applyPref(&prefs.Weekly, req.Weekly)
	applyPref(&prefs.Monthly, req.Monthly)
	applyPref(&prefs.Custom, req.Custom)
	applyPref(&prefs.System, req.System)
	applyPref(&prefs.Email, req.Email)
	applyPref(&prefs.Push, req.Push)
	if err := s.store.UpsertNotificationPreferences(r.Context(), prefs); err != nil {
		s.log.Error("update preferences", "pharmacist_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to update notification preferences")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "preferences": prefs})
}

// handleTriggerDigest runs a digest period on demand, mirroring the manual
// trigger endpoints used for testing the schedulers.
func (s *Server) handleTriggerDigest(w http.ResponseWriter, r *http.Request, _ domain.Pharmacist) {
	period := domain.DigestPeriod(r.PathValue("period"))
	switch period {
	case domain.DigestDaily, domain.DigestWeekly, domain.DigestMonthly:
	default:
		writeError(w, http.StatusBadRequest, "invalid digest period")
		return
	}
	if err := s.digest.Run(r.Context(), period); err != nil {
		s.log.Error("trigger digest", "period", period, "error", err)
		writeError(w, http.StatusInternalServerError, "could not trigger digest")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func applyPref(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
