package server

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"pharmachat/internal/util"
	"pharmachat/pkg/auth"
	"pharmachat/pkg/domain"
)

const (
	maxAttachmentBytes = 25 << 20
	presignExpiry      = 7 * 24 * time.Hour
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	pharmacist, found, err := s.store.GetPharmacistByEmail(r.Context(), req.Email)
	if err != nil {
		s.log.Error("lookup pharmacist by email", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found || !auth.CheckPassword(req.Password, pharmacist.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.tokens.Mint(pharmacist)
	if err != nil {
		s.log.Error("mint token", "pharmacist_id", pharmacist.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"pharmacist":   pharmacist,
	})
}

// handleUploadAttachment stores a multipart file and returns the presigned
// URL clients pass as file_url on image/file messages.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request, _ domain.Pharmacist) {
	if s.objects == nil {
		writeError(w, http.StatusNotImplemented, "attachments are not configured")
		return
	}
	if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	if header.Size > maxAttachmentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := util.NewID() + filepath.Ext(header.Filename)
	if err := s.objects.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		s.log.Error("upload attachment", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store attachment")
		return
	}
	url, err := s.objects.PresignGet(r.Context(), key, presignExpiry)
	if err != nil {
		s.log.Error("presign attachment", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store attachment")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"file_key":  key,
		"file_url":  url,
		"file_name": header.Filename,
		"file_size": header.Size,
	})
}
