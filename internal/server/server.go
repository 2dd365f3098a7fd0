// Package server exposes the HTTP pull surface and the websocket endpoint.
// Real-time state flows over the websocket; everything here is the catch-up
// and administration API the dashboard polls.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"pharmachat/internal/chat"
	"pharmachat/internal/digest"
	"pharmachat/internal/ratelimit"
	"pharmachat/internal/usertoken"
	"pharmachat/internal/util"
	"pharmachat/pkg/cache"
	"pharmachat/pkg/domain"
	"pharmachat/pkg/storage"
	"pharmachat/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store       store.Store
	Tokens      *usertoken.Codec
	Registry    *chat.Registry
	Dispatcher  *chat.Dispatcher
	Digest      *digest.Generator
	Cache       *cache.Cache
	Objects     storage.ObjectStore
	HTTPLimiter *ratelimit.FixedWindowLimiter
	CORSOrigin  string
	Log         *slog.Logger
}

// Server routes HTTP requests for the chat service.
type Server struct {
	store       store.Store
	tokens      *usertoken.Codec
	registry    *chat.Registry
	dispatcher  *chat.Dispatcher
	digest      *digest.Generator
	cache       *cache.Cache
	objects     storage.ObjectStore
	httpLimiter *ratelimit.FixedWindowLimiter
	corsOrigin  string
	log         *slog.Logger
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		store:       cfg.Store,
		tokens:      cfg.Tokens,
		registry:    cfg.Registry,
		dispatcher:  cfg.Dispatcher,
		digest:      cfg.Digest,
		cache:       cfg.Cache,
		objects:     cfg.Objects,
		httpLimiter: cfg.HTTPLimiter,
		corsOrigin:  cfg.CORSOrigin,
		log:         cfg.Log,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with ambient middleware applied.
func (s *Server) Router() http.Handler {
	handler := util.WithSecurityHeaders(util.WithCORS(s.corsOrigin, s.mux))
	handler = util.WithRequestLog(handler)
	return util.WithRequestID(handler)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)

	s.mux.Handle("GET /ws", s.withPharmacist(s.handleWebsocket))

	s.mux.Handle("POST /chat/rooms", s.limited(s.withPharmacist(s.handleCreateRoom)))
	s.mux.Handle("GET /chat/rooms", s.withPharmacist(s.handleListRooms))
	s.mux.Handle("POST /chat/rooms/{room_id}/join", s.limited(s.withPharmacist(s.handleJoinRoom)))
	s.mux.Handle("POST /chat/rooms/{room_id}/leave", s.limited(s.withPharmacist(s.handleLeaveRoom)))
	s.mux.Handle("GET /chat/rooms/{room_id}/members", s.withPharmacist(s.handleListMembers))
	s.mux.Handle("GET /chat/rooms/{room_id}/messages", s.withPharmacist(s.handleListMessages))
	s.mux.Handle("POST /chat/rooms/{room_id}/read", s.limited(s.withPharmacist(s.handleMarkRoomRead)))
	s.mux.Handle("DELETE /chat/rooms/{room_id}", s.limited(s.withPharmacist(s.handleDeactivateRoom)))

	s.mux.Handle("POST /chat/rooms/{room_id}/members", s.limited(s.withPharmacist(s.handleAddMember)))
	s.mux.Handle("DELETE /chat/rooms/{room_id}/members/{pharmacist_id}", s.limited(s.withPharmacist(s.handleRemoveMember)))
	s.mux.Handle("POST /chat/rooms/{room_id}/members/{pharmacist_id}/mute", s.limited(s.withPharmacist(s.handleMute(true))))
	s.mux.Handle("POST /chat/rooms/{room_id}/members/{pharmacist_id}/unmute", s.limited(s.withPharmacist(s.handleMute(false))))

	s.mux.Handle("PATCH /chat/messages/{message_id}", s.limited(s.withPharmacist(s.handleEditMessage)))
	s.mux.Handle("DELETE /chat/messages/{message_id}", s.limited(s.withPharmacist(s.handleDeleteMessage)))
	s.mux.Handle("POST /chat/messages/{message_id}/read", s.limited(s.withPharmacist(s.handleMarkMessageRead)))
	s.mux.Handle("POST /chat/messages/{message_id}/reactions", s.limited(s.withPharmacist(s.handleAddReaction)))
	s.mux.Handle("DELETE /chat/messages/{message_id}/reactions", s.limited(s.withPharmacist(s.handleRemoveReaction)))

	s.mux.Handle("GET /chat/online", s.withPharmacist(s.handleListOnline))
	s.mux.Handle("PATCH /chat/status", s.limited(s.withPharmacist(s.handleUpdateStatus)))

	s.mux.Handle("GET /chat/notifications", s.withPharmacist(s.handleListNotifications))
	s.mux.Handle("POST /chat/notifications/{notification_id}/read", s.limited(s.withPharmacist(s.handleMarkNotificationRead)))
	s.mux.Handle("PUT /chat/notifications/preferences", s.limited(s.withPharmacist(s.handleUpdatePreferences)))
	s.mux.Handle("POST /chat/notifications/trigger/{period}", s.limited(s.withPharmacist(s.handleTriggerDigest)))

	s.mux.Handle("POST /chat/attachments", s.limited(s.withPharmacist(s.handleUploadAttachment)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pharmacistHandler func(http.ResponseWriter, *http.Request, domain.Pharmacist)

// withPharmacist authenticates the bearer token and confirms the pharmacist
// still exists before invoking the handler.
func (s *Server) withPharmacist(next pharmacistHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := usertoken.FromAuthorizationHeader(r.Header.Get("Authorization"))
		if token == "" {
			// The browser websocket API cannot set headers, so the handshake
			// may carry the token as a query parameter instead.
			token = r.URL.Query().Get("token")
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		pharmacist, ok, err := s.store.GetPharmacistByID(r.Context(), claims.PharmacistID)
		if err != nil {
			s.log.Error("lookup pharmacist", "pharmacist_id", claims.PharmacistID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, pharmacist)
	})
}

// limited applies the fixed-window budget per client identity, falling back
// to the remote address for unauthenticated requests.
func (s *Server) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if token := usertoken.FromAuthorizationHeader(r.Header.Get("Authorization")); token != "" {
			if claims, err := s.tokens.Verify(token); err == nil {
				key = "p:" + strconv.FormatInt(int64(claims.PharmacistID), 10)
			}
		}
		if !s.httpLimiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathID parses a positive numeric path segment.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
