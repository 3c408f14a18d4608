package api

import (
	"fmt"
	"net/http"

	"github.com/bher20/utilitycost/internal/auth"
	"github.com/bher20/utilitycost/internal/storage"
)

func (s *Server) registerNotificationRoutes(mux *http.ServeMux) {
	mux.Handle("GET /v1/notifications", s.route("/v1/notifications", auth.ObjNotifications, auth.ActRead, s.handleListNotifications))
	mux.Handle("POST /v1/notifications/{id}/read", s.route("/v1/notifications/read", auth.ObjNotifications, auth.ActWrite, s.handleMarkRead))
	mux.Handle("PUT /v1/recipients/{user}", s.route("/v1/recipients", auth.ObjSettings, auth.ActWrite, s.handleUpsertRecipient))

	mux.Handle("GET /v1/settings/email", s.route("/v1/settings/email", auth.ObjSettings, auth.ActRead, s.handleGetEmailConfig))
	mux.Handle("PUT /v1/settings/email", s.route("/v1/settings/email", auth.ObjSettings, auth.ActWrite, s.handleSaveEmailConfig))
	mux.Handle("POST /v1/settings/email/test", s.route("/v1/settings/email/test", auth.ObjSettings, auth.ActWrite, s.handleTestEmailConfig))
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, r, fmt.Errorf("%w: user_id is required", errBadRequest))
		return
	}
	list, err := s.Store.ListNotifications(r.Context(), storage.NotificationFilter{
		UserID:     userID,
		UnreadOnly: r.URL.Query().Get("unread") == "true",
		Limit:      queryLimit(r, 50),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.RateUpdateNotification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatcher.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertRecipient(w http.ResponseWriter, r *http.Request) {
	var req storage.NotificationRecipient
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Email == "" {
		s.writeError(w, r, fmt.Errorf("%w: email is required", errBadRequest))
		return
	}
	req.UserID = r.PathValue("user")
	req.UpdatedAt = s.Clock.Now()
	if err := s.Store.UpsertRecipient(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetEmailConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Email.GetConfig(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cfg == nil {
		cfg = &storage.EmailConfig{}
	}
	// Secrets stay write-only.
	cfg.Password, cfg.APIKey = "", ""
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveEmailConfig(w http.ResponseWriter, r *http.Request) {
	var req storage.EmailConfig
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Email.SaveConfig(r.Context(), req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTestEmailConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config storage.EmailConfig `json:"config"`
		To     string              `json:"to"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Email.TestConfig(r.Context(), req.Config, req.To); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
