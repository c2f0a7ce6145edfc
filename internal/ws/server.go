package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"parlor/internal/apperr"
	"parlor/internal/models"
)

type authService interface {
	Identify(token string) (string, error)
}

type banGate interface {
	Check(username string) (models.Ban, bool, error)
}

// Server upgrades authenticated requests to websocket connections.
type Server struct {
	auth       authService
	bans       banGate
	hub        *Hub
	upgrader   *websocket.Upgrader
	eventRate  float64
	eventBurst int
}

func NewServer(auth authService, bans banGate, hub *Hub, eventRate float64, eventBurst int) *Server {
	return &Server{
		auth: auth,
		bans: bans,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Token auth, not cookie auth, so cross-origin upgrades
				// carry no ambient credentials.
				return true
			},
		},
		eventRate:  eventRate,
		eventBurst: eventBurst,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}

	username, err := s.auth.Identify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if ban, banned, err := s.bans.Check(username); err != nil {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	} else if banned {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    string(apperr.CodeBanned),
			"message": ban.Reason,
		})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "username", username, "error", err)
		return
	}

	c := NewConnection(s.hub, conn, username, s.eventRate, s.eventBurst)
	if err := c.Handle(r.Context()); err != nil {
		slog.Debug("connection closed", "username", username, "error", err)
	}
}
