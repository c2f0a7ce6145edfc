package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"parlor/internal/apperr"
	"parlor/internal/auth"
	"parlor/internal/bans"
	"parlor/internal/storage"
)

// AdminHandler serves the operator surface. It binds to a separate
// listener and carries no authentication of its own; the listener
// address is the access control.
type AdminHandler struct {
	auth  *auth.Service
	store *storage.Store
	bans  *bans.Gate
}

func NewAdminHandler(authService *auth.Service, store *storage.Store, gate *bans.Gate) *AdminHandler {
	return &AdminHandler{auth: authService, store: store, bans: gate}
}

func (h *AdminHandler) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *AdminHandler) BannedUsersHandler(w http.ResponseWriter, r *http.Request) {
	active, err := h.bans.ListActive()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

type AddUserRequest struct {
	Username string `json:"username"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AddUserHandler creates an account with a generated password. Used by
// the -add-user command to seed accounts without going through the
// public registration endpoint.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}
	if req.Username == "" {
		writeErr(w, apperr.Validation("username is required"))
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		writeErr(w, apperr.Internal("failed to generate password", err))
		return
	}
	password := hex.EncodeToString(buf)

	if _, _, err := h.auth.Register(req.Username, password); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		Username: req.Username,
		Password: password,
	})
}

type banRequest struct {
	Username        string `json:"username"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

// BanHandler suspends an identity: the ban row is written, live tokens
// are revoked, and every live session is force-disconnected.
func (h *AdminHandler) BanHandler(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}
	if req.Username == "" {
		writeErr(w, apperr.Validation("username is required"))
		return
	}
	if req.DurationMinutes <= 0 {
		writeErr(w, apperr.Validation("duration_minutes must be positive"))
		return
	}
	if _, err := h.store.FindUser(req.Username); err != nil {
		writeErr(w, err)
		return
	}

	ban, err := h.bans.Ban(req.Username, req.Reason, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.auth.RevokeUser(req.Username)

	writeJSON(w, http.StatusOK, ban)
}

type unbanRequest struct {
	Username string `json:"username"`
}

func (h *AdminHandler) UnbanHandler(w http.ResponseWriter, r *http.Request) {
	var req unbanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}
	if req.Username == "" {
		writeErr(w, apperr.Validation("username is required"))
		return
	}

	if err := h.bans.Unban(req.Username); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
