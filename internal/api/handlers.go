package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"parlor/internal/apperr"
	"parlor/internal/auth"
	"parlor/internal/bans"
	"parlor/internal/content"
	"parlor/internal/models"
	"parlor/internal/room"
	"parlor/internal/storage"
	"parlor/internal/ws"
)

const (
	maxHandleLen = 20
	maxBioLen    = 300

	dmPreviewLen = 30
)

type API struct {
	auth  *auth.Service
	hub   *ws.Hub
	store *storage.Store
	bans  *bans.Gate
}

func New(authService *auth.Service, hub *ws.Hub, store *storage.Store, gate *bans.Gate) *API {
	return &API{auth: authService, hub: hub, store: store, bans: gate}
}

// AuthedHandler receives the username resolved from the request token.
type AuthedHandler func(w http.ResponseWriter, r *http.Request, username string)

// RequireAuth resolves the token and rejects unauthenticated requests.
func (a *API) RequireAuth(next AuthedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, err := a.auth.Identify(a.getToken(r))
		if err != nil {
			writeErr(w, apperr.Unauthenticated("invalid or expired token"))
			return
		}
		next(w, r, username)
	}
}

// RequireNotBanned gates mutating routes. A storage failure here fails
// the request rather than waving a possibly banned identity through.
func (a *API) RequireNotBanned(next AuthedHandler) AuthedHandler {
	return func(w http.ResponseWriter, r *http.Request, username string) {
		ban, banned, err := a.bans.Check(username)
		if err != nil {
			writeErr(w, err)
			return
		}
		if banned {
			writeErr(w, apperr.Banned(ban.Reason))
			return
		}
		next(w, r, username)
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Success bool        `json:"success"`
	Token   string      `json:"token"`
	User    models.User `json:"user"`
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}

	user, token, err := a.auth.Register(req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}

	a.setTokenCookie(w, token)
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Token: token, User: user})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest

	// The original client posts x-www-form-urlencoded; JSON is for
	// everything else.
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, apperr.Validation("invalid request body"))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeErr(w, apperr.Validation("failed to parse form"))
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	user, token, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}

	a.setTokenCookie(w, token)
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Token: token, User: user})
}

func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Now().Add(a.auth.TokenExpiry()),
	})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, username string) {
	user, err := a.store.FindUser(username)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type profileRequest struct {
	Nickname    string `json:"nickname"`
	Handle      string `json:"handle"`
	Bio         string `json:"bio"`
	AvatarColor string `json:"avatar_color"`
	AvatarEmoji string `json:"avatar_emoji"`
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request, username string) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}

	req.Nickname = content.Truncate(content.Sanitize(req.Nickname), auth.MaxNicknameLen)
	req.Handle = content.Truncate(content.Sanitize(req.Handle), maxHandleLen)
	req.Bio = content.Truncate(content.Sanitize(req.Bio), maxBioLen)
	req.AvatarColor = content.Sanitize(req.AvatarColor)
	req.AvatarEmoji = content.Sanitize(req.AvatarEmoji)

	if req.Nickname == "" {
		writeErr(w, apperr.Validation("nickname is required"))
		return
	}
	if req.AvatarColor == "" {
		req.AvatarColor = models.DefaultAvatarColor
	}
	if req.AvatarEmoji == "" {
		req.AvatarEmoji = models.DefaultAvatarEmoji
	}

	// Handles are unique across users; reclaiming your own is fine.
	if req.Handle != "" {
		if err := content.ValidateUsername(req.Handle); err != nil {
			writeErr(w, apperr.Validation(err.Error()))
			return
		}
		owner, err := a.store.FindUserByHandle(req.Handle)
		if err == nil && owner.Username != username {
			writeErr(w, apperr.Validation("handle already taken"))
			return
		}
		if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			writeErr(w, err)
			return
		}
	}

	if err := a.store.UpdateUserProfile(username, req.Nickname, req.Handle, req.Bio, req.AvatarColor, req.AvatarEmoji); err != nil {
		writeErr(w, err)
		return
	}

	user, err := a.store.FindUser(username)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) ProfileHandler(w http.ResponseWriter, r *http.Request, _ string) {
	user, err := a.store.FindUser(r.PathValue("username"))
	if err != nil {
		writeErr(w, err)
		return
	}
	// Public view, no bio-level secrets to hide, the row is the profile.
	writeJSON(w, http.StatusOK, user)
}

type userListEntry struct {
	models.User
	LastMessage     string  `json:"last_message,omitempty"`
	LastMessageTime float64 `json:"last_message_time,omitempty"`
}

// UsersHandler returns every other user with presence and a preview of
// the most recent direct message, most recently contacted first.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, username string) {
	users, err := a.store.ListUsers()
	if err != nil {
		writeErr(w, err)
		return
	}

	entries := make([]userListEntry, 0, len(users))
	for _, u := range users {
		if u.Username == username {
			continue
		}
		entry := userListEntry{User: u}
		last, err := a.store.LastMessage(room.DirectID(username, u.Username))
		if err == nil {
			if last.Encrypted {
				entry.LastMessage = "🔒"
			} else {
				entry.LastMessage = content.Truncate(last.Content, dmPreviewLen)
			}
			entry.LastMessageTime = last.Timestamp
		} else if !apperr.Is(err, apperr.CodeNotFound) {
			writeErr(w, err)
			return
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastMessageTime > entries[j].LastMessageTime
	})

	writeJSON(w, http.StatusOK, entries)
}

type sendRequest struct {
	Room          string `json:"room"`
	Content       string `json:"content"`
	Encrypted     bool   `json:"encrypted"`
	ReplyContent  string `json:"reply_content"`
	ReplyNickname string `json:"reply_nickname"`
}

// SendMessageHandler is the request/response twin of the realtime send.
// It goes through the same Hub operation, so the persisted row and the
// broadcast are identical to a websocket send.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request, username string) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}

	env, err := a.hub.Send(username, req.Room, req.Content, req.Encrypted, req.ReplyContent, req.ReplyNickname)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request, username string) {
	// Bad limits fall back to the default rather than erroring.
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	envelopes, err := a.hub.History(username, r.URL.Query().Get("room"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":     r.URL.Query().Get("room"),
		"messages": envelopes,
	})
}

type createGroupRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request, username string) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}

	name := content.Truncate(content.Sanitize(req.Name), maxHandleLen)
	if name == "" {
		writeErr(w, apperr.Validation("group name is required"))
		return
	}

	g := models.Group{
		ID:    room.NewGroupID(),
		Name:  name,
		Owner: username,
		Color: content.Sanitize(req.Color),
	}
	if err := a.store.CreateGroup(g); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type addMemberRequest struct {
	Username string `json:"username"`
}

// AddGroupMemberHandler invites a user. Any current member may invite.
func (a *API) AddGroupMemberHandler(w http.ResponseWriter, r *http.Request, username string) {
	groupID := r.PathValue("id")

	member, err := a.store.IsGroupMember(groupID, username)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !member {
		writeErr(w, apperr.Forbidden("not a member of this group"))
		return
	}

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.Validation("invalid request body"))
		return
	}
	if _, err := a.store.FindUser(req.Username); err != nil {
		writeErr(w, err)
		return
	}

	if err := a.store.AddGroupMember(groupID, req.Username); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) GroupsHandler(w http.ResponseWriter, r *http.Request, username string) {
	groups, err := a.store.ListGroupsFor(username)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

type errResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErr(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.CodeBanned, apperr.CodeForbidden:
		status = http.StatusForbidden
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) && code != apperr.CodeInternal {
		msg = ae.Message
	}

	writeJSON(w, status, errResponse{Code: string(code), Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
