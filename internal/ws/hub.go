package ws

import (
	"errors"
	"log/slog"
	"sync"

	"parlor/internal/apperr"
	"parlor/internal/content"
	"parlor/internal/metrics"
	"parlor/internal/models"
	"parlor/internal/presence"
	"parlor/internal/room"
)

const (
	DefaultHistoryLimit = 100

	maxReplyContentLen  = 200
	maxReplyNicknameLen = 20

	// Display fallbacks for messages whose sender row is gone.
	unknownAvatarColor = "#555"
	unknownAvatarEmoji = "?"
)

// Store is the slice of the persistence gateway the router consumes.
type Store interface {
	FindUser(username string) (models.User, error)
	InsertMessage(m *models.Message) error
	ListMessages(roomID string, limit int) ([]models.Message, error)
	IsGroupMember(groupID, username string) (bool, error)
	UpdateUserPresence(username, activity string, lastSeen float64) error
}

// BanGate rejects actions of suspended identities.
type BanGate interface {
	Check(username string) (models.Ban, bool, error)
}

type Config struct {
	MaxMessageLen int
	SendBuffer    int
	HistoryLimit  int
}

func (c *Config) withDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 100
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = 5000
	}
}

// Hub is the session registry and message router. It owns all live
// connection state; durable rows stay behind the Store.
type Hub struct {
	cfg      Config
	store    Store
	bans     BanGate
	rooms    *room.Directory
	presence *presence.Tracker

	mu       sync.RWMutex
	sessions map[string]*Session            // session id -> session
	byUser   map[string]map[string]*Session // username -> session id -> session
}

func NewHub(cfg Config, store Store, bans BanGate, rooms *room.Directory, tracker *presence.Tracker) *Hub {
	cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		store:    store,
		bans:     bans,
		rooms:    rooms,
		presence: tracker,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
	rooms.SetOverflowHandler(h.onOverflow)
	return h
}

// Register creates a live session for the identity, auto-joins its
// personal notification room and the global room, marks it online, and
// broadcasts the presence change to everyone.
func (h *Hub) Register(username string) *Session {
	s := newSession(username, h.cfg.SendBuffer)

	h.mu.Lock()
	h.sessions[s.id] = s
	userSessions, ok := h.byUser[username]
	if !ok {
		userSessions = make(map[string]*Session)
		h.byUser[username] = userSessions
	}
	userSessions[s.id] = s
	h.mu.Unlock()

	// The personal room is keyed by the username itself and carries
	// chat-list notifications even when the peer shares no open room.
	h.rooms.Join(s, username)
	h.rooms.Join(s, room.Global)

	h.setPresence(username, models.ActivityOnline)
	metrics.ActiveSessions.Inc()
	return s
}

// Unregister destroys the session: it leaves every room immediately so no
// further broadcasts arrive. In-flight persists it initiated are not
// cancelled. The identity's last session going away flips it to Offline.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	last := false
	if userSessions, ok := h.byUser[s.username]; ok {
		delete(userSessions, s.id)
		if len(userSessions) == 0 {
			delete(h.byUser, s.username)
			last = true
		}
	}
	h.mu.Unlock()

	h.rooms.LeaveAll(s)
	s.close()
	metrics.ActiveSessions.Dec()

	if last {
		h.setPresence(s.username, models.ActivityOffline)
	}
}

// JoinRoom subscribes the session to a room. Group rooms require durable
// membership; knowing a group id is not enough to listen in.
func (h *Hub) JoinRoom(s *Session, roomID string) error {
	if roomID == "" {
		return apperr.Validation("room is required")
	}
	if err := h.checkGroupAccess(roomID, s.username); err != nil {
		return err
	}
	h.rooms.Join(s, roomID)
	return nil
}

// JoinDirect resolves the deterministic direct room with the peer and
// subscribes the session to it.
func (h *Hub) JoinDirect(s *Session, peer string) (string, error) {
	if peer == "" {
		return "", apperr.Validation("username is required")
	}
	if _, err := h.store.FindUser(peer); err != nil {
		return "", asGatewayErr(err, "user lookup failed")
	}
	roomID := room.DirectID(s.username, peer)
	h.rooms.Join(s, roomID)
	return roomID, nil
}

// Send validates, persists, and broadcasts a message, returning the
// envelope delivered to subscribers. The broadcast happens only after the
// durable write succeeds. Oversized content is silently truncated, which
// is lossy by contract, never an error.
func (h *Hub) Send(username, roomID, msgContent string, encrypted bool, replyContent, replyNickname string) (models.Envelope, error) {
	if ban, banned, err := h.bans.Check(username); err != nil {
		return models.Envelope{}, err
	} else if banned {
		return models.Envelope{}, apperr.Banned(ban.Reason)
	}

	if roomID == "" {
		return models.Envelope{}, apperr.Validation("room is required")
	}
	if err := h.checkGroupAccess(roomID, username); err != nil {
		return models.Envelope{}, err
	}

	// Ciphertext must round-trip untouched; plaintext gets scrubbed.
	if !encrypted {
		msgContent = content.Sanitize(msgContent)
	}
	msgContent = content.Truncate(msgContent, h.cfg.MaxMessageLen)

	msg := models.Message{
		Room:           roomID,
		SenderUsername: username,
		Content:        msgContent,
		Encrypted:      encrypted,
		ReplyContent:   content.Truncate(content.Sanitize(replyContent), maxReplyContentLen),
		ReplyNickname:  content.Truncate(replyNickname, maxReplyNicknameLen),
	}
	if err := h.store.InsertMessage(&msg); err != nil {
		return models.Envelope{}, asGatewayErr(err, "failed to persist message")
	}
	metrics.MessagesPersisted.Inc()

	env := h.envelope(msg, nil)
	ev := models.ServerEvent{Type: models.ServerEventNewMessage, Room: roomID, Message: &env}
	h.rooms.Deliver(roomID, ev)

	// For direct messages, also ping the peer's personal room so their
	// chat list updates even when they have not opened this conversation.
	if peer := room.DirectPeer(roomID, username); peer != "" && peer != username {
		h.rooms.Deliver(peer, ev)
	}

	return env, nil
}

// History returns up to limit messages of the room, oldest first. It is
// idempotent and carries no cursor: two calls with no intervening sends
// return identical sequences. Sender display metadata is joined at read
// time, so renames and avatar changes show through on old messages.
func (h *Hub) History(username, roomID string, limit int) ([]models.Envelope, error) {
	if roomID == "" {
		return nil, apperr.Validation("room is required")
	}
	if err := h.checkGroupAccess(roomID, username); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > h.cfg.HistoryLimit {
		limit = h.cfg.HistoryLimit
	}

	msgs, err := h.store.ListMessages(roomID, limit)
	if err != nil {
		return nil, asGatewayErr(err, "failed to read history")
	}

	senders := make(map[string]models.User)
	envelopes := make([]models.Envelope, 0, len(msgs))
	for _, m := range msgs {
		envelopes = append(envelopes, h.envelope(m, senders))
	}
	return envelopes, nil
}

// Typing relays a typing indicator to the room's current subscribers.
// Fire and forget: not persisted, not acknowledged.
func (h *Hub) Typing(username, roomID, state string) {
	if roomID == "" {
		return
	}
	h.rooms.Deliver(roomID, models.ServerEvent{
		Type:   models.ServerEventDisplayTyping,
		Room:   roomID,
		Typing: &models.TypingNotice{Room: roomID, Username: username, State: state},
	})
}

// UpdateActivity sets a free-text activity label and broadcasts the
// presence change to all sessions.
func (h *Hub) UpdateActivity(username, label string) models.PresenceUpdate {
	if label == "" {
		label = models.ActivityOnline
	}
	return h.setPresence(username, content.Sanitize(label))
}

// ForceDisconnect pushes a disconnect notice to every live session of the
// identity and unregisters them all.
func (h *Hub) ForceDisconnect(username, reason string) {
	h.mu.RLock()
	var targets []*Session
	for _, s := range h.byUser[username] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	ev := models.ServerEvent{Type: models.ServerEventForceDisconnect, Reason: reason}
	for _, s := range targets {
		s.Deliver(ev)
		h.Unregister(s)
	}
}

// HandleEvent dispatches one typed client event and returns the direct
// reply to write back, if any. Broadcast side effects happen inside the
// called operations.
func (h *Hub) HandleEvent(s *Session, ev models.ClientEvent) *models.ServerEvent {
	switch ev.Type {
	case models.ClientEventJoin:
		if err := h.JoinRoom(s, ev.Room); err != nil {
			return errEvent(err)
		}

	case models.ClientEventJoinDM:
		if _, err := h.JoinDirect(s, ev.Username); err != nil {
			return errEvent(err)
		}

	case models.ClientEventRequestHistory:
		if err := h.JoinRoom(s, ev.Room); err != nil {
			return errEvent(err)
		}
		envelopes, err := h.History(s.username, ev.Room, ev.Limit)
		if err != nil {
			return errEvent(err)
		}
		return &models.ServerEvent{
			Type:     models.ServerEventMessageHistory,
			Room:     ev.Room,
			Messages: envelopes,
		}

	case models.ClientEventSendMessage:
		if _, err := h.Send(s.username, ev.Room, ev.Content, ev.Encrypted, ev.ReplyContent, ev.ReplyNickname); err != nil {
			return errEvent(err)
		}

	case models.ClientEventUpdateActivity:
		h.UpdateActivity(s.username, ev.Activity)

	case models.ClientEventTyping:
		h.Typing(s.username, ev.Room, ev.State)

	default:
		return errEvent(apperr.Validation("unknown event type"))
	}
	return nil
}

// SessionsOf reports how many live sessions the identity currently owns.
func (h *Hub) SessionsOf(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[username])
}

func (h *Hub) checkGroupAccess(roomID, username string) error {
	if !room.IsGroup(roomID) {
		return nil
	}
	member, err := h.store.IsGroupMember(roomID, username)
	if err != nil {
		return asGatewayErr(err, "membership lookup failed")
	}
	if !member {
		return apperr.Forbidden("not a member of this group")
	}
	return nil
}

// setPresence updates the tracker, stamps the user row, and broadcasts
// the change to every live session (chat lists may show anyone's status,
// so presence is never room-scoped).
func (h *Hub) setPresence(username, activity string) models.PresenceUpdate {
	upd := h.presence.Set(username, activity)
	if err := h.store.UpdateUserPresence(username, upd.Activity, upd.LastSeen); err != nil {
		slog.Error("failed to persist presence", "username", username, "error", err)
	}
	h.broadcastAll(models.ServerEvent{Type: models.ServerEventActivityUpdate, Presence: &upd})
	return upd
}

// broadcastAll delivers to every live session, best effort, at most once.
func (h *Hub) broadcastAll(ev models.ServerEvent) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if !s.Deliver(ev) {
			metrics.DeliveriesDropped.Inc()
		}
	}
}

// envelope joins the persisted message with the sender's current display
// metadata. Display fields are never cached on the message row. senders
// memoizes lookups within one history page; pass nil for a single lookup.
func (h *Hub) envelope(m models.Message, senders map[string]models.User) models.Envelope {
	env := models.Envelope{
		MessageID:         m.ID,
		Room:              m.Room,
		Content:           m.Content,
		Encrypted:         m.Encrypted,
		SenderUsername:    m.SenderUsername,
		SenderNickname:    m.SenderUsername,
		SenderAvatarColor: unknownAvatarColor,
		SenderAvatarEmoji: unknownAvatarEmoji,
		Timestamp:         m.Timestamp,
		ReplyContent:      m.ReplyContent,
		ReplyNickname:     m.ReplyNickname,
	}

	sender, ok := senders[m.SenderUsername]
	if !ok {
		var err error
		sender, err = h.store.FindUser(m.SenderUsername)
		if err != nil {
			// Deleted sender: keep the username and fallbacks.
			return env
		}
		if senders != nil {
			senders[m.SenderUsername] = sender
		}
	}

	env.SenderNickname = sender.Nickname
	env.SenderAvatarColor = sender.AvatarColor
	env.SenderAvatarEmoji = sender.AvatarEmoji
	return env
}

// onOverflow disconnects a session whose send queue overflowed rather
// than letting it stall its rooms.
func (h *Hub) onOverflow(sub room.Subscriber) {
	metrics.DeliveriesDropped.Inc()
	if s, ok := sub.(*Session); ok {
		slog.Warn("disconnecting slow session", "session", s.ID(), "username", s.Username())
		h.Unregister(s)
	}
}

// asGatewayErr preserves taxonomy errors from the gateway and maps
// everything else to unavailability of the request, never of the process.
func asGatewayErr(err error, msg string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Unavailable(msg, err)
}

func errEvent(err error) *models.ServerEvent {
	metrics.EventsRejected.Inc()
	ev := &models.ServerEvent{Type: models.ServerEventError, Code: string(apperr.CodeOf(err))}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		ev.Reason = ae.Message
	} else {
		ev.Reason = "internal error"
	}
	return ev
}
