package models

const (
	DefaultAvatarColor = "#007aff"
	DefaultAvatarEmoji = "😀"

	ActivityOnline  = "Online"
	ActivityOffline = "Offline"
)

// User represents a registered identity. Display fields (nickname, avatar,
// activity) are always read fresh from the current row, never snapshotted
// into messages.
type User struct {
	Username    string  `json:"username"`
	Nickname    string  `json:"nickname"`
	Handle      string  `json:"handle,omitempty"`
	Bio         string  `json:"bio,omitempty"`
	AvatarColor string  `json:"avatar_color"`
	AvatarEmoji string  `json:"avatar_emoji"`
	Activity    string  `json:"current_activity"`
	LastSeen    float64 `json:"last_seen"` // Unix seconds, fractional
}

// Message is the persisted form of a chat message. ID and Timestamp are
// assigned by the storage layer at insert time; ID is monotonically
// increasing per room and breaks timestamp ties.
type Message struct {
	ID             uint64  `json:"message_id"`
	Room           string  `json:"room"`
	SenderUsername string  `json:"sender_username"`
	Content        string  `json:"content"`
	Encrypted      bool    `json:"encrypted,omitempty"`
	Timestamp      float64 `json:"timestamp"`
	// Reply preview is denormalized at send time: the quoted content and
	// nickname do not track later changes to the original message.
	ReplyContent  string `json:"reply_content,omitempty"`
	ReplyNickname string `json:"reply_nickname,omitempty"`
}

// Envelope is the outbound representation of a Message, joined with the
// sender's current display metadata.
type Envelope struct {
	MessageID         uint64  `json:"message_id"`
	Room              string  `json:"room"`
	Content           string  `json:"content"`
	Encrypted         bool    `json:"encrypted,omitempty"`
	SenderUsername    string  `json:"sender_username"`
	SenderNickname    string  `json:"sender_nickname"`
	SenderAvatarColor string  `json:"sender_avatar_color"`
	SenderAvatarEmoji string  `json:"sender_avatar_emoji"`
	Timestamp         float64 `json:"timestamp"`
	ReplyContent      string  `json:"reply_content,omitempty"`
	ReplyNickname     string  `json:"reply_nickname,omitempty"`
}

// Ban suspends an identity until ExpiresAt. Historical bans are kept;
// only unexpired ones gate access.
type Ban struct {
	ID        uint64  `json:"id"`
	Username  string  `json:"username"`
	Reason    string  `json:"reason"`
	IssuedAt  float64 `json:"issued_at"`
	ExpiresAt float64 `json:"expires_at"`
}

// ActiveAt reports whether the ban still gates access at the given time.
func (b Ban) ActiveAt(now float64) bool {
	return now < b.ExpiresAt
}

// Group is a named multi-user room. Membership is durable and is checked
// before a session may join or send to the group's live room.
type Group struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Color string `json:"color,omitempty"`
}

// PresenceUpdate is the payload broadcast to all sessions whenever an
// identity's activity changes.
type PresenceUpdate struct {
	Username string  `json:"username"`
	Activity string  `json:"activity"`
	LastSeen float64 `json:"last_seen"`
}

// TypingNotice is relayed to room subscribers and never persisted.
type TypingNotice struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	State    string `json:"state"`
}

// ClientEvent is a typed inbound realtime event.
type ClientEvent struct {
	Type          ClientEventType `json:"type"`
	Room          string          `json:"room,omitempty"`
	Username      string          `json:"username,omitempty"` // join_dm peer
	Content       string          `json:"content,omitempty"`
	Encrypted     bool            `json:"encrypted,omitempty"`
	ReplyContent  string          `json:"reply_content,omitempty"`
	ReplyNickname string          `json:"reply_nickname,omitempty"`
	Activity      string          `json:"activity,omitempty"`
	State         string          `json:"state,omitempty"`
	Limit         int             `json:"limit,omitempty"`
}

// ServerEvent is a typed outbound realtime event.
type ServerEvent struct {
	Type     ServerEventType `json:"type"`
	Room     string          `json:"room,omitempty"`
	Message  *Envelope       `json:"message,omitempty"`
	Messages []Envelope      `json:"messages,omitempty"`
	Presence *PresenceUpdate `json:"presence,omitempty"`
	Typing   *TypingNotice   `json:"typing,omitempty"`
	Code     string          `json:"code,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type ClientEventType string

const (
	ClientEventJoin           ClientEventType = "join"
	ClientEventJoinDM         ClientEventType = "join_dm"
	ClientEventRequestHistory ClientEventType = "request_history"
	ClientEventSendMessage    ClientEventType = "send_message"
	ClientEventUpdateActivity ClientEventType = "update_activity"
	ClientEventTyping         ClientEventType = "typing_event"
)

type ServerEventType string

const (
	ServerEventNewMessage      ServerEventType = "new_message"
	ServerEventMessageHistory  ServerEventType = "message_history"
	ServerEventActivityUpdate  ServerEventType = "activity_update"
	ServerEventDisplayTyping   ServerEventType = "display_typing"
	ServerEventError           ServerEventType = "error"
	ServerEventForceDisconnect ServerEventType = "force_disconnect"
)
