package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	Username     string  `msgpack:"username"`
	Nickname     string  `msgpack:"nickname"`
	Handle       string  `msgpack:"handle"`
	Bio          string  `msgpack:"bio"`
	AvatarColor  string  `msgpack:"avatarColor"`
	AvatarEmoji  string  `msgpack:"avatarEmoji"`
	Activity     string  `msgpack:"activity"`
	LastSeen     float64 `msgpack:"lastSeen"`
	PasswordHash string  `msgpack:"passwordHash"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.Username)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBMessage struct {
	ID             uint64  `msgpack:"id"`
	Room           string  `msgpack:"room"`
	SenderUsername string  `msgpack:"senderUsername"`
	Content        string  `msgpack:"content"`
	Encrypted      bool    `msgpack:"encrypted"`
	Timestamp      float64 `msgpack:"timestamp"`
	ReplyContent   string  `msgpack:"replyContent"`
	ReplyNickname  string  `msgpack:"replyNickname"`
}

// Key is the BigEndian persisted id, so cursor order is insertion order
// and equal timestamps cannot reorder a page.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.ID)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBGroup struct {
	ID    string `msgpack:"id"`
	Name  string `msgpack:"name"`
	Owner string `msgpack:"owner"`
	Color string `msgpack:"color"`
}

func (g *DBGroup) Key() []byte {
	return []byte(g.ID)
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

type DBBan struct {
	ID        uint64  `msgpack:"id"`
	Username  string  `msgpack:"username"`
	Reason    string  `msgpack:"reason"`
	IssuedAt  float64 `msgpack:"issuedAt"`
	ExpiresAt float64 `msgpack:"expiresAt"`
}

func (b *DBBan) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, b.ID)
	return key
}

func (b *DBBan) MarshalBinary() (data []byte, err error) {
	type alias DBBan
	return msgpack.Marshal((*alias)(b))
}

func (b *DBBan) UnmarshalBinary(data []byte) error {
	type alias DBBan
	return msgpack.Unmarshal(data, (*alias)(b))
}
