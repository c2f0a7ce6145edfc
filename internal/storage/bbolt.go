// Package storage is the persistence gateway over bbolt. It exclusively
// owns durable rows: users, messages, groups, memberships, bans. It has
// no concurrency logic beyond bbolt's single-writer transactions; each
// mutation is one atomic row write.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"parlor/internal/apperr"
	"parlor/internal/models"
)

var (
	bucketUsers        = []byte("users")
	bucketMessages     = []byte("messages")
	bucketGroups       = []byte("groups")
	bucketGroupMembers = []byte("group_members")
	bucketBans         = []byte("bans")
)

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketMessages, bucketGroups, bucketGroupMembers, bucketBans} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowSeconds() float64 {
	return float64(s.now().UnixNano()) / 1e9
}

// CreateUser stores a full user row, including the password hash. The
// absence check runs inside the same transaction as the write, so two
// concurrent creates of one username cannot both succeed.
func (s *Store) CreateUser(u models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(u.Username)) != nil {
			return apperr.Validation("username is taken")
		}
		dbUser := &DBUser{
			Username:     u.Username,
			Nickname:     u.Nickname,
			Handle:       u.Handle,
			Bio:          u.Bio,
			AvatarColor:  u.AvatarColor,
			AvatarEmoji:  u.AvatarEmoji,
			Activity:     u.Activity,
			LastSeen:     u.LastSeen,
			PasswordHash: passwordHash,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// UpdateUserProfile rewrites display fields only, preserving credentials
// and presence. Handle uniqueness is enforced inside the transaction.
func (s *Store) UpdateUserProfile(username, nickname, handle, bio, avatarColor, avatarEmoji string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser, err := getUser(b, username)
		if err != nil {
			return err
		}
		if handle != "" {
			taken := false
			err := b.ForEach(func(k, v []byte) error {
				if string(k) == username {
					return nil
				}
				var other DBUser
				if err := other.UnmarshalBinary(v); err != nil {
					return err
				}
				if other.Handle == handle {
					taken = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if taken {
				return apperr.Validation("handle already taken")
			}
		}
		dbUser.Nickname = nickname
		dbUser.Handle = handle
		dbUser.Bio = bio
		dbUser.AvatarColor = avatarColor
		dbUser.AvatarEmoji = avatarEmoji

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// UpdateUserPresence stamps the current activity label and last-seen time
// on the user row so chat lists survive a restart.
func (s *Store) UpdateUserPresence(username, activity string, lastSeen float64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser, err := getUser(b, username)
		if err != nil {
			return err
		}
		dbUser.Activity = activity
		dbUser.LastSeen = lastSeen

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

func (s *Store) FindUser(username string) (models.User, error) {
	var u models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx.Bucket(bucketUsers), username)
		if err != nil {
			return err
		}
		u = toUser(dbUser)
		return nil
	})
	return u, err
}

// FindCredentials returns the user together with its password hash.
func (s *Store) FindCredentials(username string) (models.User, string, error) {
	var (
		u    models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx.Bucket(bucketUsers), username)
		if err != nil {
			return err
		}
		u = toUser(dbUser)
		hash = dbUser.PasswordHash
		return nil
	})
	return u, hash, err
}

// FindUserByHandle scans for a user with the given handle. Handles are
// unique; the scan is acceptable at this store's scale.
func (s *Store) FindUserByHandle(handle string) (models.User, error) {
	var (
		u     models.User
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Handle == handle {
				u = toUser(&dbUser)
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return models.User{}, err
	}
	if !found {
		return models.User{}, apperr.NotFound("user not found")
	}
	return u, nil
}

func (s *Store) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, toUser(&dbUser))
			return nil
		})
	})
	return users, err
}

// InsertMessage persists the message, assigning the per-room id and the
// timestamp. The caller's Room, SenderUsername, Content, Encrypted and
// reply preview fields are stored as given.
func (s *Store) InsertMessage(m *models.Message) error {
	if m.Room == "" {
		return apperr.Validation("message missing room")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(m.Room))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		seq, err := roomBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message id: %w", err)
		}
		m.ID = seq
		m.Timestamp = s.nowSeconds()

		dbMsg := DBMessage{
			ID:             m.ID,
			Room:           m.Room,
			SenderUsername: m.SenderUsername,
			Content:        m.Content,
			Encrypted:      m.Encrypted,
			Timestamp:      m.Timestamp,
			ReplyContent:   m.ReplyContent,
			ReplyNickname:  m.ReplyNickname,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return roomBucket.Put(dbMsg.Key(), data)
	})
}

// ListMessages returns up to limit messages for the room, oldest first.
// Unknown rooms yield an empty result, not an error.
func (s *Store) ListMessages(roomID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		c := roomBucket.Cursor()
		for k, v := c.First(); k != nil && len(messages) < limit; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toMessage(&dbMsg))
		}
		return nil
	})
	return messages, err
}

// LastMessage returns the most recent message in the room, used for chat
// list previews.
func (s *Store) LastMessage(roomID string) (models.Message, error) {
	var m models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return apperr.NotFound("no messages")
		}
		k, v := roomBucket.Cursor().Last()
		if k == nil {
			return apperr.NotFound("no messages")
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		m = toMessage(&dbMsg)
		return nil
	})
	return m, err
}

func (s *Store) CreateGroup(g models.Group) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbGroup := &DBGroup{ID: g.ID, Name: g.Name, Owner: g.Owner, Color: g.Color}
		data, err := dbGroup.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketGroups).Put(dbGroup.Key(), data); err != nil {
			return err
		}
		// Owner is a member from the start.
		members, err := tx.Bucket(bucketGroupMembers).CreateBucketIfNotExists([]byte(g.ID))
		if err != nil {
			return err
		}
		return members.Put([]byte(g.Owner), []byte{1})
	})
}

func (s *Store) GetGroup(id string) (models.Group, error) {
	var g models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(id))
		if data == nil {
			return apperr.NotFound("group not found")
		}
		var dbGroup DBGroup
		if err := dbGroup.UnmarshalBinary(data); err != nil {
			return err
		}
		g = models.Group{ID: dbGroup.ID, Name: dbGroup.Name, Owner: dbGroup.Owner, Color: dbGroup.Color}
		return nil
	})
	return g, err
}

func (s *Store) AddGroupMember(groupID, username string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketGroups).Get([]byte(groupID)) == nil {
			return apperr.NotFound("group not found")
		}
		members, err := tx.Bucket(bucketGroupMembers).CreateBucketIfNotExists([]byte(groupID))
		if err != nil {
			return err
		}
		return members.Put([]byte(username), []byte{1})
	})
}

func (s *Store) IsGroupMember(groupID, username string) (bool, error) {
	var member bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		members := tx.Bucket(bucketGroupMembers).Bucket([]byte(groupID))
		if members == nil {
			return nil
		}
		member = members.Get([]byte(username)) != nil
		return nil
	})
	return member, err
}

func (s *Store) ListGroupsFor(username string) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			members := tx.Bucket(bucketGroupMembers).Bucket(k)
			if members == nil || members.Get([]byte(username)) == nil {
				return nil
			}
			var dbGroup DBGroup
			if err := dbGroup.UnmarshalBinary(v); err != nil {
				return err
			}
			groups = append(groups, models.Group{ID: dbGroup.ID, Name: dbGroup.Name, Owner: dbGroup.Owner, Color: dbGroup.Color})
			return nil
		})
	})
	return groups, err
}

// InsertBan persists a ban row, assigning its id. Historical bans for the
// same identity are kept.
func (s *Store) InsertBan(b *models.Ban) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBans, err := tx.Bucket(bucketBans).CreateBucketIfNotExists([]byte(b.Username))
		if err != nil {
			return err
		}
		seq, err := userBans.NextSequence()
		if err != nil {
			return err
		}
		b.ID = seq

		dbBan := DBBan{ID: b.ID, Username: b.Username, Reason: b.Reason, IssuedAt: b.IssuedAt, ExpiresAt: b.ExpiresAt}
		data, err := dbBan.MarshalBinary()
		if err != nil {
			return err
		}
		return userBans.Put(dbBan.Key(), data)
	})
}

// ActiveBan returns the identity's unexpired ban with the latest expiry,
// or NotFound. Always read from disk so an unban or expiry takes effect
// on the next check.
func (s *Store) ActiveBan(username string, now float64) (models.Ban, error) {
	var (
		ban   models.Ban
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBans := tx.Bucket(bucketBans).Bucket([]byte(username))
		if userBans == nil {
			return nil
		}
		return userBans.ForEach(func(k, v []byte) error {
			var dbBan DBBan
			if err := dbBan.UnmarshalBinary(v); err != nil {
				return err
			}
			b := toBan(&dbBan)
			if b.ActiveAt(now) && (!found || b.ExpiresAt > ban.ExpiresAt) {
				ban = b
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return models.Ban{}, err
	}
	if !found {
		return models.Ban{}, apperr.NotFound("no active ban")
	}
	return ban, nil
}

// ExpireActiveBans ends every unexpired ban for the identity now.
func (s *Store) ExpireActiveBans(username string, now float64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBans := tx.Bucket(bucketBans).Bucket([]byte(username))
		if userBans == nil {
			return nil
		}
		c := userBans.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbBan DBBan
			if err := dbBan.UnmarshalBinary(v); err != nil {
				return err
			}
			if !toBan(&dbBan).ActiveAt(now) {
				continue
			}
			dbBan.ExpiresAt = now
			data, err := dbBan.MarshalBinary()
			if err != nil {
				return err
			}
			if err := userBans.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListActiveBans returns every currently gating ban across identities.
func (s *Store) ListActiveBans(now float64) ([]models.Ban, error) {
	var bans []models.Ban
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBans).ForEachBucket(func(user []byte) error {
			userBans := tx.Bucket(bucketBans).Bucket(user)
			return userBans.ForEach(func(k, v []byte) error {
				var dbBan DBBan
				if err := dbBan.UnmarshalBinary(v); err != nil {
					return err
				}
				if b := toBan(&dbBan); b.ActiveAt(now) {
					bans = append(bans, b)
				}
				return nil
			})
		})
	})
	return bans, err
}

func getUser(b *bbolt.Bucket, username string) (*DBUser, error) {
	data := b.Get([]byte(username))
	if data == nil {
		return nil, apperr.NotFound("user not found")
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbUser, nil
}

func toUser(u *DBUser) models.User {
	return models.User{
		Username:    u.Username,
		Nickname:    u.Nickname,
		Handle:      u.Handle,
		Bio:         u.Bio,
		AvatarColor: u.AvatarColor,
		AvatarEmoji: u.AvatarEmoji,
		Activity:    u.Activity,
		LastSeen:    u.LastSeen,
	}
}

func toMessage(m *DBMessage) models.Message {
	return models.Message{
		ID:             m.ID,
		Room:           m.Room,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Encrypted:      m.Encrypted,
		Timestamp:      m.Timestamp,
		ReplyContent:   m.ReplyContent,
		ReplyNickname:  m.ReplyNickname,
	}
}

func toBan(b *DBBan) models.Ban {
	return models.Ban{
		ID:        b.ID,
		Username:  b.Username,
		Reason:    b.Reason,
		IssuedAt:  b.IssuedAt,
		ExpiresAt: b.ExpiresAt,
	}
}
