// Package presence tracks per-identity activity and last-seen time for
// the life of the process. The activity label is free text supplied by
// the client; "Online" and "Offline" are just the conventional values set
// on connect and final disconnect.
package presence

import (
	"sync"
	"time"

	"parlor/internal/models"
)

type Tracker struct {
	mu      sync.RWMutex
	records map[string]models.PresenceUpdate
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]models.PresenceUpdate),
		now:     time.Now,
	}
}

// Set records the activity label for the identity, stamps last-seen, and
// returns the update to broadcast.
func (t *Tracker) Set(username, activity string) models.PresenceUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	upd := models.PresenceUpdate{
		Username: username,
		Activity: activity,
		LastSeen: float64(t.now().UnixNano()) / 1e9,
	}
	t.records[username] = upd
	return upd
}

// Get returns the identity's current presence. Unknown identities report
// Offline with a zero last-seen rather than an error.
func (t *Tracker) Get(username string) models.PresenceUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if upd, ok := t.records[username]; ok {
		return upd
	}
	return models.PresenceUpdate{Username: username, Activity: models.ActivityOffline}
}
