// Package bans is the access gate for temporarily suspended identities.
// Checks always re-read storage so an unban, expiry, or fresh ban takes
// effect on the very next action; there is deliberately no caching.
package bans

import (
	"time"

	"parlor/internal/apperr"
	"parlor/internal/models"
)

type BanStore interface {
	InsertBan(b *models.Ban) error
	ActiveBan(username string, now float64) (models.Ban, error)
	ExpireActiveBans(username string, now float64) error
	ListActiveBans(now float64) ([]models.Ban, error)
}

// Disconnector cuts every live session of an identity. Bound after
// construction because the hub also consults the gate.
type Disconnector interface {
	ForceDisconnect(username, reason string)
}

type Gate struct {
	store      BanStore
	disconnect Disconnector
	now        func() time.Time
}

func NewGate(store BanStore) *Gate {
	return &Gate{store: store, now: time.Now}
}

// BindDisconnector wires the live-session side. Must be called before
// Ban is used.
func (g *Gate) BindDisconnector(d Disconnector) {
	g.disconnect = d
}

// Check returns the gating ban, if any. Storage errors fail closed for
// the caller's request but are reported as unavailability, not as a ban.
func (g *Gate) Check(username string) (models.Ban, bool, error) {
	ban, err := g.store.ActiveBan(username, g.nowSeconds())
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return models.Ban{}, false, nil
		}
		return models.Ban{}, false, apperr.Unavailable("ban lookup failed", err)
	}
	return ban, true, nil
}

// Ban suspends the identity for the given duration and force-disconnects
// all of its live sessions.
func (g *Gate) Ban(username, reason string, d time.Duration) (models.Ban, error) {
	now := g.nowSeconds()
	ban := models.Ban{
		Username:  username,
		Reason:    reason,
		IssuedAt:  now,
		ExpiresAt: now + d.Seconds(),
	}
	if err := g.store.InsertBan(&ban); err != nil {
		return models.Ban{}, apperr.Unavailable("failed to store ban", err)
	}
	if g.disconnect != nil {
		g.disconnect.ForceDisconnect(username, reason)
	}
	return ban, nil
}

// Unban ends every active ban for the identity now.
func (g *Gate) Unban(username string) error {
	if err := g.store.ExpireActiveBans(username, g.nowSeconds()); err != nil {
		return apperr.Unavailable("failed to expire bans", err)
	}
	return nil
}

// ListActive returns all currently gating bans.
func (g *Gate) ListActive() ([]models.Ban, error) {
	bans, err := g.store.ListActiveBans(g.nowSeconds())
	if err != nil {
		return nil, apperr.Unavailable("failed to list bans", err)
	}
	return bans, nil
}

func (g *Gate) nowSeconds() float64 {
	return float64(g.now().UnixNano()) / 1e9
}
