// Package room owns the live mapping from room ids to subscribed
// sessions. It is rebuilt from session joins only, never from storage:
// durable group membership is a separate concept checked by the router.
package room

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"parlor/internal/models"
)

// Subscriber is the delivery handle the directory pushes events to.
// Deliver must not block; it reports false when the event was dropped
// because the subscriber's queue is full.
type Subscriber interface {
	ID() string
	Username() string
	Deliver(ev models.ServerEvent) bool
}

type liveRoom struct {
	// mu serializes fan-out per room so that concurrent deliveries to the
	// same room are observed in one agreed order by every subscriber.
	// Cross-room deliveries do not contend.
	mu   sync.Mutex
	subs mapset.Set[Subscriber]
}

type Directory struct {
	mu     sync.RWMutex
	rooms  map[string]*liveRoom
	joined map[string]mapset.Set[string] // session id -> joined room ids

	// onOverflow is invoked (outside room locks) for each subscriber that
	// dropped a delivery, so the owner can disconnect laggards.
	onOverflow func(Subscriber)
}

func NewDirectory() *Directory {
	return &Directory{
		rooms:  make(map[string]*liveRoom),
		joined: make(map[string]mapset.Set[string]),
	}
}

// SetOverflowHandler registers the callback for subscribers whose
// delivery queue overflowed. Must be called before any Deliver.
func (d *Directory) SetOverflowHandler(fn func(Subscriber)) {
	d.onOverflow = fn
}

// Join adds the session to the room's subscriber set. Joining a room
// twice has no additional effect.
func (d *Directory) Join(s Subscriber, roomID string) {
	d.mu.Lock()
	r, ok := d.rooms[roomID]
	if !ok {
		r = &liveRoom{subs: mapset.NewSet[Subscriber]()}
		d.rooms[roomID] = r
	}
	j, ok := d.joined[s.ID()]
	if !ok {
		j = mapset.NewSet[string]()
		d.joined[s.ID()] = j
	}
	j.Add(roomID)
	d.mu.Unlock()

	r.mu.Lock()
	r.subs.Add(s)
	r.mu.Unlock()
}

// Leave removes the session from the room's subscriber set.
func (d *Directory) Leave(s Subscriber, roomID string) {
	d.mu.Lock()
	r := d.rooms[roomID]
	if j, ok := d.joined[s.ID()]; ok {
		j.Remove(roomID)
	}
	d.mu.Unlock()

	if r == nil {
		return
	}
	r.mu.Lock()
	r.subs.Remove(s)
	empty := r.subs.Cardinality() == 0
	r.mu.Unlock()

	if empty {
		d.collect(roomID)
	}
}

// LeaveAll removes the session from every room it has joined. Called on
// session destruction; the session receives no further broadcasts.
func (d *Directory) LeaveAll(s Subscriber) {
	d.mu.RLock()
	j := d.joined[s.ID()]
	d.mu.RUnlock()
	if j == nil {
		return
	}
	for _, roomID := range j.ToSlice() {
		d.Leave(s, roomID)
	}
	d.mu.Lock()
	delete(d.joined, s.ID())
	d.mu.Unlock()
}

// Rooms returns the ids of the rooms the session is currently joined to.
func (d *Directory) Rooms(s Subscriber) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j := d.joined[s.ID()]
	if j == nil {
		return nil
	}
	return j.ToSlice()
}

// Subscribers returns the current live subscriber set, possibly empty.
func (d *Directory) Subscribers(roomID string) []Subscriber {
	d.mu.RLock()
	r := d.rooms[roomID]
	d.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs.ToSlice()
}

// Deliver pushes the event to every current subscriber of the room and
// returns the number of successful deliveries. Delivering to an empty or
// unknown room is a no-op. Per-subscriber delivery is best effort: a full
// queue drops the event for that subscriber only and triggers the
// overflow handler.
func (d *Directory) Deliver(roomID string, ev models.ServerEvent) int {
	d.mu.RLock()
	r := d.rooms[roomID]
	d.mu.RUnlock()
	if r == nil {
		return 0
	}

	var overflowed []Subscriber
	delivered := 0

	r.mu.Lock()
	for _, s := range r.subs.ToSlice() {
		if s.Deliver(ev) {
			delivered++
		} else {
			overflowed = append(overflowed, s)
		}
	}
	r.mu.Unlock()

	if d.onOverflow != nil {
		for _, s := range overflowed {
			d.onOverflow(s)
		}
	}

	return delivered
}

// collect drops the room entry if it is still empty. Direct and personal
// rooms are recreated on demand, so forgetting an empty one is safe.
func (d *Directory) collect(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[roomID]; ok {
		r.mu.Lock()
		empty := r.subs.Cardinality() == 0
		r.mu.Unlock()
		if empty {
			delete(d.rooms, roomID)
		}
	}
}
