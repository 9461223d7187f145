package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Member is a live recipient registered with the dispatcher. Sessions
// implement it; tests substitute their own.
type Member interface {
	ID() string
	// Deliver enqueues an encoded event on the member's outbound path
	// without blocking. False means the member can't keep up (or is gone)
	// and should be evicted.
	Deliver(payload []byte) bool
	// CloseSlow tears the member's transport down after eviction, which
	// triggers its normal disconnect cleanup.
	CloseSlow()
}

// Dispatcher maintains the room id -> member set mapping and implements
// publish-to-room. It is constructed once at startup and injected into every
// session; there is no ambient global registry.
type Dispatcher interface {
	Join(roomID int64, m Member)
	Leave(roomID int64, m Member)
	// Publish fans an event out to every member of the room. A room with
	// no members is a silent no-op.
	Publish(roomID int64, event any)
	// PublishExcept is Publish minus one session, used for signals the
	// actor shouldn't see echoed back (typing).
	PublishExcept(roomID int64, exceptID string, event any)
}

// LocalDispatcher is the single-process implementation: a mutex-guarded
// room map with per-recipient delivery isolation.
type LocalDispatcher struct {
	mu      sync.RWMutex
	rooms   map[int64]map[string]Member
	metrics *Metrics
	log     *slog.Logger
}

func NewLocalDispatcher(metrics *Metrics, log *slog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		rooms:   make(map[int64]map[string]Member),
		metrics: metrics,
		log:     log,
	}
}

// Join is idempotent: re-joining the same room never duplicates delivery.
func (d *LocalDispatcher) Join(roomID int64, m Member) {
	d.mu.Lock()
	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[string]Member)
		d.rooms[roomID] = members
	}
	members[m.ID()] = m
	count := len(members)
	d.mu.Unlock()

	d.log.Info("session joined room", "room", roomID, "sessionId", m.ID(), "members", count)
}

// Leave is idempotent: leaving twice, or leaving a room never joined, is
// harmless. Empty rooms are removed so the map doesn't leak.
func (d *LocalDispatcher) Leave(roomID int64, m Member) {
	d.mu.Lock()
	members, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return
	}
	if _, present := members[m.ID()]; !present {
		d.mu.Unlock()
		return
	}
	delete(members, m.ID())
	count := len(members)
	if count == 0 {
		delete(d.rooms, roomID)
	}
	d.mu.Unlock()

	d.log.Info("session left room", "room", roomID, "sessionId", m.ID(), "members", count)
}

func (d *LocalDispatcher) Publish(roomID int64, event any) {
	d.PublishExcept(roomID, "", event)
}

func (d *LocalDispatcher) PublishExcept(roomID int64, exceptID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.log.Error("encode event", "room", roomID, "error", err)
		return
	}
	d.metrics.IncPublished()
	d.deliver(roomID, exceptID, payload)
}

// deliver hands an encoded payload to every current member. A member whose
// buffer is full is evicted and closed; the rest of the broadcast is
// unaffected.
func (d *LocalDispatcher) deliver(roomID int64, exceptID string, payload []byte) {
	d.mu.RLock()
	members, ok := d.rooms[roomID]
	if !ok {
		d.mu.RUnlock()
		return
	}
	var slow []Member
	for id, m := range members {
		if id == exceptID {
			continue
		}
		if !m.Deliver(payload) {
			slow = append(slow, m)
		}
	}
	d.mu.RUnlock()

	for _, m := range slow {
		d.log.Warn("evicting slow session", "room", roomID, "sessionId", m.ID())
		d.Leave(roomID, m)
		m.CloseSlow()
	}
}

// MemberCount reports how many sessions are currently joined to a room.
func (d *LocalDispatcher) MemberCount(roomID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms[roomID])
}
