// Package room owns all room membership state for the relay.
//
// The Registry is the single source of truth: every other component refers to
// rooms and participants by id and receives copies, never live references
// into the registry's maps.
package room

import (
	"sort"
	"sync"
	"time"

	"github.com/bandofblades/signal-relay/internal/metrics"
)

// Participant is an application-identified member of a room, bound to the
// connection currently representing it.
type Participant struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	RoomID       string `json:"roomId"`
	Connected    bool   `json:"connected"`
}

// Summary describes a room without exposing its membership.
type Summary struct {
	ID               string    `json:"id"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Snapshot is a copied view of one room, safe to use after the registry lock
// is released.
type Snapshot struct {
	ID           string
	CreatedAt    time.Time
	Participants []Participant
}

type roomState struct {
	id           string
	createdAt    time.Time
	participants map[string]Participant
}

type memberKey struct {
	roomID        string
	participantID string
}

// Registry tracks rooms and participants under a single mutex.
//
// One lock for the whole registry keeps the create/delete check-then-act
// atomic without per-room lock ordering concerns; contention is acceptable at
// the tens-to-hundreds of concurrent participants the relay targets. A
// secondary index maps connection ids back to (room, participant) so that an
// ungraceful close, which carries only the connection id, resolves without
// scanning every room.
type Registry struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*roomState
	byConn map[string]memberKey
}

func NewRegistry(m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		metrics: m,
		rooms:   make(map[string]*roomState),
		byConn:  make(map[string]memberKey),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// Join inserts or replaces the participant keyed by (roomID, p.ID), creating
// the room on first join. A repeated join with the same id is a reconnect:
// the existing record is replaced and the latest connection id wins.
//
// The returned snapshot includes the joiner.
func (r *Registry) Join(roomID string, p Participant) Snapshot {
	p.RoomID = roomID

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &roomState{
			id:           roomID,
			createdAt:    time.Now(),
			participants: make(map[string]Participant),
		}
		r.rooms[roomID] = rm
		r.metrics.Inc(metrics.RoomCreated)
	}

	if prev, ok := rm.participants[p.ID]; ok && prev.ConnectionID != p.ConnectionID {
		// Reconnect from a new connection: the stale connection id must stop
		// resolving, otherwise its eventual close would evict the new record.
		delete(r.byConn, prev.ConnectionID)
	}

	rm.participants[p.ID] = p
	r.byConn[p.ConnectionID] = memberKey{roomID: roomID, participantID: p.ID}
	r.metrics.Inc(metrics.ParticipantJoined)

	return r.snapshotLocked(rm)
}

// Leave removes the participant from the room. When the room becomes empty it
// is deleted eagerly and deleted reports true. Unknown rooms or participants
// are benign no-ops: disconnects race with explicit leaves and must never
// fail.
func (r *Registry) Leave(roomID, participantID string) (snap Snapshot, deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Snapshot{}, false
	}
	p, ok := rm.participants[participantID]
	if !ok {
		return r.snapshotLocked(rm), false
	}

	delete(rm.participants, participantID)
	if cur, ok := r.byConn[p.ConnectionID]; ok && cur == (memberKey{roomID: roomID, participantID: participantID}) {
		delete(r.byConn, p.ConnectionID)
	}
	r.metrics.Inc(metrics.ParticipantLeft)

	if len(rm.participants) == 0 {
		delete(r.rooms, roomID)
		r.metrics.Inc(metrics.RoomDeleted)
		return Snapshot{ID: rm.id, CreatedAt: rm.createdAt}, true
	}
	return r.snapshotLocked(rm), false
}

// FindByConnection resolves a bare connection id back to its room membership.
// Connection ids are unique per live connection, so there is at most one
// match. A connection superseded by a reconnect no longer resolves.
func (r *Registry) FindByConnection(connID string) (roomID, participantID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byConn[connID]
	if !ok {
		return "", "", false
	}
	return key.roomID, key.participantID, true
}

// Participants returns a copied membership list for the room, or nil when the
// room does not exist.
func (r *Registry) Participants(roomID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return copyParticipants(rm)
}

// Rooms returns summaries of all rooms, ordered by room id.
func (r *Registry) Rooms() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, Summary{
			ID:               rm.id,
			ParticipantCount: len(rm.participants),
			CreatedAt:        rm.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) snapshotLocked(rm *roomState) Snapshot {
	return Snapshot{
		ID:           rm.id,
		CreatedAt:    rm.createdAt,
		Participants: copyParticipants(rm),
	}
}

func copyParticipants(rm *roomState) []Participant {
	out := make([]Participant, 0, len(rm.participants))
	for _, p := range rm.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
