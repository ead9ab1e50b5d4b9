package rooms

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Member is one participant in a room together with the transport
// connection it joined from.
type Member struct {
	Participant string
	Conn        string
}

// Departure describes one room a disconnecting connection was removed from.
type Departure struct {
	Room        string
	Participant string
	Remaining   []Member
}

// Stats is a point-in-time summary of a room.
type Stats struct {
	ID        string    `json:"id"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// JoinResult reports what a Join changed.
type JoinResult struct {
	// Added is false when the participant was already present on the same connection.
	Added bool
	// Created is true when this join created the room entry.
	Created bool
	// Others is a snapshot of every other member at the time of the join.
	Others []Member
	// PreviousConn is set when the participant moved from another connection.
	PreviousConn string
	// Conflict names the participant conn already holds in the room when the
	// join was refused. Nothing changed in that case.
	Conflict string
}

type room struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	members   map[string]string // participant -> conn
	closed    bool
}

// Registry maps room ids to their participants and keeps the reverse index
// from connection id to (room, participant) so a transport disconnect can be
// attributed to the right participant identifiers.
//
// Lock order: room.mu, then Registry.idxMu. Registry.mu is never held while
// a room lock is taken.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	idxMu sync.Mutex
	conns map[string]map[string]string // conn -> room -> participant
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		conns: make(map[string]map[string]string),
	}
}

// acquire returns the live room entry for id, locked. When create is false
// and the room does not exist it returns nil.
func (r *Registry) acquire(id string, create bool) (*room, bool) {
	for {
		r.mu.RLock()
		rm := r.rooms[id]
		r.mu.RUnlock()

		created := false
		if rm == nil {
			if !create {
				return nil, false
			}
			r.mu.Lock()
			rm = r.rooms[id]
			if rm == nil {
				rm = &room{id: id, createdAt: time.Now().UTC(), members: make(map[string]string)}
				r.rooms[id] = rm
				created = true
			}
			r.mu.Unlock()
		}

		rm.mu.Lock()
		if !rm.closed {
			return rm, created
		}
		// Emptied by a concurrent Leave that has not unlinked it yet.
		rm.mu.Unlock()
		runtime.Gosched()
	}
}

// unlink removes a closed room from the map. Called without rm.mu held.
func (r *Registry) unlink(rm *room) {
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}

// Join adds participant to roomID. Joining twice from the same connection
// is a no-op; joining from a different connection moves the mapping. A
// connection holds at most one participant per room, so a join under a
// second id is refused and reported in Conflict.
func (r *Registry) Join(roomID, participant, conn string) JoinResult {
	rm, created := r.acquire(roomID, true)
	defer rm.mu.Unlock()

	res := JoinResult{Created: created}
	prev, present := rm.members[participant]
	if !present || prev != conn {
		r.idxMu.Lock()
		if held, ok := r.conns[conn][roomID]; ok && held != participant {
			r.idxMu.Unlock()
			return JoinResult{Conflict: held}
		}
		rm.members[participant] = conn
		res.Added = !present
		if present {
			res.PreviousConn = prev
			r.unindexLocked(prev, roomID)
		}
		byRoom := r.conns[conn]
		if byRoom == nil {
			byRoom = make(map[string]string)
			r.conns[conn] = byRoom
		}
		byRoom[roomID] = participant
		r.idxMu.Unlock()
	}
	res.Others = rm.snapshotLocked(participant)
	return res
}

// Leave removes participant from roomID, deleting the room when it empties.
// Unknown rooms or participants are ignored. It reports whether the room was
// deleted.
func (r *Registry) Leave(roomID, participant string) bool {
	rm, _ := r.acquire(roomID, false)
	if rm == nil {
		return false
	}
	conn, ok := rm.members[participant]
	if !ok {
		rm.mu.Unlock()
		return false
	}
	delete(rm.members, participant)
	r.idxMu.Lock()
	r.unindexLocked(conn, roomID)
	r.idxMu.Unlock()

	deleted := len(rm.members) == 0
	if deleted {
		rm.closed = true
	}
	rm.mu.Unlock()
	if deleted {
		r.unlink(rm)
	}
	return deleted
}

// Members returns a snapshot of roomID's participants, or nil when the room
// does not exist.
func (r *Registry) Members(roomID string) []Member {
	rm, _ := r.acquire(roomID, false)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()
	return rm.snapshotLocked("")
}

// Lookup returns the connection a participant joined roomID from.
func (r *Registry) Lookup(roomID, participant string) (string, bool) {
	rm, _ := r.acquire(roomID, false)
	if rm == nil {
		return "", false
	}
	defer rm.mu.Unlock()
	conn, ok := rm.members[participant]
	return conn, ok
}

// ParticipantFor returns the participant conn joined roomID as.
func (r *Registry) ParticipantFor(conn, roomID string) (string, bool) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	p, ok := r.conns[conn][roomID]
	return p, ok
}

// Disconnect removes every membership that belongs to conn and returns one
// Departure per room, with the members left behind.
func (r *Registry) Disconnect(conn string) []Departure {
	r.idxMu.Lock()
	byRoom := r.conns[conn]
	targets := make(map[string]string, len(byRoom))
	for roomID, participant := range byRoom {
		targets[roomID] = participant
	}
	r.idxMu.Unlock()

	roomIDs := make([]string, 0, len(targets))
	for roomID := range targets {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	var out []Departure
	for _, roomID := range roomIDs {
		participant := targets[roomID]
		rm, _ := r.acquire(roomID, false)
		if rm == nil {
			continue
		}
		// The participant may have moved to another connection meanwhile.
		if rm.members[participant] != conn {
			rm.mu.Unlock()
			continue
		}
		delete(rm.members, participant)
		r.idxMu.Lock()
		r.unindexLocked(conn, roomID)
		r.idxMu.Unlock()

		d := Departure{Room: roomID, Participant: participant, Remaining: rm.snapshotLocked("")}
		deleted := len(rm.members) == 0
		if deleted {
			rm.closed = true
		}
		rm.mu.Unlock()
		if deleted {
			r.unlink(rm)
		}
		out = append(out, d)
	}
	return out
}

// Rooms lists every live room sorted by id.
func (r *Registry) Rooms() []Stats {
	r.mu.RLock()
	live := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		live = append(live, rm)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(live))
	for _, rm := range live {
		rm.mu.Lock()
		if !rm.closed {
			out = append(out, Stats{ID: rm.id, Size: len(rm.members), CreatedAt: rm.createdAt})
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) unindexLocked(conn, roomID string) {
	byRoom := r.conns[conn]
	if byRoom == nil {
		return
	}
	delete(byRoom, roomID)
	if len(byRoom) == 0 {
		delete(r.conns, conn)
	}
}

func (rm *room) snapshotLocked(skip string) []Member {
	out := make([]Member, 0, len(rm.members))
	for p, c := range rm.members {
		if p == skip {
			continue
		}
		out = append(out, Member{Participant: p, Conn: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

// NewCode produces a short, URL-safe room code.
func NewCode() string {
	// 6 bytes -> 8 chars when raw URL base64 encoded without padding.
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return strings.TrimRight(base64.RawURLEncoding.EncodeToString(b), "=")
}
