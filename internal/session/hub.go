package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"codedojo/collab/internal/utils"
)

// EvictFunc is called after a client has been dropped from a room because a
// broadcast write to it failed.
type EvictFunc func(sessionCode string, c *Client, err error)

// Hub fans messages out to the connections of each session. Rooms are
// sharded by session code. A shard lock only guards its room map and is
// never held while a room lock is taken, so a slow room cannot stall the
// other sessions of its shard.
type Hub struct {
	shards  []*hubShard
	log     *utils.Logger
	onEvict []EvictFunc
}

type hubShard struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// Room is the set of connections currently attached to one session. A room
// that became empty is marked dead and never accepts clients again; Add
// replaces it with a fresh one.
type Room struct {
	ID      string
	mu      sync.Mutex
	clients map[*Client]struct{}
	dead    atomic.Bool
}

type HubOption func(*Hub)

func WithHubShards(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.shards = newHubShards(n)
		}
	}
}

func WithEvictHook(fn EvictFunc) HubOption {
	return func(h *Hub) { h.OnEvict(fn) }
}

func NewHub(log *utils.Logger, opts ...HubOption) *Hub {
	h := &Hub{shards: newHubShards(defaultShards), log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func newHubShards(n int) []*hubShard {
	shards := make([]*hubShard, n)
	for i := range shards {
		shards[i] = &hubShard{rooms: make(map[string]*Room)}
	}
	return shards
}

func (h *Hub) shard(sessionCode string) *hubShard {
	return h.shards[shardIndex(sessionCode, len(h.shards))]
}

// OnEvict registers an eviction hook. Hooks run in registration order and
// must be registered before the hub is in use.
func (h *Hub) OnEvict(fn EvictFunc) {
	if fn != nil {
		h.onEvict = append(h.onEvict, fn)
	}
}

func (h *Hub) Add(sessionCode string, c *Client) {
	for {
		room := h.liveRoom(sessionCode)
		room.mu.Lock()
		if !room.dead.Load() {
			room.clients[c] = struct{}{}
			room.mu.Unlock()
			return
		}
		// Emptied between lookup and lock.
		room.mu.Unlock()
	}
}

func (h *Hub) Remove(sessionCode string, c *Client) {
	room := h.room(sessionCode)
	if room == nil {
		return
	}
	room.mu.Lock()
	delete(room.clients, c)
	dead := h.markIfEmpty(room)
	room.mu.Unlock()
	if dead {
		h.dropRoom(sessionCode, room)
	}
}

func (h *Hub) room(sessionCode string) *Room {
	sh := h.shard(sessionCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.rooms[sessionCode]
}

// liveRoom returns the session's room, creating it when missing or dead.
func (h *Hub) liveRoom(sessionCode string) *Room {
	sh := h.shard(sessionCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	room, ok := sh.rooms[sessionCode]
	if !ok || room.dead.Load() {
		room = &Room{ID: sessionCode, clients: make(map[*Client]struct{})}
		sh.rooms[sessionCode] = room
	}
	return room
}

// markIfEmpty must be called with room.mu held.
func (h *Hub) markIfEmpty(room *Room) bool {
	if len(room.clients) == 0 {
		room.dead.Store(true)
	}
	return room.dead.Load()
}

func (h *Hub) dropRoom(sessionCode string, room *Room) {
	sh := h.shard(sessionCode)
	sh.mu.Lock()
	if sh.rooms[sessionCode] == room {
		delete(sh.rooms, sessionCode)
	}
	sh.mu.Unlock()
}

// Broadcast delivers msg to every client of the session except exclude and
// returns how many deliveries succeeded. The room lock is held for the whole
// fan-out so broadcasts to one session reach every client in call order;
// only that session waits on a slow write, for at most the write timeout.
// Clients whose write fails are removed from the room and aborted.
func (h *Hub) Broadcast(sessionCode string, msg any, exclude *Client) int {
	room := h.room(sessionCode)
	if room == nil {
		return 0
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to encode broadcast", "session", sessionCode, "error", err)
		return 0
	}

	type failure struct {
		c   *Client
		err error
	}
	var (
		sent   int
		failed []failure
		dead   bool
	)
	room.mu.Lock()
	for c := range room.clients {
		if c == exclude {
			continue
		}
		if err := c.writeRaw(data); err != nil {
			delete(room.clients, c)
			failed = append(failed, failure{c, err})
			continue
		}
		sent++
	}
	if len(failed) > 0 {
		dead = h.markIfEmpty(room)
	}
	room.mu.Unlock()

	for _, f := range failed {
		h.log.Warn("evicting client after failed send", "session", sessionCode, "client", f.c.ID, "error", f.err)
		f.c.Abort()
		for _, fn := range h.onEvict {
			fn(sessionCode, f.c, f.err)
		}
	}
	if dead {
		h.dropRoom(sessionCode, room)
	}
	return sent
}

// Clients returns a snapshot of the clients attached to a session.
func (h *Hub) Clients(sessionCode string) []*Client {
	room := h.room(sessionCode)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]*Client, 0, len(room.clients))
	for c := range room.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Contains(sessionCode string, c *Client) bool {
	room := h.room(sessionCode)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	_, ok := room.clients[c]
	return ok
}

// Stats reports the number of sessions with at least one connection and the
// total number of attached connections.
func (h *Hub) Stats() (sessions, connections int) {
	var rooms []*Room
	for _, sh := range h.shards {
		sh.mu.Lock()
		for _, room := range sh.rooms {
			rooms = append(rooms, room)
		}
		sh.mu.Unlock()
	}
	for _, room := range rooms {
		room.mu.Lock()
		if n := len(room.clients); n > 0 {
			sessions++
			connections += n
		}
		room.mu.Unlock()
	}
	return sessions, connections
}
