package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"

	"codedojo/collab/internal/models"
)

var ErrAlreadyRegistered = errors.New("connection already registered")

// Registry tracks the live participants of every session. State is sharded
// by session code; each shard is guarded by its own mutex.
type Registry struct {
	palette []string
	shards  []*registryShard
	handles sync.Map // *Client -> session code
}

type registryShard struct {
	mu       sync.Mutex
	sessions map[string]*roster
}

type roster struct {
	seq     uint64
	members map[*Client]*member
}

type member struct {
	seq uint64
	p   models.Participant
}

type RegistryOption func(*Registry)

func WithPalette(palette []string) RegistryOption {
	return func(r *Registry) { r.palette = palette }
}

func WithRegistryShards(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newRegistryShards(n)
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{palette: DefaultPalette, shards: newRegistryShards(defaultShards)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newRegistryShards(n int) []*registryShard {
	shards := make([]*registryShard, n)
	for i := range shards {
		shards[i] = &registryShard{sessions: make(map[string]*roster)}
	}
	return shards
}

func (r *Registry) shard(sessionCode string) *registryShard {
	return r.shards[shardIndex(sessionCode, len(r.shards))]
}

// Register adds a participant for c and returns it together with the
// participants that were already present, in join order.
func (r *Registry) Register(sessionCode string, c *Client, userID, displayName string) (models.Participant, []models.Participant, error) {
	sh := r.shard(sessionCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, loaded := r.handles.LoadOrStore(c, sessionCode); loaded {
		return models.Participant{}, nil, ErrAlreadyRegistered
	}

	ro, ok := sh.sessions[sessionCode]
	if !ok {
		ro = &roster{members: make(map[*Client]*member)}
		sh.sessions[sessionCode] = ro
	}
	others := ro.snapshot()
	used := lo.Map(others, func(p models.Participant, _ int) string { return p.Color })

	ro.seq++
	p := models.Participant{
		UserID:      userID,
		DisplayName: displayName,
		Color:       NextColor(r.palette, used),
	}
	ro.members[c] = &member{seq: ro.seq, p: p}
	return p, others, nil
}

// Deregister removes the participant held by c. ok is false if c never joined.
func (r *Registry) Deregister(c *Client) (models.Participant, bool) {
	v, ok := r.handles.Load(c)
	if !ok {
		return models.Participant{}, false
	}
	sessionCode := v.(string)
	sh := r.shard(sessionCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r.handles.Delete(c)
	ro, ok := sh.sessions[sessionCode]
	if !ok {
		return models.Participant{}, false
	}
	m, ok := ro.members[c]
	if !ok {
		return models.Participant{}, false
	}
	delete(ro.members, c)
	if len(ro.members) == 0 {
		delete(sh.sessions, sessionCode)
	}
	return m.p, true
}

func (r *Registry) Get(c *Client) (models.Participant, bool) {
	var out models.Participant
	ok := r.with(c, func(m *member) { out = m.p })
	return out, ok
}

func (r *Registry) UpdateCursor(c *Client, pos models.Position) (models.Participant, bool) {
	var out models.Participant
	ok := r.with(c, func(m *member) {
		m.p.Cursor = &pos
		out = m.p
	})
	return out, ok
}

func (r *Registry) UpdateSelection(c *Client, sel models.Selection) (models.Participant, bool) {
	var out models.Participant
	ok := r.with(c, func(m *member) {
		m.p.Selection = &sel
		out = m.p
	})
	return out, ok
}

func (r *Registry) with(c *Client, fn func(*member)) bool {
	v, ok := r.handles.Load(c)
	if !ok {
		return false
	}
	sh := r.shard(v.(string))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ro, ok := sh.sessions[v.(string)]
	if !ok {
		return false
	}
	m, ok := ro.members[c]
	if !ok {
		return false
	}
	fn(m)
	return true
}

// List returns the live participants of a session in join order.
func (r *Registry) List(sessionCode string) []models.Participant {
	sh := r.shard(sessionCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ro, ok := sh.sessions[sessionCode]
	if !ok {
		return []models.Participant{}
	}
	return ro.snapshot()
}

func (r *Registry) Count(sessionCode string) int {
	sh := r.shard(sessionCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ro, ok := sh.sessions[sessionCode]; ok {
		return len(ro.members)
	}
	return 0
}

// Total is the number of participants across all sessions.
func (r *Registry) Total() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, ro := range sh.sessions {
			n += len(ro.members)
		}
		sh.mu.Unlock()
	}
	return n
}

func (ro *roster) snapshot() []models.Participant {
	ms := lo.Values(ro.members)
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })
	return lo.Map(ms, func(m *member, _ int) models.Participant { return m.p })
}
