package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codedojo/collab/internal/models"
	"codedojo/collab/internal/store"
	"codedojo/collab/internal/utils"
)

const testCode = "ABCD1234"

type flakyStore struct {
	*store.Memory
	failWrites atomic.Bool
	panicLang  atomic.Bool

	holding atomic.Bool
	held    atomic.Int32
	gate    chan struct{}
}

// holdCodeWrites parks every SetCode until the returned func is called.
func (f *flakyStore) holdCodeWrites() func() {
	f.gate = make(chan struct{})
	f.holding.Store(true)
	return func() {
		f.holding.Store(false)
		close(f.gate)
	}
}

func (f *flakyStore) SetCode(ctx context.Context, code, text string) (*models.Session, error) {
	if f.holding.Load() {
		f.held.Add(1)
		<-f.gate
	}
	if f.failWrites.Load() {
		return nil, errors.New("db down")
	}
	return f.Memory.SetCode(ctx, code, text)
}

func (f *flakyStore) SetLanguage(ctx context.Context, code, language string) (*models.Session, error) {
	if f.panicLang.Load() {
		panic("language backend exploded")
	}
	if f.failWrites.Load() {
		return nil, errors.New("db down")
	}
	return f.Memory.SetLanguage(ctx, code, language)
}

type countingObserver struct {
	mu       sync.Mutex
	joined   int
	left     int
	evicted  int
	rejected []string
	messages map[string]int
}

func (o *countingObserver) Joined(string)  { o.mu.Lock(); o.joined++; o.mu.Unlock() }
func (o *countingObserver) Left(string)    { o.mu.Lock(); o.left++; o.mu.Unlock() }
func (o *countingObserver) Evicted(string) { o.mu.Lock(); o.evicted++; o.mu.Unlock() }
func (o *countingObserver) Message(t string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.messages == nil {
		o.messages = map[string]int{}
	}
	o.messages[t]++
}
func (o *countingObserver) Rejected(r string) {
	o.mu.Lock()
	o.rejected = append(o.rejected, r)
	o.mu.Unlock()
}

func (o *countingObserver) evictions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.evicted
}

func (o *countingObserver) rejections() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.rejected...)
}

type testEnv struct {
	server   *httptest.Server
	store    *flakyStore
	registry *Registry
	hub      *Hub
	svc      *Service
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	mem.Put(models.Session{ID: "s1", Code: testCode, Language: "python", Text: "print('hi')"})
	env := &testEnv{
		store:    &flakyStore{Memory: mem},
		registry: NewRegistry(),
	}
	log := utils.NewNopLogger()
	env.hub = NewHub(log)
	env.svc = NewService(env.store, env.registry, env.hub, log, opts...)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	r := chi.NewRouter()
	r.Get("/ws/{sessionCode}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.svc.Serve(r.Context(), chi.URLParam(r, "sessionCode"), conn)
	})
	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, code string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/" + code
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) join(t *testing.T, userID, name string) (*websocket.Conn, models.Welcome) {
	t.Helper()
	conn := e.dial(t, testCode)
	send(t, conn, map[string]any{"type": "join", "userId": userID, "displayName": name})
	var w models.Welcome
	readInto(t, conn, &w)
	require.Equal(t, models.TypeWelcome, w.Type)
	return conn, w
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readInto(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	readInto(t, conn, &m)
	return m
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

// serverClient finds the server side of a joined participant's connection.
func (e *testEnv) serverClient(t *testing.T, userID string) *Client {
	t.Helper()
	for _, c := range e.hub.Clients(testCode) {
		if p, ok := e.registry.Get(c); ok && p.UserID == userID {
			return c
		}
	}
	t.Fatalf("no client joined as %s", userID)
	return nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestServeUnknownSessionClosesWithPolicyViolation(t *testing.T) {
	obs := &countingObserver{}
	env := newTestEnv(t, WithObserver(obs))
	conn := env.dial(t, "ZZZZ9999")

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "Session not found", ce.Text)
	eventually(t, func() bool { return len(obs.rejections()) == 1 })
	assert.Equal(t, []string{"session_not_found"}, obs.rejections())
}

func TestServeRejectsNonJoinFirstMessage(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, testCode)
	send(t, conn, map[string]any{"type": "code_change", "code": "x"})

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, 0, env.registry.Count(testCode))
}

func TestServeRejectsMalformedFirstMessage(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, testCode)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))

	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestJoinLeaveScenario(t *testing.T) {
	obs := &countingObserver{}
	env := newTestEnv(t, WithObserver(obs))

	p1, w1 := env.join(t, "p1", "Ada")
	assert.Empty(t, w1.Participants)
	assert.Equal(t, "p1", w1.UserID)
	assert.Equal(t, "Ada", w1.DisplayName)
	assert.Equal(t, DefaultPalette[0], w1.Color)
	assert.Equal(t, "print('hi')", w1.Code)
	assert.Equal(t, "python", w1.Language)

	p2, w2 := env.join(t, "p2", "Bob")
	require.Len(t, w2.Participants, 1)
	assert.Equal(t, "p1", w2.Participants[0].UserID)
	assert.NotEqual(t, w1.Color, w2.Color)

	var pj models.ParticipantJoin
	readInto(t, p1, &pj)
	assert.Equal(t, models.TypeParticipantJoin, pj.Type)
	assert.Equal(t, "p2", pj.UserID)
	assert.Equal(t, w2.Color, pj.Color)

	require.NoError(t, p1.Close())

	var pl models.ParticipantLeave
	readInto(t, p2, &pl)
	assert.Equal(t, models.TypeParticipantLeave, pl.Type)
	assert.Equal(t, "p1", pl.UserID)
	assert.Equal(t, "Ada", pl.DisplayName)

	eventually(t, func() bool { return env.registry.Count(testCode) == 1 })
	assert.Len(t, env.hub.Clients(testCode), 1)
	eventually(t, func() bool { obs.mu.Lock(); defer obs.mu.Unlock(); return obs.left == 1 })
	obs.mu.Lock()
	assert.Equal(t, 2, obs.joined)
	assert.Equal(t, 1, obs.left)
	obs.mu.Unlock()
}

func TestJoinDefaultsIdentity(t *testing.T) {
	env := newTestEnv(t, WithIDGenerator(func() string { return "generated-id" }))
	conn := env.dial(t, strings.ToLower(testCode))
	send(t, conn, map[string]any{"type": "join"})

	var w models.Welcome
	readInto(t, conn, &w)
	assert.Equal(t, "generated-id", w.UserID)
	assert.Equal(t, "User-generate", w.DisplayName)
}

func TestCodeChangeBroadcastsToOthersAndPersists(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")
	p2, _ := env.join(t, "p2", "Bob")
	readFrame(t, p1) // participant_join

	send(t, p1, map[string]any{"type": "code_change", "code": "X"})

	var cu models.CodeUpdate
	readInto(t, p2, &cu)
	assert.Equal(t, models.TypeCodeUpdate, cu.Type)
	assert.Equal(t, "X", cu.Code)
	assert.Equal(t, "python", cu.Language)

	sess, err := env.store.Get(context.Background(), testCode)
	require.NoError(t, err)
	assert.Equal(t, "X", sess.Text)

	// The sender's next frame is the reply to its own follow-up, not an echo.
	send(t, p1, map[string]any{"type": "wave"})
	f := readFrame(t, p1)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "unknown message type", f["message"])
}

func TestLanguageChangeBroadcastsToEveryone(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")
	p2, _ := env.join(t, "p2", "Bob")
	readFrame(t, p1)

	send(t, p1, map[string]any{"type": "language_change", "language": "go"})

	for _, conn := range []*websocket.Conn{p1, p2} {
		var lu models.LanguageUpdate
		readInto(t, conn, &lu)
		assert.Equal(t, models.TypeLanguageUpdate, lu.Type)
		assert.Equal(t, "go", lu.Language)
	}
	sess, _ := env.store.Get(context.Background(), testCode)
	assert.Equal(t, "go", sess.Language)
}

func TestCursorAndSelectionUpdates(t *testing.T) {
	env := newTestEnv(t)
	p1, w1 := env.join(t, "p1", "Ada")
	p2, _ := env.join(t, "p2", "Bob")
	readFrame(t, p1)

	send(t, p1, map[string]any{"type": "cursor_position", "position": map[string]int{"line": 2, "column": 5}})
	var cu models.CursorUpdate
	readInto(t, p2, &cu)
	assert.Equal(t, models.TypeCursorUpdate, cu.Type)
	assert.Equal(t, "p1", cu.UserID)
	assert.Equal(t, "Ada", cu.DisplayName)
	assert.Equal(t, w1.Color, cu.Color)
	assert.Equal(t, models.Position{Line: 2, Column: 5}, cu.Position)

	send(t, p1, map[string]any{"type": "selection_change", "selection": map[string]any{
		"start": map[string]int{"line": 1, "column": 0},
		"end":   map[string]int{"line": 1, "column": 4},
	}})
	var su models.SelectionUpdate
	readInto(t, p2, &su)
	assert.Equal(t, models.TypeSelectionUpdate, su.Type)
	assert.Equal(t, 4, su.Selection.End.Column)

	// Late joiners see current presence in their welcome.
	_, w3 := env.join(t, "p3", "Cy")
	require.Len(t, w3.Participants, 2)
	require.NotNil(t, w3.Participants[0].Cursor)
	assert.Equal(t, 2, w3.Participants[0].Cursor.Line)
}

func TestMissingFieldRepliesToSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")
	p2, _ := env.join(t, "p2", "Bob")
	readFrame(t, p1)

	send(t, p1, map[string]any{"type": "cursor_position"})
	f := readFrame(t, p1)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "missing required field: position", f["message"])

	// p2 must not have seen a cursor_update: its next frame is this language_update.
	send(t, p1, map[string]any{"type": "language_change", "language": "rust"})
	f = readFrame(t, p2)
	assert.Equal(t, models.TypeLanguageUpdate, f["type"])
}

func TestActiveProtocolErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")

	require.NoError(t, p1.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "invalid format", readFrame(t, p1)["message"])

	send(t, p1, map[string]any{"code": "x"})
	assert.Equal(t, "missing type", readFrame(t, p1)["message"])

	send(t, p1, map[string]any{"type": "join", "userId": "again"})
	assert.Equal(t, "already joined", readFrame(t, p1)["message"])

	send(t, p1, map[string]any{"type": "language_change", "language": "go"})
	assert.Equal(t, models.TypeLanguageUpdate, readFrame(t, p1)["type"])
}

func TestStoreFailureRepliesWithoutBroadcast(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")
	p2, _ := env.join(t, "p2", "Bob")
	readFrame(t, p1)

	env.store.failWrites.Store(true)
	send(t, p1, map[string]any{"type": "code_change", "code": "lost"})
	f := readFrame(t, p1)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "failed to save code", f["message"])

	env.store.failWrites.Store(false)
	send(t, p1, map[string]any{"type": "code_change", "code": "kept"})
	var cu models.CodeUpdate
	readInto(t, p2, &cu)
	assert.Equal(t, "kept", cu.Code)
}

func TestDispatchPanicClosesWithInternalError(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")
	p2, _ := env.join(t, "p2", "Bob")
	readFrame(t, p1)

	env.store.panicLang.Store(true)
	send(t, p1, map[string]any{"type": "language_change", "language": "go"})

	ce := readClose(t, p1)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)

	var pl models.ParticipantLeave
	readInto(t, p2, &pl)
	assert.Equal(t, "p1", pl.UserID)
}

func TestJoinTokenRequired(t *testing.T) {
	tokens := utils.NewJoinTokens("secret")
	env := newTestEnv(t, WithJoinTokens(tokens))

	conn := env.dial(t, testCode)
	send(t, conn, map[string]any{"type": "join", "userId": "p1"})
	ce := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	other, err := tokens.Issue("OTHER000", "p1", "Ada", time.Minute)
	require.NoError(t, err)
	conn = env.dial(t, testCode)
	send(t, conn, map[string]any{"type": "join", "token": other})
	ce = readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	tok, err := tokens.Issue(testCode, "from-token", "Token Ada", time.Minute)
	require.NoError(t, err)
	conn = env.dial(t, testCode)
	send(t, conn, map[string]any{"type": "join", "userId": "ignored", "token": tok})
	var w models.Welcome
	readInto(t, conn, &w)
	assert.Equal(t, "from-token", w.UserID)
	assert.Equal(t, "Token Ada", w.DisplayName)
}

func TestShutdownClosesConnectionsNormally(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")
	pending := env.dial(t, testCode)
	eventually(t, func() bool { return env.svc.Active() == 2 })

	env.svc.Shutdown()

	assert.Equal(t, websocket.CloseNormalClosure, readClose(t, p1).Code)
	assert.Equal(t, websocket.CloseNormalClosure, readClose(t, pending).Code)
	eventually(t, func() bool { return env.svc.Active() == 0 })
	assert.Equal(t, 0, env.registry.Count(testCode))
}

func TestServicesAreIndependent(t *testing.T) {
	a := newTestEnv(t)
	b := newTestEnv(t)
	a.join(t, "p1", "Ada")

	assert.Equal(t, 1, a.registry.Count(testCode))
	assert.Equal(t, 0, b.registry.Count(testCode))
}

func TestFailedDeliveryEvictsParticipant(t *testing.T) {
	obs := &countingObserver{}
	env := newTestEnv(t, WithObserver(obs))
	p1, _ := env.join(t, "p1", "Ada")
	env.join(t, "p2", "Bob")
	readFrame(t, p1)

	bad := env.serverClient(t, "p2")
	bad.SetSendHook(func([]byte) error { return errors.New("broken pipe") })

	send(t, p1, map[string]any{"type": "code_change", "code": "X"})

	var pl models.ParticipantLeave
	readInto(t, p1, &pl)
	assert.Equal(t, models.TypeParticipantLeave, pl.Type)
	assert.Equal(t, "p2", pl.UserID)
	eventually(t, func() bool { return env.registry.Count(testCode) == 1 })
	assert.False(t, env.hub.Contains(testCode, bad))
	assert.True(t, bad.Closed())
	assert.Equal(t, 1, obs.evictions())

	// Exactly one leave: the next frame p1 sees answers its own change.
	send(t, p1, map[string]any{"type": "language_change", "language": "go"})
	assert.Equal(t, models.TypeLanguageUpdate, readFrame(t, p1)["type"])
}

func TestFailedWelcomeIsNeverAnnounced(t *testing.T) {
	var accepted atomic.Int32
	obs := &countingObserver{}
	env := newTestEnv(t, WithObserver(obs), withClientHook(func(c *Client) {
		if accepted.Add(1) == 2 {
			c.SetSendHook(func([]byte) error { return errors.New("broken pipe") })
		}
	}))
	p1, _ := env.join(t, "p1", "Ada")

	conn := env.dial(t, testCode)
	send(t, conn, map[string]any{"type": "join", "userId": "p2", "displayName": "Bob"})
	assert.Equal(t, websocket.CloseInternalServerErr, readClose(t, conn).Code)
	eventually(t, func() bool { obs.mu.Lock(); defer obs.mu.Unlock(); return obs.left == 1 })
	assert.Equal(t, 1, env.registry.Count(testCode))

	// p1 saw neither a join nor a leave for p2.
	send(t, p1, map[string]any{"type": "language_change", "language": "go"})
	assert.Equal(t, models.TypeLanguageUpdate, readFrame(t, p1)["type"])
}

func TestSlowStoreWriteDoesNotBlockOtherWork(t *testing.T) {
	env := newTestEnv(t)
	env.store.Put(models.Session{ID: "s2", Code: "Z0000646", Language: "go"})
	p1, _ := env.join(t, "p1", "Ada")
	p2, _ := env.join(t, "p2", "Bob")
	readFrame(t, p1)
	p3, _ := env.join(t, "p3", "Cy")
	readFrame(t, p1)
	readFrame(t, p2)

	release := env.store.holdCodeWrites()
	send(t, p1, map[string]any{"type": "code_change", "code": "pending"})
	eventually(t, func() bool { return env.store.held.Load() == 1 })

	other := env.dial(t, "Z0000646")
	send(t, other, map[string]any{"type": "join", "userId": "q1"})
	var w models.Welcome
	readInto(t, other, &w)
	assert.Equal(t, "go", w.Language)

	require.NoError(t, p2.Close())
	var pl models.ParticipantLeave
	readInto(t, p3, &pl)
	assert.Equal(t, "p2", pl.UserID)

	release()
	var cu models.CodeUpdate
	readInto(t, p3, &cu)
	assert.Equal(t, "pending", cu.Code)
}

func TestServiceKeepsExistingEvictHook(t *testing.T) {
	var hubEvictions atomic.Int32
	log := utils.NewNopLogger()
	hub := NewHub(log, WithEvictHook(func(string, *Client, error) { hubEvictions.Add(1) }))
	obs := &countingObserver{}
	NewService(store.NewMemory(), NewRegistry(), hub, log, WithObserver(obs))

	bad, capBad := hookedClient()
	capBad.fail = errors.New("closed")
	hub.Add(testCode, bad)
	hub.Broadcast(testCode, models.NewError("x"), nil)

	assert.Equal(t, int32(1), hubEvictions.Load())
	assert.Equal(t, 1, obs.evictions())
}

func TestSequencerIsReleasedWithLastOperation(t *testing.T) {
	env := newTestEnv(t)
	p1, _ := env.join(t, "p1", "Ada")
	require.NoError(t, p1.Close())
	eventually(t, func() bool { return env.registry.Count(testCode) == 0 })

	eventually(t, func() bool {
		env.svc.seqMu.Lock()
		defer env.svc.seqMu.Unlock()
		return len(env.svc.seqs) == 0
	})
}

func TestDocFieldAdvance(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var f docField

	assert.True(t, f.advance("a", base.Add(2*time.Second)))
	assert.False(t, f.advance("stale", base.Add(time.Second)))
	assert.Equal(t, "a", f.value)
	assert.True(t, f.advance("b", base.Add(2*time.Second)))

	assert.Equal(t, "b", f.current("read", base))
	assert.Equal(t, "read", f.current("read", base.Add(3*time.Second)))
}
