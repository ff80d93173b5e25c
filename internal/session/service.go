package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"codedojo/collab/internal/models"
	"codedojo/collab/internal/store"
	"codedojo/collab/internal/utils"
)

const (
	reasonSessionNotFound = "Session not found"
	reasonExpectedJoin    = "expected join message"
	reasonInvalidToken    = "invalid join token"
	reasonInternal        = "internal server error"
	reasonShutdown        = "server shutting down"
)

// Observer receives connection lifecycle events, typically for metrics.
type Observer interface {
	Joined(sessionCode string)
	Left(sessionCode string)
	Message(msgType string)
	Evicted(sessionCode string)
	Rejected(reason string)
}

type nopObserver struct{}

func (nopObserver) Joined(string)   {}
func (nopObserver) Left(string)     {}
func (nopObserver) Message(string)  {}
func (nopObserver) Evicted(string)  {}
func (nopObserver) Rejected(string) {}

// Service runs the collaboration protocol for each accepted connection.
type Service struct {
	store    store.SessionStore
	registry *Registry
	hub      *Hub
	log      *utils.Logger

	tokens       *utils.JoinTokens
	obs          Observer
	writeTimeout time.Duration
	newID        func() string
	clientHook   func(*Client)

	seqMu sync.Mutex
	seqs  map[string]*sequencer

	mu    sync.Mutex
	conns map[*Client]struct{}
}

// sequencer orders the join, leave and broadcast steps of one session. Store
// calls run before it is locked. It lives while any operation on the session
// holds a reference.
type sequencer struct {
	mu       sync.Mutex
	refs     int
	code     docField
	language docField
}

// docField is the newest broadcast value of one document field.
type docField struct {
	value string
	at    time.Time
}

// advance records a stored value unless a newer one was already broadcast.
func (f *docField) advance(value string, at time.Time) bool {
	if at.Before(f.at) {
		return false
	}
	f.value, f.at = value, at
	return true
}

// current prefers a value broadcast after the session was read.
func (f *docField) current(stored string, readAt time.Time) string {
	if f.at.After(readAt) {
		return f.value
	}
	return stored
}

type Option func(*Service)

// WithJoinTokens requires a valid join token on every join.
func WithJoinTokens(t *utils.JoinTokens) Option {
	return func(s *Service) { s.tokens = t }
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) { s.writeTimeout = d }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// withClientHook runs fn on every accepted client before it is used.
func withClientHook(fn func(*Client)) Option {
	return func(s *Service) { s.clientHook = fn }
}

func NewService(st store.SessionStore, registry *Registry, hub *Hub, log *utils.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		registry: registry,
		hub:      hub,
		log:      log,
		obs:      nopObserver{},
		newID:    uuid.NewString,
		seqs:     make(map[string]*sequencer),
		conns:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	hub.OnEvict(func(sessionCode string, _ *Client, _ error) {
		s.obs.Evicted(sessionCode)
	})
	return s
}

func (s *Service) Registry() *Registry { return s.registry }

// acquire returns the session's sequencer and the func that releases it.
func (s *Service) acquire(sessionCode string) (*sequencer, func()) {
	s.seqMu.Lock()
	sq, ok := s.seqs[sessionCode]
	if !ok {
		sq = &sequencer{}
		s.seqs[sessionCode] = sq
	}
	sq.refs++
	s.seqMu.Unlock()

	return sq, func() {
		s.seqMu.Lock()
		if sq.refs--; sq.refs == 0 {
			delete(s.seqs, sessionCode)
		}
		s.seqMu.Unlock()
	}
}

// connection is the per-socket protocol state.
type connection struct {
	code      string
	client    *Client
	joined    bool
	announced bool
	cleanup   sync.Once
}

// Serve drives one connection from acceptance to close. It returns once the
// connection is closed and its participant has been removed.
func (s *Service) Serve(ctx context.Context, sessionCode string, conn Conn) {
	cn := &connection{
		code:   store.NormalizeCode(sessionCode),
		client: NewClient(conn, s.writeTimeout),
	}
	if s.clientHook != nil {
		s.clientHook(cn.client)
	}
	log := s.log.With("session", cn.code, "client", cn.client.ID)

	s.track(cn.client)
	defer s.untrack(cn.client)

	defer func() {
		if r := recover(); r != nil {
			log.Error("collab handler panic", "panic", r)
			cn.client.Close(websocket.CloseInternalServerErr, reasonInternal)
		}
		s.leave(cn, log)
	}()

	if _, err := s.store.Get(ctx, cn.code); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			log.Info("rejecting connection for unknown session")
			s.obs.Rejected("session_not_found")
			cn.client.Close(websocket.ClosePolicyViolation, reasonSessionNotFound)
			return
		}
		log.Error("session lookup failed", "error", err)
		cn.client.Close(websocket.CloseInternalServerErr, reasonInternal)
		return
	}
	log.Debug("connection accepted, awaiting join")

	if !s.handshake(ctx, cn, log) {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("connection read failed", "error", err)
			}
			return
		}
		s.dispatch(ctx, cn, raw, log)
	}
}

func (s *Service) handshake(ctx context.Context, cn *connection, log *utils.Logger) bool {
	_, raw, err := cn.client.conn.ReadMessage()
	if err != nil {
		return false
	}
	msg, err := Decode(raw)
	join, ok := msg.(*models.Join)
	if err != nil || !ok {
		log.Info("handshake rejected", "error", err)
		s.obs.Rejected("bad_handshake")
		cn.client.Close(websocket.ClosePolicyViolation, reasonExpectedJoin)
		return false
	}

	userID, displayName := join.UserID, join.DisplayName
	if s.tokens != nil {
		claims, err := s.tokens.Verify(join.Token, cn.code)
		if err != nil {
			log.Info("join token rejected", "error", err)
			s.obs.Rejected("invalid_token")
			cn.client.Close(websocket.ClosePolicyViolation, reasonInvalidToken)
			return false
		}
		userID = lo.CoalesceOrEmpty(claims.UserID, userID)
		displayName = lo.CoalesceOrEmpty(claims.DisplayName, displayName)
	}
	if userID == "" {
		userID = s.newID()
	}
	if displayName == "" {
		displayName = placeholderName(userID)
	}

	if err := s.join(ctx, cn, userID, displayName, log); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			cn.client.Close(websocket.ClosePolicyViolation, reasonSessionNotFound)
			return false
		}
		log.Error("join failed", "error", err)
		cn.client.Close(websocket.CloseInternalServerErr, reasonInternal)
		return false
	}
	return true
}

func placeholderName(userID string) string {
	return "User-" + lo.Substring(userID, 0, 8)
}

func (s *Service) join(ctx context.Context, cn *connection, userID, displayName string, log *utils.Logger) error {
	sq, release := s.acquire(cn.code)
	defer release()

	sess, err := s.store.Get(ctx, cn.code)
	if err != nil {
		return err
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	p, others, err := s.registry.Register(cn.code, cn.client, userID, displayName)
	if err != nil {
		return err
	}
	cn.joined = true
	s.hub.Add(cn.code, cn.client)
	s.obs.Joined(cn.code)

	welcome := models.Welcome{
		Type:         models.TypeWelcome,
		UserID:       p.UserID,
		DisplayName:  p.DisplayName,
		Color:        p.Color,
		Code:         sq.code.current(sess.Text, sess.UpdatedAt),
		Language:     sq.language.current(sess.Language, sess.UpdatedAt),
		Participants: others,
	}
	if err := cn.client.Send(welcome); err != nil {
		return fmt.Errorf("send welcome: %w", err)
	}
	s.hub.Broadcast(cn.code, models.ParticipantJoin{
		Type:        models.TypeParticipantJoin,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
	}, cn.client)
	cn.announced = true

	log.Info("participant joined", "userId", p.UserID, "color", p.Color, "others", len(others))
	return nil
}

func (s *Service) dispatch(ctx context.Context, cn *connection, raw []byte, log *utils.Logger) {
	msg, err := Decode(raw)
	if err != nil {
		s.reply(cn, err.Error())
		return
	}

	switch m := msg.(type) {
	case *models.Join:
		s.obs.Message(m.MessageType())
		s.reply(cn, "already joined")
	case *models.CodeChange:
		s.obs.Message(m.MessageType())
		s.codeChange(ctx, cn, m, log)
	case *models.LanguageChange:
		s.obs.Message(m.MessageType())
		s.languageChange(ctx, cn, m, log)
	case *models.CursorPosition:
		s.obs.Message(m.MessageType())
		s.cursorPosition(cn, m)
	case *models.SelectionChange:
		s.obs.Message(m.MessageType())
		s.selectionChange(cn, m)
	case *models.Unknown:
		s.obs.Message("unknown")
		s.reply(cn, "unknown message type")
	default:
		panic(fmt.Sprintf("unhandled inbound message %T", m))
	}
}

func (s *Service) reply(cn *connection, msg string) {
	_ = cn.client.Send(models.NewError(msg))
}

func (s *Service) codeChange(ctx context.Context, cn *connection, m *models.CodeChange, log *utils.Logger) {
	sq, release := s.acquire(cn.code)
	defer release()

	sess, err := s.store.SetCode(ctx, cn.code, *m.Code)
	if err != nil {
		log.Warn("failed to save code", "error", err)
		s.reply(cn, "failed to save code")
		return
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	if !sq.code.advance(sess.Text, sess.UpdatedAt) {
		log.Debug("dropping code update superseded by a newer write")
		return
	}
	s.hub.Broadcast(cn.code, models.CodeUpdate{
		Type:     models.TypeCodeUpdate,
		Code:     sess.Text,
		Language: sq.language.current(sess.Language, sess.UpdatedAt),
	}, cn.client)
}

func (s *Service) languageChange(ctx context.Context, cn *connection, m *models.LanguageChange, log *utils.Logger) {
	sq, release := s.acquire(cn.code)
	defer release()

	sess, err := s.store.SetLanguage(ctx, cn.code, *m.Language)
	if err != nil {
		log.Warn("failed to save language", "error", err)
		s.reply(cn, "failed to save language")
		return
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()
	if !sq.language.advance(sess.Language, sess.UpdatedAt) {
		log.Debug("dropping language update superseded by a newer write")
		return
	}
	s.hub.Broadcast(cn.code, models.LanguageUpdate{
		Type:     models.TypeLanguageUpdate,
		Language: sess.Language,
	}, nil)
}

func (s *Service) cursorPosition(cn *connection, m *models.CursorPosition) {
	p, ok := s.registry.UpdateCursor(cn.client, *m.Position)
	if !ok {
		return
	}
	s.hub.Broadcast(cn.code, models.CursorUpdate{
		Type:        models.TypeCursorUpdate,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Position:    *p.Cursor,
	}, cn.client)
}

func (s *Service) selectionChange(cn *connection, m *models.SelectionChange) {
	p, ok := s.registry.UpdateSelection(cn.client, *m.Selection)
	if !ok {
		return
	}
	s.hub.Broadcast(cn.code, models.SelectionUpdate{
		Type:        models.TypeSelectionUpdate,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Selection:   *p.Selection,
	}, cn.client)
}

// leave tears down a connection's state. It runs at most once per connection.
func (s *Service) leave(cn *connection, log *utils.Logger) {
	cn.cleanup.Do(func() {
		cn.client.Close(websocket.CloseNormalClosure, "")
		if !cn.joined {
			return
		}

		sq, release := s.acquire(cn.code)
		defer release()
		sq.mu.Lock()
		defer sq.mu.Unlock()

		s.hub.Remove(cn.code, cn.client)
		p, ok := s.registry.Deregister(cn.client)
		if !ok {
			return
		}
		s.obs.Left(cn.code)
		if !cn.announced {
			// Peers never saw the join.
			log.Info("participant dropped before join was announced", "userId", p.UserID)
			return
		}
		s.hub.Broadcast(cn.code, models.ParticipantLeave{
			Type:        models.TypeParticipantLeave,
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
		}, nil)
		log.Info("participant left", "userId", p.UserID)
	})
}

func (s *Service) track(c *Client) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrack(c *Client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown closes every open connection with a normal closure. Handlers
// observe the close and run their own cleanup.
func (s *Service) Shutdown() {
	s.mu.Lock()
	clients := lo.Keys(s.conns)
	s.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseNormalClosure, reasonShutdown)
	}
	s.log.Info("closed collaboration connections", "count", len(clients))
}

// Active reports the number of open connections, joined or not.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
