package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"codedojo/collab/internal/assistant"
	"codedojo/collab/internal/exec"
	"codedojo/collab/internal/models"
	"codedojo/collab/internal/session"
	"codedojo/collab/internal/store"
	"codedojo/collab/internal/utils"
)

// DefaultReadLimit caps one inbound collaboration frame. Larger frames close
// the connection with 1009.
const DefaultReadLimit = 1 << 20

type CodeRunner interface {
	Run(ctx context.Context, req models.RunRequest) (models.RunResult, error)
}

type CodeGenerator interface {
	Generate(ctx context.Context, req models.GenerateRequest) (models.GenerateResponse, error)
}

type Handlers struct {
	log       *utils.Logger
	sessions  store.SessionStore
	collab    *session.Service
	runner    CodeRunner
	assistant CodeGenerator
	validate  *validator.Validate
	readLimit int64
}

type Option func(*Handlers)

// WithReadLimit sets the largest inbound websocket frame in bytes; 0 disables the limit.
func WithReadLimit(n int64) Option {
	return func(h *Handlers) { h.readLimit = n }
}

func NewHandlers(log *utils.Logger, sessions store.SessionStore, collab *session.Service, runner CodeRunner, gen CodeGenerator, opts ...Option) *Handlers {
	h := &Handlers{
		log:       log,
		sessions:  sessions,
		collab:    collab,
		runner:    runner,
		assistant: gen,
		validate:  validator.New(),
		readLimit: DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

/*** Sessions ***/
type createSessionRequest struct {
	Title    string `json:"title"`
	Language string `json:"language"`
}

type sessionResponse struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"session_code"`
	Title       *string   `json:"title"`
	Language    string    `json:"language"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"created_at"`
	ActiveUsers int       `json:"active_users"`
}

func (h *Handlers) toResponse(s *models.Session) sessionResponse {
	resp := sessionResponse{
		ID:          s.ID,
		SessionCode: s.Code,
		Language:    s.Language,
		Code:        s.Text,
		CreatedAt:   s.CreatedAt,
		ActiveUsers: h.collab.Registry().Count(s.Code),
	}
	if s.Title != "" {
		resp.Title = &s.Title
	}
	return resp
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := h.sessions.Create(r.Context(), strings.TrimSpace(req.Title), strings.ToLower(strings.TrimSpace(req.Language)))
	if err != nil {
		h.log.Error("failed to create session", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	h.log.Info("session created", "session", s.Code, "language", s.Language)
	utils.WriteJSON(w, http.StatusOK, h.toResponse(s))
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionCode"))
	if errors.Is(err, store.ErrSessionNotFound) {
		utils.WriteError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load session", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	utils.WriteJSON(w, http.StatusOK, h.toResponse(s))
}

/*** Execution ***/
func (h *Handlers) ListLanguages(w http.ResponseWriter, _ *http.Request) {
	utils.WriteJSON(w, http.StatusOK, map[string][]string{"languages": exec.SupportedLanguages()})
}

func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "language is required")
		return
	}

	result, err := h.runner.Run(r.Context(), req)
	if errors.Is(err, exec.ErrUnsupportedLanguage) {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.Error("execution failed", "language", req.Language, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "execution failed")
		return
	}
	utils.WriteJSON(w, http.StatusOK, result)
}

/*** Assistant ***/
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.assistant.Generate(r.Context(), req)
	if errors.Is(err, assistant.ErrEmptyPrompt) {
		utils.WriteError(w, http.StatusBadRequest, "Prompt is required")
		return
	}
	if err != nil {
		h.log.Error("generation failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "generation failed")
		return
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

/*** Collab WebSocket ***/
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "sessionCode")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "session", code, "error", err)
		return
	}
	conn.SetReadLimit(h.readLimit)
	h.collab.Serve(r.Context(), code, conn)
}
