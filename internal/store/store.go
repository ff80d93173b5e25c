// Package store persists collaboration sessions: the durable code buffer and
// language of each session, keyed by its session code.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"codedojo/collab/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrCodeExhausted   = errors.New("could not allocate a unique session code")
)

const (
	CodeLength   = 8
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxAttempts  = 10
)

// SessionStore is the durable side of a collaboration session.
type SessionStore interface {
	Get(ctx context.Context, code string) (*models.Session, error)
	SetCode(ctx context.Context, code, text string) (*models.Session, error)
	SetLanguage(ctx context.Context, code, language string) (*models.Session, error)
	Create(ctx context.Context, title, language string) (*models.Session, error)
}

// Purger is implemented by stores that can drop sessions idle since before a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NormalizeCode upper-cases a session code; lookups are case-insensitive.
func NormalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// GenerateCode returns a random fixed-length alphanumeric session code.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ErrCodeTaken is returned by an insert callback when the generated code collides.
var ErrCodeTaken = errors.New("session code taken")

// CreateUnique generates codes until insert accepts one or the attempts run out.
func CreateUnique(ctx context.Context, insert func(ctx context.Context, code string) (*models.Session, error)) (*models.Session, error) {
	for i := 0; i < maxAttempts; i++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("generate session code: %w", err)
		}
		sess, err := insert(ctx, code)
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		return sess, err
	}
	return nil, ErrCodeExhausted
}

func defaultLanguage(lang string) string {
	if strings.TrimSpace(lang) == "" {
		return models.DefaultLanguage
	}
	return lang
}

// NewSession builds the initial record for a freshly issued code.
func NewSession(id, code, title, language string, now time.Time) *models.Session {
	return &models.Session{
		ID:        id,
		Code:      code,
		Title:     title,
		Language:  defaultLanguage(language),
		Text:      "",
		CreatedAt: now,
		UpdatedAt: now,
	}
}
