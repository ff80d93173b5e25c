package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrSessionMismatch = errors.New("token issued for another session")

// JoinClaims are carried by the optional join token of the collaboration handshake.
type JoinClaims struct {
	SessionCode string `json:"sessionCode"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

type JoinTokens struct {
	secret []byte
}

func NewJoinTokens(secret string) *JoinTokens { return &JoinTokens{secret: []byte(secret)} }

// Issue signs an HS256 token for one participant of one session.
func (t *JoinTokens) Issue(sessionCode, userID, displayName string, ttl time.Duration) (string, error) {
	claims := &JoinClaims{
		SessionCode: strings.ToUpper(sessionCode),
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify validates the token signature and expiry, and that it was issued for sessionCode.
func (t *JoinTokens) Verify(tokenString, sessionCode string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims := token.Claims.(*JoinClaims)
	if !strings.EqualFold(claims.SessionCode, sessionCode) {
		return nil, ErrSessionMismatch
	}
	return claims, nil
}
