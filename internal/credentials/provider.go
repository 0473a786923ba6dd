// Package credentials supplies the current user identity and token pair.
// Tokens are owned and refreshed by an external session manager; this
// package only reads them.
package credentials

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/desksync/internal/remotestore"
)

// Static always returns the same credentials. Used by tests and by
// wiring that resolves identity some other way.
type Static struct {
	creds remotestore.Credentials
}

func NewStatic(creds remotestore.Credentials) *Static {
	return &Static{creds: creds}
}

func (p *Static) Current() (remotestore.Credentials, bool) {
	if p == nil || strings.TrimSpace(p.creds.UserID) == "" {
		return remotestore.Credentials{}, false
	}
	return p.creds, true
}

type sessionFilePayload struct {
	UserID       string    `json:"userId,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IssuedAt     time.Time `json:"issuedAt,omitempty"`
}

// SessionFile reads a session JSON on every call, so externally
// refreshed tokens are picked up between ticks without coordination.
// When the file carries no explicit user id, the bearer token's JWT
// subject claim is used. The token is not verified here; validity is the
// session manager's concern.
type SessionFile struct {
	path string
}

func NewSessionFile(path string) (*SessionFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, remotestore.ErrInvalidInput
	}
	return &SessionFile{path: path}, nil
}

func (p *SessionFile) Current() (remotestore.Credentials, bool) {
	if p == nil {
		return remotestore.Credentials{}, false
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return remotestore.Credentials{}, false
	}
	var payload sessionFilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return remotestore.Credentials{}, false
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return remotestore.Credentials{}, false
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = subjectFromToken(payload.AccessToken)
	}
	if userID == "" {
		return remotestore.Credentials{}, false
	}
	return remotestore.Credentials{
		UserID:       userID,
		BearerToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IssuedAt:     payload.IssuedAt,
	}, true
}

func subjectFromToken(token string) string {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(subject)
}
