// Package auth validates the credentials presented by connecting clients.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/starford/weave/internal/apperr"
)

// Modes.
const (
	ModeDisabled = "disabled"
	ModeToken    = "token"
	ModeJWT      = "jwt"
)

// Principal is the identity behind an accepted credential.
type Principal struct {
	Subject string
	// Rooms restricts access to these rooms; empty means every room.
	Rooms []string
}

// CanAccess reports whether p may open the document named resource.
func (p Principal) CanAccess(resource string) bool {
	if len(p.Rooms) == 0 {
		return true
	}
	return slices.Contains(p.Rooms, RoomOf(resource))
}

// RoomOf returns the room a document name belongs to: the tree document is
// named after the room and file documents are "<room>/<ref>".
func RoomOf(resource string) string {
	room, _, _ := strings.Cut(resource, "/")
	return room
}

// Authenticator checks a bearer token for access to a document.
type Authenticator struct {
	mode   string
	token  string
	secret []byte
}

// New builds an authenticator. token is the static bearer for ModeToken and
// the HMAC secret for ModeJWT.
func New(mode, token string) (*Authenticator, error) {
	switch mode {
	case "", ModeDisabled:
		return &Authenticator{mode: ModeDisabled}, nil
	case ModeToken:
		if token == "" {
			return nil, fmt.Errorf("auth: mode %q requires a token", mode)
		}
		return &Authenticator{mode: mode, token: token}, nil
	case ModeJWT:
		if token == "" {
			return nil, fmt.Errorf("auth: mode %q requires a secret", mode)
		}
		return &Authenticator{mode: mode, secret: []byte(token)}, nil
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}
}

// Enabled reports whether credentials are checked at all.
func (a *Authenticator) Enabled() bool {
	return a.mode != ModeDisabled
}

// ValidateCredentials accepts or rejects token for resource. An empty
// resource checks the token alone. Rejections wrap apperr.ErrUnauthorized.
func (a *Authenticator) ValidateCredentials(_ context.Context, token, resource string) (Principal, error) {
	var p Principal
	switch a.mode {
	case ModeDisabled:
		return Principal{Subject: "anonymous"}, nil
	case ModeToken:
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			return Principal{}, fmt.Errorf("auth: invalid token: %w", apperr.ErrUnauthorized)
		}
		p = Principal{Subject: "token"}
	case ModeJWT:
		var err error
		if p, err = a.parseJWT(token); err != nil {
			return Principal{}, err
		}
	}
	if resource != "" && !p.CanAccess(resource) {
		return Principal{}, fmt.Errorf("auth: %s may not open %s: %w", p.Subject, resource, apperr.ErrUnauthorized)
	}
	return p, nil
}

type claims struct {
	Rooms []string `json:"rooms,omitempty"`
	gojwt.RegisteredClaims
}

func (a *Authenticator) parseJWT(raw string) (Principal, error) {
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	c := &claims{}
	if _, err := parser.ParseWithClaims(raw, c, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Principal{}, fmt.Errorf("auth: %w: %w", apperr.ErrUnauthorized, err)
	}
	return Principal{Subject: c.Subject, Rooms: c.Rooms}, nil
}

// IssueJWT signs an HS256 token for subject limited to rooms. It exists for
// operators and tests; session issuance proper is handled elsewhere.
func IssueJWT(secret, subject string, rooms ...string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims{
		Rooms:            rooms,
		RegisteredClaims: gojwt.RegisteredClaims{Subject: subject},
	})
	return token.SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header, falling back
// to the token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
