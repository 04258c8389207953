package gatekeeper

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/tidilihatim/avolship-sub008/internal/log"
)

// AgentIdentity is the authenticated user behind a session.
type AgentIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// AuthError covers every credential failure: missing, malformed,
// expired, bad signature. A session that fails here is never registered
// with the tracker or the dispatcher.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// Gatekeeper validates credential tokens before any queue operation is
// accepted on a session.
type Gatekeeper struct {
	secret []byte
	logger *log.Logger
}

func New(secret string, logger *log.Logger) *Gatekeeper {
	return &Gatekeeper{secret: []byte(secret), logger: logger}
}

// Authenticate parses an HS256 credential token and returns the agent
// identity. The `sub` claim is the agent id.
func (g *Gatekeeper) Authenticate(credentialToken string) (AgentIdentity, error) {
	if credentialToken == "" {
		return AgentIdentity{}, &AuthError{Reason: "missing token"}
	}
	token, err := jwt.Parse(credentialToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		g.logger.Warnw("Rejected credential token", "error", err)
		return AgentIdentity{}, &AuthError{Reason: "invalid token"}
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AgentIdentity{}, &AuthError{Reason: "invalid claims"}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return AgentIdentity{}, &AuthError{Reason: "missing subject"}
	}
	name, _ := claims["name"].(string)
	return AgentIdentity{ID: sub, Name: name}, nil
}
