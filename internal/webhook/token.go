package webhook

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer issues the short-lived bearer token attached to each delivery
// so subscribers can authenticate the engine as the sender.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

type deliveryClaims struct {
	jwt.RegisteredClaims
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
}

func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("webhook signing secret is required")
	}
	return &Signer{secret: []byte(secret), ttl: 2 * time.Minute}, nil
}

func (s *Signer) Sign(now time.Time, event, sessionID string) (string, error) {
	claims := deliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "dialcast",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		Event:     event,
		SessionID: sessionID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

// Verify checks a delivery token; exposed for subscriber-side use and
// tests.
func (s *Signer) Verify(tokenString string, now time.Time) (event, sessionID string, err error) {
	var claims deliveryClaims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second),
		jwt.WithIssuer("dialcast"),
	)
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return "", "", err
	}

	if claims.Event == "" {
		return "", "", errors.New("event missing")
	}
	if claims.SessionID == "" {
		return "", "", errors.New("session_id missing")
	}
	return claims.Event, claims.SessionID, nil
}
