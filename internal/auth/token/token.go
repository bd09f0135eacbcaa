// Package token issues and validates the signed session tokens handed to
// staff after login.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

const audience = "shepherd"

// Claims are the JWT claims of a session token. The session store remains
// the source of truth for revocation; the token only names the session.
type Claims struct {
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and validates session tokens with HMAC-SHA256.
type Service struct {
	signingKey []byte
	issuer     string
}

func NewService(signingKey string, issuer string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
	}
}

// Issue signs a token for the session, valid until expiresAt.
func (s *Service) Issue(actorID domain.ActorID, sessionID domain.SessionID, role domain.Role, issuedAt, expiresAt time.Time) (string, error) {
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ActorID:   actorID.String(),
		SessionID: sessionID.String(),
		Role:      role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    s.issuer,
			Audience:  []string{audience},
			ID:        uuid.NewString(),
		},
	})

	signed, err := newToken.SignedString(s.signingKey)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Validate verifies signature, issuer, audience and expiry and returns the
// claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithAudience(audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// SessionID extracts the session a valid token names.
func (s *Service) SessionID(tokenString string) (domain.SessionID, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return domain.SessionID{}, err
	}
	id, err := domain.ParseSessionID(claims.SessionID)
	if err != nil {
		return domain.SessionID{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return id, nil
}
