package credential

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
	"github.com/peerlink/rolekeeper/internal/lease"
)

// audienceMQTT marks tokens as broker credentials, distinct from the API
// access tokens callers authenticate with.
const audienceMQTT = "mqtt"

// Claims are the JWT claims carried by an issued broker credential.
//
// The broker's JWT auth plugin checks the signature and expiry; the
// client_id and sequence bind the credential to exactly one lease
// generation so a stale credential cannot impersonate a successor.
type Claims struct {
	Role     string `json:"role"`
	ClientID string `json:"client_id"`
	Sequence int64  `json:"sequence"`
	jwt.RegisteredClaims
}

// Credential is an issued broker credential, returned to the caller on a
// granted claim.
type Credential struct {
	ClientID  string    `json:"client_id"`
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	Sequence  int64     `json:"sequence"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer mints broker-scoped, time-limited credentials for confirmed
// leases.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer creates a credential issuer from configuration.
func NewIssuer(cfg config.CredentialConfig) *Issuer {
	return &Issuer{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
	}
}

// Issue mints a credential bound to one lease generation.
//
// The credential's validity window is the lease's own window, so the
// token and the lease expire together. Callers must only pass leases the
// registry has durably recorded: issuance never precedes commit.
//
// Parameters:
//   - l: A durably recorded lease
//
// Returns:
//   - *Credential: Signed credential for the lease's client_id
//   - error: If signing fails
func (i *Issuer) Issue(l *lease.Lease) (*Credential, error) {
	claims := Claims{
		Role:     l.Role,
		ClientID: l.ClientID,
		Sequence: l.Sequence,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   l.AccountID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{audienceMQTT},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(l.IssuedAt),
			NotBefore: jwt.NewNumericDate(l.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(l.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("signing credential: %w", err)
	}

	return &Credential{
		ClientID:  l.ClientID,
		Token:     signed,
		Role:      l.Role,
		Sequence:  l.Sequence,
		ExpiresAt: l.ExpiresAt,
	}, nil
}

// Parse validates a credential token and returns its claims.
//
// Used by tests and diagnostic tooling; the broker itself validates
// tokens with its own JWT plugin against the shared secret.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithAudience(audienceMQTT),
		jwt.WithIssuer(i.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing credential: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("parsing credential: invalid claims")
	}
	return claims, nil
}
