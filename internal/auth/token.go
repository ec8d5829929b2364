package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pushhub/pkg/types"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("token secret cannot be empty")
)

// Claims carries the actor id the marketplace backend signs into every token
type Claims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens and extracts the actor id
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier creates a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string, leeway time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: leeway}, nil
}

// Verify returns the actor id of a valid token. Every failure wraps ErrInvalidToken.
func (v *Verifier) Verify(token string) (types.ActorID, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	actor := types.ActorID(claims.UserID)
	if !actor.Valid() {
		return 0, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}
	return actor, nil
}

// Issuer mints tokens in the same shape the backend does. Used by the
// token command and tests.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewIssuer(secret, issuer string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for actor valid for ttl
func (i *Issuer) Issue(actor types.ActorID, ttl time.Duration) (string, error) {
	if !actor.Valid() {
		return "", fmt.Errorf("cannot issue token for actor %s", actor)
	}
	now := i.now()
	claims := Claims{
		UserID: int64(actor),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   actor.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
