package token

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway is clock skew tolerance for token validation.
const DefaultLeeway = 15 * time.Second

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by an access token. Token issuance belongs to the account
// service; this package only verifies.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier builds a verifier for the shared signing secret.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{secret: []byte(secret), leeway: leeway}, nil
}

// Verify parses the token and returns its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Sign issues a token with the verifier's secret. Intended for tests and
// local development; production tokens come from the account service.
func (v *Verifier) Sign(userID, username string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
