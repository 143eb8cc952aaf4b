// Package auth issues and verifies the access tokens shared by the HTTP API
// and the gateway handshake.
//
// Tokens are HS256-signed JWTs carrying the user id and login name. One
// secret signs everything; rotating it invalidates all outstanding tokens,
// which is the intended behaviour for a compromised key.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const loginClaim = "login_name"

// ErrInvalidToken covers every verification failure: bad signature, expired,
// malformed, wrong claims. Callers treat them all as 401.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the verified subject of a token.
type Identity struct {
	UserID    int64
	LoginName string
}

// Issuer signs and verifies access tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer with the given HS256 secret and token
// lifetime.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL reports the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the user, valid for the configured lifetime.
func (i *Issuer) Issue(userID int64, loginName string) (string, error) {
	now := i.now()
	tok, err := jwt.NewBuilder().
		Subject(strconv.FormatInt(userID, 10)).
		IssuedAt(now).
		Expiration(now.Add(i.ttl)).
		Claim(loginClaim, loginName).
		Build()
	if err != nil {
		return "", fmt.Errorf("auth: build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, i.secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return string(signed), nil
}

// Verify checks signature and expiry and returns the token's identity.
func (i *Issuer) Verify(token string) (Identity, error) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, i.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(i.now)),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(tok.Subject(), 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	login, _ := tok.Get(loginClaim)
	loginName, _ := login.(string)
	return Identity{UserID: userID, LoginName: loginName}, nil
}
