// Package auth issues and verifies the HS256 bearer tokens devices present
// to the reference backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
)

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 15 * time.Minute

// Claims identify a field representative and the device they sync from.
type Claims struct {
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and checks tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl uses DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for subject on deviceID and its expiry.
func (i *Issuer) Issue(subject, deviceID string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, apperrors.New(apperrors.ErrInvalid, "token subject is required")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse validates token and returns its claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "token expired", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "invalid token", err)
	}
	if claims.Subject == "" {
		return nil, apperrors.New(apperrors.ErrUnauthorized, "token has no subject")
	}
	return claims, nil
}

// Verify returns the subject of a valid token.
func (i *Issuer) Verify(token string) (string, error) {
	claims, err := i.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// DeviceTokens mints tokens for one device on demand, reusing a token
// until it is close to expiry.
type DeviceTokens struct {
	issuer   *Issuer
	subject  string
	deviceID string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// TokenSource returns a token source for subject on deviceID.
func (i *Issuer) TokenSource(subject, deviceID string) *DeviceTokens {
	return &DeviceTokens{issuer: i, subject: subject, deviceID: deviceID}
}

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 30 * time.Second

// Token returns a valid token.
func (d *DeviceTokens) Token(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.token != "" && d.issuer.now().Add(refreshMargin).Before(d.expires) {
		return d.token, nil
	}
	token, exp, err := d.issuer.Issue(d.subject, d.deviceID)
	if err != nil {
		return "", err
	}
	d.token, d.expires = token, exp
	return token, nil
}
