// Package credential signs and verifies the bearer tokens handed to clients.
//
// Both access and refresh credentials are HS256 JWTs carrying the principal
// id (sub), the credential kind (type), a unique identifier (jti) and an
// expiry. The jti is the join key into the refresh token store.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind distinguishes access credentials from refresh credentials.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is a known credential kind.
func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

var (
	// ErrExpired is returned when the credential is past its expiry.
	ErrExpired = errors.New("credential expired")
	// ErrMalformed is returned for bad signatures, algorithms or claim sets.
	ErrMalformed = errors.New("credential malformed")
)

// Claims is the payload embedded in every issued credential.
type Claims struct {
	Type Kind `json:"type"`
	jwt.RegisteredClaims
}

// PrincipalID returns the subject the credential was issued to.
func (c *Claims) PrincipalID() string {
	return c.Subject
}

// Expiry returns the expiry instant or the zero time.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Config configures a Codec.
type Config struct {
	Secret   string
	Issuer   string
	Audience []string
	// Leeway tolerates clock skew between issuer and verifier.
	Leeway time.Duration
}

// Codec issues and verifies signed credentials.
type Codec struct {
	secret   []byte
	issuer   string
	audience []string
	leeway   time.Duration
	now      func() time.Time
	newID    func() string
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec constructs a Codec. The secret must not be empty.
func NewCodec(cfg Config, opts ...Option) (*Codec, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("credential: signing secret is required")
	}
	if cfg.Leeway < 0 {
		return nil, errors.New("credential: leeway must not be negative")
	}
	c := &Codec{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.Leeway,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs a credential of the given kind for subject, valid for ttl.
func (c *Codec) Issue(subject string, kind Kind, ttl time.Duration) (string, *Claims, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("credential: subject is required")
	}
	if !kind.Valid() {
		return "", nil, fmt.Errorf("credential: unknown kind %q", kind)
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("credential: ttl must be positive")
	}

	issuedAt := c.now().UTC()
	claims := &Claims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.newID(),
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	if len(c.audience) > 0 {
		claims.Audience = jwt.ClaimStrings(c.audience)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign credential: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, structure and expiry.
func (c *Codec) Verify(token string) (*Claims, error) {
	return c.parse(token, true)
}

// Decode checks signature and structure but ignores expiry. It identifies the
// holder of a credential and must never be used to authorise anything.
func (c *Codec) Decode(token string) (*Claims, error) {
	return c.parse(token, false)
}

func (c *Codec) parse(token string, validateTime bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	}
	if c.leeway > 0 {
		options = append(options, jwt.WithLeeway(c.leeway))
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}
	if len(c.audience) > 0 {
		options = append(options, jwt.WithAudience(c.audience[0]))
	}
	if validateTime {
		options = append(options, jwt.WithExpirationRequired())
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrMalformed)
	}

	if !validateTime {
		// claim validation was skipped wholesale; issuer and audience still bind.
		if c.issuer != "" && claims.Issuer != c.issuer {
			return nil, fmt.Errorf("%w: issuer mismatch", ErrMalformed)
		}
		if len(c.audience) > 0 && !containsAudience(claims.Audience, c.audience[0]) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrMalformed)
		}
	}

	if !claims.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown credential type %q", ErrMalformed, claims.Type)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing token identifier", ErrMalformed)
	}
	return claims, nil
}

func containsAudience(have jwt.ClaimStrings, want string) bool {
	for _, aud := range have {
		if aud == want {
			return true
		}
	}
	return false
}
