package rtctoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "telecare-backend/pkg/errors"
)

// Role determines which media privileges a credential grants
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Lifetime bounds for issued credentials
const (
	// MinLifetime is the floor for a credential lifetime
	MinLifetime = 60 * time.Second

	// MaxLifetime is the ceiling for a credential lifetime
	MaxLifetime = 4 * time.Hour
)

// Claims represents the signed content of an RTC access credential
type Claims struct {
	AppID     string `json:"app_id"`
	SessionID string `json:"session_id"`
	UID       uint32 `json:"uid"`
	Role      Role   `json:"role"`
	jwt.RegisteredClaims
}

// Credential is a short-lived, scope-limited access credential for the
// media transport. Derived, never persisted.
type Credential struct {
	Token     string    `json:"token"`
	AppID     string    `json:"app_id"`
	SessionID string    `json:"session_id"`
	UID       uint32    `json:"uid"`
	Role      Role      `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiresInSeconds returns the credential lifetime remaining at issue time.
func (c *Credential) ExpiresInSeconds() int64 {
	return int64(c.ExpiresAt.Sub(c.IssuedAt) / time.Second)
}

// Builder signs RTC access credentials with the configured secret pair.
// Signing is deterministic given (secret, session, uid, role, expiry); it
// performs no I/O.
type Builder struct {
	appID          string
	appCertificate string
}

// NewBuilder creates a credential builder for the given secret pair. The
// pair is validated at Build time so a misconfigured process fails loudly
// on first issuance rather than handing out unsigned tokens.
func NewBuilder(appID, appCertificate string) *Builder {
	return &Builder{
		appID:          appID,
		appCertificate: appCertificate,
	}
}

// ClampLifetime clamps a desired credential lifetime into [MinLifetime, MaxLifetime].
func ClampLifetime(d time.Duration) time.Duration {
	if d < MinLifetime {
		return MinLifetime
	}
	if d > MaxLifetime {
		return MaxLifetime
	}
	return d
}

// Build signs a credential for one participant in one session.
// Fails with a CONFIG_ERROR when the secret pair is not configured.
func (b *Builder) Build(sessionID string, uid uint32, role Role, lifetime time.Duration) (*Credential, error) {
	if b.appID == "" || b.appCertificate == "" {
		return nil, apperrors.ConfigError("RTC_APP_ID or RTC_APP_CERTIFICATE is missing")
	}

	lifetime = ClampLifetime(lifetime)
	now := time.Now()
	expiresAt := now.Add(lifetime)

	claims := &Claims{
		AppID:     b.appID,
		SessionID: sessionID,
		UID:       uid,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "telecare-session",
			Subject:   fmt.Sprintf("%d", uid),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(b.appCertificate))
	if err != nil {
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}

	return &Credential{
		Token:     tokenString,
		AppID:     b.appID,
		SessionID: sessionID,
		UID:       uid,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// Parse validates a token string against the secret pair and returns its
// claims. The transport gateway is the primary consumer; tests use it to
// assert what was signed.
func (b *Builder) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(b.appCertificate), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse credential: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid credential")
	}

	return claims, nil
}
