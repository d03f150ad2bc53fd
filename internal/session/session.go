// Package session implements the Session Manager (C9): resume tokens that
// let a disconnected player reclaim their LIMBO connection.
//
// Grounded on the reference infrastructure/serviceauth package (JWT claims,
// issue/validate shape) but adapted from RS256 service-to-service tokens to
// HS256 tokens signed with the driver's single symmetric secret, since
// resume tokens are issued and validated by the same process.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jasona/mudforge-sub002/internal/errs"
)

// Claims is the payload of a resume token.
type Claims struct {
	Player        string `json:"player"`
	RemoteAddr    string `json:"remote_addr,omitempty"`
	TokenID       string `json:"jti"`
	jwt.RegisteredClaims
}

// Manager issues and validates resume tokens, and tracks which token ids
// have already been redeemed so a token is single-use.
type Manager struct {
	secret      []byte
	ttl         time.Duration
	validateIP  bool

	mu       sync.Mutex
	redeemed map[string]time.Time // tokenID -> expiry, swept lazily
}

// Config configures a Manager.
type Config struct {
	Secret     string
	TTL        time.Duration
	ValidateIP bool
}

// New creates a Manager. Secret must be non-empty; callers should source it
// from driver config validated at startup.
func New(cfg Config) *Manager {
	return &Manager{
		secret:     []byte(cfg.Secret),
		ttl:        cfg.TTL,
		validateIP: cfg.ValidateIP,
		redeemed:   make(map[string]time.Time),
	}
}

func newTokenID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Issue creates a signed resume token for player, optionally bound to
// remoteAddr (only enforced when ValidateIP is configured).
func (m *Manager) Issue(player, remoteAddr string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Player:     player,
		RemoteAddr: remoteAddr,
		TokenID:    newTokenID(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			Subject:   player,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errs.Transientf(err, "sign resume token for %s", player)
	}
	return signed, nil
}

// Validate parses and verifies a resume token, checking expiry, single-use
// redemption, and (if configured) the remote address it was bound to. A
// valid token is immediately marked redeemed: Validate never succeeds twice
// for the same token.
func (m *Manager) Validate(tokenStr, remoteAddr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, errs.ValidationErrorf("resume token invalid or expired")
	}

	if m.validateIP && claims.RemoteAddr != "" && claims.RemoteAddr != remoteAddr {
		return nil, errs.PermissionDeniedf("resume token bound to a different address")
	}

	m.mu.Lock()
	m.sweepLocked()
	if _, used := m.redeemed[claims.TokenID]; used {
		m.mu.Unlock()
		return nil, errs.ValidationErrorf("resume token already used")
	}
	exp := time.Now().Add(m.ttl)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	m.redeemed[claims.TokenID] = exp
	m.mu.Unlock()

	return claims, nil
}

// Invalidate marks a still-valid token as redeemed without validating it
// further, used when a session is explicitly logged out.
func (m *Manager) Invalidate(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redeemed[tokenID] = time.Now().Add(m.ttl)
}

// sweepLocked drops redeemed entries past their original expiry; callers
// must hold m.mu.
func (m *Manager) sweepLocked() {
	now := time.Now()
	for id, exp := range m.redeemed {
		if now.After(exp) {
			delete(m.redeemed, id)
		}
	}
}

// Reissue validates tokenStr for player continuity and, on success, issues a
// fresh token for the same player — a "resume consumes and reissues"
// handshake that makes every resume token single-use.
func (m *Manager) Reissue(tokenStr, remoteAddr string) (*Claims, string, error) {
	claims, err := m.Validate(tokenStr, remoteAddr)
	if err != nil {
		return nil, "", err
	}
	next, err := m.Issue(claims.Player, remoteAddr)
	if err != nil {
		return nil, "", err
	}
	return claims, next, nil
}
