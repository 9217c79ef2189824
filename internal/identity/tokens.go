package identity

import (
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	AccessTokenTTL  = 24 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// claims is the JWT payload shape for both access and refresh tokens.
type claims struct {
	jwt.Claims
	Username  string `json:"username,omitempty"`
	Roles     []Role `json:"roles,omitempty"`
	TokenType string `json:"token_type"`
}

// TokenManager issues and verifies HS256-signed access/refresh tokens and
// tracks refresh-token revocation (§4.E).
type TokenManager struct {
	signer jose.Signer
	key    []byte

	mu      sync.RWMutex
	revoked map[string]bool // jti -> revoked
}

// NewTokenManager builds a TokenManager over the given HMAC secret. Callers
// are expected to have already rejected placeholder secrets in production
// (internal/config).
func NewTokenManager(secret string) (*TokenManager, error) {
	key := []byte(secret)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.HS256,
		Key:       key,
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, errors.Wrap(err, "build token signer")
	}
	return &TokenManager{signer: signer, key: key, revoked: make(map[string]bool)}, nil
}

// IssueAccessToken signs a short-lived access token for id.
func (m *TokenManager) IssueAccessToken(id Identity) (string, error) {
	return m.sign(id, tokenTypeAccess, AccessTokenTTL)
}

// IssueRefreshToken signs a long-lived refresh token for id.
func (m *TokenManager) IssueRefreshToken(id Identity) (string, error) {
	return m.sign(id, tokenTypeRefresh, RefreshTokenTTL)
}

func (m *TokenManager) sign(id Identity, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Claims: jwt.Claims{
			Subject:  id.ID,
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  id.Username,
		Roles:     id.Roles,
		TokenType: tokenType,
	}
	tok, err := jwt.Signed(m.signer).Claims(c).Serialize()
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return tok, nil
}

// VerifyAccessToken validates signature, expiry, and token type, yielding
// the admitted Identity (§4.E).
func (m *TokenManager) VerifyAccessToken(raw string) (Identity, error) {
	c, err := m.parse(raw, tokenTypeAccess)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Kind:     KindUser,
		ID:       c.Subject,
		Username: c.Username,
		Roles:    c.Roles,
	}, nil
}

// RefreshAccessToken exchanges a valid, non-revoked refresh token for a new
// access token.
func (m *TokenManager) RefreshAccessToken(refreshToken string) (string, error) {
	c, err := m.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	revoked := m.revoked[c.ID]
	m.mu.RUnlock()
	if revoked {
		return "", errors.New("refresh token revoked")
	}

	return m.sign(Identity{ID: c.Subject, Username: c.Username, Roles: c.Roles}, tokenTypeAccess, AccessTokenTTL)
}

// RevokeRefreshToken marks a refresh token's jti as revoked; subsequent
// RefreshAccessToken calls with this token MUST fail.
func (m *TokenManager) RevokeRefreshToken(refreshToken string) error {
	c, err := m.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.revoked[c.ID] = true
	m.mu.Unlock()
	return nil
}

func (m *TokenManager) parse(raw, wantType string) (*claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}

	var c claims
	if err := tok.Claims(m.key, &c); err != nil {
		return nil, errors.Wrap(err, "verify token signature")
	}

	if err := c.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, errors.Wrap(err, "validate claims")
	}
	if c.TokenType != wantType {
		return nil, errors.Errorf("unexpected token type %q", c.TokenType)
	}
	return &c, nil
}
