package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no token presented")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the signed identity carried by every bearer token. The auth
// service issues these; the game core only verifies them.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsGuest  bool   `json:"isGuest,omitempty"`
	jwt.RegisteredClaims
}

// Manager verifies HS256 bearer tokens against the shared signing secret.
type Manager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewManager(secret string, tokenDuration time.Duration) *Manager {
	return &Manager{
		secretKey:     []byte(secret),
		tokenDuration: tokenDuration,
	}
}

// Generate creates a signed token. The core only needs this for guest
// sessions and tests; account tokens come from the auth service.
func (m *Manager) Generate(userID, username string, isGuest bool) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		IsGuest:  isGuest,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "blastio",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates the token signature and standard claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}

	return claims, nil
}

// ExtractToken pulls the bearer credential from the `token` query parameter
// (the common case for browser WebSocket upgrades) or the Authorization
// header.
func ExtractToken(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}

	return "", ErrNoToken
}

// HashToken returns the SHA-256 hex digest used as the blacklist key; raw
// tokens are never stored server-side.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsGuestID reports whether a userID belongs to a transient guest account.
func IsGuestID(userID string) bool {
	return strings.HasPrefix(userID, "guest_")
}
