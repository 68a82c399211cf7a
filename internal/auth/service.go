package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// ErrUnauthenticated is returned for every token that does not resolve to a
// known user: missing, malformed, badly signed, expired or orphaned.
var ErrUnauthenticated = errors.New("unauthenticated")

// UserLookup confirms that a token subject still exists.
type UserLookup interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// Claims is the token payload. The subject carries the user id; the legacy
// "id" claim is honoured for tokens minted by older clients.
type Claims struct {
	LegacyID int64 `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and validates signed user tokens.
type Service struct {
	secret     []byte
	tokenTTL   time.Duration
	users      UserLookup
	known      IdentityCache
	cookieName string
	headerName string
	queryParam string
}

// NewService constructs an auth service. cache may be nil.
func NewService(secret string, ttl time.Duration, users UserLookup, cache IdentityCache) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if users == nil {
		return nil, errors.New("user lookup is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if cache == nil {
		cache = newLocalIdentityCache(5 * time.Minute)
	}
	return &Service{
		secret:     []byte(secret),
		tokenTTL:   ttl,
		users:      users,
		known:      cache,
		cookieName: "token",
		headerName: "Authorization",
		queryParam: "token",
	}, nil
}

// WithCookieName overrides the cookie consulted for tokens.
func (s *Service) WithCookieName(name string) *Service {
	if name != "" {
		s.cookieName = name
	}
	return s
}

// IssueToken signs a token for the user.
func (s *Service) IssueToken(userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Authenticate verifies the token and resolves it to an existing user id.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (int64, error) {
	if tokenString == "" {
		return 0, ErrUnauthenticated
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		log.WithError(err).Debug("token rejected")
		return 0, ErrUnauthenticated
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return 0, ErrUnauthenticated
	}
	userID, err := claims.userID()
	if err != nil {
		return 0, ErrUnauthenticated
	}

	if s.known.has(ctx, userID) {
		return userID, nil
	}
	exists, err := s.users.UserExists(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("lookup user: %w", err)
	}
	if !exists {
		return 0, ErrUnauthenticated
	}
	s.known.remember(ctx, userID)
	return userID, nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// CookieName returns the cookie storing auth tokens.
func (s *Service) CookieName() string {
	return s.cookieName
}

func (c *Claims) userID() (int64, error) {
	if c.Subject != "" {
		id, err := strconv.ParseInt(c.Subject, 10, 64)
		if err != nil || id <= 0 {
			return 0, errors.New("invalid subject")
		}
		return id, nil
	}
	if c.LegacyID > 0 {
		return c.LegacyID, nil
	}
	return 0, errors.New("missing subject")
}
