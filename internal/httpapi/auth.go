package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

// UserAudience is the audience of tokens held by the instance owner's apps.
const UserAudience = "relayshare"

const (
	ScopeFilesRead  = "files:read"
	ScopeFilesWrite = "files:write"
	ScopeDataRead   = "data:read"
	ScopeDataWrite  = "data:write"
	ScopeSharings   = "sharings"
	ScopeJobs       = "jobs"
	ScopeRealtime   = "realtime"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type userClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *userClaims) has(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NewUserToken signs a token for the instance owner's apps.
func NewUserToken(secret, subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := userClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{UserAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authHeader string) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	return raw, nil
}

func parseUserToken(raw, secret string, now time.Time) (*userClaims, *authError) {
	claims := &userClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(UserAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
		}
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token"}
	}
	if claims.Subject == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func authorizeUser(authHeader, secret, requiredScope string, now time.Time) (*userClaims, *authError) {
	raw, authErr := bearerToken(authHeader)
	if authErr != nil {
		return nil, authErr
	}
	claims, authErr := parseUserToken(raw, secret, now)
	if authErr != nil {
		return nil, authErr
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}

// RealtimeAuthenticator accepts user tokens on the websocket. The realtime
// scope reads every doctype; a files:read token only sees files.
func RealtimeAuthenticator(secret string) func(ctx context.Context, token string) ([]string, error) {
	if secret == "" {
		secret = "dev-secret"
	}
	return func(_ context.Context, token string) ([]string, error) {
		claims, authErr := parseUserToken(strings.TrimSpace(token), secret, time.Now().UTC())
		if authErr != nil {
			return nil, authErr
		}
		switch {
		case claims.has(ScopeRealtime):
			return nil, nil
		case claims.has(ScopeFilesRead):
			return []string{docstore.DoctypeFiles}, nil
		default:
			return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "missing required scope: " + ScopeRealtime}
		}
	}
}

// peerCaller is a member of a sharing authenticated by a sharing token.
type peerCaller struct {
	sharing  *sharing.Sharing
	index    int
	clientID string
}

func (s *Server) authorizePeer(authHeader, sharingID string) (*peerCaller, *authError) {
	raw, authErr := bearerToken(authHeader)
	if authErr != nil {
		return nil, authErr
	}
	claims, err := s.tokens.Verify(raw, sharingID)
	if err != nil {
		if errors.Is(err, sharing.ErrRevoked) {
			return nil, &authError{status: http.StatusGone, code: "revoked", message: "sharing access revoked"}
		}
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid sharing token"}
	}
	sh, err := sharing.Load(s.store, sharingID)
	if err != nil {
		if errors.Is(err, sharing.ErrNotFound) {
			return nil, &authError{status: http.StatusNotFound, code: "not_found", message: "sharing not found"}
		}
		return nil, &authError{status: http.StatusInternalServerError, code: "internal_error", message: err.Error()}
	}
	index, ok := sh.MemberByClient(claims.ClientID())
	if !ok {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "token does not belong to a member"}
	}
	if sh.Members[index].Status == sharing.StatusRevoked {
		return nil, &authError{status: http.StatusGone, code: "revoked", message: "member revoked"}
	}
	return &peerCaller{sharing: sh, index: index, clientID: claims.ClientID()}, nil
}

func (s *Server) looksLikePeerToken(authHeader, sharingID string) bool {
	raw, authErr := bearerToken(authHeader)
	if authErr != nil {
		return false
	}
	claims := &sharing.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}
	return claims.SharingID != "" && claims.SharingID == sharingID
}
