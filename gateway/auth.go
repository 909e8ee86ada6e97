package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wellscope/relay/common"
)

// Identity attributes asserted by the credential verifier. Immutable for the
// lifetime of the connection they authenticated.
type Identity struct {
	// TenantID tenant the credential belongs to
	TenantID string `json:"tenant_id" validate:"required"`
	// UserID user the credential belongs to
	UserID string `json:"user_id" validate:"required"`
	// Role role claimed by the credential
	Role string `json:"role"`
}

// AuthVerifier boundary to the credential verifier. The gateway only depends
// on this interface; the token format behind it is not its concern.
type AuthVerifier interface {
	// Verify check one bearer credential, honoring context cancellation
	Verify(ctxt context.Context, token string) (Identity, error)
}

// ===============================================================================
// Bearer token extraction

// bearerPrefix prefix of an Authorization header carrying a bearer token
const bearerPrefix = "Bearer "

// tokenQueryParam query parameter fallback for clients unable to set headers
const tokenQueryParam = "token"

// ExtractBearerToken pull the bearer credential from a connection request,
// preferring the Authorization header over the query parameter
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", &common.AuthenticationError{Reason: "malformed authorization header"}
		}
		return strings.TrimPrefix(header, bearerPrefix), nil
	}
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token, nil
	}
	return "", &common.AuthenticationError{Reason: "no bearer credential presented"}
}

// ===============================================================================
// JWT implementation

// relayTokenClaims claims carried by a gateway bearer token
type relayTokenClaims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// jwtAuthVerifier implements AuthVerifier with HMAC signed JWTs
type jwtAuthVerifier struct {
	common.Component
	signingSecret []byte
}

// GetJWTAuthVerifier define an AuthVerifier accepting HMAC signed JWTs whose
// claims carry the tenant, user, and role
func GetJWTAuthVerifier(signingSecret string) (AuthVerifier, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "jwt-auth-verifier",
	}
	return &jwtAuthVerifier{
		Component:     common.Component{LogTags: logTags},
		signingSecret: []byte(signingSecret),
	}, nil
}

// Verify check one bearer credential
func (v *jwtAuthVerifier) Verify(ctxt context.Context, token string) (Identity, error) {
	// A timed out verification is an authentication failure, not retried
	if err := ctxt.Err(); err != nil {
		return Identity{}, &common.AuthenticationError{Reason: "verification timed out"}
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		&relayTokenClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, &common.AuthenticationError{
					Reason: "unexpected token signing method",
				}
			}
			return v.signingSecret, nil
		},
	)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("Token rejected")
		return Identity{}, &common.AuthenticationError{Reason: err.Error()}
	}
	claims, ok := parsed.Claims.(*relayTokenClaims)
	if !ok || !parsed.Valid {
		return Identity{}, &common.AuthenticationError{Reason: "invalid token claims"}
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Identity{}, &common.AuthenticationError{Reason: "token missing tenant or subject"}
	}
	return Identity{
		TenantID: claims.TenantID, UserID: claims.Subject, Role: claims.Role,
	}, nil
}

// ===============================================================================

// IssueJWT mint a bearer token the JWT verifier accepts. The credential
// issuer is an external collaborator in production; this stays for tooling
// and tests.
func IssueJWT(
	signingSecret string, identity Identity, validity time.Duration,
) (string, error) {
	now := time.Now()
	claims := &relayTokenClaims{
		TenantID: identity.TenantID,
		Role:     identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(signingSecret))
}
