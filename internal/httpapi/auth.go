package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// readAudience is the aud claim required on read tokens.
const readAudience = "pulserelay"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func bearerToken(authHeader string) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return "", &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	return raw, nil
}

// authorizeRead checks an HS256 token whose subject must be userID. It is a
// no-op when no read secret is configured.
func authorizeRead(rawToken, secret, userID string, now time.Time) *authError {
	if secret == "" {
		return nil
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(readAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token"}
	}
	if claims.Subject != userID {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "token subject does not match user"}
	}
	return nil
}
