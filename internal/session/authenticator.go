package session

import (
	"errors"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Authenticator turns an opaque bearer credential into a user identifier.
// Token issuance lives in the external user service; this side only
// verifies the HMAC signature and extracts the subject.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

// appClaims carries the subject plus the legacy "id" claim some issued
// tokens still use instead of "sub".
type appClaims struct {
	LegacyID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func NewAuthenticator(jwtSecret string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(jwtSecret),
		logger: logger.With(slog.String("component", "session_authenticator")),
	}
}

// Authenticate verifies the credential and returns the user id. On any
// failure the caller leaves the connection open but unauthenticated.
func (a *Authenticator) Authenticate(credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidCredential
	}

	token, err := jwt.ParseWithClaims(credential, &appClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		a.logger.Warn("credential rejected", slog.Any("error", err))
		return "", ErrInvalidCredential
	}

	claims, ok := token.Claims.(*appClaims)
	if !ok {
		return "", ErrInvalidCredential
	}
	userID := claims.Subject
	if userID == "" {
		userID = claims.LegacyID
	}
	if userID == "" {
		a.logger.Warn("valid token missing subject")
		return "", ErrInvalidCredential
	}
	return userID, nil
}
