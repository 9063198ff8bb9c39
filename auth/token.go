// Package auth turns signed bearer tokens into engine identities. The
// engine never checks credentials itself; it only trusts the signature.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
)

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var _ contract.TokenVerifier = Verifier{}

// Verifier validates HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) Verifier {
	return Verifier{secret: []byte(secret)}
}

// Verify parses and validates the signature and expiration of a JWT
// string and extracts the identity claims.
func (v Verifier) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, err
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return domain.Identity{}, jwt.ErrSignatureInvalid
	}
	if claims.UserID == "" {
		return domain.Identity{}, errors.ErrInvalidToken
	}
	return domain.Identity{
		UserID:   domain.UserID(claims.UserID),
		Username: claims.Username,
	}, nil
}

// GenerateToken creates a signed JWT for a specific user. Used by the
// issuing surface and by tests; the engine itself only verifies.
func GenerateToken(secret, userID, username string, duration time.Duration) (string, error) {
	claims := &CustomClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "chat-relay",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
