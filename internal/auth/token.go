package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrorKind classifies why a token could not be verified.
type ErrorKind int

const (
	MissingToken ErrorKind = iota + 1
	InvalidSignature
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case MissingToken:
		return "missing token"
	case InvalidSignature:
		return "invalid signature"
	case Malformed:
		return "malformed token"
	default:
		return "unknown auth error"
	}
}

// Sentinels for errors.Is; every *Error matches the sentinel of its kind.
var (
	ErrMissingToken     = &Error{Kind: MissingToken}
	ErrInvalidSignature = &Error{Kind: InvalidSignature}
	ErrMalformed        = &Error{Kind: Malformed}
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Identity is what a verified token binds a connection to.
type Identity struct {
	UserID   int64
	Username string
}

type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenCodec issues and verifies HS256 identity tokens. Tokens carry no
// expiry: they stay valid for as long as the signing secret does.
type TokenCodec struct {
	secret []byte
	now    func() time.Time
}

func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), now: time.Now}
}

func (c *TokenCodec) Issue(userID int64, username string) (string, error) {
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(c.now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (c *TokenCodec) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, &Error{Kind: MissingToken}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, &Error{Kind: InvalidSignature, Err: err}
		default:
			return nil, &Error{Kind: Malformed, Err: err}
		}
	}

	if claims.UserID <= 0 || claims.Username == "" {
		return nil, &Error{Kind: Malformed, Err: errors.New("token has no identity claims")}
	}

	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
