package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenKind distinguishes access tokens from refresh tokens
type TokenKind string

// Token kinds
const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

const tokenKindClaim = "typ"

// TokenClaims decoded content of a session token
type TokenClaims struct {
	TokenID   string
	UserID    string
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Tokenizer issues and parses signed session tokens
type Tokenizer interface {
	// Issue sign a new token for a user
	Issue(userID string, kind TokenKind) (string, TokenClaims, error)
	// Parse verify a token of the given kind. Fails with ErrUnauthorized or ErrExpired.
	Parse(token string, kind TokenKind) (TokenClaims, error)
}

// TokenParams tokenizer parameters
type TokenParams struct {
	Issuer        string `validate:"required"`
	AccessSecret  []byte `validate:"required,min=16"`
	RefreshSecret []byte `validate:"required,min=16"`
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type jwtTokenizer struct {
	params TokenParams
	now    func() time.Time
}

// GetJWTTokenizer define a Tokenizer issuing HS256 signed JWTs
func GetJWTTokenizer(params TokenParams) (Tokenizer, error) {
	if params.AccessTTL <= 0 || params.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token lifetimes must be positive")
	}
	return &jwtTokenizer{params: params, now: time.Now}, nil
}

func (t *jwtTokenizer) settings(kind TokenKind) ([]byte, time.Duration, error) {
	switch kind {
	case AccessToken:
		return t.params.AccessSecret, t.params.AccessTTL, nil
	case RefreshToken:
		return t.params.RefreshSecret, t.params.RefreshTTL, nil
	default:
		return nil, 0, fmt.Errorf("unknown token kind '%s'", kind)
	}
}

func (t *jwtTokenizer) Issue(userID string, kind TokenKind) (string, TokenClaims, error) {
	secret, ttl, err := t.settings(kind)
	if err != nil {
		return "", TokenClaims{}, err
	}
	// JWT timestamps have second resolution
	issuedAt := t.now().UTC().Truncate(time.Second)
	claims := TokenClaims{
		TokenID:   uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}
	tkn, err := jwt.NewBuilder().
		Issuer(t.params.Issuer).
		Subject(userID).
		JwtID(claims.TokenID).
		IssuedAt(claims.IssuedAt).
		Expiration(claims.ExpiresAt).
		Claim(tokenKindClaim, string(kind)).
		Build()
	if err != nil {
		return "", TokenClaims{}, fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(tkn, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", TokenClaims{}, fmt.Errorf("sign token: %w", err)
	}
	return string(signed), claims, nil
}

func (t *jwtTokenizer) Parse(token string, kind TokenKind) (TokenClaims, error) {
	secret, _, err := t.settings(kind)
	if err != nil {
		return TokenClaims{}, err
	}
	tkn, err := jwt.Parse(
		[]byte(token),
		jwt.WithKey(jwa.HS256, secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(t.now)),
		jwt.WithIssuer(t.params.Issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) || strings.Contains(err.Error(), `"exp" not satisfied`) {
			return TokenClaims{}, fmt.Errorf("%s token: %w", kind, common.ErrExpired)
		}
		return TokenClaims{}, fmt.Errorf("%s token rejected (%s): %w", kind, err.Error(), common.ErrUnauthorized)
	}
	rawKind, ok := tkn.Get(tokenKindClaim)
	if !ok || fmt.Sprintf("%v", rawKind) != string(kind) {
		return TokenClaims{}, fmt.Errorf("not a %s token: %w", kind, common.ErrUnauthorized)
	}
	if tkn.Subject() == "" || tkn.JwtID() == "" {
		return TokenClaims{}, fmt.Errorf("token missing subject or ID: %w", common.ErrUnauthorized)
	}
	return TokenClaims{
		TokenID:   tkn.JwtID(),
		UserID:    tkn.Subject(),
		Kind:      kind,
		IssuedAt:  tkn.IssuedAt(),
		ExpiresAt: tkn.Expiration(),
	}, nil
}
