package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultLinkTTL = 365 * 24 * time.Hour
	linkIssuer     = "shopcart"

	// PurposeUnsubscribe scopes links that cancel a newsletter subscription.
	PurposeUnsubscribe = "newsletter_unsubscribe"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingPurpose       = errors.New("purpose must be provided")
	// ErrInvalidLinkToken indicates a tampered, expired or mis-scoped link token.
	ErrInvalidLinkToken = errors.New("auth: invalid link token")
)

// LinkSignerConfig configures signed link tokens.
type LinkSignerConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// LinkSigner issues HS256 tokens embedded in emailed links.
type LinkSigner struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

type linkClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// NewLinkSigner constructs a LinkSigner with sane defaults.
func NewLinkSigner(cfg LinkSignerConfig) (*LinkSigner, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &LinkSigner{
		secret: append([]byte(nil), cfg.SigningSecret...),
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Sign produces a token binding subject to purpose.
func (s *LinkSigner) Sign(subject, purpose string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errMissingSubjectClaim
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return "", errMissingPurpose
	}

	now := s.clock().UTC()
	claims := linkClaims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    linkIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the token and returns its subject when it was issued for purpose.
func (s *LinkSigner) Verify(tokenString, purpose string) (string, error) {
	claims := &linkClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithIssuer(linkIssuer),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLinkToken, err)
	}
	if claims.Purpose != purpose {
		return "", fmt.Errorf("%w: purpose mismatch", ErrInvalidLinkToken)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidLinkToken, errMissingSubjectClaim)
	}
	return claims.Subject, nil
}
