package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL = 10 * time.Minute
	defaultLeeway       = 5 * time.Second

	// SessionCookieName is the cookie Clerk's frontend SDK stores the session token in.
	SessionCookieName = "__session"
	// RoleAdmin marks administrators in session claims or public metadata.
	RoleAdmin = "admin"
)

var (
	errMissingToken          = errors.New("session token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errUnauthorizedParty     = errors.New("token authorized party not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingIssuerConfig   = errors.New("issuer configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	ErrInvalidVerifierConfig = errors.New("auth: invalid session verifier config")
	// ErrMissingSessionToken indicates the request carried neither a bearer token nor a session cookie.
	ErrMissingSessionToken = errors.New("auth: session token required")
)

// SessionVerifierConfig bundles configuration required to verify Clerk session tokens.
type SessionVerifierConfig struct {
	Issuer            string
	JWKSURL           string
	AuthorizedParties []string
	HTTPClient        *http.Client
	CacheTTL          time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// SessionClaims exposes validated claim data required by downstream services.
type SessionClaims struct {
	UserID    string
	SessionID string
	Role      string
	Email     string
	Issuer    string
	Expiry    time.Time
	IssuedAt  time.Time
}

// IsAdmin reports whether the session carries the admin role.
func (c SessionClaims) IsAdmin() bool {
	return strings.EqualFold(strings.TrimSpace(c.Role), RoleAdmin)
}

type clerkClaims struct {
	SessionID       string         `json:"sid"`
	AuthorizedParty string         `json:"azp"`
	Role            string         `json:"role"`
	Email           string         `json:"email"`
	Metadata        map[string]any `json:"metadata"`
	PublicMetadata  map[string]any `json:"public_metadata"`
	jwt.RegisteredClaims
}

func (c clerkClaims) role() string {
	if c.Role != "" {
		return c.Role
	}
	for _, metadata := range []map[string]any{c.Metadata, c.PublicMetadata} {
		if role, ok := metadata["role"].(string); ok && role != "" {
			return role
		}
	}
	return ""
}

// SessionVerifier verifies Clerk session tokens offline using cached JWKS.
type SessionVerifier struct {
	issuer     string
	jwksURL    string
	parties    map[string]struct{}
	logger     *zap.Logger
	httpClient *http.Client
	clock      func() time.Time
	cache      *jwksCache
}

// NewSessionVerifier constructs a verifier with validated configuration.
func NewSessionVerifier(cfg SessionVerifierConfig) (*SessionVerifier, error) {
	issuer := strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if issuer == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingIssuerConfig)
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	parties := make(map[string]struct{})
	for _, party := range cfg.AuthorizedParties {
		normalized := strings.TrimRight(strings.TrimSpace(party), "/")
		if normalized == "" {
			continue
		}
		parties[normalized] = struct{}{}
	}

	return &SessionVerifier{
		issuer:     issuer,
		jwksURL:    jwksURL,
		parties:    parties,
		logger:     logger,
		httpClient: httpClient,
		clock:      clock,
		cache:      &jwksCache{ttl: cacheTTL},
	}, nil
}

// Verify validates the provided session token and returns essential claims.
func (v *SessionVerifier) Verify(ctx context.Context, rawToken string) (SessionClaims, error) {
	if v.jwksURL == "" {
		return SessionClaims{}, errMissingJWKSURL
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return SessionClaims{}, errMissingToken
	}

	claims := &clerkClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return SessionClaims{}, err
	}

	if !token.Valid {
		return SessionClaims{}, errors.New("token signature invalid")
	}

	if strings.TrimRight(claims.Issuer, "/") != v.issuer {
		return SessionClaims{}, errUntrustedIssuer
	}
	if claims.Subject == "" {
		return SessionClaims{}, errMissingSubject
	}
	if len(v.parties) > 0 && claims.AuthorizedParty != "" {
		if _, allowed := v.parties[strings.TrimRight(claims.AuthorizedParty, "/")]; !allowed {
			return SessionClaims{}, errUnauthorizedParty
		}
	}

	expiry := time.Time{}
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}

	return SessionClaims{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Role:      claims.role(),
		Email:     claims.Email,
		Issuer:    claims.Issuer,
		Expiry:    expiry,
		IssuedAt:  issuedAt,
	}, nil
}

// VerifyRequest extracts the session token from the request and verifies it.
func (v *SessionVerifier) VerifyRequest(r *http.Request) (SessionClaims, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.Verify(r.Context(), token)
}

// TokenFromRequest returns the bearer token, falling back to Clerk's session cookie.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (v *SessionVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}

	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, err
	}

	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}

	return nil, errKeyNotFound
}

func (v *SessionVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	response, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keyMap := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.toRSAPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keyMap[key.KeyID] = publicKey
	}

	if len(keyMap) == 0 {
		return errors.New("jwks document contained no usable keys")
	}

	v.cache.store(keyMap, fetchedAt)
	return nil
}

type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *jwksCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *jwksCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType string `json:"kty"`
	Alg     string `json:"alg"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	Modulus string `json:"n"`
	Exp     string `json:"e"`
}

func (k jwk) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exp)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}

	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}

	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: exponent,
	}, nil
}
