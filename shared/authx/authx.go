// Package authx verifies OIDC bearer tokens and carries the caller through
// the request context.
package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

// AuthContext identifies the caller. WorkerID is the id used as actorId in
// the ledger and matched against task assignees.
type AuthContext struct {
	Subject  string
	WorkerID string
	Email    string
	Name     string
	Roles    []string
}

func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Verifier turns a bearer token into an AuthContext.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (AuthContext, error)
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(contextKey{}).(AuthContext)
	return a, ok
}

type VerifierConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	JWKSTTL  time.Duration
	Skew     time.Duration
	// WorkerClaim names the claim holding the worker id; sub is used when
	// the claim is absent.
	WorkerClaim string
	HTTPClient  *http.Client
}

type JWTVerifier struct {
	keys        *KeySet
	parser      *jwt.Parser
	workerClaim string
}

func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.JWKSTTL <= 0 {
		cfg.JWKSTTL = 5 * time.Minute
	}
	if cfg.Skew < 0 {
		cfg.Skew = 0
	}
	if cfg.WorkerClaim == "" {
		cfg.WorkerClaim = "worker_id"
	}
	return &JWTVerifier{
		keys: NewKeySet(jwksURL, cfg.JWKSTTL, cfg.HTTPClient),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(cfg.Skew),
			jwt.WithExpirationRequired(),
		),
		workerClaim: cfg.WorkerClaim,
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.Key(ctx, strings.TrimSpace(kid))
	}); err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		return AuthContext{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	workerID := claimString(claims, v.workerClaim)
	if workerID == "" {
		workerID = subject
	}
	name := claimString(claims, "name")
	if name == "" {
		name = claimString(claims, "preferred_username")
	}
	return AuthContext{
		Subject:  subject,
		WorkerID: workerID,
		Email:    claimString(claims, "email"),
		Name:     name,
		Roles:    collectRoles(claims),
	}, nil
}

// KeySet caches the issuer's JWKS. An unknown kid forces a refresh at most
// once per minRefresh; a failed refresh keeps serving the previous set.
type KeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client

	mu        sync.Mutex
	set       jwk.Set
	fetchedAt time.Time
}

func NewKeySet(url string, ttl time.Duration, client *http.Client) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &KeySet{url: url, ttl: ttl, minRefresh: 30 * time.Second, client: client}
}

func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	stale := k.set == nil || now.Sub(k.fetchedAt) > k.ttl
	if !stale {
		if raw, ok := rawKey(k.set, kid); ok {
			return raw, nil
		}
		stale = now.Sub(k.fetchedAt) > k.minRefresh
	}
	if stale {
		if err := k.refresh(ctx); err != nil && k.set == nil {
			return nil, err
		}
	}
	if raw, ok := rawKey(k.set, kid); ok {
		return raw, nil
	}
	return nil, ErrUnknownKID
}

func (k *KeySet) refresh(ctx context.Context) error {
	set, err := jwk.Fetch(ctx, k.url, jwk.WithHTTPClient(k.client))
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	if set.Len() == 0 {
		return errors.New("jwks has no keys")
	}
	k.set = set
	k.fetchedAt = time.Now()
	return nil
}

func rawKey(set jwk.Set, kid string) (any, bool) {
	if set == nil {
		return nil, false
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, false
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, false
	}
	return raw, true
}

func claimString(claims map[string]any, key string) string {
	v, ok := claims[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// collectRoles merges roles, role, groups, Keycloak realm_access.roles and
// space separated scp scopes, dropping duplicates.
func collectRoles(claims map[string]any) []string {
	seen := map[string]bool{}
	var roles []string
	add := func(v any) {
		var items []string
		switch t := v.(type) {
		case nil:
		case string:
			items = strings.Fields(t)
		case []string:
			items = t
		case []any:
			for _, item := range t {
				items = append(items, fmt.Sprint(item))
			}
		default:
			items = []string{fmt.Sprint(t)}
		}
		for _, role := range items {
			role = strings.TrimSpace(role)
			if role == "" || seen[role] {
				continue
			}
			seen[role] = true
			roles = append(roles, role)
		}
	}

	for _, key := range []string{"roles", "role", "groups", "scp"} {
		add(claims[key])
	}
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		add(realm["roles"])
	}
	return roles
}
