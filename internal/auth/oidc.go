package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// The token issuer is fixed: only GitHub Actions workload identity is
// supported.
const (
	oidcIssuer  = "https://token.actions.githubusercontent.com"
	oidcJWKSURL = oidcIssuer + "/.well-known/jwks"

	// jwksFetchTimeout bounds the first JWKS retrieval.
	jwksFetchTimeout = 10 * time.Second
)

// ErrTokenInvalid covers every verification failure; the detail stays in
// the server log, not the response.
var ErrTokenInvalid = errors.New("workload identity token invalid")

// Claims are the decoded token fields the policy consumes.
type Claims struct {
	Repository           string `json:"repository"`
	RepositoryVisibility string `json:"repository_visibility"`
	EventName            string `json:"event_name"`
	Ref                  string `json:"ref"`
	Actor                string `json:"actor"`
	SHA                  string `json:"sha"`
	Workflow             string `json:"workflow"`
	jwt.RegisteredClaims
}

// Identity is the uploader identity string recorded in metadata.
func (c *Claims) Identity() string {
	return "oidc:" + c.Repository
}

// Verifier validates workload identity tokens against the issuer's
// JWKS, fetched lazily on first use and cached with background refresh.
type Verifier struct {
	audience string
	issuer   string
	jwksURL  string

	mu   sync.Mutex
	keys keyfunc.Keyfunc
}

// NewVerifier creates a verifier expecting the given audience.
func NewVerifier(audience string) *Verifier {
	return &Verifier{
		audience: audience,
		issuer:   oidcIssuer,
		jwksURL:  oidcJWKSURL,
	}
}

// keyfunc returns the cached JWKS handle, fetching it on first call.
func (v *Verifier) keyfunc() (keyfunc.Keyfunc, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil {
		return v.keys, nil
	}

	storage, err := jwkset.NewStorageFromHTTP(v.jwksURL, jwkset.HTTPClientStorageOptions{
		Ctx:             context.Background(),
		HTTPTimeout:     jwksFetchTimeout,
		RefreshInterval: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up JWKS storage: %w", err)
	}

	keys, err := keyfunc.New(keyfunc.Options{
		Ctx:     context.Background(),
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	v.keys = keys
	return keys, nil
}

// Verify checks signature, issuer, audience and expiry, and returns the
// decoded claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	keys, err := v.keyfunc()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keys.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
