package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/jwt"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Scheme is the authentication scheme a principal was established with
type Scheme string

const (
	SchemeBearer    Scheme = "bearer"
	SchemeBasic     Scheme = "basic"
	SchemeAnonymous Scheme = "anonymous"
)

// Principal is the authenticated caller of a request
type Principal struct {
	Subject string                 `json:"subject"`
	Scheme  Scheme                 `json:"scheme"`
	Email   string                 `json:"email,omitempty"`
	Claims  map[string]interface{} `json:"claims,omitempty"`
}

// Anonymous is used when authentication is not required and no credentials were sent
var Anonymous = &Principal{Subject: "anonymous", Scheme: SchemeAnonymous}

// Authenticator turns request credentials into a principal
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores the principal in the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal of the request, or Anonymous
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok && p != nil {
		return p
	}
	return Anonymous
}

// Service authenticates requests with bearer tokens or basic credentials.
// Successful results are cached by credential hash.
type Service struct {
	headerName string
	required   bool
	validator  TokenValidator
	basicUser  string
	basicHash  []byte
	cache      *cache.Cache
	cacheTTL   time.Duration
}

// NewService creates the authentication service. validator may be nil to disable bearer tokens.
func NewService(cfg config.AuthConfig, validator TokenValidator) *Service {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = config.DefaultAuthHeaderName
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &Service{
		headerName: headerName,
		required:   cfg.Required,
		validator:  validator,
		basicUser:  cfg.BasicUser,
		cache:      cache.New(ttl, 2*ttl),
		cacheTTL:   ttl,
	}
	if cfg.BasicUser != "" && cfg.BasicPasswordHash != "" {
		s.basicHash = []byte(cfg.BasicPasswordHash)
	}
	return s
}

// Required reports whether requests without credentials are rejected
func (s *Service) Required() bool {
	return s.required
}

// Authenticate implements Authenticator. The query parameter token is accepted for
// websocket clients that cannot set headers.
func (s *Service) Authenticate(r *http.Request) (*Principal, error) {
	header := r.Header.Get(s.headerName)
	if header == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			header = "Bearer " + token
		}
	}
	if header == "" {
		if s.required {
			return nil, gwerrors.New(gwerrors.KindUnauthenticated, "missing credentials")
		}
		return Anonymous, nil
	}

	key := credentialKey(header)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*Principal), nil
	}

	scheme, value, _ := strings.Cut(header, " ")
	value = strings.TrimSpace(value)
	var (
		p       *Principal
		expires time.Duration
		err     error
	)
	switch strings.ToLower(scheme) {
	case "bearer":
		p, expires, err = s.bearer(r.Context(), value)
	case "basic":
		p, err = s.basic(r)
		expires = s.cacheTTL
	default:
		err = gwerrors.New(gwerrors.KindUnauthenticated, "unsupported authorization scheme %q", scheme)
	}
	if err != nil {
		return nil, err
	}
	if expires > s.cacheTTL {
		expires = s.cacheTTL
	}
	if expires > 0 {
		s.cache.Set(key, p, expires)
	}
	return p, nil
}

func (s *Service) bearer(ctx context.Context, token string) (*Principal, time.Duration, error) {
	if s.validator == nil {
		return nil, 0, gwerrors.New(gwerrors.KindUnauthenticated, "bearer tokens are not accepted")
	}
	t, err := s.validator.ValidateJWT(ctx, token)
	if err != nil {
		logging.LogDebugf("rejecting bearer token: %v", err)
		return nil, 0, gwerrors.Wrap(err, gwerrors.KindUnauthenticated, "invalid or expired token")
	}
	p := principalFromToken(t)
	if p.Subject == "" {
		return nil, 0, gwerrors.New(gwerrors.KindUnauthenticated, "token has no subject")
	}
	var expires time.Duration
	if exp := t.Expiration(); !exp.IsZero() {
		expires = time.Until(exp)
	} else {
		expires = s.cacheTTL
	}
	return p, expires, nil
}

func (s *Service) basic(r *http.Request) (*Principal, error) {
	user, password, ok := r.BasicAuth()
	if !ok {
		return nil, gwerrors.New(gwerrors.KindUnauthenticated, "malformed basic credentials")
	}
	if s.basicHash == nil || user != s.basicUser {
		return nil, gwerrors.New(gwerrors.KindUnauthenticated, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(s.basicHash, []byte(password)); err != nil {
		return nil, gwerrors.New(gwerrors.KindUnauthenticated, "invalid credentials")
	}
	return &Principal{Subject: user, Scheme: SchemeBasic}, nil
}

// principalFromToken reads the subject from oid, sub or email, in that order
func principalFromToken(t jwt.Token) *Principal {
	claims, err := t.AsMap(context.Background())
	if err != nil {
		claims = map[string]interface{}{}
	}
	p := &Principal{Scheme: SchemeBearer, Claims: claims}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	for _, key := range []string{"oid", "sub", "email"} {
		if v, ok := claims[key].(string); ok && v != "" {
			p.Subject = v
			break
		}
	}
	return p
}

func credentialKey(header string) string {
	sum := sha256.Sum256([]byte(header))
	return hex.EncodeToString(sum[:])
}

// HashPassword creates a bcrypt hash for BASIC_AUTH_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
