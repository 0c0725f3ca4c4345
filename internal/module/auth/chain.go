package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Authenticator authenticates an HTTP request.
//
// A nil identity with a nil error means the authenticator does not recognize
// the request's credentials and the next authenticator in the chain should be
// tried. An UnauthorizedError means credentials were recognized but invalid,
// which stops the chain.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) {
	return f(r)
}

// UnauthorizedError signals that a request carried invalid credentials.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	return e.Message
}

// Unauthorizedf creates an UnauthorizedError with a formatted message.
func Unauthorizedf(format string, args ...any) error {
	return &UnauthorizedError{Message: fmt.Sprintf(format, args...)}
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

// PreauthProvider is an authenticator that can also pre-authorize a
// follow-up action against the server, by minting short-lived credentials
// that transfer adapters embed into action URLs and headers.
type PreauthProvider interface {
	Authenticator

	// AuthzQueryParams returns query string parameters carrying a
	// credential for the given identity and target.
	AuthzQueryParams(identity Identity, organization, repo string, actions []string, oid string, lifetime time.Duration) (map[string]string, error)

	// AuthzHeader returns request headers carrying a credential for the
	// given identity and target.
	AuthzHeader(identity Identity, organization, repo string, actions []string, oid string, lifetime time.Duration) (map[string]string, error)
}

// Chain resolves a request identity by calling an ordered list of
// authenticators. The first authenticator to return an identity wins; an
// explicit Unauthorized stops the chain with no identity; if every
// authenticator passes, an optional default identity is used.
type Chain struct {
	authenticators  []Authenticator
	preauth         PreauthProvider
	defaultIdentity Identity
	logger          *zap.Logger
}

// NewChain creates an empty authenticator chain.
func NewChain(logger *zap.Logger) *Chain {
	return &Chain{logger: logger}
}

// Push appends an authenticator to the end of the chain.
func (c *Chain) Push(a Authenticator) {
	c.authenticators = append(c.authenticators, a)
}

// SetPreauth registers the pre-authorizing provider and pushes it to the
// front of the chain so its tokens are honored before anything else.
func (c *Chain) SetPreauth(p PreauthProvider) {
	c.preauth = p
	c.authenticators = append([]Authenticator{p}, c.authenticators...)
}

// Preauth returns the registered pre-authorizing provider, or nil.
func (c *Chain) Preauth() PreauthProvider {
	return c.preauth
}

// SetDefaultIdentity sets the identity used when no authenticator matches.
func (c *Chain) SetDefaultIdentity(identity Identity) {
	c.defaultIdentity = identity
}

// Resolve runs the chain against the request and returns the resulting
// identity, or nil when the request could not be authenticated.
func (c *Chain) Resolve(r *http.Request) Identity {
	for _, authn := range c.authenticators {
		identity, err := authn.Authenticate(r)
		if err != nil {
			// An authenticator is telling us the provided credentials
			// are invalid. Stop looking and return "no identity".
			c.logger.Debug("authenticator rejected request", zap.Error(err))
			return nil
		}
		if identity != nil {
			c.logger.Debug("authenticated identity",
				zap.String("id", identity.ID()),
				zap.String("name", identity.Name()))
			return identity
		}
	}
	return c.defaultIdentity
}

const identityContextKey = "auth.identity"

type contextKey struct{}

// WithIdentity returns a context carrying the request identity.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFrom returns the identity carried by the context, or nil.
func IdentityFrom(ctx context.Context) Identity {
	identity, _ := ctx.Value(contextKey{}).(Identity)
	return identity
}

// Middleware resolves the request identity once and memoizes it in the gin
// context, and the request context, for the duration of the request.
func (c *Chain) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if identity := c.Resolve(ctx.Request); identity != nil {
			ctx.Set(identityContextKey, identity)
			ctx.Request = ctx.Request.WithContext(WithIdentity(ctx.Request.Context(), identity))
		}
		ctx.Next()
	}
}

// IdentityFromContext returns the memoized request identity, or nil.
func IdentityFromContext(ctx *gin.Context) Identity {
	value, ok := ctx.Get(identityContextKey)
	if !ok {
		return nil
	}
	identity, ok := value.(Identity)
	if !ok {
		return nil
	}
	return identity
}
