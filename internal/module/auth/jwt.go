package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// JWT authenticator defaults.
const (
	DefaultJWTAlgorithm     = "HS256"
	DefaultJWTLifetime      = 60 * time.Second
	DefaultJWTLeeway        = 10 * time.Second
	DefaultJWTBasicAuthUser = "_jwt"
)

// JWTConfig holds JWT authenticator configuration.
type JWTConfig struct {
	// PrivateKey is the HMAC secret (HS*) or PEM-encoded RSA private
	// key (RS*) used for signing. Required for token minting.
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyFile string `mapstructure:"private_key_file"`
	// PublicKey is the PEM-encoded RSA public key used for verification
	// with RS* algorithms. HS* algorithms verify with the private key.
	PublicKey     string `mapstructure:"public_key"`
	PublicKeyFile string `mapstructure:"public_key_file"`

	Algorithm       string        `mapstructure:"algorithm"`
	DefaultLifetime time.Duration `mapstructure:"default_lifetime"`
	Leeway          time.Duration `mapstructure:"leeway"`
	Issuer          string        `mapstructure:"issuer"`
	Audience        string        `mapstructure:"audience"`
	KeyID           string        `mapstructure:"key_id"`
	// BasicAuthUser is the sentinel username signalling that a Basic auth
	// password carries a JWT token.
	BasicAuthUser string `mapstructure:"basic_auth_user"`
}

// JWTAuthenticator authenticates requests carrying a well-formed JWT token
// and mints short-lived scoped tokens for pre-authorized actions.
//
// Tokens are accepted from the Authorization header (Bearer, or Basic with
// the configured sentinel username) or the "jwt" query parameter. When a key
// ID is configured, tokens without a matching "kid" header are passed over
// without failing, which allows chaining multiple JWT authenticators. A
// matching but invalid token (bad signature, expired, not yet valid) fails
// the request with Unauthorized.
//
// Authorization grants are read from the "scopes" claim; see Scope for the
// grammar.
type JWTAuthenticator struct {
	algorithm       string
	defaultLifetime time.Duration
	leeway          time.Duration
	issuer          string
	audience        string
	keyID           string
	basicAuthUser   string

	signingMethod jwt.SigningMethod
	signKey       any
	verifyKey     any

	logger *zap.Logger
}

// NewJWTAuthenticator creates a JWT authenticator from configuration.
func NewJWTAuthenticator(cfg JWTConfig, logger *zap.Logger) (*JWTAuthenticator, error) {
	privateKey := cfg.PrivateKey
	if cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		privateKey = string(data)
	}
	publicKey := cfg.PublicKey
	if cfg.PublicKeyFile != "" {
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key file: %w", err)
		}
		publicKey = string(data)
	}

	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = DefaultJWTAlgorithm
	}
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("unknown JWT algorithm %q", algorithm)
	}

	a := &JWTAuthenticator{
		algorithm:       algorithm,
		defaultLifetime: cfg.DefaultLifetime,
		leeway:          cfg.Leeway,
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		keyID:           cfg.KeyID,
		basicAuthUser:   cfg.BasicAuthUser,
		signingMethod:   method,
		logger:          logger,
	}
	if a.defaultLifetime == 0 {
		a.defaultLifetime = DefaultJWTLifetime
	}
	if a.leeway == 0 {
		a.leeway = DefaultJWTLeeway
	}
	if a.basicAuthUser == "" {
		a.basicAuthUser = DefaultJWTBasicAuthUser
	}

	if strings.HasPrefix(algorithm, "HS") {
		if privateKey != "" {
			a.signKey = []byte(privateKey)
			a.verifyKey = []byte(privateKey)
		}
	} else {
		if privateKey != "" {
			key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKey))
			if err != nil {
				return nil, fmt.Errorf("parse RSA private key: %w", err)
			}
			a.signKey = key
		}
		if publicKey != "" {
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKey))
			if err != nil {
				return nil, fmt.Errorf("parse RSA public key: %w", err)
			}
			a.verifyKey = key
		}
	}

	return a, nil
}

var _ PreauthProvider = (*JWTAuthenticator)(nil)

// Authenticate implements the Authenticator interface.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := a.extractToken(r)
	if token == "" {
		return nil, nil
	}

	// Peek at the header before verifying. A token minted for a different
	// key is passed over, not rejected, so another authenticator down the
	// chain gets a chance at it.
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, nil
	}
	if a.keyID != "" {
		kid, _ := unverified.Header["kid"].(string)
		if kid != a.keyID {
			return nil, nil
		}
	}

	claims, err := a.verify(token)
	if err != nil {
		return nil, Unauthorizedf("Expired or otherwise invalid JWT token (%s)", err)
	}
	return a.identityFromClaims(claims), nil
}

func (a *JWTAuthenticator) verify(token string) (jwt.MapClaims, error) {
	if a.verifyKey == nil {
		return nil, fmt.Errorf("no private or public key has been set, can't verify tokens")
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.algorithm}),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		options = append(options, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(options...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.verifyKey, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (a *JWTAuthenticator) extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("jwt"); token != "" {
		return token
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	kind, payload, found := strings.Cut(header, " ")
	if !found {
		return ""
	}
	switch strings.ToLower(kind) {
	case "bearer":
		a.logger.Debug("found token in Authorization: Bearer header")
		return payload
	case "basic":
		username, password, ok := r.BasicAuth()
		if ok && username == a.basicAuthUser {
			a.logger.Debug("found token in Authorization: Basic header")
			return password
		}
	}
	return ""
}

func (a *JWTAuthenticator) identityFromClaims(claims jwt.MapClaims) Identity {
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	identity := NewDefaultIdentity(name, sub, email)

	for _, value := range claimScopes(claims) {
		scope, err := ParseScope(value)
		if err != nil {
			a.logger.Debug("skipping malformed scope", zap.String("scope", value))
			continue
		}
		organization, repo, oid, permissions, ok := scope.Grant()
		if !ok {
			continue
		}
		identity.Allow(organization, repo, oid, permissions)
	}

	return identity
}

// claimScopes normalizes the "scopes" claim, which may be a single string
// or a list of strings.
func claimScopes(claims jwt.MapClaims) []string {
	switch value := claims["scopes"].(type) {
	case string:
		return []string{value}
	case []string:
		return value
	case []any:
		scopes := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

// AuthzHeader implements the PreauthProvider interface.
func (a *JWTAuthenticator) AuthzHeader(identity Identity, organization, repo string, actions []string, oid string, lifetime time.Duration) (map[string]string, error) {
	token, err := a.generateActionToken(identity, organization, repo, actions, oid, lifetime)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// AuthzQueryParams implements the PreauthProvider interface.
func (a *JWTAuthenticator) AuthzQueryParams(identity Identity, organization, repo string, actions []string, oid string, lifetime time.Duration) (map[string]string, error) {
	token, err := a.generateActionToken(identity, organization, repo, actions, oid, lifetime)
	if err != nil {
		return nil, err
	}
	return map[string]string{"jwt": token}, nil
}

// generateActionToken mints a token authorizing one specific action on one
// target.
func (a *JWTAuthenticator) generateActionToken(identity Identity, organization, repo string, actions []string, oid string, lifetime time.Duration) (string, error) {
	if a.signKey == nil {
		return "", fmt.Errorf("authenticator has no private key, can't generate tokens")
	}
	if lifetime == 0 {
		lifetime = a.defaultLifetime
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    identity.ID(),
		"exp":    jwt.NewNumericDate(now.Add(lifetime)),
		"iat":    jwt.NewNumericDate(now),
		"nbf":    jwt.NewNumericDate(now),
		"scopes": NewObjectScope(organization, repo, oid, actions).String(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	if a.audience != "" {
		claims["aud"] = a.audience
	}
	if email := identity.Email(); email != "" {
		claims["email"] = email
	}
	if name := identity.Name(); name != "" {
		claims["name"] = name
	}

	token := jwt.NewWithClaims(a.signingMethod, claims)
	if a.keyID != "" {
		token.Header["kid"] = a.keyID
	}

	signed, err := token.SignedString(a.signKey)
	if err != nil {
		return "", fmt.Errorf("sign action token: %w", err)
	}
	return signed, nil
}
