// Package auth turns bearer tokens into principals and maps roles onto the
// engine's permission checks.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fluxorio/stepflow/pkg/process"
)

// TokenConfig configures signing and verification of principal tokens.
type TokenConfig struct {
	// SecretKey is the HMAC secret for signing/verifying tokens.
	SecretKey string

	// ValidMethods is the list of accepted JWT signing algorithms.
	// Default: ["HS256"].
	ValidMethods []string

	// Issuer requires a matching `iss` claim when set, and is stamped into
	// issued tokens.
	Issuer string

	// TTL bounds issued tokens. Default: 24h.
	TTL time.Duration

	// Leeway allows small clock skew for exp/nbf/iat validation.
	Leeway time.Duration
}

// Tokens issues and verifies JWTs that carry a process.Principal.
type Tokens struct {
	cfg TokenConfig
}

// NewTokens validates the config and returns a token codec.
func NewTokens(cfg TokenConfig) (*Tokens, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("auth: SecretKey must be provided")
	}
	if len(cfg.ValidMethods) == 0 {
		cfg.ValidMethods = []string{"HS256"}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Tokens{cfg: cfg}, nil
}

// Issue signs a token for the given principal.
func (t *Tokens) Issue(p process.Principal) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   p.ID,
		"name":  p.Name,
		"roles": p.Roles,
		"admin": p.Admin,
		"iat":   now.Unix(),
		"exp":   now.Add(t.cfg.TTL).Unix(),
	}
	if t.cfg.Issuer != "" {
		claims["iss"] = t.cfg.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(t.cfg.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and extracts the principal it carries.
func (t *Tokens) Parse(tokenString string) (process.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(t.cfg.ValidMethods),
	}
	if t.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.cfg.Issuer))
	}
	if t.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(t.cfg.Leeway))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method family for HMAC secrets.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(t.cfg.SecretKey), nil
	}, opts...)
	if err != nil {
		return process.Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return process.Principal{}, fmt.Errorf("invalid token: unexpected claims type")
	}
	return principalFromClaims(claims)
}

// ParseBearer strips an optional "Bearer " scheme before parsing.
func (t *Tokens) ParseBearer(header string) (process.Principal, error) {
	const scheme = "Bearer "
	if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
		header = header[len(scheme):]
	}
	return t.Parse(strings.TrimSpace(header))
}

func principalFromClaims(claims jwt.MapClaims) (process.Principal, error) {
	var p process.Principal
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return p, fmt.Errorf("invalid token: missing sub claim")
	}
	p.ID = sub
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if admin, ok := claims["admin"].(bool); ok {
		p.Admin = admin
	}
	if rolesClaim, ok := claims["roles"].([]interface{}); ok {
		for _, r := range rolesClaim {
			if roleStr, ok := r.(string); ok {
				p.Roles = append(p.Roles, roleStr)
			}
		}
	}
	return p, nil
}
