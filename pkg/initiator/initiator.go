// Package initiator resolves who is asking for a write. The resolution
// happens once per request and produces a typed context; policy evaluation
// never inspects raw header-like values itself.
package initiator

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Tier classifies the initiator's privilege level.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPrivileged Tier = "privileged"
)

// Context is the resolved identity a policy decision runs against.
type Context struct {
	Initiator  string
	Tier       Tier
	Credential string
}

// Privileged reports whether privilege-scoped policy applies.
func (c Context) Privileged() bool {
	return c.Tier == TierPrivileged
}

// Claims are the token claims the resolver understands.
type Claims struct {
	jwt.RegisteredClaims
	Tier string `json:"tier"`
}

// Resolver turns an initiator identity plus optional credential into a
// typed Context. Privilege comes from either the static allowlist in the
// governance profile or a signed token carrying a tier claim.
type Resolver struct {
	privileged map[string]bool
	signingKey []byte
}

// NewResolver creates a resolver. privilegedInitiators come from the
// profile; signingKey verifies bearer credentials and may be nil, in which
// case credentials are ignored and only the allowlist grants privilege.
func NewResolver(privilegedInitiators []string, signingKey []byte) *Resolver {
	set := make(map[string]bool, len(privilegedInitiators))
	for _, id := range privilegedInitiators {
		set[id] = true
	}
	return &Resolver{privileged: set, signingKey: signingKey}
}

// Resolve produces the Context for one request. A malformed or forged
// credential does not fail resolution; the caller simply stays standard
// tier and blanket policy applies.
func (r *Resolver) Resolve(initiatorID, credential string) Context {
	ctx := Context{Initiator: initiatorID, Tier: TierStandard}

	if r.privileged[initiatorID] {
		ctx.Tier = TierPrivileged
		return ctx
	}

	if credential != "" && len(r.signingKey) > 0 {
		if tier, err := r.verifyCredential(credential); err == nil && tier == string(TierPrivileged) {
			ctx.Tier = TierPrivileged
			ctx.Credential = credential
		}
	}
	return ctx
}

func (r *Resolver) verifyCredential(credential string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("credential validation failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid credential")
	}
	return claims.Tier, nil
}
