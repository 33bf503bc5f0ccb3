// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package identity resolves the requester of a REST call into the identity
// snapshot carried by engine commands, and answers the permission and tenant
// questions asked while applying them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/pkg/bpmn/conditional"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Anonymous is used for requests when authentication is disabled.
var Anonymous = runtime.Identity{
	Username: "anonymous",
	Grants: []runtime.Grant{{
		Permission:   runtime.PermissionCreateProcessInstance,
		ResourceType: runtime.ResourceTypeProcessDefinition,
		ResourceIds:  []string{runtime.WildcardResourceId},
	}},
}

// Claims of the bearer token, tenants and grants are optional and are merged
// with the configured user of the subject.
type Claims struct {
	jwt.RegisteredClaims
	Tenants []string        `json:"tenants,omitempty"`
	Grants  []runtime.Grant `json:"grants,omitempty"`
}

type Resolver struct {
	secret []byte
	issuer string
	users  map[string]config.User
}

func NewResolver(conf config.Identity) *Resolver {
	users := make(map[string]config.User, len(conf.Users))
	for _, user := range conf.Users {
		users[user.Username] = user
	}
	return &Resolver{
		secret: []byte(conf.JwtSecret),
		issuer: conf.Issuer,
		users:  users,
	}
}

// Resolve verifies the HMAC signed token and returns the identity of its
// subject.
func (r *Resolver) Resolve(authorization string) (runtime.Identity, error) {
	tokenString, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || tokenString == "" {
		return runtime.Identity{}, ErrMissingToken
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(30 * time.Second),
	}
	if r.issuer != "" {
		options = append(options, jwt.WithIssuer(r.issuer))
	}
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return r.secret, nil
	}, options...)
	if err != nil {
		return runtime.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return runtime.Identity{}, ErrInvalidToken
	}
	return r.identity(claims), nil
}

func (r *Resolver) identity(claims Claims) runtime.Identity {
	identity := runtime.Identity{
		Username:  claims.Subject,
		TenantIds: slices.Clone(claims.Tenants),
		Grants:    slices.Clone(claims.Grants),
	}
	if user, ok := r.users[claims.Subject]; ok {
		for _, tenant := range user.Tenants {
			if !slices.Contains(identity.TenantIds, tenant) {
				identity.TenantIds = append(identity.TenantIds, tenant)
			}
		}
		for _, grant := range user.Grants {
			identity.Grants = append(identity.Grants, runtime.Grant{
				Permission:   grant.Permission,
				ResourceType: grant.ResourceType,
				ResourceIds:  slices.Clone(grant.ResourceIds),
			})
		}
	}
	return identity
}

// Sign issues a token for the identity, used by the CLI and tests.
func Sign(conf config.Identity, identity runtime.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.Username,
			Issuer:    conf.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenants: identity.TenantIds,
		Grants:  identity.Grants,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(conf.JwtSecret))
}

type contextKey struct{}

func WithIdentity(ctx context.Context, identity runtime.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

func FromContext(ctx context.Context) (runtime.Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(runtime.Identity)
	return identity, ok
}

// Authorizer answers permission and tenant checks from the grants and
// tenants of the identity alone.
type Authorizer struct{}

var (
	_ conditional.Authorizer       = Authorizer{}
	_ conditional.TenantMembership = Authorizer{}
)

func (Authorizer) IsAuthorized(identity runtime.Identity, permission string, resourceType string, resourceId string) bool {
	for _, grant := range identity.Grants {
		if grant.Permission != permission || grant.ResourceType != resourceType {
			continue
		}
		if slices.Contains(grant.ResourceIds, runtime.WildcardResourceId) || slices.Contains(grant.ResourceIds, resourceId) {
			return true
		}
	}
	return false
}

// IsAssigned reports whether the identity may act in the tenant, an identity
// without tenants belongs to the default tenant only.
func (Authorizer) IsAssigned(identity runtime.Identity, tenantId string) bool {
	if len(identity.TenantIds) == 0 {
		return tenantId == runtime.DefaultTenantId
	}
	return slices.Contains(identity.TenantIds, tenantId)
}
