package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/identitykit/identity-service/internal/security"
)

// PermissionLoader loads a user's effective permission set from the
// source of truth. RBACService satisfies it.
type PermissionLoader interface {
	EffectivePermissions(userID uint) ([]string, error)
}

// CachedPermissionResolver answers "what may this user do" for the
// access guard. Results are cached per user; role and permission
// mutations invalidate through the epoch scheme in the cache store.
type CachedPermissionResolver struct {
	cacheStore RBACPermissionCacheStore
	loader     PermissionLoader
	ttl        time.Duration
}

func NewCachedPermissionResolver(cacheStore RBACPermissionCacheStore, loader PermissionLoader, ttl time.Duration) *CachedPermissionResolver {
	return &CachedPermissionResolver{
		cacheStore: cacheStore,
		loader:     loader,
		ttl:        ttl,
	}
}

func (r *CachedPermissionResolver) ResolvePermissions(ctx context.Context, claims *security.Claims) ([]string, error) {
	if claims == nil {
		return nil, fmt.Errorf("missing claims")
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid subject")
	}
	return r.ResolveForUser(ctx, uint(userID))
}

func (r *CachedPermissionResolver) ResolveForUser(ctx context.Context, userID uint) ([]string, error) {
	if r.cacheStore != nil && r.ttl > 0 {
		cached, ok, err := r.cacheStore.Get(ctx, userID)
		if err == nil && ok {
			return cached, nil
		}
	}

	perms, err := r.loader.EffectivePermissions(userID)
	if err != nil {
		return nil, err
	}
	if r.cacheStore != nil && r.ttl > 0 {
		_ = r.cacheStore.Set(ctx, userID, perms, r.ttl)
	}
	return perms, nil
}

func (r *CachedPermissionResolver) InvalidateUser(ctx context.Context, userID uint) error {
	if r.cacheStore == nil {
		return nil
	}
	return r.cacheStore.InvalidateUser(ctx, userID)
}

func (r *CachedPermissionResolver) InvalidateAll(ctx context.Context) error {
	if r.cacheStore == nil {
		return nil
	}
	return r.cacheStore.InvalidateAll(ctx)
}
