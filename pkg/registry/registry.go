// Package registry resolves channel identifiers to tenants with a short
// read-through cache. Tenant config is read-mostly; the cache keeps webhook
// hot paths off the database.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waveline-ai/waveline/pkg/models"
)

// DefaultTTL is how long a cached tenant stays fresh.
const DefaultTTL = 5 * time.Minute

// TenantSource is the backing store.
type TenantSource interface {
	FindByChannelID(ctx context.Context, kind models.ChannelKind, channelID string) (*models.Tenant, error)
	FindByID(ctx context.Context, tenantID string) (*models.Tenant, error)
}

type entry struct {
	tenant    *models.Tenant
	expiresAt time.Time
}

// Registry is a TTL read-through cache over tenant lookups.
type Registry struct {
	source TenantSource
	ttl    time.Duration

	mu        sync.RWMutex
	byChannel map[string]entry
	byID      map[string]entry
}

// New builds a registry. ttl <= 0 uses DefaultTTL.
func New(source TenantSource, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		source:    source,
		ttl:       ttl,
		byChannel: make(map[string]entry),
		byID:      make(map[string]entry),
	}
}

// ResolveChannel returns the tenant owning a provider channel identifier.
func (r *Registry) ResolveChannel(ctx context.Context, kind models.ChannelKind, channelID string) (*models.Tenant, error) {
	cacheKey := string(kind) + ":" + channelID

	r.mu.RLock()
	e, ok := r.byChannel[cacheKey]
	r.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.tenant, nil
	}

	tenant, err := r.source.FindByChannelID(ctx, kind, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel %s: %w", cacheKey, err)
	}

	r.store(cacheKey, tenant)
	return tenant, nil
}

// FindByID returns a tenant by ID through the same cache.
func (r *Registry) FindByID(ctx context.Context, tenantID string) (*models.Tenant, error) {
	r.mu.RLock()
	e, ok := r.byID[tenantID]
	r.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.tenant, nil
	}

	tenant, err := r.source.FindByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}

	r.mu.Lock()
	r.byID[tenantID] = entry{tenant: tenant, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return tenant, nil
}

// Invalidate drops a tenant from the cache, forcing a reload on next use.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, tenantID)
	for k, e := range r.byChannel {
		if e.tenant.ID == tenantID {
			delete(r.byChannel, k)
		}
	}
}

func (r *Registry) store(channelKey string, tenant *models.Tenant) {
	exp := time.Now().Add(r.ttl)
	r.mu.Lock()
	r.byChannel[channelKey] = entry{tenant: tenant, expiresAt: exp}
	r.byID[tenant.ID] = entry{tenant: tenant, expiresAt: exp}
	r.mu.Unlock()
}
