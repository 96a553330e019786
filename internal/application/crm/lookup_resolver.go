package crm

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/authscape/crmsync/internal/domain/crm"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LookupResolver picks the wire-level field used to bind a relationship from
// a source entity to a target entity. Results, including "unresolved", are
// cached for the lifetime of the resolver, which is one sync pass.
type LookupResolver struct {
	provider crm.Provider
	conn     *crm.Connection
	logger   *zap.Logger

	mu     sync.RWMutex
	cache  map[string]*crm.LookupField
	flight singleflight.Group
}

// NewLookupResolver creates a resolver scoped to one connection and pass
func NewLookupResolver(provider crm.Provider, conn *crm.Connection, logger *zap.Logger) *LookupResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LookupResolver{
		provider: provider,
		conn:     conn,
		logger:   logger,
		cache:    make(map[string]*crm.LookupField),
	}
}

func lookupCacheKey(source, target, hint string) string {
	return strings.ToLower(source) + ":" + strings.ToLower(target) + ":" + strings.ToLower(hint)
}

// Resolve returns the lookup field for (source, target). ok is false when the
// source entity has no lookup that can point at target. Discovery failures
// are returned and not cached.
func (r *LookupResolver) Resolve(ctx context.Context, source, target, hint string) (crm.LookupField, bool, error) {
	key := lookupCacheKey(source, target, hint)

	r.mu.RLock()
	field, cached := r.cache[key]
	r.mu.RUnlock()
	if cached {
		return derefLookup(field)
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		r.mu.RLock()
		field, cached := r.cache[key]
		r.mu.RUnlock()
		if cached {
			return field, nil
		}

		candidates, err := r.provider.DiscoverLookupFields(ctx, r.conn, source, target)
		if err != nil {
			return nil, err
		}
		field = selectLookup(candidates, hint)
		if field == nil {
			r.logger.Warn("No lookup field found for relationship",
				zap.String("source_entity", source),
				zap.String("target_entity", target),
				zap.String("hint", hint))
		}

		r.mu.Lock()
		r.cache[key] = field
		r.mu.Unlock()
		return field, nil
	})
	if err != nil {
		return crm.LookupField{}, false, err
	}
	return derefLookup(v.(*crm.LookupField))
}

func derefLookup(f *crm.LookupField) (crm.LookupField, bool, error) {
	if f == nil {
		return crm.LookupField{}, false, nil
	}
	return *f, true, nil
}

// selectLookup applies the resolution rule: a single candidate wins; among
// several, the first (by logical name) that prefix-matches the hint wins,
// else the first overall.
func selectLookup(candidates []crm.LookupField, hint string) *crm.LookupField {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]crm.LookupField, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].LogicalName) < strings.ToLower(sorted[j].LogicalName)
	})
	if len(sorted) == 1 {
		return &sorted[0]
	}
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint != "" {
		for i := range sorted {
			if prefixMatch(sorted[i].LogicalName, hint) || prefixMatch(sorted[i].AttributeName, hint) {
				return &sorted[i]
			}
		}
	}
	return &sorted[0]
}

func prefixMatch(name, hint string) bool {
	name = strings.ToLower(name)
	if name == "" {
		return false
	}
	return strings.HasPrefix(name, hint) || strings.HasPrefix(hint, name)
}
