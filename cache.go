package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/opencatalog/authz/logger"
)

// ============================================================================
// SUBJECT CACHE
// ============================================================================

const (
	defaultPolicyCacheSize = 10000
	defaultPolicyCacheTTL  = 2 * time.Minute
	defaultUserCacheSize   = 10000
	defaultUserCacheTTL    = 15 * time.Minute
)

// SubjectCache front-loads the Resolver with two TTL caches: one for computed
// policy contexts, one for user records. Both are keyed by user name. The
// cache never stores negative results; a failed resolution is retried on the
// next call.
type SubjectCache struct {
	resolver *Resolver
	log      logger.Logger

	policyCache *ristretto.Cache
	userCache   *ristretto.Cache

	policyTTL time.Duration
	userTTL   time.Duration

	policyGroup singleflight.Group
	userGroup   singleflight.Group
}

// CacheStats is a point-in-time snapshot of one cache's counters.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Evicted uint64 `json:"evicted"`
}

func (s CacheStats) String() string {
	return fmt.Sprintf("hits=%d misses=%d evicted=%d", s.Hits, s.Misses, s.Evicted)
}

// SubjectCacheOption customizes a SubjectCache at construction time.
type SubjectCacheOption func(*subjectCacheSettings)

type subjectCacheSettings struct {
	policySize  int64
	policyTTL   time.Duration
	userSize    int64
	userTTL     time.Duration
	numCounters int64
	bufferItems int64
	log         logger.Logger
}

// WithPolicyCache overrides the policy cache size and TTL.
func WithPolicyCache(size int64, ttl time.Duration) SubjectCacheOption {
	return func(s *subjectCacheSettings) {
		if size > 0 {
			s.policySize = size
		}
		if ttl > 0 {
			s.policyTTL = ttl
		}
	}
}

// WithUserCache overrides the user cache size and TTL.
func WithUserCache(size int64, ttl time.Duration) SubjectCacheOption {
	return func(s *subjectCacheSettings) {
		if size > 0 {
			s.userSize = size
		}
		if ttl > 0 {
			s.userTTL = ttl
		}
	}
}

// WithRistrettoTuning overrides the admission counter and write buffer sizes
// of both underlying caches. Zero values keep the defaults (ten counters per
// cache entry, 64 buffered writes).
func WithRistrettoTuning(numCounters, bufferItems int64) SubjectCacheOption {
	return func(s *subjectCacheSettings) {
		if numCounters > 0 {
			s.numCounters = numCounters
		}
		if bufferItems > 0 {
			s.bufferItems = bufferItems
		}
	}
}

// WithLogger sets the logger for the cache and its resolver.
func WithLogger(log logger.Logger) SubjectCacheOption {
	return func(s *subjectCacheSettings) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSubjectCache builds a SubjectCache over the given loader. Defaults:
// 10k policy entries at a 2 minute TTL, 10k user entries at a 15 minute TTL.
func NewSubjectCache(loader RelationshipLoader, opts ...SubjectCacheOption) (*SubjectCache, error) {
	settings := subjectCacheSettings{
		policySize: defaultPolicyCacheSize,
		policyTTL:  defaultPolicyCacheTTL,
		userSize:   defaultUserCacheSize,
		userTTL:    defaultUserCacheTTL,
		log:        logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	policyCache, err := newRistretto(settings.policySize, settings.numCounters, settings.bufferItems)
	if err != nil {
		return nil, fmt.Errorf("policy cache: %w", err)
	}
	userCache, err := newRistretto(settings.userSize, settings.numCounters, settings.bufferItems)
	if err != nil {
		policyCache.Close()
		return nil, fmt.Errorf("user cache: %w", err)
	}

	return &SubjectCache{
		resolver:    NewResolver(loader, settings.log),
		log:         settings.log,
		policyCache: policyCache,
		userCache:   userCache,
		policyTTL:   settings.policyTTL,
		userTTL:     settings.userTTL,
	}, nil
}

func newRistretto(size, numCounters, bufferItems int64) (*ristretto.Cache, error) {
	if numCounters <= 0 {
		numCounters = size * 10
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     size,
		BufferItems: bufferItems,
		Metrics:     true,
	})
}

// Resolver exposes the underlying resolver for callers that need an uncached
// read path.
func (c *SubjectCache) Resolver() *Resolver { return c.resolver }

// GetPolicies returns the user's effective policy context, computing and
// caching it on a miss. Concurrent misses for the same user collapse into a
// single resolver call.
//
// On a cache infrastructure failure the method falls back to a direct
// resolver call without touching the cache, so a broken cache degrades to
// slow-but-correct. An unknown user is not an infrastructure failure and the
// resolver's error is returned as is.
func (c *SubjectCache) GetPolicies(ctx context.Context, userName string) (*UserPoliciesContext, error) {
	if v, ok := c.policyCache.Get(userName); ok {
		if upc, ok := v.(*UserPoliciesContext); ok {
			return upc, nil
		}
		c.log.Warn("unexpected policy cache entry type, recomputing", "user", userName)
		return c.resolver.ResolvePolicies(ctx, userName)
	}
	v, err, _ := c.policyGroup.Do(userName, func() (any, error) {
		upc, err := c.resolver.ResolvePolicies(ctx, userName)
		if err != nil {
			return nil, err
		}
		c.policyCache.SetWithTTL(userName, upc, 1, c.policyTTL)
		return upc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserPoliciesContext), nil
}

// GetVisitedTeams returns a defensive copy of the ancestor-team id closure
// recorded during the user's last policy resolution. Any error resolves to an
// empty list; callers use this for best-effort ownership checks and must not
// fail on it.
func (c *SubjectCache) GetVisitedTeams(ctx context.Context, userName string) []uuid.UUID {
	upc, err := c.GetPolicies(ctx, userName)
	if err != nil {
		c.log.Warn("failed to load visited teams", "user", userName, "error", err)
		return []uuid.UUID{}
	}
	return append([]uuid.UUID{}, upc.TeamsVisited...)
}

// GetUser returns the cached user record, loading it on a miss.
func (c *SubjectCache) GetUser(ctx context.Context, userName string) (*User, error) {
	if v, ok := c.userCache.Get(userName); ok {
		if u, ok := v.(*User); ok {
			return u, nil
		}
		c.log.Warn("unexpected user cache entry type, recomputing", "user", userName)
		return c.resolver.ResolveUser(ctx, userName)
	}
	v, err, _ := c.userGroup.Do(userName, func() (any, error) {
		u, err := c.resolver.ResolveUser(ctx, userName)
		if err != nil {
			return nil, err
		}
		c.userCache.SetWithTTL(userName, u, 1, c.userTTL)
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}

// GetSubjectContext builds the evaluation-time view of one subject.
func (c *SubjectCache) GetSubjectContext(ctx context.Context, userName string) (*SubjectContext, error) {
	user, err := c.GetUser(ctx, userName)
	if err != nil {
		return nil, fmt.Errorf("load subject %q: %w", userName, err)
	}
	return newSubjectContext(c, user, nil), nil
}

// GetSubjectContextWithImpersonation builds a subject context for
// impersonatedName acting on behalf of callerName. The caller must be a bot
// with impersonation enabled; the resulting context carries the
// impersonated user's policies and records the caller for audit.
func (c *SubjectCache) GetSubjectContextWithImpersonation(ctx context.Context, callerName, impersonatedName string) (*SubjectContext, error) {
	caller, err := c.GetUser(ctx, callerName)
	if err != nil {
		return nil, fmt.Errorf("load impersonating subject %q: %w", callerName, err)
	}
	if err := CheckImpersonation(caller); err != nil {
		return nil, err
	}
	impersonated, err := c.GetUser(ctx, impersonatedName)
	if err != nil {
		return nil, fmt.Errorf("load impersonated subject %q: %w", impersonatedName, err)
	}
	c.log.Info("impersonated subject context created", "caller", callerName, "impersonated", impersonatedName)
	return newSubjectContext(c, impersonated, caller), nil
}

// CheckImpersonation reports whether caller may impersonate other subjects.
// Only bots explicitly granted impersonation may.
func CheckImpersonation(caller *User) error {
	if caller == nil {
		return fmt.Errorf("impersonation denied: no caller")
	}
	if !caller.IsBot {
		return fmt.Errorf("impersonation denied: %q is not a bot", caller.Name)
	}
	if !caller.AllowImpersonation {
		return fmt.Errorf("impersonation denied: bot %q is not allowed to impersonate", caller.Name)
	}
	return nil
}

// GetTeamPoliciesForResource resolves the policies a resource-owning team
// contributes, skipping teams already visited. The returned visited list
// supersedes the one passed in.
func (c *SubjectCache) GetTeamPoliciesForResource(ctx context.Context, teamID uuid.UUID, alreadyVisited []uuid.UUID) ([]PolicyContext, []uuid.UUID, error) {
	return c.resolver.TeamPoliciesForResource(ctx, teamID, alreadyVisited)
}

// InvalidateUser drops both cache entries for one user. Call on any change
// to the user, their teams, team hierarchy, roles or policies.
func (c *SubjectCache) InvalidateUser(userName string) {
	c.policyCache.Del(userName)
	c.userCache.Del(userName)
	c.log.Debug("invalidated subject cache entries", "user", userName)
}

// InvalidateAll drops every entry from both caches.
func (c *SubjectCache) InvalidateAll() {
	c.policyCache.Clear()
	c.userCache.Clear()
	c.log.Info("invalidated all subject cache entries")
}

// PolicyCacheStats returns counters for the policy cache.
func (c *SubjectCache) PolicyCacheStats() CacheStats {
	return statsOf(c.policyCache)
}

// UserCacheStats returns counters for the user cache.
func (c *SubjectCache) UserCacheStats() CacheStats {
	return statsOf(c.userCache)
}

func statsOf(cache *ristretto.Cache) CacheStats {
	m := cache.Metrics
	return CacheStats{Hits: m.Hits(), Misses: m.Misses(), Evicted: m.KeysEvicted()}
}

// Wait blocks until pending cache writes are applied. Intended for tests and
// for callers that need read-your-write behavior right after a load.
func (c *SubjectCache) Wait() {
	c.policyCache.Wait()
	c.userCache.Wait()
}

// Close releases both caches.
func (c *SubjectCache) Close() {
	c.policyCache.Close()
	c.userCache.Close()
}
