// Package ratelimit implements token-bucket rate limiting for the REST
// surface, keyed per authenticated identity (API key name or subject) or,
// for anonymous requests, per client IP; no per-tenant bucket is applied.
// It is an ambient control carried alongside the core control loops. The limiter delegates the actual bucket bookkeeping
// to a pluggable Backend so the default Redis-backed implementation can
// degrade to an in-process backend when Redis is unreachable.
package ratelimit

import (
	"context"
	"time"
)

// Backend performs the atomic check-and-consume for one rate limit bucket.
// Implementations: RedisBackend (distributed, Lua-script atomic),
// LocalTokenBucketBackend (in-memory fallback), FallbackBackend (composes
// the two).
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// TierConfig holds rate limit configuration for a tier.
type TierConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter checks per-key token buckets against a Backend, resolving the
// effective bucket size/refill rate from a named tier.
type Limiter struct {
	backend      Backend
	tiers        map[string]TierConfig
	defaultTier  TierConfig
}

// New creates a rate limiter backed by the given Backend.
func New(backend Backend, tiers map[string]TierConfig, defaultTier TierConfig) *Limiter {
	if tiers == nil {
		tiers = make(map[string]TierConfig)
	}
	return &Limiter{
		backend:     backend,
		tiers:       tiers,
		defaultTier: defaultTier,
	}
}

// Result contains the result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks if a single request is allowed for the given key and tier.
func (l *Limiter) Allow(ctx context.Context, key, tier string) (Result, error) {
	return l.AllowN(ctx, key, tier, 1)
}

// AllowN checks if N requests are allowed.
func (l *Limiter) AllowN(ctx context.Context, key, tier string, n int) (Result, error) {
	cfg := l.getTierConfig(tier)

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, cfg.BurstSize, cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, err
	}

	tokensNeeded := float64(cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds * float64(time.Second)))

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *Limiter) getTierConfig(tier string) TierConfig {
	if cfg, ok := l.tiers[tier]; ok {
		return cfg
	}
	return l.defaultTier
}

// KeyForAPIKey returns the rate limit key for an API key identity.
func KeyForAPIKey(name string) string {
	return "nebula:rl:apikey:" + name
}

// KeyForIP returns the rate limit key for an IP address.
func KeyForIP(ip string) string {
	return "nebula:rl:ip:" + ip
}

// KeyForGlobal returns the rate limit key for anonymous/global requests.
func KeyForGlobal(ip string) string {
	return "nebula:rl:global:" + ip
}

// KeyForTenant returns the rate limit key for a tenant. Middleware does not
// use it; requests are keyed by identity or client IP.
func KeyForTenant(tenantID string) string {
	return "nebula:rl:tenant:" + tenantID
}
