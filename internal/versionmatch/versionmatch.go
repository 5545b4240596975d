// Package versionmatch implements the version matcher (C5): it resolves a
// node's reported container-image digest to an AVS node type and version,
// compares that against the curated per-chain stable version, and decides
// whether a version alert is due.
//
// Both lookups (digest catalog, stable version) are read-mostly and hot on
// every telemetry RPC, so they sit behind a singleflight-deduplicated
// in-process cache; the digest lookup additionally has an optional Redis L2
// for sharing across replicas — the same two-tier shape used for
// read-mostly catalog lookups elsewhere in the corpus.
package versionmatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/fleetwatch/core/internal/store"
)

var fingerprintNamespace = uuid.MustParse("1c9b6f2a-df3e-4e86-9d9f-6a6c9c6f9b1a")

// Store is the subset of the telemetry store (C2) the version matcher
// needs.
type Store interface {
	LookupDigest(ctx context.Context, digest string) (store.DigestCatalogEntry, bool, error)
	LookupStableVersion(ctx context.Context, nodeType, chain string) (store.StableVersion, bool, error)
}

// Result is the outcome of matching a node's reported manifest against the
// version catalog (§4.5).
type Result struct {
	NodeType        string // "unknown" if the digest has no catalog entry (I6)
	AlertDue        bool
	ImmediateUpdate bool // breaking-change datetime has passed
	AlertKind       store.AlertKind
	ExpectedTag     string
	ExpectedDigest  string
}

// cacheTTL bounds how long a resolved digest/stable-version pair is trusted
// before the next lookup goes back to the store; the catalog changes on
// the order of hours (a scraper run), not seconds.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	entry  store.DigestCatalogEntry
	found  bool
	cached time.Time
}

type stableCacheEntry struct {
	version store.StableVersion
	found   bool
	cached  time.Time
}

// Matcher resolves digests to node types and raises version alerts. Create
// one with New.
type Matcher struct {
	store Store
	redis *redis.Client

	group singleflight.Group

	cacheMu     sync.RWMutex
	digestCache map[string]cacheEntry
	stableCache map[string]stableCacheEntry
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithRedis attaches a Redis client as the L2 cache shared across
// replicas. Without it, the Matcher still functions correctly — every
// instance just refreshes its own in-process cache independently.
func WithRedis(c *redis.Client) Option {
	return func(m *Matcher) { m.redis = c }
}

// New creates a Matcher backed by s.
func New(s Store, opts ...Option) *Matcher {
	m := &Matcher{
		store:       s,
		digestCache: map[string]cacheEntry{},
		stableCache: map[string]stableCacheEntry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match runs the §4.5 algorithm for a node reporting manifest digest on
// chain. now is injected for deterministic breaking-change comparisons in
// tests.
func (m *Matcher) Match(ctx context.Context, nodeName, digest, chain string, now time.Time) (Result, error) {
	catalogEntry, found, err := m.lookupDigest(ctx, digest)
	if err != nil {
		return Result{}, fmt.Errorf("versionmatch: lookup digest %q: %w", digest, err)
	}
	if !found {
		// Missing catalog entry is not a user-facing condition (§4.5 step 1).
		return Result{NodeType: "unknown"}, nil
	}

	stable, found, err := m.lookupStable(ctx, catalogEntry.NodeType, chain)
	if err != nil {
		return Result{}, fmt.Errorf("versionmatch: lookup stable version %q/%q: %w", catalogEntry.NodeType, chain, err)
	}
	if !found {
		return Result{NodeType: catalogEntry.NodeType}, nil
	}

	if digest == stable.Digest {
		return Result{NodeType: catalogEntry.NodeType}, nil
	}

	immediate := stable.BreakingChangeAt != nil && !now.Before(*stable.BreakingChangeAt)
	kind := store.AlertNodeNeedsUpdate
	if immediate {
		kind = store.AlertNodeNeedsImmediateUpdate
	}
	return Result{
		NodeType:        catalogEntry.NodeType,
		AlertDue:        true,
		ImmediateUpdate: immediate,
		AlertKind:       kind,
		ExpectedTag:     stable.Tag,
		ExpectedDigest:  stable.Digest,
	}, nil
}

// Fingerprint derives the deterministic alert-id for a version alert (§4.5):
// hash of (node, node_type, expected digest, breaking-flag), so repeated
// evaluation during the same stale-digest window never spawns duplicates
// (I2).
func Fingerprint(nodeKey, nodeType, expectedDigest string, immediate bool) string {
	key := fmt.Sprintf("%s|%s|%s|%t", nodeKey, nodeType, expectedDigest, immediate)
	return uuid.NewSHA1(fingerprintNamespace, []byte(key)).String()
}

func (m *Matcher) getDigestCache(digest string) (cacheEntry, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	e, ok := m.digestCache[digest]
	return e, ok
}

func (m *Matcher) setDigestCache(digest string, e cacheEntry) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.digestCache[digest] = e
}

func (m *Matcher) getStableCache(key string) (stableCacheEntry, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	e, ok := m.stableCache[key]
	return e, ok
}

func (m *Matcher) setStableCache(key string, e stableCacheEntry) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.stableCache[key] = e
}

func (m *Matcher) lookupDigest(ctx context.Context, digest string) (store.DigestCatalogEntry, bool, error) {
	if e, ok := m.getDigestCache(digest); ok && time.Since(e.cached) < cacheTTL {
		return e.entry, e.found, nil
	}

	if m.redis != nil {
		if entry, found, ok := m.readDigestRedis(ctx, digest); ok {
			m.setDigestCache(digest, cacheEntry{entry: entry, found: found, cached: time.Now()})
			return entry, found, nil
		}
	}

	v, err, _ := m.group.Do("digest:"+digest, func() (any, error) {
		entry, found, err := m.store.LookupDigest(ctx, digest)
		if err != nil {
			return nil, err
		}
		m.setDigestCache(digest, cacheEntry{entry: entry, found: found, cached: time.Now()})
		if m.redis != nil {
			m.writeDigestRedis(ctx, digest, entry, found)
		}
		return cacheEntry{entry: entry, found: found}, nil
	})
	if err != nil {
		return store.DigestCatalogEntry{}, false, err
	}
	c := v.(cacheEntry)
	return c.entry, c.found, nil
}

func (m *Matcher) lookupStable(ctx context.Context, nodeType, chain string) (store.StableVersion, bool, error) {
	key := nodeType + "|" + chain
	if e, ok := m.getStableCache(key); ok && time.Since(e.cached) < cacheTTL {
		return e.version, e.found, nil
	}

	v, err, _ := m.group.Do("stable:"+key, func() (any, error) {
		version, found, err := m.store.LookupStableVersion(ctx, nodeType, chain)
		if err != nil {
			return nil, err
		}
		m.setStableCache(key, stableCacheEntry{version: version, found: found, cached: time.Now()})
		return stableCacheEntry{version: version, found: found}, nil
	})
	if err != nil {
		return store.StableVersion{}, false, err
	}
	c := v.(stableCacheEntry)
	return c.version, c.found, nil
}

func (m *Matcher) readDigestRedis(ctx context.Context, digest string) (store.DigestCatalogEntry, bool, bool) {
	raw, err := m.redis.Get(ctx, "digest:"+digest).Bytes()
	if errors.Is(err, redis.Nil) || err != nil {
		return store.DigestCatalogEntry{}, false, false
	}
	var entry store.DigestCatalogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return store.DigestCatalogEntry{}, false, false
	}
	return entry, true, true
}

func (m *Matcher) writeDigestRedis(ctx context.Context, digest string, entry store.DigestCatalogEntry, found bool) {
	if !found {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	m.redis.Set(ctx, "digest:"+digest, raw, cacheTTL)
}
