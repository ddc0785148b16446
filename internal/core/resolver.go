package core

// resolver.go turns raw lookup values into referenced keys.
//
// Each run gets its own Resolver. Results, including "not found", are cached
// per (rule, canonical value) for the life of the run, so K rows sharing a
// value cost one query. Lookups go through the pool rather than the run's
// transaction, which lets a window's distinct misses be fetched in parallel;
// a consequence is that rows inserted earlier in the same run are not visible
// to lookups.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
)

// ErrReferenceNotFound means no row in the referenced table matched.
var ErrReferenceNotFound = errors.New("no matching row")

// DefaultResolverParallelism bounds concurrent prefetch queries.
const DefaultResolverParallelism = 4

// ResolveError is a row-local resolution failure: the value was not found, or
// the server rejected the lookup for this value.
type ResolveError struct {
	Rule  mapping.ForeignKeyRule
	Value string
	Err   error
}

func (e *ResolveError) Error() string {
	if errors.Is(e.Err, ErrReferenceNotFound) {
		return fmt.Sprintf("%q not found in %s.%s", e.Value, e.Rule.ReferencedTable, e.Rule.LookupField)
	}
	return fmt.Sprintf("lookup of %q in %s.%s: %s", e.Value, e.Rule.ReferencedTable, e.Rule.LookupField, engineMessage(e.Err))
}

func (e *ResolveError) Unwrap() error { return e.Err }

// ResolvedKey is the referenced key, or no value for a NULL input.
type ResolvedKey struct {
	Key   any
	Valid bool
}

// Arg returns the key as a query argument; nil binds as NULL.
func (k ResolvedKey) Arg() any {
	if !k.Valid {
		return nil
	}
	return k.Key
}

// LookupRequest is one value to resolve through one rule.
type LookupRequest struct {
	Rule  mapping.ForeignKeyRule
	Value Value
}

// ResolverStats counts resolver activity for one run.
type ResolverStats struct {
	Lookups   int64 `json:"lookups"`
	CacheHits int64 `json:"cache_hits"`
	NotFound  int64 `json:"not_found"`
}

type cacheKey struct {
	rule  string
	value string
}

type cacheEntry struct {
	key ResolvedKey
	err *ResolveError
}

// Resolver resolves foreign key values with a per-run cache.
// It is safe for concurrent use.
type Resolver struct {
	q           Querier
	parallelism int
	metrics     *Metrics

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry

	lookups   atomic.Int64
	cacheHits atomic.Int64
	notFound  atomic.Int64
}

// NewResolver creates a resolver issuing lookups through q.
func NewResolver(q Querier, parallelism int, metrics *Metrics) *Resolver {
	if parallelism <= 0 {
		parallelism = DefaultResolverParallelism
	}
	return &Resolver{
		q:           q,
		parallelism: parallelism,
		metrics:     metrics,
		cache:       make(map[cacheKey]cacheEntry),
	}
}

// ResolveField resolves a field's coerced value through its rule.
// A NULL value on a field that is not required short-circuits to no value
// without a query.
func (r *Resolver) ResolveField(ctx context.Context, f FieldPlan, v Value) (ResolvedKey, error) {
	if v.Null {
		if f.Mapping.Required {
			return ResolvedKey{}, &ResolveError{Rule: *f.Rule, Err: ErrReferenceNotFound}
		}
		return ResolvedKey{}, nil
	}
	return r.Resolve(ctx, *f.Rule, v)
}

// Resolve returns the KeyField of the first row whose LookupField equals v.
// Row-local failures are returned as *ResolveError; any other error is an
// infrastructure failure.
func (r *Resolver) Resolve(ctx context.Context, rule mapping.ForeignKeyRule, v Value) (ResolvedKey, error) {
	k := cacheKey{rule: rule.ID, value: v.Key}

	r.mu.Lock()
	e, ok := r.cache[k]
	r.mu.Unlock()
	if ok {
		r.cacheHits.Add(1)
		r.metrics.resolverLookup(true)
		return e.result()
	}

	e, err := r.lookup(ctx, rule, v)
	if err != nil {
		return ResolvedKey{}, err
	}
	r.store(k, e)
	return e.result()
}

// Prefetch resolves the distinct uncached requests in parallel and fills the
// cache. Row-local failures are cached, not returned; the returned error is
// always an infrastructure failure or context cancellation.
func (r *Resolver) Prefetch(ctx context.Context, reqs []LookupRequest) error {
	pending := make(map[cacheKey]LookupRequest)
	r.mu.Lock()
	for _, req := range reqs {
		if req.Value.Null {
			continue
		}
		k := cacheKey{rule: req.Rule.ID, value: req.Value.Key}
		if _, cached := r.cache[k]; !cached {
			pending[k] = req
		}
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for k, req := range pending {
		g.Go(func() error {
			e, err := r.lookup(gctx, req.Rule, req.Value)
			if err != nil {
				return err
			}
			r.store(k, e)
			return nil
		})
	}
	return g.Wait()
}

// Stats returns counters for this resolver.
func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		Lookups:   r.lookups.Load(),
		CacheHits: r.cacheHits.Load(),
		NotFound:  r.notFound.Load(),
	}
}

func (r *Resolver) store(k cacheKey, e cacheEntry) {
	r.mu.Lock()
	r.cache[k] = e
	r.mu.Unlock()
}

func (r *Resolver) lookup(ctx context.Context, rule mapping.ForeignKeyRule, v Value) (cacheEntry, error) {
	r.lookups.Add(1)
	r.metrics.resolverLookup(false)

	var key any
	err := r.q.QueryRow(ctx, lookupSQL(rule), v.Arg).Scan(&key)
	switch {
	case err == nil:
		return cacheEntry{key: ResolvedKey{Key: key, Valid: key != nil}}, nil
	case errors.Is(err, pgx.ErrNoRows):
		r.notFound.Add(1)
		return cacheEntry{err: &ResolveError{Rule: rule, Value: v.Key, Err: ErrReferenceNotFound}}, nil
	case isFatal(err):
		return cacheEntry{}, fmt.Errorf("resolve %s: %w", rule, err)
	default:
		return cacheEntry{err: &ResolveError{Rule: rule, Value: v.Key, Err: err}}, nil
	}
}

func (e cacheEntry) result() (ResolvedKey, error) {
	if e.err != nil {
		return ResolvedKey{}, e.err
	}
	return e.key, nil
}

// lookupSQL has no ORDER BY: when several rows match, the first one the
// server returns wins.
func lookupSQL(rule mapping.ForeignKeyRule) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 LIMIT 1",
		pgx.Identifier{rule.KeyField}.Sanitize(),
		qualifiedIdent(rule.ReferencedTable),
		pgx.Identifier{rule.LookupField}.Sanitize())
}
