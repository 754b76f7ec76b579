// Package routing resolves message routing keys to endpoint IDs.
//
// Routes are registered as topic patterns with a priority. Resolution
// matches the key against every registered pattern, orders candidates
// by priority (higher first) then registration order (earlier first),
// and skips endpoints the health checker reports unreachable. When
// every candidate is unreachable the best candidate is still returned,
// flagged degraded, so the caller can decide whether to attempt
// delivery anyway.
package routing

import (
	"sort"
	"sync"

	"github.com/dshills/stormbus/topic"
)

// HealthChecker reports endpoint reachability. The router treats a nil
// checker as "everything reachable".
type HealthChecker interface {
	Reachable(endpoint string) bool
}

// Handle identifies one registered route.
type Handle uint64

// Resolution is the outcome of resolving a routing key.
type Resolution struct {
	// EndpointID is the chosen endpoint.
	EndpointID string

	// Degraded is true when every matching endpoint was unreachable
	// and EndpointID is the best-effort fallback.
	Degraded bool
}

type route struct {
	handle   Handle
	pattern  topic.Topic
	endpoint string
	priority int
	seq      uint64
}

// Router is a concurrency-safe pattern router. The zero value is not
// usable; construct with NewRouter.
type Router struct {
	mu        sync.RWMutex
	matcher   *topic.Matcher
	byPattern map[topic.Topic][]*route
	byHandle  map[Handle]*route
	health    HealthChecker
	nextID    uint64
}

// NewRouter creates an empty router consulting the given health
// checker. checker may be nil.
func NewRouter(checker HealthChecker) *Router {
	return &Router{
		matcher:   topic.NewMatcher(),
		byPattern: make(map[topic.Topic][]*route),
		byHandle:  make(map[Handle]*route),
		health:    checker,
	}
}

// Register adds a route from pattern to endpoint at the given priority.
// Registering the same pattern and endpoint twice creates two distinct
// routes with their own handles.
func (r *Router) Register(pattern topic.Topic, endpoint string, priority int) (Handle, error) {
	if !pattern.IsValid() {
		return 0, &PatternError{Pattern: pattern, Reason: "empty segment or misplaced wildcard"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	rt := &route{
		handle:   Handle(r.nextID),
		pattern:  pattern,
		endpoint: endpoint,
		priority: priority,
		seq:      r.nextID,
	}
	r.byPattern[pattern] = append(r.byPattern[pattern], rt)
	r.byHandle[rt.handle] = rt
	r.matcher.Add(pattern)
	return rt.handle, nil
}

// Deregister removes a single route by its handle.
func (r *Router) Deregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.byHandle[h]
	if !ok {
		return ErrUnknownHandle
	}
	delete(r.byHandle, h)
	r.removeFromPattern(rt)
	return nil
}

// DeregisterEndpoint removes every route pointing at endpoint and
// returns how many were removed.
func (r *Router) DeregisterEndpoint(endpoint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for h, rt := range r.byHandle {
		if rt.endpoint != endpoint {
			continue
		}
		delete(r.byHandle, h)
		r.removeFromPattern(rt)
		removed++
	}
	return removed
}

// removeFromPattern drops rt from its pattern bucket and prunes the
// matcher when the bucket empties. Callers hold the write lock.
func (r *Router) removeFromPattern(rt *route) {
	bucket := r.byPattern[rt.pattern]
	for i, cand := range bucket {
		if cand.handle == rt.handle {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.byPattern, rt.pattern)
		r.matcher.Remove(rt.pattern)
	} else {
		r.byPattern[rt.pattern] = bucket
	}
}

// Resolve picks the endpoint for a routing key.
func (r *Router) Resolve(key topic.Topic) (Resolution, error) {
	r.mu.RLock()
	patterns := r.matcher.Match(key)
	var candidates []*route
	for _, p := range patterns {
		candidates = append(candidates, r.byPattern[p]...)
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return Resolution{}, &NoRouteError{Key: key}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	if r.health != nil {
		for _, cand := range candidates {
			if r.health.Reachable(cand.endpoint) {
				return Resolution{EndpointID: cand.endpoint}, nil
			}
		}
		return Resolution{EndpointID: candidates[0].endpoint, Degraded: true}, nil
	}
	return Resolution{EndpointID: candidates[0].endpoint}, nil
}

// Routes returns the number of registered routes.
func (r *Router) Routes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
