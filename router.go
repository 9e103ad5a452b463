package gemguard

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// A Router is a Gemini request multiplexer that matches the path of each
// incoming request against a table of registered prefixes and dispatches
// to the Handler registered for the longest matching one.
//
// Unlike an HTTP mux, a Router never considers scheme or host: virtual
// hosting beyond single-certificate SNI is out of scope, so the route
// table is a flat set of path prefixes. Prefixes are unique keys, so
// there can never be a tie for longest match. Registering the empty
// string ("") installs a catch-all route that wins when no other prefix
// matches.
//
// Route is read-only after construction: Handle is meant to be called
// during startup, before the server begins accepting connections. It is
// still safe to call concurrently with routing if a handler is registered
// while the server is live (e.g. from an admin endpoint), but the core
// never does this itself.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Handler
	byLen  []string // prefixes, sorted longest-first
}

// Handle registers handler for the given path prefix. Handle panics if
// prefix is already registered or if handler is nil.
func (rt *Router) Handle(prefix string, handler Handler) {
	if handler == nil {
		panic("gemguard: nil handler")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.routes == nil {
		rt.routes = make(map[string]Handler)
	}
	if _, exists := rt.routes[prefix]; exists {
		panic("gemguard: multiple registrations for prefix " + prefix)
	}
	rt.routes[prefix] = handler
	rt.byLen = append(rt.byLen, prefix)
	sort.Slice(rt.byLen, func(i, j int) bool {
		return len(rt.byLen[i]) > len(rt.byLen[j])
	})
}

// HandleFunc registers handler as a HandlerFunc for the given prefix.
func (rt *Router) HandleFunc(prefix string, handler HandlerFunc) {
	rt.Handle(prefix, handler)
}

// Route returns the longest registered prefix that path starts with,
// falling back to the catch-all ("") route if one is registered. ok is
// false if no route matches at all.
func (rt *Router) Route(path string) (matchedPrefix string, handler Handler, ok bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	for _, prefix := range rt.byLen {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(path, prefix) {
			return prefix, rt.routes[prefix], true
		}
	}
	if h, exists := rt.routes[""]; exists {
		return "", h, true
	}
	return "", nil, false
}

// ServeGemini dispatches r to the handler registered for the longest
// matching prefix of r.URL.Path, or to NotFoundHandler if none matches.
func (rt *Router) ServeGemini(ctx context.Context, r *Request) Response {
	prefix, handler, ok := rt.Route(r.URL.Path)
	if !ok {
		return NotFoundHandler().Handle(ctx, "", r)
	}
	return handler.Handle(ctx, prefix, r)
}
