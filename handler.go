package gemguard

import (
	"context"
	"time"
)

// A Handler responds to a Gemini request by producing a Response.
//
// Handle is called with the prefix the Router matched against the request
// path (the empty string for the catch-all route) and the Request itself.
// Handlers must not mutate the Request and must return a non-nil Response;
// returning nil is treated as a status-51 response by the connection
// worker.
type Handler interface {
	Handle(ctx context.Context, matchedPrefix string, r *Request) Response
}

// The HandlerFunc type is an adapter to allow the use of ordinary functions
// as Handlers.
type HandlerFunc func(ctx context.Context, matchedPrefix string, r *Request) Response

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, matchedPrefix string, r *Request) Response {
	return f(ctx, matchedPrefix, r)
}

// StatusHandler returns a Handler that responds to every request with the
// given fixed status and meta.
func StatusHandler(status Status, meta string) Handler {
	return HandlerFunc(func(context.Context, string, *Request) Response {
		return &metaResponse{status: status, meta: meta}
	})
}

// NotFoundHandler returns a Handler that replies to every request with a
// status-51 "Not found" response. The Router falls back to this when no
// prefix matches and no catch-all route is registered.
func NotFoundHandler() Handler {
	return StatusHandler(StatusNotFound, "Not found")
}

// TimeoutHandler returns a Handler that runs h with the given time limit.
// If h.Handle does not return within dt, the Handler returns a status-50
// response and abandons h's goroutine; h is expected to be cheap enough
// that this is rare (static file serving and in-memory routing are the
// only handlers the core ships).
func TimeoutHandler(h Handler, dt time.Duration) Handler {
	return HandlerFunc(func(ctx context.Context, matchedPrefix string, r *Request) Response {
		ctx, cancel := context.WithTimeout(ctx, dt)
		defer cancel()

		done := make(chan Response, 1)
		go func() { done <- h.Handle(ctx, matchedPrefix, r) }()

		select {
		case resp := <-done:
			return resp
		case <-ctx.Done():
			return NewPermanentFailureResponse("Timeout")
		}
	})
}
