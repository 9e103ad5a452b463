/*
Package gemguard implements a Gemini protocol server: a TLS-terminated
request/response pipeline, a longest-prefix route table, static file and
directory serving, and a two-bucket rate limiter that protects the server
from connection floods and high-bandwidth clients.

A minimal server:

	router := &gemguard.Router{}
	router.Handle("", gemguard.NewStaticHandler("/var/gemini"))

	srv := &gemguard.Server{
		Addr:             ":1965",
		Router:           router,
		CertificateStore: store,
	}
	err := srv.ListenAndServe(context.Background())

Servers are configured with a *certificate.Store (certificate loading
from disk is handled by the caller; see the certificate subpackage) and
a Router built once at startup. Each accepted connection is handled by
exactly one worker goroutine, which consults the Router (read-only) and
the RateLimiter (concurrency-safe) before writing a Response and tearing
down the connection.
*/
package gemguard

import "errors"

// crlf is the Gemini line terminator.
var crlf = []byte("\r\n")

// ErrForbiddenPath is returned by the static-file resolution path when a
// request would resolve outside the served root.
var ErrForbiddenPath = errors.New("gemguard: path escapes static root")
