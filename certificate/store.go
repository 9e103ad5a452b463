package certificate

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// A Store maps SNI hostname scopes to TLS certificates for a gemguard
// Server. The zero value for Store is an empty store ready to use.
//
// Scopes are registered with Register, which accepts either a literal
// hostname, a wildcard pattern ("*.example.com"), or "*" to accept every
// hostname. Get is the method a Server's tls.Config.GetCertificate
// callback calls on every handshake; it generates and caches a
// certificate on first use (or once the cached one expires) for any
// registered scope, so an operator only has to supply one certificate
// pair up front via Load or Add and Store handles the rest.
//
// Lookup walks a scope's parent paths rather than matching a single
// registered entry; it exists for certificate stores keyed by
// hostname+path rather than hostname alone, a shape this server's
// SNI-only scopes never need, but it is kept available for a store
// consumer that does.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	// CreateCertificate, if not nil, is called by Get to create a new
	// certificate to replace a missing or expired certificate.
	// The provided scope is suitable for use in a certificate's DNSNames.
	CreateCertificate func(scope string) (tls.Certificate, error)

	scopes map[string]struct{}
	certs  map[string]tls.Certificate
	path   string
	mu     sync.RWMutex
}

// Register registers the provided scope with the certificate store.
// The scope can either be a hostname or a wildcard pattern (e.g. "*.example.com").
// To accept all hostnames, use the special pattern "*".
//
// Calls to Get will only succeed for registered scopes.
// Other methods are not affected.
func (s *Store) Register(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scopes == nil {
		s.scopes = make(map[string]struct{})
	}
	s.scopes[scope] = struct{}{}
}

// Add registers the certificate for the given scope.
// If a certificate already exists for scope, Add will overwrite it.
func (s *Store) Add(scope string, cert tls.Certificate) error {
	// Parse certificate if not already parsed
	if cert.Leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return err
		}
		cert.Leaf = parsed
	}

	if err := s.write(scope, cert); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.certs == nil {
		s.certs = make(map[string]tls.Certificate)
	}
	s.certs[scope] = cert
	return nil
}

func (s *Store) write(scope string, cert tls.Certificate) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.path != "" {
		certPath := filepath.Join(s.path, scope+".crt")
		keyPath := filepath.Join(s.path, scope+".key")

		dir := filepath.Dir(certPath)
		os.MkdirAll(dir, 0755)

		if err := Write(cert, certPath, keyPath); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a certificate for the given hostname, trying the literal
// hostname, then its wildcard scope ("*." plus the hostname's parent
// domain), then the catch-all "*" scope, in that order. If none of those
// scopes has been registered, Get returns an error. It generates a new
// certificate for whichever scope matched if none is cached yet or the
// cached one has expired, calling CreateCertificate if set, otherwise
// generating a self-signed certificate valid for 100 years.
//
// Get is suitable for use as a tls.Config's GetCertificate field.
func (s *Store) Get(hostname string) (*tls.Certificate, error) {
	s.mu.RLock()
	matchedScope := hostname
	_, ok := s.scopes[matchedScope]
	if !ok {
		if parts := strings.SplitN(hostname, ".", 2); len(parts) == 2 {
			matchedScope = "*." + parts[1]
			_, ok = s.scopes[matchedScope]
		}
	}
	if !ok {
		matchedScope = "*"
		_, ok = s.scopes[matchedScope]
	}
	if !ok {
		s.mu.RUnlock()
		return nil, errors.New("unrecognized scope")
	}
	cert := s.certs[matchedScope]
	s.mu.RUnlock()

	// If the certificate is empty or expired, generate a new one.
	if cert.Leaf == nil || cert.Leaf.NotAfter.Before(time.Now()) {
		var err error
		cert, err = s.createCertificate(matchedScope)
		if err != nil {
			return nil, err
		}
		if err := s.Add(matchedScope, cert); err != nil {
			return nil, fmt.Errorf("failed to add certificate for %s: %w", matchedScope, err)
		}
	}

	return &cert, nil
}

// Lookup returns the certificate for the provided scope.
// Lookup also checks for certificates in parent scopes.
// For example, given the scope "example.com/a/b/c", Lookup will first check
// "example.com/a/b/c", then "example.com/a/b", then "example.com/a", and
// finally "example.com" for a certificate. As a result, a certificate with
// scope "example.com" will match all scopes beginning with "example.com".
func (s *Store) Lookup(scope string) (tls.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[scope]
	if !ok {
		scope = path.Dir(scope)
		for scope != "." {
			cert, ok = s.certs[scope]
			if ok {
				break
			}
			scope = path.Dir(scope)
		}
	}
	return cert, ok
}

func (s *Store) createCertificate(scope string) (tls.Certificate, error) {
	if s.CreateCertificate != nil {
		return s.CreateCertificate(scope)
	}
	return Create(CreateOptions{
		DNSNames: []string{scope},
		Subject: pkix.Name{
			CommonName: scope,
		},
		Duration: 100 * 365 * 24 * time.Hour,
	})
}

// Load loads certificates from the provided path.
// New certificates will be written to this path.
// The path should lead to a directory containing certificates
// and private keys named "scope.crt" and "scope.key" respectively,
// where "scope" is the scope of the certificate.
func (s *Store) Load(path string) error {
	matches := findCertificates(path)
	for _, crtPath := range matches {
		keyPath := strings.TrimSuffix(crtPath, ".crt") + ".key"
		cert, err := tls.LoadX509KeyPair(crtPath, keyPath)
		if err != nil {
			continue
		}

		scope := filepath.Clean(crtPath)
		scope = strings.TrimPrefix(crtPath, filepath.Clean(path))
		scope = strings.TrimPrefix(scope, "/")
		scope = strings.TrimSuffix(scope, ".crt")
		s.Add(scope, cert)
	}
	s.SetPath(path)
	return nil
}

func findCertificates(path string) (matches []string) {
	filepath.Walk(path, func(path string, _ fs.FileInfo, err error) error {
		if filepath.Ext(path) == ".crt" {
			matches = append(matches, path)
		}
		return nil
	})
	return
}

// Entries returns a map of scopes to certificates.
func (s *Store) Entries() map[string]tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	certs := make(map[string]tls.Certificate)
	for key := range s.certs {
		certs[key] = s.certs[key]
	}
	return certs
}

// SetPath sets the path that new certificates will be written to.
func (s *Store) SetPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
}
