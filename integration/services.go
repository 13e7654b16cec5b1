// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package integration

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownService is returned when calling a service that isn't
// registered.
var ErrUnknownService = errors.New("unknown service")

// Handler performs a service call.
type Handler func(c context.Context) error

type serviceKey struct {
	domain string
	name   string
}

// Services is a registry of callable services, keyed by domain and name.
//
// Services is safe for concurrent use. The zero value is an empty registry.
type Services struct {
	mu       sync.RWMutex
	handlers map[serviceKey]Handler
}

// Register installs h as the handler for domain/name, replacing any existing
// handler.
func (s *Services) Register(domain, name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[serviceKey]Handler)
	}
	s.handlers[serviceKey{domain, name}] = h
}

// Remove removes the handler for domain/name, if one is registered.
func (s *Services) Remove(domain, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, serviceKey{domain, name})
}

// Has returns true if a handler is registered for domain/name.
func (s *Services) Has(domain, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[serviceKey{domain, name}]
	return ok
}

// Call invokes the handler registered for domain/name.
func (s *Services) Call(c context.Context, domain, name string) error {
	s.mu.RLock()
	h := s.handlers[serviceKey{domain, name}]
	s.mu.RUnlock()

	if h == nil {
		return errors.Wrapf(ErrUnknownService, "%s.%s", domain, name)
	}
	return h(c)
}

// Domains returns the sorted set of domains with registered services.
func (s *Services) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.handlers))
	domains := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		if _, ok := seen[k.domain]; !ok {
			seen[k.domain] = struct{}{}
			domains = append(domains, k.domain)
		}
	}
	sort.Strings(domains)
	return domains
}
