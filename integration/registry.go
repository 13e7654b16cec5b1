// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package integration

import (
	"sort"
	"sync"

	"github.com/iKaew/hass-linkstation-addon/config"

	"github.com/pkg/errors"
)

// Registry tracks running integrations by entry name, and removes them when
// they are unloaded.
//
// Registry is safe for concurrent use. The zero value is an empty registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// Add registers i. It returns config.ErrAlreadyConfigured if a running
// integration with the same entry name is registered.
func (reg *Registry) Add(i *Integration) error {
	name := i.Name()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	// Unregister any entries that are currently done, under lock, so that a
	// replacement for an unloading integration isn't rejected as a duplicate.
	reg.unregisterDoneEntriesLocked()

	if e := reg.entries[name]; e != nil {
		if e.integration == i {
			return nil
		}
		return errors.Wrapf(config.ErrAlreadyConfigured, "%q", name)
	}

	e := &registryEntry{
		reg:         reg,
		integration: i,
		name:        name,
	}
	if reg.entries == nil {
		reg.entries = make(map[string]*registryEntry)
	}
	reg.entries[name] = e

	// Unregister the integration from the Registry when it is done.
	go e.manageEntryLifecycle()
	return nil
}

// Get returns the running integration for the named entry, or nil if there
// is none.
func (reg *Registry) Get(name string) *Integration {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	e := reg.entries[name]
	if e == nil || e.integration.isDone() {
		return nil
	}
	return e.integration
}

// All returns all running integrations, sorted by entry name.
func (reg *Registry) All() []*Integration {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	result := make([]*Integration, 0, len(reg.entries))
	for _, e := range reg.entries {
		if !e.integration.isDone() {
			result = append(result, e.integration)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

func (reg *Registry) unregisterDoneEntriesLocked() {
	for _, e := range reg.entries {
		if e.integration.isDone() {
			reg.unregisterEntryLocked(e)
		}
	}
}

func (reg *Registry) unregisterEntry(e *registryEntry) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.unregisterEntryLocked(e)
}

func (reg *Registry) unregisterEntryLocked(e *registryEntry) {
	if re := reg.entries[e.name]; re != e {
		// Already unregistered, or replaced.
		return
	}
	delete(reg.entries, e.name)
}

type registryEntry struct {
	reg         *Registry
	integration *Integration
	name        string
}

func (e *registryEntry) manageEntryLifecycle() {
	<-e.integration.DoneC()
	e.reg.unregisterEntry(e)
}
