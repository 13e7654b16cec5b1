// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sensor

// Restorer looks up previously persisted sensor states.
type Restorer interface {
	// Lookup returns the persisted State for uniqueID, if there is one.
	Lookup(uniqueID string) (State, bool)
}

// Restore loads b's persisted state from r. It has no effect if r has no
// state for b or if b has already received a live update.
//
// Restore returns true if a state was restored.
func (b *Binding) Restore(r Restorer) bool {
	if r == nil {
		return false
	}
	st, ok := r.Lookup(b.uniqueID)
	if !ok || st.Metric != b.desc.Key {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.live {
		return false
	}
	b.value, b.available, b.restored = st.Value, st.Available, true
	for k, v := range st.Attributes {
		b.attrs[k] = v
	}
	return true
}
