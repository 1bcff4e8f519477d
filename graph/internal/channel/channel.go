// Package channel implements the versioned state cells the scheduler reads
// and writes each superstep.
package channel

import (
	"errors"
	"fmt"
	"sync"
)

// Errors reported by channel operations. The graph package re-exports these
// at the API boundary.
var (
	// ErrConflict reports multiple same-superstep writes to a channel that
	// has no reducer to merge them.
	ErrConflict = errors.New("conflicting channel updates")
	// ErrEmpty reports a read of a channel that has never been written.
	ErrEmpty = errors.New("channel has never been written")
)

// Reducer merges an existing channel value with an update. A nil Reducer
// means plain overwrite, with same-superstep write conflicts rejected.
type Reducer func(existing, update any) any

// Channel is a named, versioned cell holding one piece of shared graph state.
// Versions increase monotonically with every committed update; Available
// reports whether the channel has ever been written.
type Channel struct {
	mu        sync.RWMutex
	name      string
	value     any
	version   int64
	available bool
	reducer   Reducer
}

// New creates a channel. reducer may be nil for overwrite semantics.
func New(name string, reducer Reducer) *Channel {
	return &Channel{name: name, reducer: reducer}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Update folds one superstep's writes into the channel and bumps the version.
// With no reducer a single write overwrites the value; more than one write is
// a conflict. With a reducer, writes fold left-to-right in the given order.
// Returns true if the channel changed.
func (c *Channel) Update(values []any) (bool, error) {
	if len(values) == 0 {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reducer == nil {
		if len(values) > 1 {
			return false, fmt.Errorf(
				"%w: channel %q received %d writes in one superstep and has no reducer",
				ErrConflict, c.name, len(values))
		}
		c.value = values[0]
	} else {
		merged := c.value
		if !c.available {
			merged = nil
		}
		for _, v := range values {
			merged = c.reducer(merged, v)
		}
		c.value = merged
	}
	c.version++
	c.available = true
	return true, nil
}

// Get returns the current value, or ErrEmpty if the channel has never been
// written.
func (c *Channel) Get() (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.available {
		return nil, fmt.Errorf("%w: %q", ErrEmpty, c.name)
	}
	return c.value, nil
}

// Version returns the channel's version counter.
func (c *Channel) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// IsAvailable reports whether the channel has ever been written.
func (c *Channel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// Restore overwrites the channel from a checkpoint snapshot.
func (c *Channel) Restore(value any, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.version = version
	c.available = true
}

// Manager owns the channel set of one execution context.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]*Channel)}
}

// Add registers a channel with the given reducer. Adding an existing name
// keeps the original channel.
func (m *Manager) Add(name string, reducer Reducer) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch := New(name, reducer)
	m.channels[name] = ch
	return ch
}

// Get returns the channel with the given name.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Read returns the value of a named channel, ErrEmpty if it has never been
// written and an error if the channel does not exist.
func (m *Manager) Read(name string) (any, error) {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEmpty, name)
	}
	return ch.Get()
}

// Values returns the values of every available channel.
func (m *Manager) Values() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make(map[string]any, len(m.channels))
	for name, ch := range m.channels {
		if v, err := ch.Get(); err == nil {
			values[name] = v
		}
	}
	return values
}

// Versions returns the version of every available channel.
func (m *Manager) Versions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := make(map[string]int64, len(m.channels))
	for name, ch := range m.channels {
		if ch.IsAvailable() {
			versions[name] = ch.Version()
		}
	}
	return versions
}

// Restore loads channel values and versions from a checkpoint snapshot.
// Channels not yet registered are created without a reducer.
func (m *Manager) Restore(values map[string]any, versions map[string]int64) {
	for name, value := range values {
		ch := m.Add(name, nil)
		ch.Restore(value, versions[name])
	}
}
