// Package registry maps a logical user identity to its single live transport
// channel. Bindings follow last-connect-wins: announcing an identity on a new
// connection silently replaces the previous binding, which supports tab
// refresh and reconnect without an explicit logout.
package registry

import "sync"

// Channel is the minimal write surface the registry tracks. It is satisfied
// by *ws.Connection; tests substitute in-memory fakes.
type Channel interface {
	WriteMessage(data []byte) error
}

// Registry is the goroutine-safe bidirectional identity <-> channel map.
// Reverse lookup on disconnect is O(1) via the channel-keyed map; the two
// maps are always mutated together under the same lock.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]Channel
	byChannel  map[Channel]string

	onOnline  func(identity string)
	onOffline func(identity string)
}

// New creates an empty Registry. The callbacks are invoked (outside any
// internal lock) on presence transitions: onOnline when an identity goes from
// no binding to bound, onOffline when its last binding is removed. Either may
// be nil.
func New(onOnline, onOffline func(identity string)) *Registry {
	return &Registry{
		byIdentity: make(map[string]Channel),
		byChannel:  make(map[Channel]string),
		onOnline:   onOnline,
		onOffline:  onOffline,
	}
}

// Bind registers ch as the live channel for identity, replacing any previous
// binding for that identity. The operation is total: binding an already-bound
// identity is not an error. The online callback fires only when the identity
// had no binding before, so a reconnect replacing a still-live channel does
// not produce a spurious transition. When the same channel re-announces as a
// different identity, the previous identity loses its only binding and the
// offline callback fires for it.
func (r *Registry) Bind(identity string, ch Channel) {
	var wentOffline string

	r.mu.Lock()
	_, wasOnline := r.byIdentity[identity]
	if old, ok := r.byIdentity[identity]; ok && old != ch {
		// Drop the stale reverse entry so the old channel's eventual
		// disconnect does not unbind the fresh channel.
		delete(r.byChannel, old)
	}
	if prev, ok := r.byChannel[ch]; ok && prev != identity {
		// The same connection re-announced as a different identity. The maps
		// are mutated together, so ch was prev's only binding and prev is
		// going offline.
		delete(r.byIdentity, prev)
		wentOffline = prev
	}
	r.byIdentity[identity] = ch
	r.byChannel[ch] = identity
	r.mu.Unlock()

	if wentOffline != "" && r.onOffline != nil {
		r.onOffline(wentOffline)
	}
	if !wasOnline && r.onOnline != nil {
		r.onOnline(identity)
	}
}

// Unbind removes whatever identity currently maps to ch. If ch carries no
// binding (never announced, or already replaced by a reconnect) this is a
// no-op and no offline callback fires.
func (r *Registry) Unbind(ch Channel) {
	r.mu.Lock()
	identity, ok := r.byChannel[ch]
	if ok {
		delete(r.byChannel, ch)
		// Only clear the forward entry if it still points at this channel.
		if r.byIdentity[identity] == ch {
			delete(r.byIdentity, identity)
		}
	}
	r.mu.Unlock()

	if ok && r.onOffline != nil {
		r.onOffline(identity)
	}
}

// ChannelFor returns the live channel for identity, or false if the identity
// has no binding.
func (r *Registry) ChannelFor(identity string) (Channel, bool) {
	r.mu.RLock()
	ch, ok := r.byIdentity[identity]
	r.mu.RUnlock()
	return ch, ok
}

// IdentityFor returns the identity bound to ch, or false if the channel never
// announced one.
func (r *Registry) IdentityFor(ch Channel) (string, bool) {
	r.mu.RLock()
	identity, ok := r.byChannel[ch]
	r.mu.RUnlock()
	return identity, ok
}

// Online reports whether the identity currently has a live channel.
func (r *Registry) Online(identity string) bool {
	_, ok := r.ChannelFor(identity)
	return ok
}

// Count returns the number of live bindings.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byIdentity)
	r.mu.RUnlock()
	return n
}
