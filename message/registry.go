package message

import (
	"fmt"
	"sync"
)

// Registry is a thread-safe, process-wide type-ID-to-factory map, the
// "global message-type registry" of §9 scoped to a single instance rather
// than hung off package-level state — applications own one Registry
// (usually one per Router) and register factories at startup.
//
// This corresponds to the teacher's approach of keying packet handling by
// a small fixed set of payload-type constants (core/codec/packet.go);
// Registry generalizes that to an open, application-extensible type-ID
// string keyspace.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	ignored   map[string]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		ignored:   make(map[string]bool),
	}
}

// Register associates typeID with factory. Registering the same typeID
// again replaces the previous factory — this mirrors the dispatcher's
// idempotent-reflection rule elsewhere in the router: re-registering the
// same logical type is not an error.
func (r *Registry) Register(typeID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ignored, typeID)
	r.factories[typeID] = factory
}

// Ignore marks typeID so that it is never instantiated even if a factory
// was previously registered for it — the registration-time "ignore" tag
// from §4.2. Frames carrying an ignored type ID become envelopes exactly
// as if nothing were registered for them.
func (r *Registry) Ignore(typeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, typeID)
	r.ignored[typeID] = true
}

// New constructs a fresh Payload for typeID, or nil if typeID is
// unregistered or marked ignored — the caller should fall back to an
// envelope in that case.
func (r *Registry) New(typeID string) Payload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ignored[typeID] {
		return nil
	}
	factory, ok := r.factories[typeID]
	if !ok {
		return nil
	}
	return factory()
}

// Registered reports whether typeID currently has a live (non-ignored)
// factory.
func (r *Registry) Registered(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ignored[typeID] {
		return false
	}
	_, ok := r.factories[typeID]
	return ok
}

// ErrUnregisteredMessageType is returned by sender-side type lookups
// (e.g. an application asking to build a Message from a type ID it never
// registered). Framing itself never returns this — unknown incoming
// types become envelopes instead (§4.2, §7).
type ErrUnregisteredMessageType struct {
	TypeID string
}

func (e *ErrUnregisteredMessageType) Error() string {
	return fmt.Sprintf("message: unregistered message type %q", e.TypeID)
}

// NewRegistered builds a Message wrapping a freshly constructed Payload
// for typeID. Returns *ErrUnregisteredMessageType if typeID was never
// registered — this is the sender-visible error path named in §7.
func (r *Registry) NewRegistered(typeID string) (*Message, error) {
	p := r.New(typeID)
	if p == nil {
		return nil, &ErrUnregisteredMessageType{TypeID: typeID}
	}
	return &Message{TypeID: typeID, Body: p}, nil
}
