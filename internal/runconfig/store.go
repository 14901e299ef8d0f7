// Package runconfig holds the run configuration shared by every session of
// a server instance. All access goes through Store.
package runconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Configuration is an immutable snapshot of the run configuration.
type Configuration struct {
	DebugMode bool `json:"debugMode"`
}

// JSON renders the snapshot in wire form.
func (c Configuration) JSON() string {
	data, err := json.Marshal(c)
	if err != nil {
		// A struct of booleans always marshals.
		panic(fmt.Sprintf("runconfig: marshal configuration: %v", err))
	}
	return string(data)
}

// Partial is a configuration update. Nil fields keep their stored value.
type Partial struct {
	DebugMode *bool `json:"debugMode"`
}

// ValidationError reports which check an update payload failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// ParsePartial decodes an update_config payload. The payload must be a JSON
// object; known keys must carry the right JSON type, unknown keys are ignored.
func ParsePartial(message string) (Partial, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(message), &raw); err != nil {
		return Partial{}, &ValidationError{Reason: fmt.Sprintf("payload must be a JSON object: %v", err)}
	}
	if raw == nil {
		return Partial{}, &ValidationError{Reason: "payload must be a JSON object, got null"}
	}

	var p Partial
	if value, ok := raw["debugMode"]; ok {
		b, err := decodeBool(value)
		if err != nil {
			return Partial{}, &ValidationError{Field: "debugMode", Reason: "must be a boolean"}
		}
		p.DebugMode = &b
	}
	return p, nil
}

func decodeBool(value json.RawMessage) (bool, error) {
	switch string(bytes.TrimSpace(value)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errors.New("not a boolean")
	}
}

// Store is the mutex-guarded configuration shared across sessions.
type Store struct {
	// notifyMu orders writes together with their notifications, so
	// subscribers observe snapshots in the order they were stored.
	notifyMu sync.Mutex

	mu          sync.Mutex
	current     Configuration
	subscribers map[int]func(Configuration)
	nextID      int
}

// NewStore creates a store holding initial.
func NewStore(initial Configuration) *Store {
	return &Store{
		current:     initial,
		subscribers: make(map[int]func(Configuration)),
	}
}

// Get returns the current snapshot.
func (s *Store) Get() Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set merges p into the stored configuration and returns the result.
// Subscribers are called synchronously and must not call Set. Readers are
// not blocked while subscribers run.
func (s *Store) Set(p Partial) Configuration {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if p.DebugMode != nil {
		s.current.DebugMode = *p.DebugMode
	}
	snapshot := s.current
	subs := make([]func(Configuration), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return snapshot
}

// Apply parses an update_config payload and merges it. On error the store is
// left unchanged.
func (s *Store) Apply(message string) (Configuration, error) {
	p, err := ParsePartial(message)
	if err != nil {
		return Configuration{}, err
	}
	return s.Set(p), nil
}

// Subscribe registers fn to receive every snapshot produced by Set. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Configuration)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}
