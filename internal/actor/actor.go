package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/striderun/internal/logger"
)

var (
	// ErrStopped is returned when sending to an actor that has been stopped.
	ErrStopped = errors.New("actor is stopped")
	// ErrNotFound is returned by System for unknown actor ids.
	ErrNotFound = errors.New("actor not found")
)

// Message represents a message sent between actors
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start starts the actor
	Start(ctx context.Context) error
	// Stop stops the actor gracefully
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to an actor for sending messages. Messages are
// handled one at a time, in the order they were accepted into the mailbox.
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor
	health  *Health

	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context

	mu      sync.RWMutex
	started bool
	stopped bool
	closed  chan struct{}
}

// NewActorRef creates a new actor reference with the given ID, actor
// implementation and mailbox size.
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	return &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		health:  newHealth(id),
		closed:  make(chan struct{}),
	}
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Health returns the actor's health tracker.
func (ref *ActorRef) Health() *Health {
	return ref.health
}

// Send enqueues a message without blocking. It fails if the mailbox is full.
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s mailbox is full", ref.id)
	}
}

// SendContext enqueues a message, waiting for mailbox space until ctx is done
// or the actor stops.
func (ref *ActorRef) SendContext(ctx context.Context, msg Message) error {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()
	if stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	case <-ref.closed:
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.started {
		return fmt.Errorf("actor %s already started", ref.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}

	ref.ctx = ctx
	ref.cancel = cancel
	ref.started = true

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the loop, waits for the message in flight to finish and then
// calls the actor's Stop. Messages still queued are discarded. Calling Stop
// again is a no-op.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	close(ref.closed)
	cancel := ref.cancel
	ref.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			ref.health.recordActivity()
			if err := ref.actor.Receive(ctx, msg); err != nil {
				logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
				ref.health.recordError(err)
			}
		}
	}
}

// System manages a collection of actors
type System struct {
	actors map[string]*ActorRef
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates and starts a new actor
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int) (*ActorRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[id]; exists {
		return nil, fmt.Errorf("actor with id %s already exists", id)
	}

	ref := NewActorRef(id, actor, mailboxSize)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}

	s.actors[id] = ref
	return ref, nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// Len returns the number of live actors.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// Stop stops an actor by ID
func (s *System) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	ref, exists := s.actors[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("actor %s: %w", id, ErrNotFound)
	}
	delete(s.actors, id)
	s.mu.Unlock()

	return ref.Stop(ctx)
}

// HealthCheck returns a report for every actor in the system.
func (s *System) HealthCheck() map[string]HealthReport {
	s.mu.RLock()
	refs := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		refs = append(refs, ref)
	}
	s.mu.RUnlock()

	reports := make(map[string]HealthReport, len(refs))
	for _, ref := range refs {
		reports[ref.ID()] = ref.health.Report(len(ref.mailbox), cap(ref.mailbox))
	}
	return reports
}

// StopAll stops all actors in the system
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	actors := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		actors = append(actors, ref)
	}
	s.actors = make(map[string]*ActorRef)
	s.mu.Unlock()

	var firstErr error
	for _, ref := range actors {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
