// Package session implements the per-connection orchestrator. A Session is
// an actor: inbound commands and compiler output are both mailbox messages,
// so everything a client observes is produced by one goroutine in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefionn/striderun/internal/actor"
	"github.com/codefionn/striderun/internal/logger"
	"github.com/codefionn/striderun/internal/metrics"
	"github.com/codefionn/striderun/internal/protocol"
	"github.com/codefionn/striderun/internal/runconfig"
	"github.com/codefionn/striderun/internal/supervisor"
)

// DefaultMailboxSize bounds the number of queued messages per session.
const DefaultMailboxSize = 64

// TerminationRequested acknowledges a terminate command.
const TerminationRequested = "Process termination requested"

// ErrAlreadyRunning is reported when run arrives while a process is active.
var ErrAlreadyRunning = errors.New("a process is already running")

// State is the lifecycle state of a session.
type State int32

const (
	// StateIdle means no process is active
	StateIdle State = iota
	// StateRunning means a process is active
	StateRunning
	// StateTerminating means a stop was requested and the exit is pending
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Emitter delivers outbound envelopes to the session's client.
type Emitter interface {
	Emit(env protocol.Envelope) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(env protocol.Envelope) error

// Emit calls f(env).
func (f EmitterFunc) Emit(env protocol.Envelope) error {
	return f(env)
}

// Launcher starts compiler processes and owns their workspace files.
type Launcher interface {
	Start(ctx context.Context, sessionID, source string, cfg runconfig.Configuration) (*supervisor.Process, error)
	RemoveWorkspace(sessionID string) error
}

// Options configures a new Session.
type Options struct {
	ID          string
	Store       *runconfig.Store
	Launcher    Launcher
	Emitter     Emitter
	Logger      *logger.Logger
	MailboxSize int
}

// Session is the orchestrator for one client connection.
type Session struct {
	id       string
	store    *runconfig.Store
	launcher Launcher
	emitter  Emitter
	log      *logger.Logger

	sys *actor.System
	ref *actor.ActorRef
	ctx context.Context

	// proc is only touched by the actor loop and by Stop, which runs after
	// the loop has exited.
	proc  *supervisor.Process
	state atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

type inboundMessage struct {
	env protocol.Envelope
}

func (m *inboundMessage) Type() string { return "inbound:" + string(m.env.Type) }

type processEvent struct {
	proc  *supervisor.Process
	event supervisor.Event
}

func (m *processEvent) Type() string { return "process:" + m.event.Kind.String() }

// Spawn creates a session and starts it as an actor in sys.
func Spawn(ctx context.Context, sys *actor.System, opts Options) (*Session, error) {
	if opts.ID == "" {
		return nil, errors.New("session id is required")
	}
	if opts.Store == nil || opts.Launcher == nil || opts.Emitter == nil {
		return nil, errors.New("session requires a store, a launcher and an emitter")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	size := opts.MailboxSize
	if size <= 0 {
		size = DefaultMailboxSize
	}

	s := &Session{
		id:       opts.ID,
		store:    opts.Store,
		launcher: opts.Launcher,
		emitter:  opts.Emitter,
		log:      log.WithPrefix("session:" + opts.ID),
		sys:      sys,
	}

	ref, err := sys.Spawn(ctx, opts.ID, s, size)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn session %s: %w", opts.ID, err)
	}
	s.ref = ref
	metrics.SessionsActive.Inc()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("state %s -> %s", prev, st)
	}
}

// HandleEnvelope queues a decoded inbound envelope. It blocks while the
// mailbox is full.
func (s *Session) HandleEnvelope(ctx context.Context, env protocol.Envelope) error {
	return s.ref.SendContext(ctx, &inboundMessage{env: env})
}

// Close stops the session: the active process is signalled and the
// workspace file removed. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		err := s.sys.Stop(ctx, s.id)
		if errors.Is(err, actor.ErrNotFound) {
			// Already removed by System.StopAll
			err = s.ref.Stop(ctx)
		}
		s.closeErr = err
	})
	return s.closeErr
}

// Start implements actor.Actor.
func (s *Session) Start(ctx context.Context) error {
	s.ctx = ctx
	s.log.Debug("session started")
	return nil
}

// Stop implements actor.Actor. It runs once the message loop has exited.
func (s *Session) Stop(ctx context.Context) error {
	defer metrics.SessionsActive.Dec()

	if p := s.proc; p != nil {
		s.proc = nil
		p.Stop()
		select {
		case <-p.Done():
		case <-ctx.Done():
			s.log.Warn("pid %d still running while closing: %v", p.PID(), ctx.Err())
		}
	}
	s.setState(StateIdle)

	if err := s.launcher.RemoveWorkspace(s.id); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	s.log.Debug("session closed")
	return nil
}

// Receive implements actor.Actor.
func (s *Session) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *inboundMessage:
		s.handleInbound(m.env)
	case *processEvent:
		s.handleProcessEvent(m)
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}

func (s *Session) handleInbound(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRun:
		s.run(env.Message)
	case protocol.TypeTerminate:
		s.terminate()
	case protocol.TypeGetConfig:
		s.emit(protocol.New(protocol.TypeUpdateConfig, s.store.Get().JSON()))
	case protocol.TypeUpdateConfig:
		if _, err := s.store.Apply(env.Message); err != nil {
			s.reject(metrics.ReasonConfig, "Failed to parse config JSON: "+err.Error())
		}
	default:
		s.reject(metrics.ReasonProtocol, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Session) run(source string) {
	if s.proc != nil {
		s.reject(metrics.ReasonAlreadyRunning, ErrAlreadyRunning.Error())
		return
	}

	p, err := s.launcher.Start(s.ctx, s.id, source, s.store.Get())
	if err != nil {
		reason := metrics.ReasonSpawn
		var wsErr *supervisor.WorkspaceError
		if errors.As(err, &wsErr) {
			reason = metrics.ReasonWorkspace
		}
		s.log.Warn("run failed: %v", err)
		s.reject(reason, err.Error())
		return
	}

	s.proc = p
	s.setState(StateRunning)
	go s.forward(p)
}

func (s *Session) terminate() {
	if s.State() != StateRunning {
		s.log.Debug("terminate ignored in state %s", s.State())
		return
	}
	s.proc.Stop()
	s.setState(StateTerminating)
	s.emit(protocol.New(protocol.TypeTerminated, TerminationRequested))
}

func (s *Session) handleProcessEvent(m *processEvent) {
	if m.proc != s.proc {
		s.log.Debug("dropping %s event of a stale process", m.event.Kind)
		return
	}

	switch m.event.Kind {
	case supervisor.EventStdout:
		s.emit(protocol.New(protocol.TypeStdout, m.event.Data))
	case supervisor.EventStderr:
		s.emit(protocol.New(protocol.TypeStderr, m.event.Data))
	case supervisor.EventExit:
		s.proc = nil
		s.setState(StateIdle)
		s.emit(protocol.New(protocol.TypeTerminated, m.event.Exit.String()))
	}
}

// forward copies a process's events into the mailbox. Once the session is
// gone it keeps draining so the process can still be reaped.
func (s *Session) forward(p *supervisor.Process) {
	for ev := range p.Events() {
		if err := s.ref.SendContext(s.ctx, &processEvent{proc: p, event: ev}); err != nil {
			s.log.Debug("discarding %s event: %v", ev.Kind, err)
		}
	}
}

func (s *Session) reject(reason, message string) {
	metrics.Rejections.WithLabelValues(reason).Inc()
	s.emit(protocol.New(protocol.TypeStderr, message))
}

func (s *Session) emit(env protocol.Envelope) {
	if err := s.emitter.Emit(env); err != nil {
		s.log.Warn("failed to deliver %s: %v", env.Type, err)
	}
}
