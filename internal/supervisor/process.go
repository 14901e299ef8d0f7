package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/codefionn/striderun/internal/logger"
	"github.com/codefionn/striderun/internal/metrics"
)

const readBufferSize = 4096

// EventKind identifies what a process Event carries.
type EventKind int

const (
	// EventStdout carries a chunk of standard output
	EventStdout EventKind = iota
	// EventStderr carries a chunk of standard error
	EventStderr
	// EventExit is the last event of every process
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
	// Signal names the terminating signal, if any.
	Signal string
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "Process terminated by signal " + s.Signal
	}
	return fmt.Sprintf("Process exited with status code %d", s.Code)
}

func (s ExitStatus) outcome() string {
	switch {
	case s.Signal != "":
		return "signal"
	case s.Code == 0:
		return "success"
	default:
		return "failure"
	}
}

// Event is one item of a process's output stream.
type Event struct {
	Kind EventKind
	Data string
	Exit ExitStatus
}

// Process is a running compiler invocation.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	grace     time.Duration
	startedAt time.Time
	log       *logger.Logger

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	exited    bool
	stopping  bool
	killTimer *time.Timer
	status    ExitStatus
}

func startProcess(cmd *exec.Cmd, grace time.Duration, log *logger.Logger) (*Process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		grace:     grace,
		startedAt: time.Now(),
		log:       log,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
	metrics.ProcessesRunning.Inc()

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, EventStdout, &readers)
	go p.pump(stderr, EventStderr, &readers)
	go p.wait(&readers)

	return p, nil
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.pid
}

// Events returns the ordered output stream. Stdout and stderr chunks appear
// in the order they were read; a single EventExit follows once both streams
// are drained, after which the channel is closed. Callers must drain it.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Done is closed once the process has exited and its exit event was queued.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Status returns the exit status. Only meaningful after Done is closed.
func (p *Process) Status() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop asks the process to terminate with SIGTERM and escalates to SIGKILL
// after the grace period. It does not wait for the process to exit. Calling
// Stop more than once, or after exit, does nothing.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.stopping {
		return
	}
	p.stopping = true

	if err := terminate(p.cmd); err != nil {
		p.log.Warn("failed to terminate pid %d: %v", p.pid, err)
	}
	if p.grace > 0 {
		p.killTimer = time.AfterFunc(p.grace, p.forceKill)
	}
}

func (p *Process) forceKill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return
	}
	p.log.Warn("pid %d still running after %s, sending SIGKILL", p.pid, p.grace)
	if err := kill(p.cmd); err != nil {
		p.log.Warn("failed to kill pid %d: %v", p.pid, err)
	}
}

func (p *Process) pump(r io.Reader, kind EventKind, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, readBufferSize)
	// pending holds a multi-byte character cut off by the previous read.
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			if len(pending) > 0 {
				data = append(pending, data...)
				pending = nil
			}
			cut := completeRunes(data)
			if cut > 0 {
				p.events <- Event{Kind: kind, Data: string(data[:cut])}
			}
			if cut < len(data) {
				pending = append([]byte(nil), data[cut:]...)
			}
		}
		if err != nil {
			if len(pending) > 0 {
				p.events <- Event{Kind: kind, Data: string(pending)}
			}
			if !errors.Is(err, io.EOF) {
				p.log.Debug("pid %d %s read ended: %v", p.pid, kind, err)
			}
			return
		}
	}
}

// completeRunes returns the length of the longest prefix of b that does not
// end in the middle of a UTF-8 encoded character. Invalid bytes count as
// complete.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// wait reaps the process once both pipes are drained. exec requires all
// reads to finish before Wait is called.
func (p *Process) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	status := exitStatus(p.cmd, err)

	p.mu.Lock()
	p.exited = true
	p.status = status
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.mu.Unlock()

	metrics.ProcessesRunning.Dec()
	metrics.ProcessExits.WithLabelValues(status.outcome()).Inc()
	metrics.ProcessDuration.Observe(time.Since(p.startedAt).Seconds())
	p.log.Info("pid %d: %s", p.pid, status)

	p.events <- Event{Kind: EventExit, Exit: status}
	close(p.events)
	close(p.done)
}

func exitStatus(cmd *exec.Cmd, waitErr error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1}
	}
	if sig := signalName(state); sig != "" {
		return ExitStatus{Code: -1, Signal: sig}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return ExitStatus{Code: -1}
		}
	}
	return ExitStatus{Code: state.ExitCode()}
}
