// Package supervisor runs the cstride compiler on behalf of a session: it
// writes the session's workspace file, spawns the compiler in its own process
// group, streams its output and reports how it exited.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/striderun/internal/logger"
	"github.com/codefionn/striderun/internal/metrics"
	"github.com/codefionn/striderun/internal/runconfig"
	"github.com/natefinch/atomic"
)

const (
	defaultCommand   = "cstride"
	defaultKillGrace = 5 * time.Second

	workspacePrefix    = "code_"
	workspaceExtension = ".sr"
)

// Options configures a Supervisor.
type Options struct {
	// CacheDir holds the per-session workspace files.
	CacheDir string
	// DebugPath and ReleasePath are tried, in that order, before Command.
	DebugPath   string
	ReleasePath string
	// Command is resolved through PATH when neither build path exists.
	Command string
	// KillGrace is how long Stop waits after SIGTERM before sending SIGKILL.
	// Zero selects the default, a negative value disables escalation.
	KillGrace time.Duration
	Logger    *logger.Logger
}

// Supervisor spawns and tracks compiler processes.
type Supervisor struct {
	opts Options
	log  *logger.Logger
}

// WorkspaceError reports a failure to materialize the source file.
type WorkspaceError struct {
	Path string
	Err  error
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func (e *WorkspaceError) Error() string {
	return "Failed to save code to file: " + whitespaceRun.ReplaceAllString(e.Err.Error(), " ")
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// SpawnError reports a failure to locate or start the compiler.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	if e.Executable == "" {
		return fmt.Sprintf("Failed to locate compiler: %v", e.Err)
	}
	return fmt.Sprintf("Failed to start compiler %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// New creates a supervisor. Zero-valued options fall back to defaults.
func New(opts Options) *Supervisor {
	if opts.Command == "" {
		opts.Command = defaultCommand
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(os.TempDir(), "striderun")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Supervisor{
		opts: opts,
		log:  log.WithPrefix("supervisor"),
	}
}

// CacheDir returns the directory holding workspace files.
func (s *Supervisor) CacheDir() string {
	return s.opts.CacheDir
}

// ResolveCompiler returns the compiler executable: the debug build if present,
// then the release build, then Command looked up on PATH.
func (s *Supervisor) ResolveCompiler() (string, error) {
	for _, candidate := range []string{s.opts.DebugPath, s.opts.ReleasePath} {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			if abs, absErr := filepath.Abs(candidate); absErr == nil {
				return abs, nil
			}
			return candidate, nil
		}
	}

	resolved, err := exec.LookPath(s.opts.Command)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// WorkspacePath returns the single source file owned by a session.
func (s *Supervisor) WorkspacePath(sessionID string) string {
	return filepath.Join(s.opts.CacheDir, workspacePrefix+sessionID+workspaceExtension)
}

// RemoveWorkspace deletes a session's workspace file if it exists.
func (s *Supervisor) RemoveWorkspace(sessionID string) error {
	if err := os.Remove(s.WorkspacePath(sessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Args builds the compiler argument list for a workspace file.
func Args(workspaceFile string, cfg runconfig.Configuration) []string {
	args := []string{"--compile", workspaceFile}
	if cfg.DebugMode {
		args = append(args, "--debug")
	}
	return args
}

// Start writes source to the session's workspace file and spawns the compiler
// with arguments derived from cfg. The process is stopped if ctx is cancelled
// before it exits.
func (s *Supervisor) Start(ctx context.Context, sessionID, source string, cfg runconfig.Configuration) (*Process, error) {
	path := s.WorkspacePath(sessionID)
	if err := s.writeWorkspace(path, source); err != nil {
		metrics.ProcessStarts.WithLabelValues(metrics.ReasonWorkspace).Inc()
		return nil, &WorkspaceError{Path: path, Err: err}
	}

	exe, err := s.ResolveCompiler()
	if err != nil {
		metrics.ProcessStarts.WithLabelValues(metrics.ReasonSpawn).Inc()
		return nil, &SpawnError{Err: err}
	}

	args := Args(path, cfg)
	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	configureProcessGroup(cmd)

	p, err := startProcess(cmd, s.opts.KillGrace, s.log)
	if err != nil {
		metrics.ProcessStarts.WithLabelValues(metrics.ReasonSpawn).Inc()
		return nil, &SpawnError{Executable: exe, Err: err}
	}
	metrics.ProcessStarts.WithLabelValues("ok").Inc()

	s.log.Info("started %s %s (pid=%d)", exe, strings.Join(args, " "), p.PID())

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.Done():
		}
	}()

	return p, nil
}

func (s *Supervisor) writeWorkspace(path, source string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, strings.NewReader(source)); err != nil {
		return err
	}
	s.log.Debug("wrote %s (%d bytes, xxh64=%016x)", path, len(source), xxhash.Sum64String(source))
	return nil
}
