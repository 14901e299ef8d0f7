package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/codefionn/striderun/internal/config"
	"github.com/codefionn/striderun/internal/logger"
	"github.com/codefionn/striderun/internal/pidfile"
	"github.com/codefionn/striderun/internal/runconfig"
	"github.com/codefionn/striderun/internal/supervisor"
	"github.com/codefionn/striderun/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveAddr        string
	serveCacheDir    string
	serveCompiler    string
	serveDebugPath   string
	serveRelease     string
	serveLogLevel    string
	serveLogPath     string
	serveDebugMode   bool
	servePIDFile     string
	serveWatchConfig bool
)

// serveCmd runs the WebSocket server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compile-and-run WebSocket server",
	Long: `Start the HTTP server exposing /ws for editor sessions, /healthz and /metrics.

Settings are read from the configuration file, then STRIDERUN_* environment
variables, then command line flags.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&serveCacheDir, "cache-dir", "", "Directory for session workspace files")
	serveCmd.Flags().StringVar(&serveCompiler, "compiler", "", "Compiler command looked up on PATH (default cstride)")
	serveCmd.Flags().StringVar(&serveDebugPath, "compiler-debug", "", "Path to a debug build of the compiler, preferred when present")
	serveCmd.Flags().StringVar(&serveRelease, "compiler-release", "", "Path to a release build of the compiler")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	serveCmd.Flags().StringVar(&serveLogPath, "log-path", "", "Log file path, - for stderr")
	serveCmd.Flags().BoolVar(&serveDebugMode, "debug-mode", false, "Start with debugMode enabled")
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "Write the server PID to this file")
	serveCmd.Flags().BoolVar(&serveWatchConfig, "watch-config", true, "Reload the configuration file when it changes")
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := resolveConfigPath()

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = serveAddr
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = serveCacheDir
	}
	if flags.Changed("compiler") {
		cfg.Compiler.Command = serveCompiler
	}
	if flags.Changed("compiler-debug") {
		cfg.Compiler.DebugPath = serveDebugPath
	}
	if flags.Changed("compiler-release") {
		cfg.Compiler.ReleasePath = serveRelease
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}
	if flags.Changed("log-path") {
		cfg.LogPath = serveLogPath
	}
	if flags.Changed("debug-mode") {
		cfg.Run.DebugMode = serveDebugMode
	}
	if flags.Changed("pid-file") {
		cfg.PIDFile = servePIDFile
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	if cfg.PIDFile != "" {
		pf, err := pidfile.Acquire(cfg.PIDFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				logger.Warn("Failed to remove pidfile: %v", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	sup := supervisor.New(supervisor.Options{
		CacheDir:    cfg.CacheDir,
		DebugPath:   cfg.Compiler.DebugPath,
		ReleasePath: cfg.Compiler.ReleasePath,
		Command:     cfg.Compiler.Command,
		KillGrace:   cfg.Compiler.KillGrace(),
	})
	if compiler, err := sup.ResolveCompiler(); err != nil {
		logger.Warn("Compiler %q not found yet: %v", cfg.Compiler.Command, err)
	} else {
		logger.Info("Using compiler at %s", compiler)
	}

	store := runconfig.NewStore(runconfig.Configuration{DebugMode: cfg.Run.DebugMode})

	srv, err := web.NewServer(web.Options{
		Addr:           cfg.Addr,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Store:          store,
		Launcher:       sup,
	})
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	if serveWatchConfig {
		if _, err := os.Stat(filepath.Dir(cfgPath)); err == nil {
			fileCfg, err := config.Load(cfgPath)
			if err != nil {
				fileCfg = cfg
			}
			reload := newReloader(store, fileCfg)
			g.Go(func() error {
				err := config.Watch(ctx, cfgPath, reload.apply)
				if err != nil {
					logger.Warn("Config reload disabled: %v", err)
				}
				return nil
			})
		} else {
			logger.Debug("Not watching %s: %v", cfgPath, err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// reloader pushes the reloadable part of a changed config file into the
// store. Everything else requires a restart. A value is pushed only when the
// file itself changed it, so a debugMode set by a client survives saves that
// touch other keys.
type reloader struct {
	store     *runconfig.Store
	debugMode bool
}

// newReloader starts from the values of the file as loaded, without flag
// overrides, so a flag only loses to an actual edit of the file.
func newReloader(store *runconfig.Store, loaded *config.Config) *reloader {
	return &reloader{store: store, debugMode: loaded.Run.DebugMode}
}

func (r *reloader) apply(next *config.Config) {
	if next.Run.DebugMode == r.debugMode {
		return
	}
	r.debugMode = next.Run.DebugMode
	debugMode := next.Run.DebugMode
	r.store.Set(runconfig.Partial{DebugMode: &debugMode})
	logger.Info("debugMode set to %t from config file", debugMode)
}
