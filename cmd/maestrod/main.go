// Maestrod is the orchestration daemon: it accepts natural-language task
// submissions over HTTP, routes them through department crews, and
// persists every workflow step for crash recovery.
//
// Usage:
//
//	# Start with defaults (Ollama at localhost:11434, SQLite under
//	# ~/.local/share/maestro)
//	maestrod
//
//	# Start with a config file
//	maestrod --config ~/.config/maestro/config.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/config"
	"github.com/fyrsmithlabs/maestro/internal/department"
	"github.com/fyrsmithlabs/maestro/internal/engine"
	"github.com/fyrsmithlabs/maestro/internal/httpapi"
	"github.com/fyrsmithlabs/maestro/internal/inference"
	"github.com/fyrsmithlabs/maestro/internal/logging"
	"github.com/fyrsmithlabs/maestro/internal/memory"
	"github.com/fyrsmithlabs/maestro/internal/skills"
	"github.com/fyrsmithlabs/maestro/internal/store"
	"github.com/fyrsmithlabs/maestro/internal/telemetry"
	"github.com/fyrsmithlabs/maestro/internal/validation"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "maestrod",
	Short:        "Workflow orchestration daemon",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("maestrod by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
		cancel()
	}()

	return run(ctx)
}

// run wires every subsystem and blocks until the context is cancelled:
// config, logger, telemetry, store, inference, memory, skills,
// departments, validation, engine (with crash recovery), HTTP server.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting maestrod",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("inference_provider", cfg.Inference.Provider))

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	if degraded, reason := tel.Degraded(); degraded {
		logger.Warn("telemetry degraded", zap.String("reason", reason))
	}

	storePath, err := config.ExpandPath(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("resolve store path: %w", err)
	}
	st, err := store.Open(storePath, cfg.Store.BusyTimeout.Duration())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}()
	logger.Info("store opened", zap.String("path", st.Path()))

	models := config.NewModelAssignments(cfg)
	if cfg.Models.WatchPath != "" {
		stop, err := config.WatchAssignments(cfg.Models.WatchPath, models, logger)
		if err != nil {
			logger.Warn("model assignment watch unavailable",
				zap.String("path", cfg.Models.WatchPath), zap.Error(err))
		} else {
			defer func() {
				if err := stop(); err != nil {
					logger.Warn("stop assignment watch", zap.Error(err))
				}
			}()
		}
	}

	client, err := inference.NewClient(cfg.Inference, models, logger)
	if err != nil {
		return fmt.Errorf("create inference client: %w", err)
	}

	mem, err := initMemory(cfg, st, logger)
	if err != nil {
		return fmt.Errorf("initialize memory: %w", err)
	}

	registry, err := initSkills(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize skills: %w", err)
	}
	var skillNames []string
	for _, skill := range registry.List() {
		skillNames = append(skillNames, skill.Name())
	}
	logger.Info("skills registered", zap.Strings("skills", skillNames))

	departments, err := department.NewRegistry(department.DefaultCrews(department.Deps{
		Inference:        client,
		Skills:           registry,
		ApprovalRequired: cfg.Skills.ApprovalRequired,
		AgentTimeout:     cfg.Engine.AgentTimeout.Duration(),
		Logger:           logger,
	})...)
	if err != nil {
		return fmt.Errorf("create departments: %w", err)
	}

	// Analysis categories are deliberately not enum-checked here: an
	// unrecognized category must reach routing and take the fallback.
	validator := validation.New()
	validation.RegisterDefaults(validator, nil, departments.Names(), registry.Has)

	eng, err := engine.New(cfg.Engine, cfg.Departments, st, client,
		inference.PolicyFromConfig(cfg.Inference.Retry), validator, mem,
		departments, registry, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover unfinished tasks: %w", err)
	}

	srv, err := httpapi.NewServer(eng, st, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	logger.Info("maestrod shutdown complete")
	return nil
}

// engineMemory adapts the memory subsystem to the engine's Memory
// interface: reads go through the context manager, writes to long-term.
type engineMemory struct {
	manager *memory.Manager
	long    *memory.LongTerm
}

func (m *engineMemory) Build(ctx context.Context, sessionID, query string) (string, error) {
	return m.manager.Build(ctx, sessionID, query)
}

func (m *engineMemory) Store(ctx context.Context, sessionID, content string) (string, error) {
	return m.long.Store(ctx, sessionID, content)
}

func initMemory(cfg *config.Config, st *store.Store, logger *zap.Logger) (engine.Memory, error) {
	embedder, err := inference.NewEmbedder(cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	vectorPath, err := config.ExpandPath(cfg.Memory.VectorPath)
	if err != nil {
		return nil, fmt.Errorf("resolve vector path: %w", err)
	}
	long, err := memory.NewLongTerm(vectorPath, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	short := memory.NewShortTerm(st, cfg.Memory.ShortTermWindow)
	manager := memory.NewManager(short, long, cfg.Memory.ContextTokenBudget,
		cfg.Memory.TopK, logger)

	return &engineMemory{manager: manager, long: long}, nil
}

func initSkills(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*skills.Registry, error) {
	registry := skills.NewRegistry(logger)

	workspaceRoot, err := config.ExpandPath(cfg.Skills.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	fileSkill, err := skills.NewFileSkill(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("create file skill: %w", err)
	}
	if err := registry.Register(fileSkill); err != nil {
		return nil, err
	}

	if err := registry.Register(skills.NewCalculatorSkill()); err != nil {
		return nil, err
	}

	if cfg.Skills.ShellEnabled {
		shell := skills.NewShellSkill(true, workspaceRoot, cfg.Engine.SkillTimeout.Duration())
		if err := registry.Register(shell); err != nil {
			return nil, err
		}
	}

	if cfg.Skills.BrowserEnabled {
		browser, err := skills.NewBrowserSkill(true, workspaceRoot, cfg.Engine.SkillTimeout.Duration())
		if err != nil {
			return nil, fmt.Errorf("create browser skill: %w", err)
		}
		if err := registry.Register(browser); err != nil {
			return nil, err
		}
	}

	if cfg.Skills.SearchEndpoint != "" {
		search := skills.NewWebSearchSkill(cfg.Skills.SearchEndpoint,
			cfg.Engine.SkillTimeout.Duration())
		if err := registry.Register(search); err != nil {
			return nil, err
		}
	}

	if err := registry.Register(skills.NewGitHubSkill(ctx, cfg.Skills.GitHubToken)); err != nil {
		return nil, err
	}

	return registry, nil
}
