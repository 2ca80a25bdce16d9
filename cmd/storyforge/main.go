// Command storyforge turns an idea into a graph of user stories and drives
// them to completion through external planning, generation and
// verification commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/collab"
	"github.com/msageha/storyforge/internal/config"
	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/knowledge"
	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/metrics"
	"github.com/msageha/storyforge/internal/notify"
	"github.com/msageha/storyforge/internal/orchestrator"
)

var version = "dev"

const (
	defaultDir      = ".storyforge"
	journalFile     = "events.jsonl"
	eventBufferSize = 256
)

var (
	stateDir   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "storyforge",
	Short: "Plan and execute work items as a dependency graph of stories",
	Long: `storyforge assesses an idea, plans it into user stories with
dependencies, and executes ready stories in parallel with an iterative
test-first loop. Failures climb an escalation ladder until the story
completes or a human question is recorded.

State lives in a single directory (default .storyforge) that several
processes may share.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "dir", defaultDir, "state directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <dir>/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds everything a command needs once the state directory is open.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	svc      *orchestrator.Service
	registry *prometheus.Registry

	// configured reports whether generation and verification commands exist.
	configured bool

	closers []func() error
}

// openApp loads configuration and wires the stores, event journal and
// collaborator commands into an orchestrator service.
func openApp() (*app, error) {
	cfg, err := config.Load(stateDir, configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.closers = append(a.closers, logger.Sync)

	ms, err := metrics.Open(filepath.Join(stateDir, metrics.FileName))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, ms.Close)

	bus := events.NewBus(eventBufferSize)
	journal, err := events.NewJournal(filepath.Join(stateDir, journalFile), cfg.Store.JournalMaxSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	journal.Attach(bus, func(err error) {
		logger.Warn(context.Background(), "journal write failed", zap.Error(err))
	})
	if cfg.Notify.Enabled {
		notify.Attach(bus, nil, logger.Named("notify"))
	}
	a.closers = append(a.closers, func() error {
		bus.Close()
		if n := bus.Dropped(); n > 0 {
			logger.Warn(context.Background(), "events dropped by slow subscribers", zap.Uint64("dropped", n))
		}
		return journal.Close()
	})

	c := cfg.Collaborators
	runner := collab.NewRunner(cfg.Project.Root, c.RateLimit, c.Burst, logger.Named("collab"))
	opts := orchestrator.Options{
		Metrics:    ms,
		Knowledge:  knowledge.NewStore(stateDir, logger.Named("knowledge")),
		Collectors: metrics.NewCollectors(a.registry),
		Events:     bus,
		Logger:     logger,
		Planner:    collab.StaticPlanner{},
	}
	if c.Planning.Configured() {
		opts.Planning = &collab.CommandPlanning{Runner: runner, Command: c.Planning}
	}
	if c.Planner.Configured() {
		opts.Planner = &collab.CommandPlanner{Runner: runner, Command: c.Planner}
	}
	if c.Generator.Configured() && c.Verifier.Configured() {
		workspace := c.Workspace
		if workspace == "" {
			workspace = cfg.Project.Root
		}
		opts.Generator = &collab.CommandGenerator{Runner: runner, Command: c.Generator}
		opts.Verifier = &collab.CommandVerifier{Runner: runner, Command: c.Verifier, Workspace: workspace}
		a.configured = true
	}

	a.svc = orchestrator.New(stateDir, cfg, opts)
	return a, nil
}

// requireCollaborators fails commands that execute stories when no
// generator or verifier is configured.
func (a *app) requireCollaborators() error {
	if a.configured {
		return nil
	}
	return errors.New("collaborators.generator and collaborators.verifier must be configured to execute stories")
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
