package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/storyforge/internal/api"
	"github.com/msageha/storyforge/internal/config"
	"github.com/msageha/storyforge/internal/events"
	"github.com/msageha/storyforge/internal/graph"
	"github.com/msageha/storyforge/internal/orchestrator"
	"github.com/msageha/storyforge/internal/status"
)

var (
	submitForce   bool
	statusJSON    bool
	resumeMaxIter int
	resumeWorkers int
	serveAddr     string
	eventsTail    int
	eventsType    string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the state directory and a default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault(stateDir)
		if err != nil {
			return err
		}
		cmd.Printf("Config: %s\n", path)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <idea|@file>",
	Short: "Assess an idea or spec document and store its story graph",
	Long: `Submit assesses the input's complexity and stores the resulting graph.
A structured markdown spec (numbered or tagged requirements, user stories,
acceptance criteria) is parsed into stories directly. A free-form idea is
planned into stories when its tier calls for planning. Prefix an argument
with @ to read the input from a file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idea, err := readIdea(args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.svc.Submit(ctx, idea, submitForce)
			if err != nil {
				return err
			}
			planned := "fallback"
			switch {
			case res.Input == graph.InputSpec:
				planned = "parsed spec"
			case res.Planned:
				planned = "planned"
			}
			cmd.Printf("Graph %s for %s: %d stories (%s, tier %s, score %.1f)\n",
				res.GraphID, res.Project, res.Stories, planned, res.Assessment.Tier, res.Assessment.Score)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the story graph and its progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.svc.Status(ctx)
			if err != nil {
				return err
			}
			return status.Write(cmd.OutOrStdout(), report, statusJSON)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Execute ready stories until the graph completes, stalls or runs out of budget",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if resumeMaxIter < 0 || resumeWorkers < 0 {
			return fmt.Errorf("--max-iterations and --workers must not be negative")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireCollaborators(); err != nil {
				return err
			}
			res, err := a.svc.Resume(ctx, orchestrator.ResumeOptions{
				MaxIterations: resumeMaxIter,
				Workers:       resumeWorkers,
			})
			if err != nil {
				return err
			}
			for _, line := range res.Applied {
				cmd.Printf("policy: %s\n", line)
			}
			for _, id := range res.Released {
				cmd.Printf("released stale claim on %s\n", id)
			}
			cmd.Println(status.RenderBatch(res.Batch))
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <story-id>",
	Short: "Return a failed or blocked story to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			story, err := a.svc.ResetStory(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s is %s\n", story.ID, story.Status)
			return nil
		})
	},
}

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Return every failed story to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ids, err := a.svc.ResetFailed(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				cmd.Println("No failed stories.")
				return nil
			}
			cmd.Printf("Reset %d stories: %s\n", len(ids), strings.Join(ids, ", "))
			return nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operations and Prometheus metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.requireCollaborators(); err != nil {
				return err
			}
			addr := a.cfg.API.Addr
			if serveAddr != "" {
				addr = serveAddr
			}
			srv := api.NewServer(a.svc, api.Options{
				APIKey:   a.cfg.API.APIKey,
				Gatherer: a.registry,
				Logger:   a.logger.Named("api"),
			})
			return srv.ListenAndServe(ctx, addr, a.cfg.API.ShutdownTimeout)
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print lifecycle events from the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := events.ReadJournal(filepath.Join(stateDir, journalFile))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				cmd.Println("No events recorded.")
				return nil
			}
			return err
		}
		if eventsType != "" {
			filtered := list[:0]
			for _, e := range list {
				if string(e.Type) == eventsType {
					filtered = append(filtered, e)
				}
			}
			list = filtered
		}
		if eventsTail > 0 && len(list) > eventsTail {
			list = list[len(list)-eventsTail:]
		}
		for _, e := range list {
			data, _ := json.Marshal(e.Data)
			cmd.Printf("%s %-17s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, data)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitForce, "force", false, "replace an existing graph")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	resumeCmd.Flags().IntVar(&resumeMaxIter, "max-iterations", 0, "override executor.max_iterations")
	resumeCmd.Flags().IntVar(&resumeWorkers, "workers", 0, "override executor.max_workers")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default api.addr)")
	eventsCmd.Flags().IntVar(&eventsTail, "tail", 50, "show only the last N events (0 for all)")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "only events of this type")

	rootCmd.AddCommand(initCmd, submitCmd, statusCmd, resumeCmd, resetCmd, resetFailedCmd, serveCmd, eventsCmd)
}

// withApp opens the state directory, runs fn with a context cancelled on
// SIGINT or SIGTERM, and closes everything afterwards.
func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

// readIdea joins args into one idea; a single @path argument reads the file.
func readIdea(args []string) (string, error) {
	if len(args) == 1 && strings.HasPrefix(args[0], "@") {
		data, err := os.ReadFile(strings.TrimPrefix(args[0], "@"))
		if err != nil {
			return "", fmt.Errorf("read idea: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}
