package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	syncloop "github.com/agenttree/agenttree/internal/sync"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	syncWatch    bool
	syncInterval time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one tick of the controller sync loop (or keep ticking with --watch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncWatch {
			return runWatch(syncInterval)
		}
		app, err := newApp(context.Background())
		if err != nil {
			return err
		}
		res, err := app.Loop.Tick(context.Background())
		printTickResult(res)
		return err
	},
}

func printTickResult(res syncloop.Result) {
	if res.Skipped {
		fmt.Println("sync skipped: lock held by another process")
		return
	}
	fmt.Printf("sync %s: pushed=%d prs=%d merged=%d advanced=%d started=%d errors=%d\n",
		res.RunID, len(res.PushedBranches), len(res.CreatedPRs), len(res.MergedIssues), len(res.Advanced), len(res.Started), len(res.Errors))
	for _, e := range res.Errors {
		fmt.Println("  !", e)
	}
}

// runWatch drives the sync loop on a fixed interval until interrupted,
// rebuilding the App (and thus re-reading config) whenever the config
// file changes on disk. fsnotify watches the same file viper loaded at
// startup.
func runWatch(interval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	if cfgPath := viper.ConfigFileUsed(); cfgPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(cfgPath); err != nil {
			return fmt.Errorf("watch %s: %w", cfgPath, err)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						select {
						case reload <- struct{}{}:
						default:
						}
					}
				case <-watcher.Errors:
				}
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		res, err := app.Loop.Tick(ctx)
		printTickResult(res)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sync tick failed:", err)
		}
	}
	tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reload:
			fmt.Println("config changed; reloading")
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintln(os.Stderr, "config reload failed:", err)
				continue
			}
			fresh, err := newApp(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, "config reload failed:", err)
				continue
			}
			app = fresh
		case <-ticker.C:
			tick()
		}
	}
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Snapshot of the live-agent registry, issue stages, and allocated ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(context.Background())
		if err != nil {
			return err
		}
		issues, err := app.Issues.List()
		if err != nil {
			return err
		}
		agents, err := app.Allocator.ListAgents()
		if err != nil {
			return err
		}

		if statusJSON {
			type issueRow struct {
				ID       string `json:"id"`
				Stage    string `json:"stage"`
				Substage string `json:"substage,omitempty"`
				Assigned string `json:"assigned,omitempty"`
				PRNumber *int   `json:"pr_number,omitempty"`
			}
			type agentRow struct {
				IssueID   string `json:"issue_id"`
				Role      string `json:"role"`
				Port      int    `json:"port"`
				Container string `json:"container"`
			}
			snapshot := struct {
				Issues []issueRow `json:"issues"`
				Agents []agentRow `json:"agents"`
			}{}
			for _, iss := range issues {
				snapshot.Issues = append(snapshot.Issues, issueRow{ID: iss.ID, Stage: iss.Stage, Substage: iss.Substage, Assigned: iss.AssignedAgent, PRNumber: iss.PRNumber})
			}
			for _, a := range agents {
				snapshot.Agents = append(snapshot.Agents, agentRow{IssueID: a.IssueID, Role: a.Role, Port: a.Port, Container: a.Container})
			}
			return json.NewEncoder(os.Stdout).Encode(snapshot)
		}

		fmt.Printf("%-6s %-10s %-30s %s\n", "ID", "STAGE", "SUBSTAGE", "ASSIGNED")
		for _, iss := range issues {
			fmt.Printf("%-6s %-10s %-30s %s\n", iss.ID, iss.Stage, iss.Substage, iss.AssignedAgent)
		}
		fmt.Println()
		fmt.Printf("%-6s %-12s %-6s %s\n", "ISSUE", "ROLE", "PORT", "CONTAINER")
		for _, a := range agents {
			fmt.Printf("%-6s %-12s %-6d %s\n", a.IssueID, a.Role, a.Port, a.Container)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep ticking on an interval, reloading config when the file changes")
	syncCmd.Flags().DurationVar(&syncInterval, "interval", 60*time.Second, "tick interval for --watch")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the snapshot as JSON")
}
