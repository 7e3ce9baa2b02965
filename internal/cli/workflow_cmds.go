package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/agenttree/agenttree/internal/container"
	"github.com/agenttree/agenttree/internal/hook"
	"github.com/agenttree/agenttree/internal/rundispatch"
	"github.com/agenttree/agenttree/internal/session"
	"github.com/agenttree/agenttree/internal/stage"
	"github.com/spf13/cobra"
)

var (
	startRole  string
	attachRole string
	cmdIssueID string
)

func init() {
	rootCmd.AddCommand(startCmd, advanceCmd, approveCmd, runCmd, sendCmd, attachCmd, killCmd)
	startCmd.Flags().StringVar(&startRole, "role", "", "role to start (defaults to the issue's assigned role, then the project's \"developer\" role)")
	attachCmd.Flags().StringVar(&attachRole, "role", "", "role session to attach to (defaults to the issue's assigned role)")
	runCmd.Flags().StringVar(&cmdIssueID, "issue", "", "issue id whose container to run the command in")
}

var startCmd = &cobra.Command{
	Use:   "start <issue-id>",
	Short: "Allocate resources (worktree, container, session, port) and launch the agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		role := startRole
		if role == "" {
			iss, err := app.Issues.Get(args[0])
			if err != nil {
				return err
			}
			role = iss.AssignedAgent
		}
		if role == "" {
			role = defaultRole(app.cfg)
		}
		if role == "" {
			return fmt.Errorf("no role given and none configured; pass --role")
		}
		if err := app.StartAgent(ctx, args[0], role); err != nil {
			return err
		}
		fmt.Printf("started issue %s as role %q\n", args[0], role)
		return nil
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <issue-id>",
	Short: "Run the current stage's pre-completion hooks and, on success, advance to the next stage/substage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransition(args[0], false)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <issue-id>",
	Short: "Approve a human-review gate and advance past it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransition(args[0], true)
	},
}

// runTransition drives one Advance/Approve call and renders every hook
// result as a bullet line tagged ok, skipped or fail, with the
// placeholders already resolved.
func runTransition(issueID string, approve bool) error {
	ctx := context.Background()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	issueDir, err := app.IssueDir(issueID)
	if err != nil {
		return err
	}
	in := stage.TransitionInput{
		Forge:       app.HookForgeClient(),
		RateLimiter: app.HookState,
	}

	var results []hook.Result
	var transitionErr error
	if approve {
		_, results, transitionErr = app.Stages.Approve(ctx, issueDir, issueID, in)
	} else {
		_, results, transitionErr = app.Stages.Advance(ctx, issueDir, issueID, in)
	}

	for _, r := range results {
		status := "ok"
		switch {
		case r.Skipped:
			status = "skipped"
		case !r.Pass:
			status = "fail"
		}
		suffix := ""
		if r.Message != "" {
			suffix = ": " + r.Message
		}
		fmt.Printf("  [%s] %s%s\n", status, r.Name, suffix)
	}
	if transitionErr != nil {
		return transitionErr
	}
	fmt.Printf("issue %s advanced\n", issueID)
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run <command-name>",
	Short: "Run a named entry from the project's commands: map inside the current container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		if cmdIssueID == "" {
			return fmt.Errorf("--issue is required")
		}
		containerName := container.ContainerName(app.cfg.Project, cmdIssueID)
		exitCode, output, err := rundispatch.Run(ctx, app.Containers, containerName, args[0], app.cfg.Commands, nil)
		fmt.Print(output)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("command %q exited %d", args[0], exitCode)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <issue-id> <text...>",
	Short: "Forward text to the issue's assigned role session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		return app.Notify(ctx, args[0], strings.Join(args[1:], " "))
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <issue-id>",
	Short: "Attach the current terminal to the issue's role session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(context.Background())
		if err != nil {
			return err
		}
		role := attachRole
		if role == "" {
			iss, err := app.Issues.Get(args[0])
			if err != nil {
				return err
			}
			role = iss.AssignedAgent
		}
		if role == "" {
			role = defaultRole(app.cfg)
		}
		if role == "" {
			return fmt.Errorf("no role given and none assigned; pass --role")
		}
		name := session.DeveloperSessionName(app.cfg.Project, role, args[0])
		tmux := exec.Command("tmux", "attach-session", "-t", name)
		tmux.Stdin = os.Stdin
		tmux.Stdout = os.Stdout
		tmux.Stderr = os.Stderr
		return tmux.Run()
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <issue-id>",
	Short: "Tear down an issue's live agent resources without advancing its stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(context.Background())
		if err != nil {
			return err
		}
		if err := app.CleanupAgent(args[0]); err != nil {
			return err
		}
		fmt.Printf("killed agent resources for issue %s\n", args[0])
		return nil
	},
}
