package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenttree/agenttree/internal/issue"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new issue at the workflow's initial stage",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCreate,
}

var (
	createPriority  string
	createLabels    []string
	createBlockedBy []string
)

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&createPriority, "priority", "medium", "low|medium|high|critical")
	createCmd.Flags().StringSliceVar(&createLabels, "label", nil, "labels to attach (repeatable)")
	createCmd.Flags().StringSliceVar(&createBlockedBy, "blocked-by", nil, "issue ids this issue depends on (repeatable)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	if len(app.cfg.Stages) == 0 {
		return fmt.Errorf("project has no configured stages")
	}
	title := strings.Join(args, " ")
	iss, err := app.Issues.Create(title, issue.Priority(createPriority), app.cfg.Stages[0].Name, createLabels, createBlockedBy)
	if err != nil {
		return err
	}
	if err := app.Sidecar.Commit(fmt.Sprintf("create issue %s: %s", iss.ID, iss.Title)); err != nil {
		app.log.Warn("sidecar commit failed after create", "issue", iss.ID, "error", err.Error())
	}
	fmt.Printf("created issue %s (%s) at stage %q\n", iss.ID, iss.Slug, iss.Stage)
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	RunE:  runList,
}

func init() { rootCmd.AddCommand(listCmd) }

func runList(cmd *cobra.Command, args []string) error {
	app, err := newApp(context.Background())
	if err != nil {
		return err
	}
	issues, err := app.Issues.List()
	if err != nil {
		return err
	}
	fmt.Printf("%-6s %-8s %-10s %-30s %s\n", "ID", "PRI", "STAGE", "SUBSTAGE", "TITLE")
	for _, iss := range issues {
		fmt.Printf("%-6s %-8s %-10s %-30s %s\n", iss.ID, iss.Priority, iss.Stage, iss.Substage, iss.Title)
	}
	return nil
}

var showCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show one issue's full record",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() { rootCmd.AddCommand(showCmd) }

func runShow(cmd *cobra.Command, args []string) error {
	app, err := newApp(context.Background())
	if err != nil {
		return err
	}
	iss, err := app.Issues.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("id:        %s\n", iss.ID)
	fmt.Printf("slug:      %s\n", iss.Slug)
	fmt.Printf("title:     %s\n", iss.Title)
	fmt.Printf("stage:     %s / %s\n", iss.Stage, iss.Substage)
	fmt.Printf("priority:  %s\n", iss.Priority)
	fmt.Printf("assigned:  %s\n", iss.AssignedAgent)
	fmt.Printf("branch:    %s\n", iss.Branch)
	if iss.PRNumber != nil {
		fmt.Printf("pr:        #%d\n", *iss.PRNumber)
	}
	if len(iss.BlockedBy) > 0 {
		fmt.Printf("blockedBy: %s\n", strings.Join(iss.BlockedBy, ", "))
	}
	fmt.Println("history:")
	for _, h := range iss.History {
		line := fmt.Sprintf("  - %s %s/%s", h.Timestamp.Format("2006-01-02T15:04:05Z"), h.Stage, h.Substage)
		if h.Reason != "" {
			line += " (" + h.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}
