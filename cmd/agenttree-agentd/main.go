// Command agenttree-agentd is the minimal in-container bootstrap
// AgentTree images run before (or around) the AI tool itself. It reads
// the AGENTTREE_* environment the container manager injected, prints
// the issue context plus the current TASK.md so the agent's first
// visible turn starts from the stage's skill content, then execs its
// remaining arguments as the tool command when any are given.
//
//	agenttree-agentd                 # print context and TASK.md
//	agenttree-agentd claude --continue
package main

import (
	"fmt"
	"os"
	"os/exec"
)

const workspaceDir = "/workspace"

func main() {
	if os.Getenv("AGENTTREE_CONTAINER") != "1" {
		fmt.Fprintln(os.Stderr, "agenttree-agentd: AGENTTREE_CONTAINER is not set; this helper only runs inside an AgentTree container")
		os.Exit(1)
	}

	issueID := os.Getenv("AGENTTREE_ISSUE_ID")
	role := os.Getenv("AGENTTREE_ROLE")
	if issueID == "" || role == "" {
		fmt.Fprintln(os.Stderr, "agenttree-agentd: AGENTTREE_ISSUE_ID and AGENTTREE_ROLE must be set")
		os.Exit(1)
	}

	fmt.Printf("agenttree: issue %s, role %s, project %s, port %s\n",
		issueID, role, os.Getenv("AGENTTREE_PROJECT"), os.Getenv("PORT"))

	taskPath := workspaceDir + "/TASK.md"
	if data, err := os.ReadFile(taskPath); err == nil {
		fmt.Println("---")
		os.Stdout.Write(data)
		fmt.Println("---")
	} else {
		fmt.Println("agenttree: no TASK.md yet; advance the issue on the host to surface the stage's skill file")
	}

	if len(os.Args) < 2 {
		return
	}

	tool := exec.Command(os.Args[1], os.Args[2:]...)
	tool.Dir = workspaceDir
	tool.Stdin = os.Stdin
	tool.Stdout = os.Stdout
	tool.Stderr = os.Stderr
	if err := tool.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "agenttree-agentd:", err)
		os.Exit(1)
	}
}
