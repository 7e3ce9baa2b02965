// Package skillfile composes the TASK.md surfaced to an agent on entry
// into a new stage: the new stage's skill markdown, concatenated with
// the issue's artifacts so far, written to the worktree root for the
// agent to read on its next turn. Skill files live on disk in the
// sidecar repo's skills/ directory rather than embedded in the binary,
// so projects can edit them without rebuilding.
package skillfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TaskFileName is the file the agent reads at the worktree root on its
// next turn.
const TaskFileName = "TASK.md"

// DefaultArtifacts is the fixed order issue artifacts are composed into
// TASK.md.
var DefaultArtifacts = []string{"problem.md", "research.md", "spec.md", "review.md"}

// Compose builds the TASK.md body for an issue entering a stage:
// the named skill's content (if any), followed by each artifact file that
// currently exists in the issue's directory, in the given order.
//
// skillsDir is the sidecar repo's skills/ directory; issueDir is the
// issue's artifact directory.
// skillName may be empty, matching stage definitions with no skill file.
func Compose(skillsDir, issueDir, skillName string, artifactNames []string) (string, error) {
	var parts []string

	if skillName != "" {
		content, err := os.ReadFile(filepath.Join(skillsDir, skillName))
		if err != nil {
			return "", fmt.Errorf("skillfile: read skill %q: %w", skillName, err)
		}
		parts = append(parts, strings.TrimRight(string(content), "\n"))
	}

	for _, name := range artifactNames {
		path := filepath.Join(issueDir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("skillfile: read artifact %q: %w", name, err)
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, strings.TrimRight(string(content), "\n")))
	}

	return strings.Join(parts, "\n\n"), nil
}

// Write composes and writes TASK.md to worktreeRoot, overwriting any
// previous copy — the agent's current turn context always reflects the
// issue's latest stage and artifacts.
func Write(worktreeRoot, skillsDir, issueDir, skillName string, artifactNames []string) error {
	body, err := Compose(skillsDir, issueDir, skillName, artifactNames)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(worktreeRoot, TaskFileName), []byte(body), 0o644)
}
