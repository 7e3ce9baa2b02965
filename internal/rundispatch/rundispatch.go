// Package rundispatch executes a named `commands:` entry from the
// project configuration inside an issue's container and surfaces its
// exit code, for the CLI's `run` subcommand.
package rundispatch

import (
	"context"
	"fmt"

	"github.com/agenttree/agenttree/internal/apierr"
)

// ContainerExecutor is the narrow slice of internal/container.Manager
// this package depends on, kept local so rundispatch does not need to
// import the concrete container package.
type ContainerExecutor interface {
	Exec(ctx context.Context, containerName string, argv []string) (exitCode int, output string, err error)
}

// Run looks up name in commands, substitutes env into it via a plain
// shell invocation, execs it inside containerName, and returns its exit
// code and combined output.
func Run(ctx context.Context, exec ContainerExecutor, containerName, name string, commands map[string]string, env map[string]string) (exitCode int, output string, err error) {
	shellCmd, ok := commands[name]
	if !ok {
		return -1, "", apierr.New(apierr.Validation, fmt.Sprintf("no command named %q is configured", name))
	}

	argv := []string{"sh", "-c", envPrefix(env) + shellCmd}
	return exec.Exec(ctx, containerName, argv)
}

// envPrefix renders env as a sequence of `export KEY='value'; ` prefixes
// so the command runs with the caller's environment visible even though
// containers are already given most of it via -e at start time; this
// lets per-invocation overrides (e.g. AGENTTREE_ISSUE_ID for the current
// call) take precedence without restarting the container.
func envPrefix(env map[string]string) string {
	var prefix string
	for k, v := range env {
		prefix += fmt.Sprintf("export %s=%s; ", k, shellQuote(v))
	}
	return prefix
}

func shellQuote(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += `'\''`
		} else {
			out += string(r)
		}
	}
	return out + "'"
}
