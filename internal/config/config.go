// Package config loads the typed AgentTree project configuration from a
// single YAML file: github.com/spf13/viper reads the file and
// environment overlay, and its mapstructure decoding fills a plain Go
// struct passed by reference. No module-level mutable singleton holds
// the decoded config.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full AgentTree project configuration.
type Config struct {
	Project         string                `mapstructure:"project"`
	WorktreesDir    string                `mapstructure:"worktrees_dir"`
	PortRangeRaw    string                `mapstructure:"port_range"`
	DefaultTool     string                `mapstructure:"default_tool"`
	Tools           map[string]ToolConfig `mapstructure:"tools"`
	Roles           map[string]RoleConfig `mapstructure:"roles"`
	Commands        map[string]string     `mapstructure:"commands"`
	Stages          []StageDef            `mapstructure:"stages"`
	ControllerHooks ControllerHooksConfig `mapstructure:"controller_hooks"`

	// PortRange is derived from PortRangeRaw by Load.
	PortRange PortRange `mapstructure:"-"`
}

// PortRange is the inclusive TCP port range reserved for per-issue dev
// servers.
type PortRange struct {
	Min int
	Max int
}

// ToolConfig declares how to start one AI coding tool.
type ToolConfig struct {
	Command       string `mapstructure:"command"`
	InitialPrompt string `mapstructure:"initial_prompt"`
}

// RoleConfig binds a role name (e.g. "developer", "reviewer") to a tool,
// optional model override, and optional default skill.
type RoleConfig struct {
	Tool  string `mapstructure:"tool"`
	Model string `mapstructure:"model"`
	Skill string `mapstructure:"skill"`
}

// StageDef declares one node of the stage graph.
type StageDef struct {
	Name          string    `mapstructure:"name"`
	Substages     []string  `mapstructure:"substages"`
	Host          bool      `mapstructure:"host"`
	HumanReview   bool      `mapstructure:"human_review"`
	Terminal      bool      `mapstructure:"terminal"`
	PreCompletion []HookDef `mapstructure:"pre_completion"`
	PostStart     []HookDef `mapstructure:"post_start"`
	Skill         string    `mapstructure:"skill"`

	// StepBackTo names the feedback stage the sync loop sends an issue
	// back to when this stage's pre-completion hooks fail on the host
	//. Format is
	// "stage" or "stage.substage"; empty means stay at the current
	// stage/substage and only record the failure.
	StepBackTo string `mapstructure:"step_back_to"`
}

// SplitStageRef splits a "stage" or "stage.substage" reference into its
// parts.
func SplitStageRef(ref string) (stageName, substage string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// ControllerHooksConfig declares the sync loop's configurable post-sync
// hook list.
type ControllerHooksConfig struct {
	PostSync []HookDef `mapstructure:"post_sync"`
}

// HookDef declares one hook attached to a stage or to the sync loop.
// Kind is the enumerated tag from the hook engine's fixed vocabulary;
// Args carries kind-specific arguments plus any unknown keys, preserved
// and passed through to hook evaluation untouched. Authors can write
// arguments either nested under `args:` or as flat top-level keys on
// the hook entry — the `,remain` catch-all funnels the latter into
// Args during Load (declared `args:` keys win on collision).
type HookDef struct {
	Name           string                 `mapstructure:"name"`
	Kind           string                 `mapstructure:"kind"`
	HostOnly       bool                   `mapstructure:"host_only"`
	Optional       bool                   `mapstructure:"optional"`
	TimeoutS       int                    `mapstructure:"timeout_s"`
	MinIntervalS   int                    `mapstructure:"min_interval_s"`
	RunEveryNSyncs int                    `mapstructure:"run_every_n_syncs"`
	Args           map[string]interface{} `mapstructure:"args"`
	Extra          map[string]interface{} `mapstructure:",remain"`
}

// mergeExtraArgs folds a HookDef's catch-all Extra keys into Args so
// hook evaluation sees one flat argument map regardless of how the
// author spelled the YAML.
func (h *HookDef) mergeExtraArgs() {
	if len(h.Extra) == 0 {
		return
	}
	if h.Args == nil {
		h.Args = make(map[string]interface{}, len(h.Extra))
	}
	for k, v := range h.Extra {
		if _, ok := h.Args[k]; !ok {
			h.Args[k] = v
		}
	}
	h.Extra = nil
}

// EffectiveName returns the hook's configured Name, or its Kind if no name
// was given — used as the rate-limit bookkeeping key.
func (h HookDef) EffectiveName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Kind
}

// Load reads the AgentTree config file (and AGENTTREE_-prefixed env
// overrides) into a Config via the already-initialized viper instance.
// Callers (cmd/agenttree) are expected to have called viper.SetConfigFile
// or viper.SetConfigName/AddConfigPath before calling Load, as
// internal/cli/root.go does at init time.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.parsePortRange(); err != nil {
		return nil, err
	}

	for i := range cfg.Stages {
		for j := range cfg.Stages[i].PreCompletion {
			cfg.Stages[i].PreCompletion[j].mergeExtraArgs()
		}
		for j := range cfg.Stages[i].PostStart {
			cfg.Stages[i].PostStart[j].mergeExtraArgs()
		}
	}
	for i := range cfg.ControllerHooks.PostSync {
		cfg.ControllerHooks.PostSync[i].mergeExtraArgs()
	}

	applyDefaults(cfg)

	return cfg, nil
}

func (c *Config) parsePortRange() error {
	if c.PortRangeRaw == "" {
		return nil
	}
	parts := strings.SplitN(c.PortRangeRaw, "-", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid port_range %q: expected MIN-MAX", c.PortRangeRaw)
	}
	min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return fmt.Errorf("invalid port_range %q: %w", c.PortRangeRaw, err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return fmt.Errorf("invalid port_range %q: %w", c.PortRangeRaw, err)
	}
	if max < min {
		return fmt.Errorf("invalid port_range %q: max < min", c.PortRangeRaw)
	}
	c.PortRange = PortRange{Min: min, Max: max}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.WorktreesDir == "" {
		cfg.WorktreesDir = "~/agenttree-worktrees"
	}
	if cfg.DefaultTool == "" {
		cfg.DefaultTool = "claude-code"
	}
	if cfg.PortRange == (PortRange{}) {
		cfg.PortRange = PortRange{Min: 9000, Max: 9100}
	}
}

// Validate checks structural invariants that Load's defaulting can't fix:
// unique stage names, role/tool cross references, and the presence of the
// two required terminal stages.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project name is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}

	seen := make(map[string]bool, len(c.Stages))
	var sawAccepted, sawNotDoing bool
	for _, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Terminal {
			switch s.Name {
			case "accepted":
				sawAccepted = true
			case "not_doing":
				sawNotDoing = true
			}
		}
	}
	if !sawAccepted || !sawNotDoing {
		return fmt.Errorf("stages must include terminal \"accepted\" and \"not_doing\" stages")
	}

	for _, s := range c.Stages {
		if s.StepBackTo == "" {
			continue
		}
		backStage, backSub := SplitStageRef(s.StepBackTo)
		target, ok := c.StageByName(backStage)
		if !ok {
			return fmt.Errorf("stage %q: step_back_to references unknown stage %q", s.Name, backStage)
		}
		if backSub != "" {
			found := false
			for _, sub := range target.Substages {
				if sub == backSub {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("stage %q: step_back_to references unknown substage %q of stage %q", s.Name, backSub, backStage)
			}
		}
	}

	if c.DefaultTool != "" {
		if _, ok := c.Tools[c.DefaultTool]; !ok {
			return fmt.Errorf("default_tool %q is not declared under tools", c.DefaultTool)
		}
	}

	for role, rc := range c.Roles {
		if rc.Tool == "" {
			continue
		}
		if _, ok := c.Tools[rc.Tool]; !ok {
			return fmt.Errorf("role %q references undeclared tool %q", role, rc.Tool)
		}
	}

	return nil
}

// StageByName looks up a stage definition by name.
func (c *Config) StageByName(name string) (StageDef, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDef{}, false
}

// StageIndex returns the ordered position of a stage name, or -1 if absent.
func (c *Config) StageIndex(name string) int {
	for i, s := range c.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}
