package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agenttree",
	Short: "AgentTree - orchestrate parallel AI coding agents over one repository",
	Long: `AgentTree drives multiple AI coding agents through a define -> research ->
plan -> plan_review -> implement -> implementation_review -> accepted workflow,
each in its own git worktree and container, gated by pre/post-stage hooks and
a host-side controller sync loop.

Example:
  agenttree create "Add dark mode" --priority medium
  agenttree start 001
  agenttree advance 001`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or ./_agenttree/config.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error getting working directory:", err)
			os.Exit(1)
		}
		viper.AddConfigPath(cwd)
		viper.AddConfigPath(cwd + "/_agenttree")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AGENTTREE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
		}
	}
}
