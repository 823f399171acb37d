// Package cmd is the clawdeck CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/clawdeck/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	debug   bool

	skipPermissions   bool
	noSkipPermissions bool
	chrome            bool
	noChrome          bool
	worktreeMode      string
	keepAlive         bool
	noKeepAlive       bool
	skipVersionCheck  bool
	workingDir        string
)

var rootCmd = &cobra.Command{
	Use:   "clawdeck",
	Short: "clawdeck — chat bridge for the assistant CLI",
	Long:  "clawdeck bridges Slack and Mattermost threads to assistant CLI sessions: one thread, one session, one child process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $CLAWDECK_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	fl := rootCmd.Flags()
	fl.BoolVar(&skipPermissions, "skip-permissions", false, "let the child run tools without asking")
	fl.BoolVar(&noSkipPermissions, "no-skip-permissions", false, "ask in-thread before the child runs tools")
	fl.BoolVar(&chrome, "chrome", false, "let the child drive a browser")
	fl.BoolVar(&noChrome, "no-chrome", false, "disable browser use")
	fl.StringVar(&worktreeMode, "worktree-mode", "", "worktree handling: off|prompt|require")
	fl.BoolVar(&keepAlive, "keep-alive", false, "keep running with no active sessions")
	fl.BoolVar(&noKeepAlive, "no-keep-alive", false, "exit once the last session ends")
	fl.BoolVar(&skipVersionCheck, "skip-version-check", false, "do not poll for new releases")
	fl.StringVar(&workingDir, "working-dir", "", "default working directory for new sessions")

	rootCmd.AddCommand(serveCmd(), versionCmd())
}

func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	c.Flags().AddFlagSet(rootCmd.Flags())
	return c
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawdeck %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CLAWDECK_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command. Fatal init errors exit 1.
func Execute() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
