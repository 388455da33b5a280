// Package cmd holds the vombat command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/duskpine/vombat/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgDirs []string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "vombat",
	Short: "vombat - conversational LLM bot for Telegram and Max",
	Long: "Vombat is a multi-platform chat bot: it persists conversations, filters\n" +
		"spam with a Bayes classifier, answers through configurable LLM providers\n" +
		"with tool calling, and schedules reminders and media pipelines.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runBot())
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVar(&cfgDirs, "config", nil,
		"config directory, repeatable; later directories override earlier ones")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(modelsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vombat %s\n", Version)
		},
	}
}

func configDirs() []string {
	if len(cfgDirs) > 0 {
		return cfgDirs
	}
	if v := os.Getenv("VOMBAT_CONFIG"); v != "" {
		return []string{v}
	}
	return []string{"config"}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
