package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medapply/replyrelay/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "replyrelay",
	Short: "Relay hospital replies to physicians' job applications",
	Long: `replyrelay receives inbound email from the mail provider's webhook,
works out which user and application a reply belongs to, stores it and
forwards a copy to the user's personal inbox.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "replyrelay %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.AddCommand(versionCmd, serveCmd, migrateCmd, resolveCmd, signCmd, buildCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
