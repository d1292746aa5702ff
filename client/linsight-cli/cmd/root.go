package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "linsight-cli",
	Short: "A CLI client for the Linsight workbench",
	Long:  `A command-line interface for submitting questions, reviewing SOPs and watching task execution.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Whoops. There was an error while executing your CLI: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("LINSIGHT_SERVER", "http://localhost:8080"), "linsight service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("LINSIGHT_TOKEN"), "JWT used as the bearer token")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newAPI() *apiClient {
	return &apiClient{base: serverURL, token: token}
}
