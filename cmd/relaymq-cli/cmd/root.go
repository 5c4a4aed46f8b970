// =============================================================================
// ROOT COMMAND - GLOBAL FLAGS AND CLIENT SETUP
// =============================================================================
//
// Global flags:
//
//	--server, -s   broker URL (env: RELAYMQ_SERVER, default http://localhost:9080)
//	--timeout      request timeout in seconds
//
// =============================================================================

package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"relaymq/pkg/client"
)

var (
	serverFlag  string
	timeoutFlag int

	mq *client.Client
)

var rootCmd = &cobra.Command{
	Use:           "relaymq-cli",
	Short:         "Command-line interface for the relaymq broker",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		server := serverFlag
		if server == "" {
			server = os.Getenv("RELAYMQ_SERVER")
		}
		if server == "" {
			server = "http://localhost:9080"
		}
		mq = client.New(server, client.WithTimeout(time.Duration(timeoutFlag)*time.Second))
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"broker URL (env: RELAYMQ_SERVER)")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 60,
		"request timeout in seconds")

	rootCmd.AddCommand(topicCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(versionCmd)
}
