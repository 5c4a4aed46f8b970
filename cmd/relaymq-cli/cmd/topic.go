// =============================================================================
// TOPIC COMMANDS - CREATE / LIST / DESCRIBE / DELETE
// =============================================================================

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage topics",
}

var topicCreatePartitions int

var topicCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mq.CreateTopic(cmd.Context(), args[0], topicCreatePartitions); err != nil {
			return err
		}
		fmt.Printf("created topic %q with %d partitions\n", args[0], topicCreatePartitions)
		return nil
	},
}

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List topics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, err := mq.ListTopics(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPARTITIONS\tSIZE")
		for _, t := range topics {
			fmt.Fprintf(w, "%s\t%d\t%d\n", t.Name, t.Partitions, t.SizeBytes)
		}
		return w.Flush()
	},
}

var topicDescribeCmd = &cobra.Command{
	Use:   "describe NAME",
	Short: "Show per-partition offsets and sizes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := mq.DescribeTopic(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Topic: %s (created %s)\n\n", detail.Name, detail.CreatedAt.Format("2006-01-02 15:04:05"))
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PARTITION\tROLE\tEARLIEST\tHIGH WATERMARK\tLOG END\tSIZE")
		for _, p := range detail.Partitions {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\n",
				p.ID, p.Role, p.EarliestOffset, p.HighWatermark, p.LogEndOffset, p.SizeBytes)
		}
		return w.Flush()
	},
}

var topicDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a topic and its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mq.DeleteTopic(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted topic %q\n", args[0])
		return nil
	},
}

func init() {
	topicCreateCmd.Flags().IntVarP(&topicCreatePartitions, "partitions", "p", 3,
		"number of partitions")

	topicCmd.AddCommand(topicCreateCmd)
	topicCmd.AddCommand(topicListCmd)
	topicCmd.AddCommand(topicDescribeCmd)
	topicCmd.AddCommand(topicDeleteCmd)
}
