// =============================================================================
// GROUP COMMANDS - LIST / DESCRIBE / OFFSETS / COMMIT
// =============================================================================

package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage consumer groups",
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List consumer groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := mq.ListGroups(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tSTATE\tGENERATION\tMEMBERS")
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", g.ID, g.State, g.Generation, g.Members)
		}
		return w.Flush()
	},
}

var groupDescribeCmd = &cobra.Command{
	Use:   "describe GROUP",
	Short: "Show a group's state, generation, and members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := mq.DescribeGroup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Group: %s\nState: %s\nGeneration: %d\n\n",
			detail.ID, detail.State, detail.Generation)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MEMBER\tCLIENT\tASSIGNMENT")
		for _, m := range detail.Members {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.ClientID, formatAssignment(m.Assignment))
		}
		return w.Flush()
	},
}

func formatAssignment(assignment map[string][]int) string {
	topics := make([]string, 0, len(assignment))
	for t := range assignment {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	out := ""
	for i, t := range topics {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", t, assignment[t])
	}
	return out
}

var groupOffsetsCmd = &cobra.Command{
	Use:   "offsets GROUP",
	Short: "Show a group's committed offsets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offsets, err := mq.FetchOffsets(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOPIC\tPARTITION\tOFFSET")
		for topic, parts := range offsets {
			for part, off := range parts {
				fmt.Fprintf(w, "%s\t%s\t%d\n", topic, part, off)
			}
		}
		return w.Flush()
	},
}

var (
	commitMemberID   string
	commitGeneration int64
)

var groupCommitCmd = &cobra.Command{
	Use:   "commit GROUP TOPIC PARTITION OFFSET",
	Short: "Commit an offset on behalf of a member",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("partition must be an integer: %w", err)
		}
		offset, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("offset must be an integer: %w", err)
		}

		err = mq.CommitOffset(cmd.Context(), args[0], commitMemberID, commitGeneration,
			args[1], partition, offset)
		if err != nil {
			return err
		}
		fmt.Printf("committed %s/%d -> %d for group %s\n", args[1], partition, offset, args[0])
		return nil
	},
}

func init() {
	groupCommitCmd.Flags().StringVar(&commitMemberID, "member", "",
		"member id the commit is made under")
	groupCommitCmd.Flags().Int64Var(&commitGeneration, "generation", 0,
		"group generation the member belongs to")

	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupDescribeCmd)
	groupCmd.AddCommand(groupOffsetsCmd)
	groupCmd.AddCommand(groupCommitCmd)
}
