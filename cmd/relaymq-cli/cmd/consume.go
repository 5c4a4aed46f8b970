// =============================================================================
// CONSUME COMMAND - TAIL A PARTITION, OPTIONALLY AS A GROUP MEMBER
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaymq/pkg/client"
)

var (
	consumePartition int
	consumeOffset    int64
	consumeGroup     string
	consumeMax       int
	consumeAutoAck   bool
)

var consumeCmd = &cobra.Command{
	Use:   "consume TOPIC",
	Short: "Read records from a partition, long-polling for new ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		offset := consumeOffset
		consumed := 0
		for {
			res, err := mq.Fetch(ctx, topic, consumePartition, client.FetchOptions{
				Offset:  offset,
				Group:   consumeGroup,
				MaxWait: 10 * time.Second,
			})
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return err
			}

			for _, rec := range res.Records {
				printRecord(topic, rec)
				consumed++

				if consumeGroup != "" && consumeAutoAck {
					if err := mq.Ack(ctx, consumeGroup, topic, consumePartition, rec.Offset); err != nil {
						fmt.Fprintf(os.Stderr, "ack offset %d: %v\n", rec.Offset, err)
					}
				}
				if consumeMax > 0 && consumed >= consumeMax {
					return nil
				}
			}
			offset = res.NextOffset

			if ctx.Err() != nil {
				return nil
			}
		}
	},
}

func printRecord(topic string, rec client.FetchedRecord) {
	ts := time.Unix(0, rec.Timestamp).Format(time.RFC3339)
	if rec.Key != nil {
		fmt.Printf("%s %s [%d] key=%s %s\n", ts, topic, rec.Offset, rec.Key, rec.Value)
		return
	}
	fmt.Printf("%s %s [%d] %s\n", ts, topic, rec.Offset, rec.Value)
}

func init() {
	consumeCmd.Flags().IntVarP(&consumePartition, "partition", "p", 0,
		"partition to read")
	consumeCmd.Flags().Int64Var(&consumeOffset, "offset", -1,
		"start offset (-1 resumes from the group commit or the reset policy)")
	consumeCmd.Flags().StringVarP(&consumeGroup, "group", "g", "",
		"consumer group (enables delivery tracking)")
	consumeCmd.Flags().IntVarP(&consumeMax, "max", "n", 0,
		"stop after this many records (0 = run until interrupted)")
	consumeCmd.Flags().BoolVar(&consumeAutoAck, "auto-ack", true,
		"ack each record after printing (group mode)")
}
