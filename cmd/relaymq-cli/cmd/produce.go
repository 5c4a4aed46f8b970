// =============================================================================
// PRODUCE COMMAND - APPEND RECORDS FROM ARGUMENTS OR STDIN
// =============================================================================

package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"relaymq/pkg/client"
)

var (
	produceKey       string
	producePartition int
	produceAck       string
)

var produceCmd = &cobra.Command{
	Use:   "produce TOPIC [VALUE...]",
	Short: "Append records to a topic",
	Long: `Append records to a topic.

Values come from the arguments, or from stdin (one record per line) when no
values are given:

  relaymq-cli produce orders '{"id":42}'
  cat orders.ndjson | relaymq-cli produce orders`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]

		var records []client.Record
		if len(args) > 1 {
			for _, v := range args[1:] {
				records = append(records, client.Record{Key: keyBytes(), Value: []byte(v)})
			}
		} else {
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				records = append(records, client.Record{Key: keyBytes(), Value: []byte(line)})
			}
			if err := scanner.Err(); err != nil {
				return err
			}
		}
		if len(records) == 0 {
			return fmt.Errorf("no records to produce")
		}

		opts := client.ProduceOptions{Ack: produceAck}
		if producePartition >= 0 {
			opts.Partition = &producePartition
		}
		res, err := mq.Produce(cmd.Context(), topic, opts, records...)
		if err != nil {
			return err
		}
		fmt.Printf("produced %d records to %s-%d at offset %d\n",
			res.Count, res.Topic, res.Partition, res.BaseOffset)
		return nil
	},
}

func keyBytes() []byte {
	if produceKey == "" {
		return nil
	}
	return []byte(produceKey)
}

func init() {
	produceCmd.Flags().StringVarP(&produceKey, "key", "k", "",
		"record key (routes all records to one partition)")
	produceCmd.Flags().IntVarP(&producePartition, "partition", "p", -1,
		"pin the target partition (-1 routes by key)")
	produceCmd.Flags().StringVar(&produceAck, "ack", "",
		"ack level: none, leader, all_isr (empty uses the broker default)")
}
