package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/util"
)

// NewAddCommand builds the pcache-add root: non-blocking enqueue of one
// query for asynchronous fragment population.
func NewAddCommand() *cobra.Command {
	var (
		query    string
		priority int
	)

	cmd := &cobra.Command{
		Use:   "pcache-add",
		Short: "Queue a query for partition-cache population",
		Long: `pcache-add decomposes a query into cacheable fragments and admits it to
the original-query queue. Workers (pcache-monitor) pick the fragments up
asynchronously; the command itself never executes the query.

The query is read from --query, or from stdin when the flag is absent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sql := query
			if sql == "" {
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return util.WrapError("read query from stdin", err)
				}

				sql = strings.TrimSpace(string(raw))
			}

			if sql == "" {
				return fmt.Errorf("no query given: pass --query or pipe SQL on stdin")
			}

			rt, err := Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Client.AddToQueue(cmd.Context(), sql, rt.Cfg.Cache.PartitionKey, rt.Datatype, priority)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result)

			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "SQL query to decompose and enqueue")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "queue priority, higher first")

	return cmd
}
