package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/util"
)

// NewReadCommand builds the pcache-read root: the read path, printing the
// rewritten query on stdout and the hit statistics on stderr so the SQL can
// be piped straight into psql.
func NewReadCommand() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "pcache-read",
		Short: "Rewrite a query using cached partition-key sets",
		Long: `pcache-read probes the cache for every fragment of the given query,
intersects the hits, and prints the query with the partition-key IN-filter
spliced in. On a miss the original query is printed unchanged; the command
never fails because of cache state.`,
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

			rewritten, stats := rt.Client.ApplyCache(cmd.Context(), sql, rt.Cfg.Cache.PartitionKey)

			fmt.Fprintln(cmd.OutOrStdout(), rewritten)
			fmt.Fprintf(cmd.ErrOrStderr(), "hit=%t probed=%d hits=%d cardinality=%d lazy=%t reduction=%.2f%%\n",
				stats.Hit, stats.FragmentsProbed, stats.FragmentsHit, stats.Cardinality, stats.Lazy,
				stats.SearchSpaceReduction*100)

			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "SQL query to rewrite")

	return cmd
}
