package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/partitioncache/partitioncache/internal/eviction"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
)

// NewManageCommand builds the pcache-manage root: operator actions against
// the cache — listing fragments, deleting entries and tombstones, and
// running an eviction pass on demand.
func NewManageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pcache-manage",
		Short:         "Inspect and maintain the partition cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newListCommand(), newDeleteCommand(), newEvictCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached fragments for the configured partition key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			items, err := rt.Client.ListFragments(cmd.Context(), rt.Cfg.Cache.PartitionKey)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tCARDINALITY\tLAST_SEEN\tSTATUS")

			for _, it := range items {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", it.Hash, it.Cardinality, it.LastSeen.Format("2006-01-02 15:04:05"), it.Status)
			}

			return w.Flush()
		},
	}
}

func newDeleteCommand() *cobra.Command {
	var hash string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one cache entry or tombstone by fingerprint",
		Long: `delete removes the entry (value set or tombstone) stored under the given
fingerprint. This is the only way to clear a timeout/failed/limit tombstone
and make the fragment buildable again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hash == "" {
				return fmt.Errorf("--hash is required")
			}

			rt, err := Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Backend.Delete(cmd.Context(), fingerprint.Hash(hash)); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "deleted")

			return nil
		},
	}

	cmd.Flags().StringVar(&hash, "hash", "", "fingerprint of the entry to delete")

	return cmd
}

func newEvictCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Run one eviction pass with the configured strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg := rt.Cfg

			policy := eviction.New(
				rt.Backend,
				cfg.Cache.PartitionKey,
				cfg.EvictionStrategy(),
				cfg.Eviction.Threshold,
				DatabaseName(cfg.Database.URL),
				cfg.Cache.TablePrefix,
				rt.Logger,
			)

			removed, err := policy.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)

			return nil
		},
	}
}
