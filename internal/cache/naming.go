package cache

import "github.com/partitioncache/partitioncache/internal/jobname"

// Naming derives the deterministic table names the Postgres reference
// backend uses for one table_prefix: one metadata table, one
// queries (query-log) table, and one cache table per partition key, shaped
// by that key's backend variant.
type Naming struct {
	Prefix string
}

func (n Naming) MetadataTable() string {
	return jobname.Truncate(n.Prefix + "_metadata")
}

func (n Naming) QueriesTable() string {
	return jobname.Truncate(n.Prefix + "_queries")
}

func (n Naming) CacheTable(partitionKey string) string {
	return jobname.Truncate(n.Prefix + "_cache_" + partitionKey)
}
