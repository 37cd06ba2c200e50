// Package jobname derives the deterministic scheduled-job and table names
// used by the reference Postgres backend and its eviction/stale-job
// schedulers: partitioncache_<operation>_<database>[_<prefix_suffix>],
// truncated at 63 characters.
package jobname

import "strings"

// maxIdentifier matches Postgres's own NAMEDATALEN-1 limit, which the job
// and table names derived here must also respect since they are sometimes
// used as literal table/advisory-lock names.
const maxIdentifier = 63

// Job builds "partitioncache_<operation>_<database>[_<prefixSuffix>]",
// truncated to maxIdentifier bytes. prefixSuffix is omitted entirely when
// empty.
func Job(operation, database, prefixSuffix string) string {
	name := "partitioncache_" + operation + "_" + database
	if prefixSuffix != "" {
		name += "_" + prefixSuffix
	}

	return Truncate(name)
}

// Truncate clamps name to the 63-byte identifier limit shared by every
// derived job and table name in this module.
func Truncate(name string) string {
	if len(name) <= maxIdentifier {
		return name
	}

	return strings.TrimRight(name[:maxIdentifier], "_")
}
