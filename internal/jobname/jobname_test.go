package jobname_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/jobname"
)

func TestJobOmitsEmptySuffix(t *testing.T) {
	require.Equal(t, "partitioncache_evict_analytics", jobname.Job("evict", "analytics", ""))
}

func TestJobIncludesSuffix(t *testing.T) {
	require.Equal(t, "partitioncache_evict_analytics_lineorder", jobname.Job("evict", "analytics", "lineorder"))
}

func TestJobTruncatesTo63Bytes(t *testing.T) {
	got := jobname.Job("evict", strings.Repeat("x", 100), "")
	require.LessOrEqual(t, len(got), 63)
	require.True(t, strings.HasPrefix(got, "partitioncache_evict_"))
}
