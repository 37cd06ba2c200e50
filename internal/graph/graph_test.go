package graph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/graph"
)

func TestWalkFromFollowsChain(t *testing.T) {
	g := graph.NewDirectedGraph[string]()

	for _, n := range []string{"nation", "customer", "lineorder"} {
		g.AddNode(n)
	}

	require.NoError(t, g.AddEdge("nation", "customer"))
	require.NoError(t, g.AddEdge("customer", "lineorder"))

	require.Equal(t, []string{"nation", "customer", "lineorder"}, g.WalkFrom("nation"))
	require.Equal(t, []string{"customer", "lineorder"}, g.WalkFrom("customer"))
}

func TestWalkFromTerminatesOnCycle(t *testing.T) {
	g := graph.NewDirectedGraph[string]()

	for _, n := range []string{"a", "b", "c"} {
		g.AddNode(n)
	}

	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	require.NoError(t, g.AddEdge("c", "a"))

	walk := g.WalkFrom("a")
	require.Equal(t, []string{"a", "b", "c"}, walk, "each node visited once despite the cycle")
}

func TestWalkFromUnknownNode(t *testing.T) {
	g := graph.NewDirectedGraph[string]()
	require.Nil(t, g.WalkFrom("missing"))
}

func TestAddEdgeRequiresNodes(t *testing.T) {
	g := graph.NewDirectedGraph[string]()
	g.AddNode("a")

	require.Error(t, g.AddEdge("a", "b"))
}
