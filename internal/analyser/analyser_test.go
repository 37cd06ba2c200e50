package analyser_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/analyser"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/sqlast"
)

func declared(cols ...string) map[string]pktype.Datatype {
	out := map[string]pktype.Datatype{}
	for _, c := range cols {
		out[c] = pktype.Int32
	}

	return out
}

func parse(t *testing.T, sql string) *sqlast.SelectStmt {
	t.Helper()

	stmt, err := sqlast.Parse(sql)
	require.NoError(t, err)

	return stmt
}

func TestAnalyseStarSchemaCrossDimensionReuse(t *testing.T) {
	stmt := parse(t, `SELECT lo_custkey FROM lineorder fact
		WHERE fact.lo_custkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.lo_suppkey IN (SELECT s_suppkey FROM supplier WHERE s_region = 'ASIA')
		AND fact.lo_orderdate IN (SELECT d_datekey FROM date_dim WHERE d_year BETWEEN 1992 AND 1997)`)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey", "lo_suppkey", "lo_orderdate"))
	require.NoError(t, err)
	require.Len(t, res.Conjuncts, 3)
	require.True(t, res.Present["lo_custkey"])
	require.True(t, res.Present["lo_suppkey"])
	require.True(t, res.Present["lo_orderdate"])

	for _, c := range res.Conjuncts {
		require.Equal(t, analyser.KindSubquery, c.Kind)
	}
}

func TestAnalysePeelsSingleHopDimensionAttribute(t *testing.T) {
	stmt := parse(t, `SELECT lo_orderkey FROM lineorder fact
		JOIN customer c ON fact.lo_custkey = c.c_custkey
		WHERE c.c_region = 'ASIA'`)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.NoError(t, err)
	require.Len(t, res.Conjuncts, 1)
	require.Equal(t, analyser.KindDimensionJoin, res.Conjuncts[0].Kind)
	require.Equal(t, "lo_custkey", res.Conjuncts[0].FactColumn)
	require.True(t, res.Present["lo_custkey"])

	sql := sqlast.Serialize(res.Conjuncts[0].Self)
	require.Contains(t, sql, "fact.lo_custkey")
	require.Contains(t, sql, "SELECT c_custkey FROM customer")
	require.Contains(t, sql, "c_region")
}

func TestAnalyseBundlesSameDimensionAttributes(t *testing.T) {
	stmt := parse(t, `SELECT lo_orderkey FROM lineorder fact
		JOIN customer c ON fact.lo_custkey = c.c_custkey
		WHERE c.c_region = 'ASIA' AND c.c_nation = 'UNITED STATES'`)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.NoError(t, err)
	require.Len(t, res.Conjuncts, 1, "both customer attribute filters collapse into one bundled conjunct")
	require.Equal(t, "customer", res.Conjuncts[0].BundleKey)

	sql := sqlast.Serialize(res.Conjuncts[0].Self)
	require.Contains(t, sql, "c_region")
	require.Contains(t, sql, "c_nation")
}

func TestAnalysePeelsDeepDimensionChain(t *testing.T) {
	stmt := parse(t, `SELECT lo_orderkey FROM lineorder fact
		JOIN customer c ON fact.lo_custkey = c.c_custkey
		JOIN nation n ON c.c_nationkey = n.n_nationkey
		WHERE n.n_region = 'ASIA'`)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.NoError(t, err)
	require.Len(t, res.Conjuncts, 1)
	require.Equal(t, "lo_custkey", res.Conjuncts[0].FactColumn)

	sql := sqlast.Serialize(res.Conjuncts[0].Self)
	require.Contains(t, sql, "fact.lo_custkey")
	require.Contains(t, sql, "FROM customer")
	require.Contains(t, sql, "JOIN nation")
	require.Contains(t, sql, "n_region")
}

func TestAnalyseDualDutyPartitionKey(t *testing.T) {
	stmt := parse(t, `SELECT l_orderkey FROM orders fact
		JOIN customer c ON fact.l_custkey = c.c_custkey
		WHERE fact.l_orderkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.l_orderkey IN (SELECT d_datekey FROM date_dim WHERE d_year = 1997)`)

	res, err := analyser.Analyse(stmt, "orders", declared("l_orderkey"))
	require.NoError(t, err)
	require.Len(t, res.Conjuncts, 2)
	require.True(t, res.Present["l_orderkey"])

	for _, c := range res.Conjuncts {
		require.Equal(t, "l_orderkey", c.FactColumn)
	}
}

func TestAnalyseAttributeConditionKeptButNotPresent(t *testing.T) {
	stmt := parse(t, `SELECT lo_orderkey FROM lineorder fact WHERE fact.lo_quantity > 5`)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.NoError(t, err)
	require.Len(t, res.Conjuncts, 1)
	require.Equal(t, analyser.KindAttribute, res.Conjuncts[0].Kind)
	require.False(t, res.Present["lo_custkey"])
}

func TestAnalyseRejectsTopLevelDisjunction(t *testing.T) {
	stmt := parse(t, `SELECT lo_orderkey FROM lineorder fact WHERE fact.lo_custkey = 1 OR fact.lo_custkey = 2`)

	_, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.ErrorIs(t, err, analyser.ErrUnanalysableQuery)
}

func TestAnalyseSQLRejectsSetOperations(t *testing.T) {
	_, err := analyser.AnalyseSQL(
		`SELECT lo_custkey FROM lineorder UNION SELECT lo_custkey FROM lineorder_archive`,
		"lineorder",
		declared("lo_custkey"),
	)
	require.ErrorIs(t, err, analyser.ErrUnanalysableQuery)
}

func TestAnalyseNoWhereClauseYieldsNoConjuncts(t *testing.T) {
	stmt := parse(t, `SELECT lo_custkey FROM lineorder fact`)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.NoError(t, err)
	require.Empty(t, res.Conjuncts)
	require.False(t, res.Present["lo_custkey"])
}
