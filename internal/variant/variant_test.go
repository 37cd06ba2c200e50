package variant_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partitioncache/partitioncache/internal/analyser"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/sqlast"
	"github.com/partitioncache/partitioncache/internal/variant"
)

func declared(cols ...string) map[string]pktype.Datatype {
	out := map[string]pktype.Datatype{}
	for _, c := range cols {
		out[c] = pktype.Int32
	}

	return out
}

func TestGenerateStarSchemaSevenFragments(t *testing.T) {
	stmt, err := sqlast.Parse(`SELECT lo_custkey FROM lineorder fact
		WHERE fact.lo_custkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.lo_suppkey IN (SELECT s_suppkey FROM supplier WHERE s_region = 'ASIA')
		AND fact.lo_orderdate IN (SELECT d_datekey FROM date_dim WHERE d_year BETWEEN 1992 AND 1997)`)
	require.NoError(t, err)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey", "lo_suppkey", "lo_orderdate"))
	require.NoError(t, err)

	frags, err := variant.Generate(res, "lo_custkey", "lineorder", variant.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, frags, 7)

	require.Equal(t, 3, frags[0].Size)

	hashes := map[variant.Fragment]bool{}
	for _, f := range frags {
		require.False(t, hashes[f])
		hashes[f] = true
	}
}

func TestGenerateVariantExplosion(t *testing.T) {
	sql := `SELECT lo_custkey FROM lineorder fact WHERE fact.a=1 AND fact.b=2 AND fact.c=3 AND fact.d=4
		AND fact.e=5 AND fact.f=6 AND fact.g=7 AND fact.h=8 AND fact.i=9 AND fact.j=10 AND fact.k=11`
	stmt, err := sqlast.Parse(sql)
	require.NoError(t, err)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.NoError(t, err)
	require.Len(t, res.Conjuncts, 11)

	_, err = variant.Generate(res, "lo_custkey", "lineorder", variant.DefaultOptions())
	require.ErrorIs(t, err, variant.ErrVariantExplosion)
}

func TestGenerateNoConjunctsYieldsNoFragments(t *testing.T) {
	stmt, err := sqlast.Parse(`SELECT lo_custkey FROM lineorder fact`)
	require.NoError(t, err)

	res, err := analyser.Analyse(stmt, "lineorder", declared("lo_custkey"))
	require.NoError(t, err)

	frags, err := variant.Generate(res, "lo_custkey", "lineorder", variant.DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, frags)
}

func TestGenerateDualDutyIndependentFragments(t *testing.T) {
	stmt, err := sqlast.Parse(`SELECT l_orderkey FROM orders fact
		WHERE fact.l_orderkey IN (SELECT c_custkey FROM customer WHERE c_region = 'ASIA')
		AND fact.l_orderkey IN (SELECT d_datekey FROM date_dim WHERE d_year = 1997)`)
	require.NoError(t, err)

	res, err := analyser.Analyse(stmt, "orders", declared("l_orderkey"))
	require.NoError(t, err)

	frags, err := variant.Generate(res, "l_orderkey", "orders", variant.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, frags, 3) // {customer}, {date}, {customer, date}

	// Removing the date conjunct still leaves a fragment matching the
	// customer-only subset produced here.
	var sawCustomerOnly bool

	for _, f := range frags {
		if f.Size == 1 {
			sawCustomerOnly = true
		}
	}

	require.True(t, sawCustomerOnly)
}
