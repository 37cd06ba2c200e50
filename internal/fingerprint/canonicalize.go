// Package fingerprint canonicalises a fragment query's AST and hashes the
// canonical form into a stable, short identifier.
package fingerprint

import (
	"sort"

	"github.com/partitioncache/partitioncache/internal/sqlast"
)

const projectionSentinel = "⟨PK⟩"

// canonicalSelect produces a structurally-normalised copy of stmt: the
// top-level projection replaced with a sentinel, aliases renamed to t0,
// t1, ... in order of first appearance within the statement's own FROM
// clause, WHERE conjuncts flattened and sorted into a stable order, IN-list
// literals sorted, and BETWEEN rewritten to its equivalent range
// comparison. Each nested subquery is canonicalised with an independent
// alias scope, since the fragment grammar only produces uncorrelated
// subqueries — but its projection is kept: which column
// a subquery selects is semantically significant, unlike the outer
// fragment's projection, which is always the partition key.
func canonicalSelect(stmt *sqlast.SelectStmt) *sqlast.SelectStmt {
	return canonicalize(stmt, true)
}

func canonicalize(stmt *sqlast.SelectStmt, stripProjection bool) *sqlast.SelectStmt {
	aliasOf := buildAliasMap(stmt.From)

	projection := stmt.Projection
	if stripProjection {
		projection = projectionSentinel
	}

	out := &sqlast.SelectStmt{
		Distinct:   stmt.Distinct,
		Projection: projection,
		From:       canonicalFrom(stmt.From, aliasOf),
	}

	if stmt.Where != nil {
		conjuncts := sqlast.FlattenAnd(stmt.Where)

		// A rewritten BETWEEN is an AND of two range comparisons; flattening
		// it here lets it sort exactly like the spelled-out form.
		canonConjuncts := make([]sqlast.Expr, 0, len(conjuncts))
		for _, c := range conjuncts {
			canonConjuncts = append(canonConjuncts, sqlast.FlattenAnd(rewriteExpr(c, aliasOf))...)
		}

		out.Where = sqlast.RebuildAnd(sortConjunctsByCanonicalText(canonConjuncts))
	}

	return out
}

// sortConjunctsByCanonicalText sorts a conjunct slice by each element's own
// serialized form, independent of index bookkeeping tricks.
func sortConjunctsByCanonicalText(conjuncts []sqlast.Expr) []sqlast.Expr {
	type keyed struct {
		key  string
		expr sqlast.Expr
	}

	items := make([]keyed, len(conjuncts))
	for i, c := range conjuncts {
		items[i] = keyed{key: sqlast.Serialize(c), expr: c}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })

	out := make([]sqlast.Expr, len(items))
	for i, it := range items {
		out[i] = it.expr
	}

	return out
}

func buildAliasMap(from *sqlast.FromClause) map[string]string {
	aliasOf := map[string]string{}

	next := 0

	assign := func(name string) {
		if name == "" {
			return
		}

		if _, ok := aliasOf[name]; !ok {
			aliasOf[name] = "t" + itoa(next)
			next++
		}
	}

	if from == nil {
		return aliasOf
	}

	assign(from.Base.EffectiveName())

	for _, j := range from.Joins {
		assign(j.Table.EffectiveName())
	}

	return aliasOf
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}

	return string(digits)
}

func canonicalFrom(from *sqlast.FromClause, aliasOf map[string]string) *sqlast.FromClause {
	if from == nil {
		return nil
	}

	out := &sqlast.FromClause{
		Base: sqlast.TableRef{Name: from.Base.Name, Alias: aliasOf[from.Base.EffectiveName()]},
	}

	for _, j := range from.Joins {
		out.Joins = append(out.Joins, sqlast.JoinClause{
			Kind:  j.Kind,
			Table: sqlast.TableRef{Name: j.Table.Name, Alias: aliasOf[j.Table.EffectiveName()]},
			On:    rewriteExpr(j.On, aliasOf),
		})
	}

	return out
}

// rewriteExpr rewrites ColumnRef qualifiers using aliasOf, rewrites BETWEEN
// into its range-comparison equivalent, and recursively canonicalises
// nested subqueries in their own scope.
func rewriteExpr(e sqlast.Expr, aliasOf map[string]string) sqlast.Expr {
	switch n := e.(type) {
	case sqlast.ColumnRef:
		table := n.Table
		if renamed, ok := aliasOf[table]; ok {
			table = renamed
		}

		return sqlast.ColumnRef{Table: table, Column: n.Column}

	case sqlast.Literal:
		return n

	case sqlast.ListExpr:
		items := make([]sqlast.Expr, len(n.Items))
		for i, it := range n.Items {
			items[i] = rewriteExpr(it, aliasOf)
		}

		sort.Slice(items, func(i, j int) bool {
			return sqlast.Serialize(items[i]) < sqlast.Serialize(items[j])
		})

		return sqlast.ListExpr{Items: items}

	case sqlast.BinaryExpr:
		return sqlast.BinaryExpr{Op: n.Op, Left: rewriteExpr(n.Left, aliasOf), Right: rewriteExpr(n.Right, aliasOf)}

	case sqlast.NotExpr:
		return sqlast.NotExpr{Expr: rewriteExpr(n.Expr, aliasOf)}

	case sqlast.InExpr:
		out := sqlast.InExpr{Left: rewriteExpr(n.Left, aliasOf), Negated: n.Negated}

		if n.Subquery != nil {
			out.Subquery = canonicalize(n.Subquery, false)
		} else {
			items := make([]sqlast.Expr, len(n.List))
			for i, it := range n.List {
				items[i] = rewriteExpr(it, aliasOf)
			}

			sort.Slice(items, func(i, j int) bool {
				return sqlast.Serialize(items[i]) < sqlast.Serialize(items[j])
			})

			out.List = items
		}

		return out

	case sqlast.ExistsExpr:
		out := sqlast.ExistsExpr{Negated: n.Negated}
		if n.Subquery != nil {
			out.Subquery = canonicalize(n.Subquery, false)
		}

		return out

	case sqlast.BetweenExpr:
		left := rewriteExpr(n.Expr, aliasOf)
		low := rewriteExpr(n.Low, aliasOf)
		high := rewriteExpr(n.High, aliasOf)

		if n.Negated {
			return sqlast.BinaryExpr{
				Op:   "OR",
				Left: sqlast.BinaryExpr{Op: "<", Left: left, Right: low},
				Right: sqlast.BinaryExpr{Op: ">", Left: left, Right: high},
			}
		}

		return sqlast.BinaryExpr{
			Op:   "AND",
			Left: sqlast.BinaryExpr{Op: ">=", Left: left, Right: low},
			Right: sqlast.BinaryExpr{Op: "<=", Left: left, Right: high},
		}

	case sqlast.IsNullExpr:
		return sqlast.IsNullExpr{Expr: rewriteExpr(n.Expr, aliasOf), Negated: n.Negated}

	case sqlast.LikeExpr:
		return sqlast.LikeExpr{
			Expr:            rewriteExpr(n.Expr, aliasOf),
			Negated:         n.Negated,
			CaseInsensitive: n.CaseInsensitive,
			Pattern:         rewriteExpr(n.Pattern, aliasOf),
		}

	default:
		return e
	}
}
