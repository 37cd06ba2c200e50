// Package analyser decomposes queries: given a parsed query and the set
// of declared partition keys, it locates the fact table, peels dimension
// joins into self-contained subqueries, and produces the conjunct set that
// the variant generator (internal/variant) builds its subset lattice
// from.
package analyser

import (
	"fmt"

	"github.com/partitioncache/partitioncache/internal/graph"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/sqlast"
)

// ConjunctKind classifies how a conjunct ties back to the fact table.
type ConjunctKind int

const (
	// KindAttribute constrains the fact table directly on a column that is
	// not a declared partition key (a plain attribute filter).
	KindAttribute ConjunctKind = iota
	// KindDirect references a declared partition key on the fact table
	// directly.
	KindDirect
	// KindSubquery references a declared partition key inside an
	// already-written IN (SELECT ...) / EXISTS (SELECT ...) subtree.
	KindSubquery
	// KindDimensionJoin was peeled from a filter on a table joined to the
	// fact table, where the join equates a fact column to that table's key,
	// including deep dimension chains.
	KindDimensionJoin
)

// Conjunct is one member of the conjunct set C. Self is always
// expressible against the fact table alone: plain fact-column predicates are
// kept as written, and dimension filters are rewritten into
// `fact.col IN (SELECT key FROM ...)` form so the minimal FROM clause of any
// fragment built from a subset of C never needs the original joins.
type Conjunct struct {
	Self Expr
	Kind ConjunctKind

	// FactColumn is the fact-table column this conjunct constrains, empty
	// only for KindAttribute conjuncts that reference no fact column at all
	// (a rare standalone-literal predicate).
	FactColumn string

	// BundleKey groups conjuncts that must never be split across a variant
	// subset: all dimension-join conjuncts peeled from the same dimension
	// table share one BundleKey and are pre-merged into one subquery, so in
	// practice this field exists for callers that need to report bundling,
	// not to drive further merging.
	BundleKey string
}

// Expr is a re-export of sqlast.Expr kept local so callers of this package
// rarely need to import sqlast directly for the common case.
type Expr = sqlast.Expr

// Result is the analyser's output for one query.
type Result struct {
	FactAlias string
	Conjuncts []Conjunct

	// Present reports, for each declared partition key, whether it appears
	// in the query, directly or through a subquery or peeled dimension
	// filter. A variant-generation call for a key not
	// present here has nothing to build fragments from.
	Present map[string]bool
}

// joinEdge records how one FROM-side table was tied to an earlier table by
// its ON predicate.
type joinEdge struct {
	parent       string
	parentKeyCol string
	child        string
	childKeyCol  string
	clause       sqlast.JoinClause
}

// Analyse classifies a parsed query's conjuncts. declared maps each
// partition-key column name (as
// it appears on the fact table) to its datatype; only the key set is used
// here, the datatype travels with the caller's own bookkeeping.
func Analyse(stmt *sqlast.SelectStmt, factTable string, declared map[string]pktype.Datatype) (*Result, error) {
	if stmt == nil || stmt.From == nil {
		return nil, fmt.Errorf("%w: no FROM clause", ErrUnanalysableQuery)
	}

	factAlias, err := findFactAlias(stmt.From, factTable)
	if err != nil {
		return nil, err
	}

	result := &Result{FactAlias: factAlias, Present: map[string]bool{}}

	if stmt.Where == nil {
		return result, nil
	}

	if isTopLevelOr(stmt.Where) {
		return nil, fmt.Errorf("%w: top-level WHERE is a disjunction", ErrUnanalysableQuery)
	}

	edges := buildJoinIndex(stmt.From, factAlias)
	joins := buildJoinGraph(edges, factAlias)

	conjuncts := sqlast.FlattenAnd(stmt.Where)

	type dimGroup struct {
		table string
		raw   []sqlast.Expr
	}

	var (
		out       []Conjunct
		dimOrder  []string
		dimGroups = map[string]*dimGroup{}
	)

	for _, c := range conjuncts {
		tables := sqlast.Tables(c)

		switch {
		case len(tables) == 0 || (len(tables) == 1 && tables[0] == factAlias):
			out = append(out, classifyFactOnly(c, factAlias, declared))

		case len(tables) == 1:
			g, ok := dimGroups[tables[0]]
			if !ok {
				g = &dimGroup{table: tables[0]}
				dimGroups[tables[0]] = g
				dimOrder = append(dimOrder, tables[0])
			}

			g.raw = append(g.raw, c)

		default:
			// References more than one non-fact table at the top level (a
			// multi-table attribute predicate); no single dimension chain
			// can make it self-contained, so it is dropped from C. Such
			// predicates remain ordinary filters on the original query but
			// never enter the fragment cache.
		}
	}

	for _, table := range dimOrder {
		g := dimGroups[table]

		peeled, ok := peelDimension(g.table, g.raw, edges, joins, factAlias)
		if !ok {
			continue
		}

		peeled.BundleKey = edges[table].clause.Table.Name
		out = append(out, *peeled)
	}

	result.Conjuncts = out

	for p := range declared {
		for _, c := range out {
			if c.FactColumn == p && (c.Kind == KindDirect || c.Kind == KindSubquery || c.Kind == KindDimensionJoin) {
				result.Present[p] = true

				break
			}
		}
	}

	return result, nil
}

// AnalyseSQL parses sql and analyses it in one step, folding every parse
// failure into ErrUnanalysableQuery so callers see one error boundary.
func AnalyseSQL(sql string, factTable string, declared map[string]pktype.Datatype) (*Result, error) {
	stmt, err := sqlast.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnanalysableQuery, err)
	}

	return Analyse(stmt, factTable, declared)
}

func findFactAlias(from *sqlast.FromClause, factTable string) (string, error) {
	for _, t := range from.AllTables() {
		if t.Name == factTable {
			return t.EffectiveName(), nil
		}
	}

	return "", fmt.Errorf("%w: fact table %q not found in FROM clause", ErrUnanalysableQuery, factTable)
}

func isTopLevelOr(e sqlast.Expr) bool {
	b, ok := e.(sqlast.BinaryExpr)
	return ok && b.Op == "OR"
}

// buildJoinIndex resolves, for every joined table, the single equality in
// its ON clause that ties it back to an earlier table (fact or another
// dimension). Joins whose ON clause carries no such equality are simply
// absent from the index, which makes any conjunct referencing them
// unpeelable.
func buildJoinIndex(from *sqlast.FromClause, factAlias string) map[string]joinEdge {
	edges := map[string]joinEdge{}
	known := map[string]bool{factAlias: true}

	for _, j := range from.Joins {
		child := j.Table.EffectiveName()

		if j.On != nil {
			for _, cond := range sqlast.FlattenAnd(j.On) {
				bin, ok := cond.(sqlast.BinaryExpr)
				if !ok || bin.Op != "=" {
					continue
				}

				left, lok := bin.Left.(sqlast.ColumnRef)
				right, rok := bin.Right.(sqlast.ColumnRef)

				if !lok || !rok {
					continue
				}

				switch {
				case left.Table == child && right.Table != child && known[right.Table]:
					edges[child] = joinEdge{parent: right.Table, parentKeyCol: right.Column, child: child, childKeyCol: left.Column, clause: j}
				case right.Table == child && left.Table != child && known[left.Table]:
					edges[child] = joinEdge{parent: left.Table, parentKeyCol: left.Column, child: child, childKeyCol: right.Column, clause: j}
				default:
					continue
				}

				break
			}
		}

		known[child] = true
	}

	return edges
}

func classifyFactOnly(c sqlast.Expr, factAlias string, declared map[string]pktype.Datatype) Conjunct {
	if in, ok := c.(sqlast.InExpr); ok {
		if col, ok := in.Left.(sqlast.ColumnRef); ok && col.Table == factAlias {
			if in.Subquery != nil {
				return Conjunct{Self: c, Kind: KindSubquery, FactColumn: col.Column}
			}

			kind := KindAttribute
			if _, declaredKey := declared[col.Column]; declaredKey {
				kind = KindDirect
			}

			return Conjunct{Self: c, Kind: kind, FactColumn: col.Column}
		}
	}

	for _, ref := range sqlast.ColumnRefs(c) {
		if ref.Table != factAlias {
			continue
		}

		kind := KindAttribute
		if _, ok := declared[ref.Column]; ok {
			kind = KindDirect
		}

		return Conjunct{Self: c, Kind: kind, FactColumn: ref.Column}
	}

	return Conjunct{Self: c, Kind: KindAttribute}
}

// buildJoinGraph lifts the per-table join edges into a directed graph
// (dimension -> its join parent), so chain walking inherits the graph's
// cycle-safe traversal instead of re-implementing a visited set here.
func buildJoinGraph(edges map[string]joinEdge, factAlias string) *graph.DirectedGraph[string] {
	g := graph.NewDirectedGraph[string]()
	g.AddNode(factAlias)

	for child, e := range edges {
		g.AddNode(child)
		g.AddNode(e.parent)

		_ = g.AddEdge(child, e.parent)
	}

	return g
}

// peelDimension walks the join chain from table back to factAlias and
// rewrites raw (predicates against table) into one self-contained
// `fact.col IN (SELECT key FROM ... WHERE raw)` conjunct. Deep chains are
// supported: intermediate hops become JOINs inside the generated subquery
// rather than references the outer query has to keep alive. A chain that
// cycles without reaching the fact table (a misdeclared self-referencing
// join) ends short of factAlias and is rejected.
func peelDimension(table string, raw []sqlast.Expr, edges map[string]joinEdge, joins *graph.DirectedGraph[string], factAlias string) (*Conjunct, bool) {
	walk := joins.WalkFrom(table)
	if len(walk) < 2 || walk[len(walk)-1] != factAlias {
		return nil, false
	}

	chain := make([]joinEdge, 0, len(walk)-1)

	for _, node := range walk[:len(walk)-1] {
		e, ok := edges[node]
		if !ok {
			return nil, false
		}

		chain = append(chain, e)
	}

	// chain currently runs table -> ... -> fact; reverse it to fact -> ... -> table.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	first := chain[0]

	sub := &sqlast.SelectStmt{
		Projection: first.childKeyCol,
		From:       &sqlast.FromClause{Base: first.clause.Table},
	}

	for _, e := range chain[1:] {
		sub.From.Joins = append(sub.From.Joins, e.clause)
	}

	where := sqlast.RebuildAnd(raw)
	sub.Where = where

	outer := sqlast.InExpr{
		Left:     sqlast.ColumnRef{Table: factAlias, Column: first.parentKeyCol},
		Subquery: sub,
	}

	return &Conjunct{Self: outer, Kind: KindDimensionJoin, FactColumn: first.parentKeyCol}, true
}
