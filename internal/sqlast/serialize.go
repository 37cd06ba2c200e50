package sqlast

import (
	"strconv"
	"strings"
)

// Serialize renders an expression back to SQL text. It is used both to
// reassemble fragment queries out of a subset of conjuncts and, after
// canonicalisation, to feed the fingerprint hasher.
func Serialize(e Expr) string {
	var b strings.Builder
	writeExpr(&b, e)

	return b.String()
}

func writeExpr(b *strings.Builder, e Expr) {
	switch n := e.(type) {
	case ColumnRef:
		if n.Table != "" {
			b.WriteString(n.Table)
			b.WriteByte('.')
		}

		b.WriteString(n.Column)

	case Literal:
		writeLiteral(b, n)

	case ListExpr:
		b.WriteByte('(')

		for i, item := range n.Items {
			if i > 0 {
				b.WriteString(", ")
			}

			writeExpr(b, item)
		}

		b.WriteByte(')')

	case BinaryExpr:
		b.WriteByte('(')
		writeExpr(b, n.Left)
		b.WriteByte(' ')
		b.WriteString(n.Op)
		b.WriteByte(' ')
		writeExpr(b, n.Right)
		b.WriteByte(')')

	case NotExpr:
		b.WriteString("NOT ")
		writeExpr(b, n.Expr)

	case InExpr:
		writeExpr(b, n.Left)

		if n.Negated {
			b.WriteString(" NOT IN ")
		} else {
			b.WriteString(" IN ")
		}

		b.WriteByte('(')

		if n.Subquery != nil {
			b.WriteString(SerializeSelect(n.Subquery))
		} else {
			for i, item := range n.List {
				if i > 0 {
					b.WriteString(", ")
				}

				writeExpr(b, item)
			}
		}

		b.WriteByte(')')

	case ExistsExpr:
		if n.Negated {
			b.WriteString("NOT ")
		}

		b.WriteString("EXISTS (")
		b.WriteString(SerializeSelect(n.Subquery))
		b.WriteByte(')')

	case BetweenExpr:
		writeExpr(b, n.Expr)

		if n.Negated {
			b.WriteString(" NOT BETWEEN ")
		} else {
			b.WriteString(" BETWEEN ")
		}

		writeExpr(b, n.Low)
		b.WriteString(" AND ")
		writeExpr(b, n.High)

	case IsNullExpr:
		writeExpr(b, n.Expr)

		if n.Negated {
			b.WriteString(" IS NOT NULL")
		} else {
			b.WriteString(" IS NULL")
		}

	case LikeExpr:
		writeExpr(b, n.Expr)

		switch {
		case n.Negated && n.CaseInsensitive:
			b.WriteString(" NOT ILIKE ")
		case n.Negated:
			b.WriteString(" NOT LIKE ")
		case n.CaseInsensitive:
			b.WriteString(" ILIKE ")
		default:
			b.WriteString(" LIKE ")
		}

		writeExpr(b, n.Pattern)
	}
}

func writeLiteral(b *strings.Builder, lit Literal) {
	switch lit.Kind {
	case LitString:
		b.WriteByte('\'')
		b.WriteString(strings.ReplaceAll(lit.Text, "'", "''"))
		b.WriteByte('\'')
	case LitNumber, LitBool, LitNull:
		b.WriteString(lit.Text)
	}
}

// SerializeSelect renders a SelectStmt back into SQL. Table references and
// the WHERE tree are re-emitted from the AST; the projection is kept
// verbatim because partitioncache never needs to reinterpret it.
func SerializeSelect(s *SelectStmt) string {
	var b strings.Builder

	b.WriteString("SELECT ")

	if s.Distinct {
		b.WriteString("DISTINCT ")
	}

	b.WriteString(s.Projection)
	b.WriteString(" FROM ")
	writeFromClause(&b, s.From)

	if s.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(stripOuterParens(Serialize(s.Where)))
	}

	return b.String()
}

func writeFromClause(b *strings.Builder, f *FromClause) {
	writeTableRef(b, f.Base)

	for _, j := range f.Joins {
		b.WriteByte(' ')
		b.WriteString(j.Kind)
		b.WriteString(" JOIN ")
		writeTableRef(b, j.Table)

		if j.On != nil {
			b.WriteString(" ON ")
			b.WriteString(stripOuterParens(Serialize(j.On)))
		}
	}
}

func writeTableRef(b *strings.Builder, t TableRef) {
	b.WriteString(t.Name)

	if t.Alias != "" {
		b.WriteString(" AS ")
		b.WriteString(t.Alias)
	}
}

// stripOuterParens removes one layer of redundant parens Serialize adds
// around every BinaryExpr, purely for readability of generated SQL.
func stripOuterParens(s string) string {
	if len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && matchingParen(s) {
		return s[1 : len(s)-1]
	}

	return s
}

func matchingParen(s string) bool {
	depth := 0

	for i, ch := range s {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--

			if depth == 0 {
				return i == len(s)-1
			}
		}
	}

	return false
}

// FormatNumber is a small helper used by callers that build Literal nodes
// from Go numeric values rather than parsed tokens.
func FormatNumber(v int64) string {
	return strconv.FormatInt(v, 10)
}
