package sqlast

// FlattenAnd decomposes a WHERE tree into its top-level AND children. A
// non-AND root is returned as the sole element.
func FlattenAnd(e Expr) []Expr {
	if e == nil {
		return nil
	}

	bin, ok := e.(BinaryExpr)
	if !ok || bin.Op != "AND" {
		return []Expr{e}
	}

	return append(FlattenAnd(bin.Left), FlattenAnd(bin.Right)...)
}

// RebuildAnd reassembles a conjunct list into a left-deep AND tree. It is
// the inverse of FlattenAnd for non-empty input.
func RebuildAnd(conjuncts []Expr) Expr {
	if len(conjuncts) == 0 {
		return nil
	}

	result := conjuncts[0]
	for _, c := range conjuncts[1:] {
		result = BinaryExpr{Op: "AND", Left: result, Right: c}
	}

	return result
}

// ColumnRefs returns every ColumnRef reachable from e, including inside
// nested subqueries' WHERE/ON clauses (but not their projections, which are
// kept as opaque text).
func ColumnRefs(e Expr) []ColumnRef {
	var refs []ColumnRef

	var walk func(Expr)

	walk = func(n Expr) {
		if n == nil {
			return
		}

		switch v := n.(type) {
		case ColumnRef:
			refs = append(refs, v)
		case ListExpr:
			for _, item := range v.Items {
				walk(item)
			}
		case BinaryExpr:
			walk(v.Left)
			walk(v.Right)
		case NotExpr:
			walk(v.Expr)
		case InExpr:
			walk(v.Left)

			for _, item := range v.List {
				walk(item)
			}

			if v.Subquery != nil {
				walk(v.Subquery.Where)
				walkFrom(v.Subquery.From, &refs)
			}
		case ExistsExpr:
			if v.Subquery != nil {
				walk(v.Subquery.Where)
				walkFrom(v.Subquery.From, &refs)
			}
		case BetweenExpr:
			walk(v.Expr)
			walk(v.Low)
			walk(v.High)
		case IsNullExpr:
			walk(v.Expr)
		case LikeExpr:
			walk(v.Expr)
			walk(v.Pattern)
		}
	}

	walk(e)

	return refs
}

func walkFrom(f *FromClause, refs *[]ColumnRef) {
	if f == nil {
		return
	}

	for _, j := range f.Joins {
		inner := ColumnRefs(j.On)
		*refs = append(*refs, inner...)
	}
}

// Tables returns every outer-scope table name (or alias) a conjunct
// references directly, used to compute the minimal FROM clause for a
// fragment. A subquery brings its own FROM clause with it, so tables
// referenced only inside a nested subquery are not included here — only the
// outer-scope side of an IN/EXISTS (its Left expression, if any) counts.
func Tables(e Expr) []string {
	seen := map[string]bool{}

	var out []string

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true

			out = append(out, name)
		}
	}

	var walk func(Expr)

	walk = func(n Expr) {
		if n == nil {
			return
		}

		switch v := n.(type) {
		case ColumnRef:
			add(v.Table)
		case ListExpr:
			for _, item := range v.Items {
				walk(item)
			}
		case BinaryExpr:
			walk(v.Left)
			walk(v.Right)
		case NotExpr:
			walk(v.Expr)
		case InExpr:
			walk(v.Left)

			for _, item := range v.List {
				walk(item)
			}

		case ExistsExpr:
			// EXISTS has no outer-scope expression of its own; its subquery
			// is self-contained and brings its own FROM clause.
		case BetweenExpr:
			walk(v.Expr)
			walk(v.Low)
			walk(v.High)
		case IsNullExpr:
			walk(v.Expr)
		case LikeExpr:
			walk(v.Expr)
			walk(v.Pattern)
		}
	}

	walk(e)

	return out
}
