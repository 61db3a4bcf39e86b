package postgres

import (
	"fmt"
	"strings"
)

// query accumulates a SELECT with positional arguments.
type query struct {
	base    string
	where   []string
	args    []any
	orderBy string
	suffix  []string
}

// arg registers v and returns its placeholder.
func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) and(clause string) { q.where = append(q.where, clause) }

func (q *query) limit(n int) {
	if n > 0 {
		q.suffix = append(q.suffix, "LIMIT "+q.arg(n))
	}
}

func (q *query) offset(n int) {
	if n > 0 {
		q.suffix = append(q.suffix, "OFFSET "+q.arg(n))
	}
}

func (q *query) String() string {
	var b strings.Builder
	b.WriteString(q.base)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	if q.orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.orderBy)
	}
	for _, s := range q.suffix {
		b.WriteString(" ")
		b.WriteString(s)
	}
	return b.String()
}

// likePattern escapes LIKE metacharacters and wraps s for a substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
