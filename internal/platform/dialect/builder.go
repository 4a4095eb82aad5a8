package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Statement is SQL text in the dialect's native placeholder syntax plus its
// bound arguments. Values never appear in SQL text.
type Statement struct {
	SQL  string
	Args []any
}

// Column pairs a column name with a value.
type Column struct {
	Name  string
	Value any
}

// Col builds a Column.
func Col(name string, value any) Column {
	return Column{Name: name, Value: value}
}

// Builder generates portable statements for one dialect. Callers express
// intent once and the builder handles quoting, placeholders and limits.
type Builder struct {
	d Descriptor
}

// NewBuilder returns a builder for the descriptor.
func NewBuilder(d Descriptor) Builder {
	return Builder{d: d}
}

// Quote quotes an identifier, doubling embedded closing quotes.
// Dotted names are quoted per segment.
func (b Builder) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		p = strings.ReplaceAll(p, b.d.QuoteClose, b.d.QuoteClose+b.d.QuoteClose)
		parts[i] = b.d.QuoteOpen + p + b.d.QuoteClose
	}
	return strings.Join(parts, ".")
}

// Rebind rewrites `?` placeholders of a portable template into the native
// syntax. Question marks inside quoted literals, identifiers and comments
// are kept.
func (b Builder) Rebind(query string) string {
	if b.d.Placeholder == Question || !strings.Contains(query, "?") {
		return query
	}
	var out strings.Builder
	out.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '[' && b.d.QuoteOpen == "[":
			quote = ']'
		case strings.HasPrefix(query[i:], "--"):
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = len(query) - i
			}
			out.WriteString(query[i : i+end])
			i += end - 1
			continue
		case strings.HasPrefix(query[i:], "/*"):
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				end = len(query) - i
			} else {
				end += 4
			}
			out.WriteString(query[i : i+end])
			i += end - 1
			continue
		case c == '?':
			n++
			out.WriteString(b.placeholder(n))
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}

func (b Builder) placeholder(n int) string {
	switch b.d.Placeholder {
	case Dollar:
		return "$" + strconv.Itoa(n)
	case AtP:
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// Insert builds INSERT INTO table (cols) VALUES (...).
func (b Builder) Insert(table string, cols ...Column) Statement {
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = b.Quote(c.Name)
		marks[i] = "?"
		args[i] = c.Value
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		b.Quote(table), strings.Join(names, ", "), strings.Join(marks, ", "))
	return Statement{SQL: b.Rebind(q), Args: args}
}

// Select builds SELECT columns FROM table WHERE equalities, limited to limit
// rows when limit > 0. An empty column list selects every column.
func (b Builder) Select(table string, columns []string, where []Column, limit int) Statement {
	sel := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = b.Quote(c)
		}
		sel = strings.Join(quoted, ", ")
	}

	var q strings.Builder
	q.WriteString("SELECT ")
	if limit > 0 && b.d.Limit == TopPrefix {
		q.WriteString("TOP (" + strconv.Itoa(limit) + ") ")
	}
	q.WriteString(sel)
	q.WriteString(" FROM ")
	q.WriteString(b.Quote(table))
	clause, args := b.where(where)
	q.WriteString(clause)
	if limit > 0 && b.d.Limit == LimitSuffix {
		q.WriteString(" LIMIT " + strconv.Itoa(limit))
	}
	return Statement{SQL: b.Rebind(q.String()), Args: args}
}

// Update builds UPDATE table SET ... WHERE equalities.
func (b Builder) Update(table string, set []Column, where []Column) Statement {
	assigns := make([]string, len(set))
	args := make([]any, 0, len(set)+len(where))
	for i, c := range set {
		assigns[i] = b.Quote(c.Name) + " = ?"
		args = append(args, c.Value)
	}
	clause, whereArgs := b.where(where)
	args = append(args, whereArgs...)
	q := "UPDATE " + b.Quote(table) + " SET " + strings.Join(assigns, ", ") + clause
	return Statement{SQL: b.Rebind(q), Args: args}
}

// Delete builds DELETE FROM table WHERE equalities.
func (b Builder) Delete(table string, where []Column) Statement {
	clause, args := b.where(where)
	return Statement{SQL: b.Rebind("DELETE FROM " + b.Quote(table) + clause), Args: args}
}

func (b Builder) where(cols []Column) (string, []any) {
	if len(cols) == 0 {
		return "", nil
	}
	parts := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		if c.Value == nil {
			parts[i] = b.Quote(c.Name) + " IS NULL"
			continue
		}
		parts[i] = b.Quote(c.Name) + " = ?"
		args = append(args, c.Value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}
