package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavour behind a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite", "":
		return DialectSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
// Placeholders inside quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
