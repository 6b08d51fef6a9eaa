package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures what differs between the supported SQL backends
type Dialect struct {
	Name       string
	DriverName string
	// numbered placeholders ($1, $2, ...) instead of ?
	NumberedPlaceholders bool
	// IsUniqueViolation recognises the driver's unique-constraint error
	IsUniqueViolation func(err error) bool
	// upsertClause renders the conflict clause of an upsert on conflictCols updating updateCols
	upsertClause func(conflictCols, updateCols []string) string
}

// Rebind rewrites ? placeholders for dialects that number them
func (d *Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Upsert builds an insert that updates updateCols when conflictCols already exist
func (d *Dialect) Upsert(table string, columns, conflictCols, updateCols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, strings.Join(columns, ", "), placeholders, d.upsertClause(conflictCols, updateCols))
}

func onConflictClause(conflictCols, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflictCols, ", "), strings.Join(sets, ", "))
}

func onDuplicateKeyClause(_, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}
