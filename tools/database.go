package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/iabuilder/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const maxQueryRows = 200

// QueryDatabaseTool runs read-only SQL against a SQLite file in the project.
type QueryDatabaseTool struct {
	guard *Guard
}

func (t *QueryDatabaseTool) Name() string { return "query_database" }
func (t *QueryDatabaseTool) Description() string {
	return "Runs a read-only SQL query against a SQLite database file and returns the rows as a table."
}
func (t *QueryDatabaseTool) Schema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"database": prop("string", "Path of the SQLite database file."),
		"query":    prop("string", "A single SQL statement, e.g. SELECT or PRAGMA table_info(x)."),
	}, "database", "query")
}
func (t *QueryDatabaseTool) Tags() []string        { return []string{TagDatabase} }
func (t *QueryDatabaseTool) ConcurrencySafe() bool { return true }

func (t *QueryDatabaseTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := stringArg(args, "database")
	query := strings.TrimSpace(stringArg(args, "query"))
	if err := t.guard.CheckRead(path); err != nil {
		return "", err
	}
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open database '%s'", path)
	}
	defer conn.Close()
	conn.SetInterrupt(ctx.Done())

	var (
		columns []string
		rows    [][]string
		more    bool
	)
	err = sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if columns == nil {
				for i := 0; i < stmt.ColumnCount(); i++ {
					columns = append(columns, stmt.ColumnName(i))
				}
			}
			if len(rows) >= maxQueryRows {
				more = true
				return nil
			}
			row := make([]string, stmt.ColumnCount())
			for i := range row {
				if stmt.ColumnType(i) == sqlite.TypeNull {
					row[i] = "NULL"
					continue
				}
				row[i] = stmt.ColumnText(i)
			}
			rows = append(rows, row)
			return nil
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "query failed")
	}
	return formatRows(columns, rows, more), nil
}

func formatRows(columns []string, rows [][]string, more bool) string {
	if len(columns) == 0 {
		return "Query returned no rows."
	}
	var b strings.Builder
	b.WriteString(strings.Join(columns, " | "))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "(%d rows", len(rows))
	if more {
		fmt.Fprintf(&b, ", truncated at %d", maxQueryRows)
	}
	b.WriteString(")")
	return b.String()
}
