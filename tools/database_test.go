package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	conn, err := sqlite.OpenConn(path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	err = sqlitex.ExecuteScript(conn, `
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT);
		INSERT INTO users (name, email) VALUES ('ana', 'ana@example.com');
		INSERT INTO users (name, email) VALUES ('luis', NULL);
	`, nil)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestQueryDatabase(t *testing.T) {
	path := seedDatabase(t)
	tool := &QueryDatabaseTool{}
	ctx := context.Background()

	out, err := tool.Execute(ctx, map[string]interface{}{
		"database": path,
		"query":    "SELECT name, email FROM users ORDER BY id",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, want := range []string{"name | email", "ana | ana@example.com", "luis | NULL", "(2 rows)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}

	out, err = tool.Execute(ctx, map[string]interface{}{"database": path, "query": "SELECT * FROM users WHERE id > 99"})
	if err != nil || out != "Query returned no rows." {
		t.Errorf("empty result = %q, %v", out, err)
	}
}

func TestQueryDatabaseIsReadOnly(t *testing.T) {
	path := seedDatabase(t)
	_, err := (&QueryDatabaseTool{}).Execute(context.Background(), map[string]interface{}{
		"database": path,
		"query":    "DELETE FROM users",
	})
	if err == nil {
		t.Fatal("expected write to fail on a read-only connection")
	}
}
