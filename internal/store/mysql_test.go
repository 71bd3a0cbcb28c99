package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.MySQLConfig{Host: "db", Port: 3307, User: "grid", Password: "pw", Database: "app"})
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("ParseDSN(%q) error = %v", dsn, err)
	}
	if cfg.Addr != "db:3307" || cfg.User != "grid" || cfg.Passwd != "pw" || cfg.DBName != "app" || !cfg.ParseTime {
		t.Errorf("parsed config = %+v", cfg)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := quoteIdentifier("orders"); got != "`orders`" {
		t.Errorf("quoteIdentifier() = %s", got)
	}
	if got := quoteIdentifier("a`b"); got != "`a``b`" {
		t.Errorf("quoteIdentifier() = %s", got)
	}
}

func TestBuildUpdate(t *testing.T) {
	query, args := buildUpdate("orders", "id", "r1", map[string]interface{}{
		"qty":  2,
		"name": "x",
		"meta": map[string]interface{}{"k": "v"},
	})
	want := "UPDATE `orders` SET `meta` = ?, `name` = ?, `qty` = ? WHERE `id` = ?"
	if query != want {
		t.Errorf("query = %s, want %s", query, want)
	}
	wantArgs := []interface{}{`{"k":"v"}`, "x", 2, "r1"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestBuildInsert(t *testing.T) {
	query, args := buildInsert("orders", map[string]interface{}{"id": "tmp-1", "qty": 1})
	if query != "INSERT INTO `orders` (`id`, `qty`) VALUES (?, ?)" {
		t.Errorf("query = %s", query)
	}
	if !reflect.DeepEqual(args, []interface{}{"tmp-1", 1}) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildDelete(t *testing.T) {
	if got := buildDelete("orders", "id", 3); got != "DELETE FROM `orders` WHERE `id` IN (?, ?, ?)" {
		t.Errorf("buildDelete() = %s", got)
	}
}

func TestMergeDocument(t *testing.T) {
	out, err := mergeDocument([]byte(`{"name":"a","color":"red"}`), map[string]models.FieldChange{
		"name":  {Old: "a", New: "b"},
		"color": {Old: "red", New: nil},
		"size":  {Old: nil, New: float64(3)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"name":"b","size":3}` {
		t.Errorf("mergeDocument() = %s", out)
	}

	if _, err := mergeDocument([]byte(`not json`), nil); err == nil {
		t.Error("expected error for invalid document")
	}
}

func TestClassify(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if err := classify(fmt.Errorf("exec: %w", dup)); !errors.Is(err, ErrDuplicateRow) {
		t.Errorf("classify() = %v, want ErrDuplicateRow", err)
	}
	other := &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}
	if err := classify(other); errors.Is(err, ErrDuplicateRow) {
		t.Errorf("classify() = %v", err)
	}
}

func TestOperationsRequireTable(t *testing.T) {
	s := &Store{cfg: config.MySQLConfig{IDColumn: "id", Tables: []string{"orders"}}}
	ctx := context.Background()

	for _, tt := range []struct {
		scope models.Scope
		want  error
	}{
		{models.Scope{"sheet": "1"}, ErrNoTable},
		{models.Scope{"table": "users"}, ErrTableNotAllowed},
	} {
		checks := map[string]error{
			"UpdateCells": s.UpdateCells(ctx, tt.scope, models.DataChange{}),
			"AddRows":     s.AddRows(ctx, tt.scope, models.RowAdd{}),
			"InsertRows":  s.InsertRows(ctx, tt.scope, nil),
			"DeleteRows":  s.DeleteRows(ctx, tt.scope, nil),
			"MoveRow":     s.MoveRow(ctx, tt.scope, models.RowPositionChanged{}),
			"SetGroup":    s.SetGroup(ctx, tt.scope, nil, nil),
		}
		for name, err := range checks {
			if !errors.Is(err, tt.want) {
				t.Errorf("%s(%v) error = %v, want %v", name, tt.scope, err, tt.want)
			}
		}
	}
}

func TestTableOf(t *testing.T) {
	s := &Store{cfg: config.MySQLConfig{Tables: []string{"orders", "lines"}}}
	if table, err := s.tableOf(models.Scope{"table": "lines"}); err != nil || table != "lines" {
		t.Errorf("tableOf() = %q, %v", table, err)
	}
	if _, err := s.tableOf(models.Scope{"table": "orders`; DROP TABLE orders; --"}); !errors.Is(err, ErrTableNotAllowed) {
		t.Errorf("tableOf() error = %v, want ErrTableNotAllowed", err)
	}
	empty := &Store{}
	if _, err := empty.tableOf(models.Scope{"table": "orders"}); !errors.Is(err, ErrTableNotAllowed) {
		t.Errorf("tableOf() without tables error = %v, want ErrTableNotAllowed", err)
	}
}

func TestBuildShift(t *testing.T) {
	tests := []struct {
		name      string
		delta     int
		cmp       string
		filters   map[string]interface{}
		wantQuery string
		wantArgs  []interface{}
	}{
		{
			name:      "insert within parent",
			delta:     1,
			cmp:       ">=",
			filters:   map[string]interface{}{"parent_id": float64(7)},
			wantQuery: "UPDATE `lines` SET `position` = `position` + 1 WHERE `position` >= ? AND `parent_id` = ?",
			wantArgs:  []interface{}{4, float64(7)},
		},
		{
			name:      "compact within parent",
			delta:     -1,
			cmp:       ">",
			filters:   map[string]interface{}{"sheet": "a", "parent_id": "p1"},
			wantQuery: "UPDATE `lines` SET `position` = `position` - 1 WHERE `position` > ? AND `parent_id` = ? AND `sheet` = ?",
			wantArgs:  []interface{}{4, "p1", "a"},
		},
		{
			name:      "unscoped table",
			delta:     1,
			cmp:       ">=",
			filters:   map[string]interface{}{},
			wantQuery: "UPDATE `lines` SET `position` = `position` + 1 WHERE `position` >= ?",
			wantArgs:  []interface{}{4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildShift("lines", "position", tt.delta, tt.cmp, 4, tt.filters)
			if query != tt.wantQuery {
				t.Errorf("query = %s, want %s", query, tt.wantQuery)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestScopeFilters(t *testing.T) {
	s := &Store{cfg: config.MySQLConfig{ScopeColumns: []string{"parent_id", "sheet"}}}
	got := s.scopeFilters(models.Scope{"table": "lines", "parent_id": "p1", "view": "x"})
	if !reflect.DeepEqual(got, map[string]interface{}{"parent_id": "p1"}) {
		t.Errorf("scopeFilters() = %v", got)
	}
}

func TestSortedByIndex(t *testing.T) {
	rows := []models.PositionedRow{{RowID: "a", Index: 2}, {RowID: "b", Index: -1}, {RowID: "c", Index: 5}}
	ids := func(rs []models.PositionedRow) string {
		var b strings.Builder
		for _, r := range rs {
			b.WriteString(r.RowID)
		}
		return b.String()
	}
	if got := ids(sortedByIndex(rows, false)); got != "bac" {
		t.Errorf("ascending = %s, want bac", got)
	}
	if got := ids(sortedByIndex(rows, true)); got != "cab" {
		t.Errorf("descending = %s, want cab", got)
	}
	if ids(rows) != "abc" {
		t.Error("sortedByIndex() must not reorder its input")
	}
}

func TestDocumentTable(t *testing.T) {
	s := &Store{cfg: config.MySQLConfig{GroupsTable: "g", MarkupsTable: "m"}}
	if s.documentTable(KindGroup) != "g" || s.documentTable(KindMarkup) != "m" {
		t.Error("documentTable() returned the wrong table")
	}
	if !strings.Contains(string(KindMarkup), "markup") {
		t.Error("unexpected kind name")
	}
}
