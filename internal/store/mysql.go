package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

var (
	// ErrNoTable is returned when the event scope does not name a table
	ErrNoTable = errors.New("scope does not name a table")
	// ErrTableNotAllowed is returned when the scope names a table outside mysql.tables
	ErrTableNotAllowed = errors.New("table is not configured")
	// ErrDuplicateRow is returned when an inserted row id already exists
	ErrDuplicateRow = errors.New("row already exists")
	// ErrNotFound is returned when an updated group or markup does not exist
	ErrNotFound = errors.New("record not found")
)

// Store applies grid changes to MySQL. Every method runs in one transaction.
type Store struct {
	db     *sql.DB
	cfg    config.MySQLConfig
	logger *logrus.Logger
}

// DSN builds the driver connection string for cfg
func DSN(cfg config.MySQLConfig) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.DBName = cfg.Database
	c.ParseTime = true
	c.Timeout = 5 * time.Second
	return c.FormatDSN()
}

// Open connects to MySQL and verifies the connection
func Open(ctx context.Context, cfg config.MySQLConfig, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	logger.Infof("Connected to MySQL at %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)

	return New(db, cfg, logger), nil
}

// New wraps an existing connection pool
func New(db *sql.DB, cfg config.MySQLConfig, logger *logrus.Logger) *Store {
	return &Store{db: db, cfg: cfg, logger: logger}
}

// Close closes the connection pool
func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// UpdateCells writes the new values of a dataChange
func (s *Store) UpdateCells(ctx context.Context, scope models.Scope, p models.DataChange) error {
	table, err := s.tableOf(scope)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rc := range p.Rows {
			values := make(map[string]interface{}, len(rc.Changes))
			for field, c := range rc.Changes {
				values[field] = c.New
			}
			query, args := buildUpdate(table, s.cfg.IDColumn, rc.RowID, values)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to update row %s: %w", rc.RowID, err)
			}
		}
		return nil
	})
}

// AddRows appends new rows under their placeholder ids
func (s *Store) AddRows(ctx context.Context, scope models.Scope, p models.RowAdd) error {
	table, err := s.tableOf(scope)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i, data := range p.Rows {
			values := copyValues(data)
			values[s.cfg.IDColumn] = p.PlaceholderIDs[i]
			query, args := buildInsert(table, values)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to add row %s: %w", p.PlaceholderIDs[i], classify(err))
			}
		}
		return nil
	})
}

// InsertRows inserts rows at their positions. Index -1 appends. Rows below
// an inserted position move down within the scope.
func (s *Store) InsertRows(ctx context.Context, scope models.Scope, rows []models.PositionedRow) error {
	table, err := s.tableOf(scope)
	if err != nil {
		return err
	}
	filters := s.scopeFilters(scope)
	ordered := sortedByIndex(rows, false)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range ordered {
			values := copyValues(r.Data)
			values[s.cfg.IDColumn] = r.RowID
			for k, v := range filters {
				if _, ok := values[k]; !ok {
					values[k] = v
				}
			}
			if r.Index >= 0 {
				query, args := buildShift(table, s.cfg.PositionCol, 1, ">=", r.Index, filters)
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return fmt.Errorf("failed to shift rows: %w", err)
				}
				values[s.cfg.PositionCol] = r.Index
			}
			query, args := buildInsert(table, values)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to insert row %s: %w", r.RowID, classify(err))
			}
		}
		return nil
	})
}

// DeleteRows removes rows by id. Positions after a deleted row with a known
// index are compacted within the scope.
func (s *Store) DeleteRows(ctx context.Context, scope models.Scope, rows []models.PositionedRow) error {
	table, err := s.tableOf(scope)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	filters := s.scopeFilters(scope)
	// highest index first so earlier positions stay valid
	ordered := sortedByIndex(rows, true)
	del := buildDelete(table, s.cfg.IDColumn, 1)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range ordered {
			if _, err := tx.ExecContext(ctx, del, r.RowID); err != nil {
				return fmt.Errorf("failed to delete row %s: %w", r.RowID, err)
			}
			if r.Index < 0 {
				continue
			}
			query, args := buildShift(table, s.cfg.PositionCol, -1, ">", r.Index, filters)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to compact rows: %w", err)
			}
		}
		return nil
	})
}

// MoveRow sets the position of a row
func (s *Store) MoveRow(ctx context.Context, scope models.Scope, p models.RowPositionChanged) error {
	table, err := s.tableOf(scope)
	if err != nil {
		return err
	}
	query, args := buildUpdate(table, s.cfg.IDColumn, p.RowID, map[string]interface{}{s.cfg.PositionCol: p.To})
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to move row %s: %w", p.RowID, err)
		}
		return nil
	})
}

// SetGroup assigns rows to groupID, or clears their group when groupID is nil
func (s *Store) SetGroup(ctx context.Context, scope models.Scope, rowIDs []string, groupID interface{}) error {
	table, err := s.tableOf(scope)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range rowIDs {
			query, args := buildUpdate(table, s.cfg.IDColumn, id, map[string]interface{}{s.cfg.GroupColumn: groupID})
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to set group of row %s: %w", id, err)
			}
		}
		return nil
	})
}

// PutDocument creates or replaces a group or markup document
func (s *Store) PutDocument(ctx context.Context, kind Kind, scope models.Scope, id string, data models.Row) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, scope, data) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE data = VALUES(data)",
		quoteIdentifier(s.documentTable(kind)))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, id, scope.String(), raw); err != nil {
			return fmt.Errorf("failed to save %s %s: %w", kind, id, err)
		}
		return nil
	})
}

// DeleteDocument removes a group or markup document
func (s *Store) DeleteDocument(ctx context.Context, kind Kind, scope models.Scope, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND scope = ?", quoteIdentifier(s.documentTable(kind)))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, id, scope.String()); err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
		}
		return nil
	})
}

// UpdateDocument merges field changes into a group or markup document
func (s *Store) UpdateDocument(ctx context.Context, kind Kind, scope models.Scope, id string, changes map[string]models.FieldChange) error {
	table := quoteIdentifier(s.documentTable(kind))
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT data FROM %s WHERE id = ? AND scope = ? FOR UPDATE", table),
			id, scope.String()).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read %s %s: %w", kind, id, err)
		}

		merged, err := mergeDocument(raw, changes)
		if err != nil {
			return fmt.Errorf("failed to merge %s %s: %w", kind, id, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET data = ? WHERE id = ? AND scope = ?", table),
			merged, id, scope.String()); err != nil {
			return fmt.Errorf("failed to update %s %s: %w", kind, id, err)
		}
		return nil
	})
}

// Kind selects the document table
type Kind string

const (
	KindGroup  Kind = "group"
	KindMarkup Kind = "markup"
)

func (s *Store) documentTable(kind Kind) string {
	if kind == KindMarkup {
		return s.cfg.MarkupsTable
	}
	return s.cfg.GroupsTable
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warnf("Failed to roll back transaction: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) tableOf(scope models.Scope) (string, error) {
	table := scope.Table()
	if table == "" {
		return "", ErrNoTable
	}
	for _, allowed := range s.cfg.Tables {
		if table == allowed {
			return table, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTableNotAllowed, table)
}

// scopeFilters returns the scope entries that name a parent column
func (s *Store) scopeFilters(scope models.Scope) map[string]interface{} {
	filters := make(map[string]interface{})
	for _, col := range s.cfg.ScopeColumns {
		if v, ok := scope[col]; ok {
			filters[col] = v
		}
	}
	return filters
}

func sortedByIndex(rows []models.PositionedRow, desc bool) []models.PositionedRow {
	out := make([]models.PositionedRow, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Index > out[j].Index
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// classify maps driver errors onto package errors
func classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return fmt.Errorf("%w: %v", ErrDuplicateRow, err)
	}
	return err
}

func copyValues(r models.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// quoteIdentifier quotes a MySQL identifier
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func sortedKeys(values map[string]interface{}) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildUpdate(table, idColumn, id string, values map[string]interface{}) (string, []interface{}) {
	keys := sortedKeys(values)
	sets := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		sets[i] = quoteIdentifier(k) + " = ?"
		args = append(args, sqlValue(values[k]))
	}
	args = append(args, id)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdentifier(table), strings.Join(sets, ", "), quoteIdentifier(idColumn)), args
}

func buildInsert(table string, values map[string]interface{}) (string, []interface{}) {
	keys := sortedKeys(values)
	cols := make([]string, len(keys))
	marks := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		cols[i] = quoteIdentifier(k)
		marks[i] = "?"
		args[i] = sqlValue(values[k])
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdentifier(table), strings.Join(cols, ", "), strings.Join(marks, ", ")), args
}

func buildDelete(table, idColumn string, n int) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", quoteIdentifier(table), quoteIdentifier(idColumn), marks)
}

// buildShift moves the positions matching "position <cmp> index" by delta,
// restricted to rows whose columns equal filters
func buildShift(table, posColumn string, delta int, cmp string, index int, filters map[string]interface{}) (string, []interface{}) {
	pos := quoteIdentifier(posColumn)
	op := "+"
	if delta < 0 {
		op, delta = "-", -delta
	}
	conds := []string{fmt.Sprintf("%s %s ?", pos, cmp)}
	args := []interface{}{index}
	for _, k := range sortedKeys(filters) {
		conds = append(conds, quoteIdentifier(k)+" = ?")
		args = append(args, sqlValue(filters[k]))
	}
	return fmt.Sprintf("UPDATE %s SET %s = %s %s %d WHERE %s",
		quoteIdentifier(table), pos, pos, op, delta, strings.Join(conds, " AND ")), args
}

// sqlValue stores nested values as JSON
func sqlValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}, models.Row:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return v
}

func mergeDocument(raw []byte, changes map[string]models.FieldChange) ([]byte, error) {
	doc := make(map[string]interface{})
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	}
	for field, c := range changes {
		if c.New == nil {
			delete(doc, field)
			continue
		}
		doc[field] = c.New
	}
	return json.Marshal(doc)
}
