package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/deusflow/boroughnews/internal/news"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// CURRENT_TIMESTAMP format in SQLite
	sqliteTimeLayout = "2006-01-02 15:04:05"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func isValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// Filter is a single column comparison. Op is one of = != > >= < <=.
type Filter struct {
	Column string
	Op     string
	Value  any
}

// Query selects rows from one table.
type Query struct {
	Columns []string // empty selects every column
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   uint64
}

// RowStore is the narrow insert/query interface over the article tables.
type RowStore struct {
	db      *sql.DB
	driver  string
	builder sq.StatementBuilderType
}

// Open connects to postgres (lib/pq) or sqlite (modernc) and pings the database.
func Open(ctx context.Context, driver, dsn string) (*RowStore, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		// in-memory databases exist per connection
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewRowStore(db, driver), nil
}

// NewRowStore wraps an existing connection pool.
func NewRowStore(db *sql.DB, driver string) *RowStore {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		placeholder = sq.Dollar
	}
	return &RowStore{
		db:      db,
		driver:  driver,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// InitSchema creates the article tables if they don't exist. It is a
// bootstrap for fresh databases, not a migration tool.
func (s *RowStore) InitSchema(ctx context.Context) error {
	realType, tsType := "DOUBLE PRECISION", "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		realType, tsType = "REAL", "DATETIME"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		link TEXT NOT NULL,
		date TEXT,
		summary TEXT,
		thumbnail_url TEXT,
		location TEXT,
		sentiment %s,
		topic TEXT,
		created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`, news.ContextTable, realType, tsType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
		full_description TEXT,
		created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`, news.RawTable, news.ContextTable, tsType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s(created_at)`, news.ContextTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_link ON %[1]s(link)`, news.ContextTable),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Insert writes one row. Column names are the map keys.
func (s *RowStore) Insert(ctx context.Context, table string, row map[string]any) error {
	query, args, err := s.insertSQL(table, row)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func (s *RowStore) insertSQL(table string, row map[string]any) (string, []any, error) {
	if !isValidIdentifier(table) {
		return "", nil, fmt.Errorf("invalid table name %q", table)
	}
	if len(row) == 0 {
		return "", nil, errors.New("empty row")
	}
	for col := range row {
		if !isValidIdentifier(col) {
			return "", nil, fmt.Errorf("invalid column name %q", col)
		}
	}

	query, args, err := s.builder.Insert(table).SetMap(row).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build insert: %w", err)
	}
	return query, args, nil
}

// Delete removes the row with the given id.
func (s *RowStore) Delete(ctx context.Context, table, id string) error {
	if !isValidIdentifier(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	query, args, err := s.builder.Delete(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// Query returns matching rows as column->value maps. []byte values are
// returned as strings.
func (s *RowStore) Query(ctx context.Context, table string, q Query) ([]map[string]any, error) {
	query, args, err := s.selectSQL(table, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	return scanMaps(rows)
}

func (s *RowStore) selectSQL(table string, q Query) (string, []any, error) {
	if !isValidIdentifier(table) {
		return "", nil, fmt.Errorf("invalid table name %q", table)
	}

	columns := q.Columns
	if len(columns) == 0 {
		columns = []string{"*"}
	} else {
		for _, c := range columns {
			if !isValidIdentifier(c) {
				return "", nil, fmt.Errorf("invalid column name %q", c)
			}
		}
	}

	b := s.builder.Select(columns...).From(table)
	for _, f := range q.Filters {
		cond, err := s.condition(f)
		if err != nil {
			return "", nil, err
		}
		b = b.Where(cond)
	}
	if q.OrderBy != "" {
		if !isValidIdentifier(q.OrderBy) {
			return "", nil, fmt.Errorf("invalid order column %q", q.OrderBy)
		}
		order := q.OrderBy + " ASC"
		if q.Desc {
			order = q.OrderBy + " DESC"
		}
		b = b.OrderBy(order)
	}
	if q.Limit > 0 {
		b = b.Limit(q.Limit)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build query: %w", err)
	}
	return query, args, nil
}

// condition builds one WHERE clause. SQLite keeps timestamps as UTC text, so
// time values are formatted to match; Postgres receives them as timestamptz.
func (s *RowStore) condition(f Filter) (sq.Sqlizer, error) {
	if !isValidIdentifier(f.Column) {
		return nil, fmt.Errorf("invalid filter column %q", f.Column)
	}
	value := f.Value
	if t, ok := value.(time.Time); ok && s.driver == DriverSQLite {
		value = t.UTC().Format(sqliteTimeLayout)
	}

	switch strings.TrimSpace(f.Op) {
	case "=", "":
		return sq.Eq{f.Column: value}, nil
	case "!=":
		return sq.NotEq{f.Column: value}, nil
	case ">":
		return sq.Gt{f.Column: value}, nil
	case ">=":
		return sq.GtOrEq{f.Column: value}, nil
	case "<":
		return sq.Lt{f.Column: value}, nil
	case "<=":
		return sq.LtOrEq{f.Column: value}, nil
	}
	return nil, fmt.Errorf("unsupported filter operator %q", f.Op)
}

func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *RowStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
