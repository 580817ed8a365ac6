package lopata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

// D1Database is a relational-database binding. Each logical database is
// an isolated SQLite file under d1/<name>.sqlite, completely separate
// from the shared database.
type D1Database struct {
	db   *sql.DB
	name string
	path string
	tr   *Tracing
}

// validateD1Name rejects database names that contain path traversal
// characters, null bytes, or are empty/too long.
func validateD1Name(name string) error {
	if name == "" {
		return errValidation("D1: database name must not be empty")
	}
	if len(name) > 128 {
		return errValidation("D1: database name too long")
	}
	if strings.Contains(name, "..") {
		return errValidation("D1: database name contains path traversal")
	}
	if strings.ContainsAny(name, "/\\") {
		return errValidation("D1: database name contains path separator")
	}
	if strings.ContainsRune(name, 0) {
		return errValidation("D1: database name contains null byte")
	}
	return nil
}

// OpenD1Database opens (or creates) the database file for name.
func OpenD1Database(st *store.Store, name string, tr *Tracing) (*D1Database, error) {
	if err := validateD1Name(name); err != nil {
		return nil, err
	}
	path := st.D1Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating D1 directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening D1 database %q: %w", name, err)
	}
	// WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return &D1Database{db: db, name: name, path: path, tr: tr}, nil
}

// Close closes the underlying database connection.
func (d *D1Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// D1Meta holds metadata about one statement execution.
type D1Meta struct {
	Duration    float64 `json:"duration"`
	RowsRead    int64   `json:"rows_read"`
	RowsWritten int64   `json:"rows_written"`
	LastRowID   int64   `json:"last_row_id"`
	Changes     int64   `json:"changes"`
	ChangedDB   bool    `json:"changed_db"`
	SizeAfter   int64   `json:"size_after"`
}

// D1Result is the result of running one prepared statement.
type D1Result struct {
	Results []map[string]any `json:"results"`
	Success bool             `json:"success"`
	Meta    D1Meta           `json:"meta"`
}

// D1ExecResult summarizes a raw multi-statement Exec.
type D1ExecResult struct {
	Count    int     `json:"count"`
	Duration float64 `json:"duration"`
}

// D1RawOptions configures Raw.
type D1RawOptions struct {
	// ColumnNames prepends a row of column names to the result.
	ColumnNames bool
}

// checkD1SQL blocks statements that could escape the per-database
// sandbox, mirroring the platform restrictions.
func checkD1SQL(query string) error {
	upper := strings.TrimSpace(strings.ToUpper(query))
	for _, blocked := range []string{"ATTACH", "DETACH"} {
		if strings.HasPrefix(upper, blocked) {
			return errValidation("D1: %s statements are not allowed", blocked)
		}
	}
	if strings.HasPrefix(upper, "PRAGMA") {
		allowed := []string{"PRAGMA TABLE_INFO", "PRAGMA TABLE_LIST", "PRAGMA INDEX_LIST",
			"PRAGMA INDEX_INFO", "PRAGMA FOREIGN_KEY_LIST", "PRAGMA JOURNAL_MODE"}
		for _, a := range allowed {
			if strings.HasPrefix(upper, a) {
				return nil
			}
		}
		return errValidation("D1: this PRAGMA is not allowed")
	}
	return nil
}

func isD1Query(query string) bool {
	upper := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(upper, "SELECT") ||
		strings.HasPrefix(upper, "PRAGMA") ||
		strings.HasPrefix(upper, "WITH")
}

// convertD1Arg maps a bind parameter onto the SQLite type system:
// nil, integers, floats, strings, byte slices pass through; booleans
// become 0/1. Anything else is a type error.
func convertD1Arg(arg any) (any, error) {
	switch v := arg.(type) {
	case nil, int, int32, int64, float32, float64, string, []byte:
		return v, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, errValidation("D1: unsupported bind parameter type %T", arg)
	}
}

// Prepare returns a statement with no parameters bound.
func (d *D1Database) Prepare(query string) *D1PreparedStatement {
	return &D1PreparedStatement{db: d, query: query}
}

// D1PreparedStatement is an immutable statement: Bind returns a new
// statement, leaving the receiver untouched.
type D1PreparedStatement struct {
	db    *D1Database
	query string
	args  []any
}

// Bind returns a copy of the statement with positional parameters set.
func (s *D1PreparedStatement) Bind(args ...any) *D1PreparedStatement {
	bound := make([]any, len(args))
	copy(bound, args)
	return &D1PreparedStatement{db: s.db, query: s.query, args: bound}
}

func (s *D1PreparedStatement) convertedArgs() ([]any, error) {
	out := make([]any, len(s.args))
	for i, a := range s.args {
		v, err := convertD1Arg(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (d *D1Database) sizeAfter() int64 {
	var pageCount, pageSize int64
	_ = d.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	_ = d.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	return pageCount * pageSize
}

// runStatement executes one statement against e and fills a D1Result.
func (s *D1PreparedStatement) runStatement(ctx context.Context, e execer) (*D1Result, error) {
	if err := checkD1SQL(s.query); err != nil {
		return nil, err
	}
	args, err := s.convertedArgs()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result := &D1Result{Results: []map[string]any{}, Success: true}

	if isD1Query(s.query) {
		rows, err := e.QueryContext(ctx, s.query, args...)
		if err != nil {
			return nil, fmt.Errorf("D1: query error: %w", err)
		}
		defer func() { _ = rows.Close() }()
		columns, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("D1: columns error: %w", err)
		}
		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("D1: scan error: %w", err)
			}
			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = values[i]
			}
			result.Results = append(result.Results, row)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("D1: rows iteration error: %w", err)
		}
		result.Meta.RowsRead = int64(len(result.Results))
	} else {
		res, err := e.ExecContext(ctx, s.query, args...)
		if err != nil {
			return nil, fmt.Errorf("D1: exec error: %w", err)
		}
		changes, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		result.Meta.Changes = changes
		result.Meta.RowsWritten = changes
		result.Meta.LastRowID = lastID
		result.Meta.ChangedDB = changes > 0
	}

	result.Meta.Duration = float64(time.Since(start).Microseconds()) / 1000.0
	result.Meta.SizeAfter = s.db.sizeAfter()
	return result, nil
}

// All runs the statement and returns every result row.
func (s *D1PreparedStatement) All(ctx context.Context) (*D1Result, error) {
	ctx, end := s.db.tr.op(ctx, "d1.all", "d1.database", s.db.name)
	defer end(nil)
	return s.runStatement(ctx, s.db.db)
}

// Run executes a write statement; result rows are empty, meta is filled.
func (s *D1PreparedStatement) Run(ctx context.Context) (*D1Result, error) {
	ctx, end := s.db.tr.op(ctx, "d1.run", "d1.database", s.db.name)
	defer end(nil)
	return s.runStatement(ctx, s.db.db)
}

// First returns the first result row, or just one column of it when a
// column name is given. Returns nil when the query yields no rows.
func (s *D1PreparedStatement) First(ctx context.Context, column ...string) (any, error) {
	ctx, end := s.db.tr.op(ctx, "d1.first", "d1.database", s.db.name)
	defer end(nil)
	res, err := s.runStatement(ctx, s.db.db)
	if err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, nil
	}
	row := res.Results[0]
	if len(column) == 0 {
		return row, nil
	}
	v, ok := row[column[0]]
	if !ok {
		return nil, errValidation("D1: no such column %q in result", column[0])
	}
	return v, nil
}

// Raw returns result rows as positional slices. With ColumnNames set,
// the first row holds the column names.
func (s *D1PreparedStatement) Raw(ctx context.Context, opts *D1RawOptions) ([][]any, error) {
	ctx, end := s.db.tr.op(ctx, "d1.raw", "d1.database", s.db.name)
	defer end(nil)
	if err := checkD1SQL(s.query); err != nil {
		return nil, err
	}
	args, err := s.convertedArgs()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.db.QueryContext(ctx, s.query, args...)
	if err != nil {
		return nil, fmt.Errorf("D1: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("D1: columns error: %w", err)
	}
	var out [][]any
	if opts != nil && opts.ColumnNames {
		header := make([]any, len(columns))
		for i, c := range columns {
			header[i] = c
		}
		out = append(out, header)
	}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("D1: scan error: %w", err)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("D1: rows iteration error: %w", err)
	}
	return out, nil
}

// Batch wraps the statements in one transaction, rolling back on the
// first error. Results are returned in statement order.
func (d *D1Database) Batch(ctx context.Context, stmts []*D1PreparedStatement) ([]*D1Result, error) {
	ctx, end := d.tr.op(ctx, "d1.batch", "d1.database", d.name)
	defer end(nil)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("D1: begin batch: %w", err)
	}
	results := make([]*D1Result, 0, len(stmts))
	for _, s := range stmts {
		res, err := s.runStatement(ctx, tx)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("D1: commit batch: %w", err)
	}
	return results, nil
}

// Exec runs a raw multi-statement SQL script. Statements are split
// honoring quoted strings and comments; each runs individually.
func (d *D1Database) Exec(ctx context.Context, script string) (*D1ExecResult, error) {
	ctx, end := d.tr.op(ctx, "d1.exec", "d1.database", d.name)
	defer end(nil)
	start := time.Now()
	count := 0
	for _, stmt := range splitSQLStatements(script) {
		if err := checkD1SQL(stmt); err != nil {
			return nil, err
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("D1: exec error in statement %d: %w", count+1, err)
		}
		count++
	}
	return &D1ExecResult{
		Count:    count,
		Duration: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// Dump returns the database as SQLite file bytes, via VACUUM INTO so the
// snapshot is consistent regardless of WAL state.
func (d *D1Database) Dump(ctx context.Context) ([]byte, error) {
	ctx, end := d.tr.op(ctx, "d1.dump", "d1.database", d.name)
	defer end(nil)
	tmp, err := os.CreateTemp("", "d1-dump-*.sqlite")
	if err != nil {
		return nil, fmt.Errorf("D1: dump: %w", err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(tmpName) // VACUUM INTO requires the target not to exist
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := d.db.ExecContext(ctx, "VACUUM INTO ?", tmpName); err != nil {
		return nil, fmt.Errorf("D1: dump: %w", err)
	}
	data, err := os.ReadFile(tmpName)
	if err != nil {
		return nil, fmt.Errorf("D1: dump: %w", err)
	}
	return data, nil
}

// D1Session scopes reads-after-writes. Locally every query already sees
// all prior writes, so the session is a thin wrapper carrying the
// bookmark through.
type D1Session struct {
	db       *D1Database
	bookmark string
}

// WithSession opens a session. The bookmark is accepted for API fidelity.
func (d *D1Database) WithSession(bookmark string) *D1Session {
	return &D1Session{db: d, bookmark: bookmark}
}

// Prepare returns a statement executing within the session.
func (s *D1Session) Prepare(query string) *D1PreparedStatement { return s.db.Prepare(query) }

// Batch runs statements within the session.
func (s *D1Session) Batch(ctx context.Context, stmts []*D1PreparedStatement) ([]*D1Result, error) {
	return s.db.Batch(ctx, stmts)
}

// Bookmark returns the latest session bookmark.
func (s *D1Session) Bookmark() string {
	if s.bookmark == "" {
		return "first-unconstrained"
	}
	return s.bookmark
}

// splitSQLStatements splits a SQL script on semicolons, honoring
// single-quoted strings, double-quoted identifiers, line comments and
// block comments. Comments and empty statements are dropped.
func splitSQLStatements(script string) []string {
	var stmts []string
	var b strings.Builder
	i := 0
	n := len(script)
	for i < n {
		c := script[i]
		switch {
		case c == '\'' || c == '"':
			quote := c
			b.WriteByte(c)
			i++
			for i < n {
				b.WriteByte(script[i])
				if script[i] == quote {
					// Doubled quote is an escape, keep consuming.
					if i+1 < n && script[i+1] == quote {
						i++
						b.WriteByte(script[i])
						i++
						continue
					}
					i++
					break
				}
				i++
			}
		case c == '-' && i+1 < n && script[i+1] == '-':
			for i < n && script[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && script[i+1] == '*':
			i += 2
			for i+1 < n && !(script[i] == '*' && script[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}
		case c == ';':
			if stmt := strings.TrimSpace(b.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			b.Reset()
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	if stmt := strings.TrimSpace(b.String()); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}
