// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteAdapter is a concrete, fully-functional Adapter backed by
// modernc.org/sqlite through database/sql, standing in for the original
// system's (out-of-scope) opaque analytical engine.
type SQLiteAdapter struct {
	db *sql.DB
}

// NewSQLiteAdapter opens a database at dsn ("file::memory:?cache=shared"
// for in-process, or a filesystem path for on-disk temp-table storage).
func NewSQLiteAdapter(dsn string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle
	return &SQLiteAdapter{db: db}, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sqlRowSeq adapts *sql.Rows to the RowSeq iterator contract.
type sqlRowSeq struct {
	rows *sql.Rows
	cols []string
}

func (s *sqlRowSeq) Columns() []string { return s.cols }

func (s *sqlRowSeq) Next(ctx context.Context) (Row, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	vals := make([]any, len(s.cols))
	ptrs := make([]any, len(s.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	row := make(Row, len(s.cols))
	for i, c := range s.cols {
		row[c] = vals[i]
	}
	return row, true, nil
}

func (s *sqlRowSeq) Close() error { return s.rows.Close() }

func (a *SQLiteAdapter) Execute(ctx context.Context, query string) (RowSeq, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("engine: execute: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("engine: columns: %w", err)
	}
	return &sqlRowSeq{rows: rows, cols: cols}, nil
}

// sortedColumns returns the keys of the first row in sorted order, giving a
// deterministic column ordering independent of Go's unordered map
// iteration.
func sortedColumns(rows []Row) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (a *SQLiteAdapter) CreateTableFromRows(ctx context.Context, name string, rows []Row) error {
	cols := sortedColumns(rows)
	if len(cols) == 0 {
		return fmt.Errorf("engine: create_table_from_rows: no columns inferred from empty row set")
	}

	colDefs := make([]string, len(cols))
	for i, c := range cols {
		colDefs[i] = quoteIdent(c) + " TEXT"
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(colDefs, ", "))
	if _, err := a.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("engine: create table %s: %w", name, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("engine: begin tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(placeholders, ", "))
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("engine: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		vals := make([]any, len(cols))
		for i, c := range cols {
			v, ok := row[c]
			if !ok || v == nil {
				vals[i] = nil
				continue
			}
			vals[i] = fmt.Sprint(v)
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return fmt.Errorf("engine: insert row: %w", err)
		}
	}
	return tx.Commit()
}

// CreateTempTableFromFile materializes a local file as a table. Only csv
// and json are supported natively; parquet/arrow fail with
// ErrUnsupportedFormat since SQLite has no native reader for either.
func (a *SQLiteAdapter) CreateTempTableFromFile(ctx context.Context, name, path, format string) error {
	switch strings.ToLower(format) {
	case "csv":
		rows, err := readCSVRows(path)
		if err != nil {
			return err
		}
		return a.CreateTableFromRows(ctx, name, rows)
	case "json":
		rows, err := readJSONRows(path)
		if err != nil {
			return err
		}
		return a.CreateTableFromRows(ctx, name, rows)
	case "parquet", "arrow":
		return ErrUnsupportedFormat
	default:
		// unknown/text/binary fall back to CSV, mirroring format.BuildReadQuery's
		// fallback convention.
		rows, err := readCSVRows(path)
		if err != nil {
			return err
		}
		return a.CreateTableFromRows(ctx, name, rows)
	}
}

func readCSVRows(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("engine: read csv header: %w", err)
	}
	var rows []Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("engine: read csv row: %w", err)
		}
		row := make(Row, len(header))
		for i, h := range header {
			if i < len(record) {
				row[h] = record[i]
			} else {
				row[h] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readJSONRows(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read json %s: %w", path, err)
	}
	data = []byte(strings.TrimSpace(string(data)))

	var rows []Row
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("engine: unmarshal json array: %w", err)
		}
		return rows, nil
	}
	// newline-delimited JSON objects
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("engine: unmarshal json line: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (a *SQLiteAdapter) DropTable(ctx context.Context, name string) error {
	_, err := a.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name)))
	if err != nil {
		return fmt.Errorf("engine: drop table %s: %w", name, err)
	}
	return nil
}

func (a *SQLiteAdapter) GetSchema(ctx context.Context, name string) ([]ColumnInfo, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("engine: table_info %s: %w", name, err)
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("engine: scan table_info: %w", err)
		}
		out = append(out, ColumnInfo{Name: colName, Type: colType, Nullable: notNull == 0})
	}
	return out, rows.Err()
}

func (a *SQLiteAdapter) GetTableColumns(ctx context.Context, name string) ([]string, error) {
	schema, err := a.GetSchema(ctx, name)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = c.Name
	}
	return cols, nil
}

func (a *SQLiteAdapter) GetRowCount(ctx context.Context, name string) (int64, error) {
	var count int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(name))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("engine: row count %s: %w", name, err)
	}
	return count, nil
}

func (a *SQLiteAdapter) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("engine: table_exists %s: %w", name, err)
	}
	return n > 0, nil
}

func (a *SQLiteAdapter) ExportToFile(ctx context.Context, name, path string) error {
	cols, err := a.GetTableColumns(ctx, name)
	if err != nil {
		return err
	}
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", quoteIdent(name)))
	if err != nil {
		return fmt.Errorf("engine: export query %s: %w", name, err)
	}
	defer rows.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("engine: create export file %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return fmt.Errorf("engine: write csv header: %w", err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("engine: scan export row: %w", err)
		}
		record := make([]string, len(cols))
		for i, v := range vals {
			if v == nil {
				record[i] = ""
				continue
			}
			record[i] = fmt.Sprint(v)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("engine: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Error()
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}
