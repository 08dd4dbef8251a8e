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

// Package engine abstracts the analytical execution engine behind a small
// contract (execute, create-from-rows, create-from-file, drop), the way
// the teacher's db package abstracts storage behind an fs.FS-shaped
// interface rather than a concrete backend.
package engine

import (
	"context"
	"errors"
)

// Row is one record with column order preserved alongside the map.
type Row = map[string]any

// RowSeq is a lazy row iterator. Next returns io.EOF-equivalent by
// returning ok=false with a nil error once exhausted.
type RowSeq interface {
	Columns() []string
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// ErrUnsupportedFormat is returned by CreateTempTableFromFile when the
// concrete adapter cannot natively read the requested format.
var ErrUnsupportedFormat = errors.New("engine: unsupported format for this adapter")

// Adapter abstracts the opaque analytical engine per spec.md §1/§4.I.
type Adapter interface {
	Execute(ctx context.Context, sql string) (RowSeq, error)
	CreateTableFromRows(ctx context.Context, name string, rows []Row) error
	CreateTempTableFromFile(ctx context.Context, name, path, format string) error
	DropTable(ctx context.Context, name string) error
	GetSchema(ctx context.Context, name string) ([]ColumnInfo, error)
	GetTableColumns(ctx context.Context, name string) ([]string, error)
	GetRowCount(ctx context.Context, name string) (int64, error)
	TableExists(ctx context.Context, name string) (bool, error)
	ExportToFile(ctx context.Context, name, path string) error
	Close() error
}

// ColumnInfo describes one column of a table's schema.
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
}
