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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *SQLiteAdapter {
	a, err := NewSQLiteAdapter("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestCreateTableFromRowsThenQuery(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	rows := []Row{
		{"id": "1", "name": "alice"},
		{"id": "2", "name": "bob"},
	}
	require.NoError(t, a.CreateTableFromRows(ctx, "people", rows))

	exists, err := a.TableExists(ctx, "people")
	require.NoError(t, err)
	require.True(t, exists)

	count, err := a.GetRowCount(ctx, "people")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	seq, err := a.Execute(ctx, "SELECT * FROM \"people\" ORDER BY id")
	require.NoError(t, err)
	defer seq.Close()
	row, ok, err := seq.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", row["id"])
}

func TestDropTableIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.DropTable(ctx, "nonexistent"))
	require.NoError(t, a.CreateTableFromRows(ctx, "t", []Row{{"x": "1"}}))
	require.NoError(t, a.DropTable(ctx, "t"))
	require.NoError(t, a.DropTable(ctx, "t"))

	exists, err := a.TableExists(ctx, "t")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCreateTempTableFromCSVFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,alice\n2,bob\n"), 0o644))

	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.CreateTempTableFromFile(ctx, "from_csv", path, "csv"))

	cols, err := a.GetTableColumns(ctx, "from_csv")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"id", "name"}, cols)

	count, err := a.GetRowCount(ctx, "from_csv")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestCreateTempTableFromParquetUnsupported(t *testing.T) {
	a := newTestAdapter(t)
	err := a.CreateTempTableFromFile(context.Background(), "t", "/tmp/whatever.parquet", "parquet")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExportToFileRoundTrips(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.CreateTableFromRows(ctx, "exp", []Row{
		{"id": "1", "name": "alice"},
	}))
	dir := t.TempDir()
	out := filepath.Join(dir, "exp.csv")
	require.NoError(t, a.ExportToFile(ctx, "exp", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "alice")
}

func TestGetSchemaReportsColumnTypes(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.CreateTableFromRows(ctx, "s", []Row{{"a": "1", "b": "2"}}))
	schema, err := a.GetSchema(ctx, "s")
	require.NoError(t, err)
	require.Len(t, schema, 2)
	for _, c := range schema {
		require.Equal(t, "TEXT", c.Type)
	}
}
