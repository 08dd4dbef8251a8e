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

package format

import (
	"fmt"
	"strings"

	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

// readerFuncs maps a Format to the engine's reader function name. unknown
// and text both fall back to the CSV reader, per spec.
var readerFuncs = map[uri.Format]string{
	uri.FormatCSV:     "read_csv_auto",
	uri.FormatJSON:     "read_json_auto",
	uri.FormatParquet: "read_parquet",
	uri.FormatArrow:   "read_arrow",
	uri.FormatExcel:   "read_excel",
	uri.FormatText:    "read_csv_auto",
	uri.FormatUnknown: "read_csv_auto",
	uri.FormatBinary:  "read_csv_auto",
}

// escapeSingleQuote escapes ' as '' for embedding inside a single-quoted
// SQL string literal.
func escapeSingleQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// BuildReadQuery wraps a local file path in the engine reader function
// appropriate for format, escaping single quotes in the path.
func BuildReadQuery(path string, f uri.Format) string {
	fn, ok := readerFuncs[f]
	if !ok {
		fn = "read_csv_auto"
	}
	return fmt.Sprintf("%s('%s')", fn, escapeSingleQuote(path))
}

// Extension returns the canonical file extension (without a leading dot)
// used for cache filenames backing a given format.
func Extension(f uri.Format) string {
	switch f {
	case uri.FormatCSV:
		return "csv"
	case uri.FormatJSON:
		return "json"
	case uri.FormatParquet:
		return "parquet"
	case uri.FormatArrow:
		return "arrow"
	case uri.FormatExcel:
		return "xlsx"
	case uri.FormatText:
		return "txt"
	default:
		return "bin"
	}
}
