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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

func TestDetectMagicBytes(t *testing.T) {
	d := NewDetector()
	require.Equal(t, uri.FormatParquet, d.Detect("", "", []byte("PAR1...")))
	require.Equal(t, uri.FormatExcel, d.Detect("", "", []byte("PK\x03\x04...")))
	require.Equal(t, uri.FormatJSON, d.Detect("", "", []byte(`{"a":1}`)))
	require.Equal(t, uri.FormatJSON, d.Detect("", "", []byte(`[1,2,3]`)))
}

func TestDetectCSVHeuristic(t *testing.T) {
	d := NewDetector()
	content := []byte("a,b,c\n1,2,3\n4,5,6\n")
	require.Equal(t, uri.FormatCSV, d.Detect("", "", content))
}

func TestDetectExtensionAndContentAgree(t *testing.T) {
	d := NewDetector()
	// extension (0.8) and content (0.9) both say json, so the result is JSON.
	require.Equal(t, uri.FormatJSON, d.Detect("json", "", []byte(`{"a":1}`)))
}

func TestDetectUnknownFallsBackToNothing(t *testing.T) {
	d := NewDetector()
	require.Equal(t, uri.FormatUnknown, d.Detect("", "", []byte("\x00\x01\x02garbage")))
}

func TestBuildReadQueryEscaping(t *testing.T) {
	q := BuildReadQuery("/tmp/it's a path.csv", uri.FormatCSV)
	require.Equal(t, "read_csv_auto('/tmp/it''s a path.csv')", q)
}

func TestBuildReadQueryUnknownFallsBackToCSV(t *testing.T) {
	q := BuildReadQuery("/tmp/x", uri.FormatUnknown)
	require.Equal(t, "read_csv_auto('/tmp/x')", q)
	q2 := BuildReadQuery("/tmp/x", uri.FormatText)
	require.Equal(t, "read_csv_auto('/tmp/x')", q2)
}
