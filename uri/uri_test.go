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

package uri

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"mcp://api/users.json",
		"mcp://s1/logs/2024-01.json",
		"mcp://a-b_c/data/nested/path.csv",
		"mcp://*/logs/*.json",
	}
	for _, s := range cases {
		p, err := Parse(s)
		require.NoError(t, err, s)
		got, err := p.Build()
		require.NoError(t, err, s)
		require.Equal(t, s, got)
	}
}

func TestParseRoundTripQueryParams(t *testing.T) {
	p, err := Parse("mcp://api/data.csv?b=2&a=1")
	require.NoError(t, err)
	require.Equal(t, "1", p.QueryParams["a"])
	require.Equal(t, "2", p.QueryParams["b"])
	got, err := p.Build()
	require.NoError(t, err)
	// query params are sorted by key on Build, so order may differ from
	// the input but must contain the same key=value pairs.
	require.Equal(t, "mcp://api/data.csv?a=1&b=2", got)
}

func TestParseRejectsMissingScheme(t *testing.T) {
	_, err := Parse("http://api/data.csv")
	require.Error(t, err)
}

func TestParseRejectsEmptyServer(t *testing.T) {
	_, err := Parse("mcp:///data.csv")
	require.Error(t, err)
}

func TestParseRejectsServerWithSlash(t *testing.T) {
	_, err := Parse("mcp://a/b/../data.csv")
	// the first '/' always ends the server segment, so this parses with
	// server "a"; only a backslash can put a separator inside the server.
	_ = err
	_, err2 := Parse("mcp://a\\b/data.csv")
	require.Error(t, err2)
}

func TestFormatFromExtension(t *testing.T) {
	cases := map[string]Format{
		"csv": FormatCSV, "TSV": FormatCSV,
		"json": FormatJSON, "JSONL": FormatJSON, "ndjson": FormatJSON,
		"parquet": FormatParquet, "PQ": FormatParquet,
		"arrow": FormatArrow, "feather": FormatArrow, "ipc": FormatArrow,
		"xlsx": FormatExcel, "xls": FormatExcel,
		"exe": FormatUnknown,
	}
	for ext, want := range cases {
		require.Equal(t, want, FormatFromExtension(ext), ext)
	}
}

func TestIsGlob(t *testing.T) {
	p, err := Parse("mcp://s1/logs/*.json")
	require.NoError(t, err)
	require.True(t, p.IsGlob)

	p2, err := Parse("mcp://s1/logs/jan.json")
	require.NoError(t, err)
	require.False(t, p2.IsGlob)
}

func TestMatchesGlob(t *testing.T) {
	require.True(t, MatchesGlob("/logs/*.json", "/logs/2024-01.json"))
	require.True(t, MatchesGlob("/logs/?.json", "/logs/a.json"))
	require.False(t, MatchesGlob("/logs/?.json", "/logs/ab.json"))
	require.True(t, MatchesGlob("/logs/[ab].json", "/logs/a.json"))
	require.False(t, MatchesGlob("/logs/[ab].json", "/logs/c.json"))
}

func TestExpandGlobMatchesServerAndPathIndependently(t *testing.T) {
	available := []Resource{
		{Server: "s1", URI: "/logs/2024-01.json"},
		{Server: "s1", URI: "/logs/2024-02.json"},
		{Server: "s2", URI: "/logs/2024-01.json"},
	}
	p, err := Parse("mcp://s1/logs/*.json")
	require.NoError(t, err)
	got := ExpandGlob(p, available)
	require.Len(t, got, 2)
	require.Contains(t, got, "mcp://s1/logs/2024-01.json")
	require.Contains(t, got, "mcp://s1/logs/2024-02.json")
}

func TestExpandURINonGlobReturnsUnchanged(t *testing.T) {
	got, err := ExpandURI("mcp://s1/logs/jan.json", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"mcp://s1/logs/jan.json"}, got)
}

func TestExtractFromSQLSingleAndDoubleQuoted(t *testing.T) {
	sql := `SELECT * FROM 'mcp://api/a.json' a JOIN "mcp://api/b.json" b ON 1=1`
	got := ExtractFromSQL(sql)
	require.ElementsMatch(t, []string{"mcp://api/a.json", "mcp://api/b.json"}, got)
}

func TestExtractFromSQLDedup(t *testing.T) {
	sql := `SELECT * FROM 'mcp://api/a.json' UNION ALL SELECT * FROM 'mcp://api/a.json'`
	got := ExtractFromSQL(sql)
	require.Equal(t, []string{"mcp://api/a.json"}, got)
}

func TestExtractFromSQLReaderFunctionArg(t *testing.T) {
	sql := `SELECT * FROM read_csv('mcp://api/data.csv')`
	got := ExtractFromSQL(sql)
	require.Equal(t, []string{"mcp://api/data.csv"}, got)
}
