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
	"regexp"
)

// ReaderFunctions are the reader-function names that take a URI argument.
// ExtractFromSQL does not consult this list: its bare-reference scan finds
// unquoted URIs anywhere in the text, inside a reader call or not.
var ReaderFunctions = []string{
	"read_csv", "read_csv_auto",
	"read_json", "read_json_auto",
	"read_parquet", "read_excel",
}

// quoted literal bodies: single, double, or backtick quoted, non-greedy.
var literalRe = regexp.MustCompile("'([^']*)'|\"([^\"]*)\"|`([^`]*)`")

var mcpRefRe = regexp.MustCompile(`mcp://[A-Za-z0-9_*?\[\]-]+(?:/[^\s'"` + "`" + `,()]*)?`)

// ExtractFromSQL finds mcp:// URI occurrences embedded in quoted string
// literals and unquoted anywhere in the text (bare reader-function
// arguments included), de-duplicating by string equality while preserving first-seen
// order.
func ExtractFromSQL(sql string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	for _, m := range literalRe.FindAllStringSubmatch(sql, -1) {
		for _, g := range m[1:] {
			if g != "" {
				for _, ref := range mcpRefRe.FindAllString(g, -1) {
					add(ref)
				}
			}
		}
	}
	// bare references anywhere in the text (covers bare reader-function
	// arguments as well as any other unquoted occurrence)
	for _, ref := range mcpRefRe.FindAllString(sql, -1) {
		add(ref)
	}
	return out
}
