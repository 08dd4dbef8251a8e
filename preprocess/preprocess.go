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

// Package preprocess rewrites SQL text, replacing mcp:// URI references
// with local reader-function fragments (or glob-expanded UNION ALL
// subqueries), the way the teacher's plan package rewrites a parsed query
// tree ahead of execution, generalized here to operate on raw SQL text
// instead of an already-parsed plan.
package preprocess

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/theseedship/duckdb-mcp-gateway/format"
	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

// Resolver maps a resolved mcp:// URI to a local path and the format to
// read it as. It returns ok=false if the URI cannot currently be resolved.
type Resolver func(u string) (localPath string, f uri.Format, ok bool)

// Replacement records one performed substitution, for observability.
type Replacement struct {
	URI         string
	Replacement string
}

// Result is the outcome of Transform.
type Result struct {
	OriginalQuery    string
	TransformedQuery string
	Replacements     []Replacement
	URIsToResolve    []string
}

// UnresolvedURIError is returned when a genuine mcp:// URI could not be
// resolved by the caller-supplied Resolver.
type UnresolvedURIError struct {
	URI string
}

func (e *UnresolvedURIError) Error() string {
	return fmt.Sprintf("preprocess: unresolved URI %s", e.URI)
}

// Transform extracts every mcp:// URI referenced in sql, resolves each via
// resolver, and rewrites quoted or bare-reader-function occurrences with
// the appropriate reader-function fragment. Glob URIs that resolve to more
// than one concrete local path are rewritten as a UNION ALL subquery.
func Transform(sql string, expandGlob func(u string) []string, resolver Resolver) (*Result, error) {
	uris := uri.ExtractFromSQL(sql)
	res := &Result{OriginalQuery: sql, TransformedQuery: sql, URIsToResolve: uris}

	for _, u := range uris {
		fragment, err := resolveFragment(u, expandGlob, resolver)
		if err != nil {
			return nil, err
		}
		replaced := replaceAllOccurrences(res.TransformedQuery, u, fragment)
		if replaced != res.TransformedQuery {
			res.TransformedQuery = replaced
			res.Replacements = append(res.Replacements, Replacement{URI: u, Replacement: fragment})
		}
	}
	return res, nil
}

func resolveFragment(u string, expandGlob func(u string) []string, resolver Resolver) (string, error) {
	parsed, err := uri.Parse(u)
	if err == nil && parsed.IsGlob && expandGlob != nil {
		expanded := expandGlob(u)
		if len(expanded) > 1 {
			var parts []string
			for _, eu := range expanded {
				localPath, f, ok := resolver(eu)
				if !ok {
					return "", &UnresolvedURIError{URI: eu}
				}
				parts = append(parts, format.BuildReadQuery(localPath, f))
			}
			return "(" + strings.Join(parts, " UNION ALL ") + ")", nil
		}
		if len(expanded) == 1 {
			u = expanded[0]
		}
	}
	localPath, f, ok := resolver(u)
	if !ok {
		return "", &UnresolvedURIError{URI: u}
	}
	return format.BuildReadQuery(localPath, f), nil
}

// replaceAllOccurrences replaces every quoted ('u', "u", `u`) or bare
// occurrence of u in sql with fragment, consuming the surrounding quotes
// when present.
func replaceAllOccurrences(sql, u, fragment string) string {
	for _, q := range []string{"'", "\"", "`"} {
		sql = strings.ReplaceAll(sql, q+u+q, fragment)
	}
	return strings.ReplaceAll(sql, u, fragment)
}

// ApplyReplacements re-applies a previously computed set of replacements to
// a (possibly different) copy of the original SQL text.
func ApplyReplacements(sql string, replacements []Replacement) string {
	for _, r := range replacements {
		sql = replaceAllOccurrences(sql, r.URI, r.Replacement)
	}
	return sql
}

var validateKeywordRe = regexp.MustCompile(`(?i)\b(SELECT|CREATE|INSERT)\b`)
var mcpRefRe = regexp.MustCompile(`mcp://`)

// Validate reports whether sql looks executable: it must contain at least
// one of SELECT/CREATE/INSERT and no remaining unresolved mcp:// URI.
func Validate(sql string) bool {
	return validateKeywordRe.MatchString(sql) && !mcpRefRe.MatchString(sql)
}

// ExpandGlobs rewrites every glob URI in sql into a UNION ALL subquery over
// the matching resources' reader fragments, using resolver to get each
// concrete match's local path/format.
func ExpandGlobs(sql string, available []uri.Resource, resolver Resolver) (string, error) {
	uris := uri.ExtractFromSQL(sql)
	out := sql
	for _, u := range uris {
		parsed, err := uri.Parse(u)
		if err != nil || !parsed.IsGlob {
			continue
		}
		expanded := uri.ExpandGlob(parsed, available)
		var parts []string
		for _, eu := range expanded {
			localPath, f, ok := resolver(eu)
			if !ok {
				return "", &UnresolvedURIError{URI: eu}
			}
			parts = append(parts, format.BuildReadQuery(localPath, f))
		}
		fragment := "(" + strings.Join(parts, " UNION ALL ") + ")"
		out = replaceAllOccurrences(out, u, fragment)
	}
	return out, nil
}

// sqlKeywords is the stoplist extractTableReferences filters candidate
// identifiers against.
var sqlKeywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "JOIN": true, "INNER": true,
	"LEFT": true, "RIGHT": true, "OUTER": true, "ON": true, "AND": true,
	"OR": true, "GROUP": true, "BY": true, "ORDER": true, "LIMIT": true,
	"AS": true, "CREATE": true, "TABLE": true, "INSERT": true, "INTO": true,
	"VALUES": true, "UNION": true, "ALL": true, "DISTINCT": true, "NOT": true,
	"NULL": true, "IS": true, "IN": true, "HAVING": true, "WITH": true,
}

var identifierAfterFromJoin = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_.]*)`)

// ExtractTableReferences returns the table-like identifiers following FROM
// or JOIN keywords, after filtering out SQL keywords.
func ExtractTableReferences(sql string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range identifierAfterFromJoin.FindAllStringSubmatch(sql, -1) {
		name := m[1]
		if sqlKeywords[strings.ToUpper(name)] {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
