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

import "strings"

// MatchesGlob reports whether path matches pattern, where '*' matches any
// run of characters within or across path segments, '?' matches a single
// character, and '[...]' matches a character class.
func MatchesGlob(pattern, path string) bool {
	return globMatch([]rune(pattern), []rune(path))
}

func globMatch(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '*':
		// try every possible split, including consuming zero characters
		for i := 0; i <= len(s); i++ {
			if globMatch(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	case '[':
		end := indexRune(pattern, ']')
		if end < 0 {
			// not a well-formed class; treat '[' literally
			if len(s) == 0 || s[0] != '[' {
				return false
			}
			return globMatch(pattern[1:], s[1:])
		}
		if len(s) == 0 {
			return false
		}
		class := pattern[1:end]
		if !matchClass(class, s[0]) {
			return false
		}
		return globMatch(pattern[end+1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	}
}

func indexRune(rs []rune, target rune) int {
	for i, r := range rs {
		if r == target {
			return i
		}
	}
	return -1
}

func matchClass(class []rune, c rune) bool {
	negate := false
	if len(class) > 0 && (class[0] == '!' || class[0] == '^') {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if c >= class[i] && c <= class[i+2] {
				matched = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			matched = true
		}
	}
	if negate {
		return !matched
	}
	return matched
}

// Resource is the minimal shape glob expansion needs from a registered
// resource: the server it belongs to and its path-relative URI.
type Resource struct {
	Server string
	URI    string
}

// ExpandURI expands a full mcp:// URI string against available resources.
// Non-glob URIs are returned unchanged as a single-element slice, matching
// the round-trip property "expandGlob(u, R) where u is not a glob returns
// [u] unchanged."
func ExpandURI(u string, available []Resource) ([]string, error) {
	p, err := Parse(u)
	if err != nil {
		return nil, err
	}
	if !p.IsGlob {
		return []string{u}, nil
	}
	return ExpandGlob(p, available), nil
}

// ExpandGlob matches a glob ParsedURI against the available resources,
// matching server and path independently, and returns the full mcp:// URIs
// of every match.
func ExpandGlob(pattern *ParsedURI, available []Resource) []string {
	var out []string
	for _, r := range available {
		if !MatchesGlob(pattern.Server, r.Server) {
			continue
		}
		p := pattern.Path
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		u := r.URI
		if !strings.HasPrefix(u, "/") {
			u = "/" + u
		}
		if !MatchesGlob(p, u) {
			continue
		}
		out = append(out, FullURI(r.Server, r.URI))
	}
	return out
}
