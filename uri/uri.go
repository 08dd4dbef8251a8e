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

// Package uri parses and builds mcp:// resource references, detects
// globs, and extracts URI literals embedded in SQL text.
package uri

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Format is the payload format inferred for a resource.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
	FormatArrow   Format = "arrow"
	FormatExcel   Format = "excel"
	FormatText    Format = "text"
	FormatBinary  Format = "binary"
	FormatUnknown Format = "unknown"
)

// extTable maps a lower-cased file extension (without the dot) to a Format.
// Case sensitivity note (spec.md §9 Open Questions): server aliases are
// compared case-preserving, but extensions are always matched
// case-insensitively, mirroring the source convention.
var extTable = map[string]Format{
	"csv":    FormatCSV,
	"tsv":    FormatCSV,
	"json":   FormatJSON,
	"jsonl":  FormatJSON,
	"ndjson": FormatJSON,
	"parquet": FormatParquet,
	"pq":      FormatParquet,
	"arrow":   FormatArrow,
	"feather": FormatArrow,
	"ipc":     FormatArrow,
	"xlsx":    FormatExcel,
	"xls":     FormatExcel,
	"xlsm":    FormatExcel,
	"xlsb":    FormatExcel,
}

// FormatFromExtension returns the Format associated with a trailing file
// extension (with or without a leading dot), matched case-insensitively.
func FormatFromExtension(ext string) Format {
	ext = strings.TrimPrefix(ext, ".")
	if f, ok := extTable[strings.ToLower(ext)]; ok {
		return f
	}
	return FormatUnknown
}

// ParsedURI is the decomposed form of an "mcp://server/path" reference.
type ParsedURI struct {
	Server      string
	Path        string
	Filename    string
	Extension   string
	Format      Format
	IsGlob      bool
	QueryParams map[string]string
}

// InvalidURIError reports a malformed mcp:// URI.
type InvalidURIError struct {
	URI    string
	Reason string
}

func (e *InvalidURIError) Error() string {
	return fmt.Sprintf("invalid mcp URI %q: %s", e.URI, e.Reason)
}

const scheme = "mcp://"

func containsGlobChars(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func isServerCharValid(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '*' || r == '?' || r == '[' || r == ']':
		return true
	}
	return false
}

// Parse decodes an "mcp://server/path?query" URI.
func Parse(s string) (*ParsedURI, error) {
	if !strings.HasPrefix(s, scheme) {
		return nil, &InvalidURIError{URI: s, Reason: "missing mcp:// scheme"}
	}
	rest := s[len(scheme):]

	query := ""
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		query = rest[idx+1:]
		rest = rest[:idx]
	}

	var server, path string
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		server = rest[:idx]
		path = rest[idx:]
	} else {
		server = rest
	}

	if server == "" {
		return nil, &InvalidURIError{URI: s, Reason: "empty server segment"}
	}
	if strings.ContainsAny(server, "/\\") {
		return nil, &InvalidURIError{URI: s, Reason: "server segment contains a path separator"}
	}
	for _, r := range server {
		if !isServerCharValid(r) {
			return nil, &InvalidURIError{URI: s, Reason: fmt.Sprintf("server segment contains invalid character %q", r)}
		}
	}

	p := &ParsedURI{
		Server: server,
		Path:   path,
		Format: FormatUnknown,
	}
	if path != "" {
		p.Filename = path[strings.LastIndexByte(path, '/')+1:]
		if idx := strings.LastIndexByte(p.Filename, '.'); idx >= 0 {
			p.Extension = p.Filename[idx+1:]
			p.Format = FormatFromExtension(p.Extension)
		}
	}
	p.IsGlob = containsGlobChars(server) || containsGlobChars(path)

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, &InvalidURIError{URI: s, Reason: "malformed query string: " + err.Error()}
		}
		p.QueryParams = make(map[string]string, len(values))
		for k := range values {
			p.QueryParams[k] = values.Get(k)
		}
	}
	return p, nil
}

// IsValid reports whether s parses as a well-formed mcp:// URI.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// BuildOptions are the inputs to Build.
type BuildOptions struct {
	Server      string
	Path        string
	QueryParams map[string]string
}

// Build is the round-trip inverse of Parse, up to query-parameter ordering:
// Build(Parse(u)) == u modulo the order in which query parameters appear.
func Build(opts BuildOptions) (string, error) {
	if opts.Server == "" {
		return "", &InvalidURIError{Reason: "empty server segment"}
	}
	if strings.ContainsAny(opts.Server, "/\\") {
		return "", &InvalidURIError{Reason: "server segment contains a path separator"}
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString(opts.Server)
	b.WriteString(opts.Path)
	if len(opts.QueryParams) > 0 {
		keys := make([]string, 0, len(opts.QueryParams))
		for k := range opts.QueryParams {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(opts.QueryParams[k]))
		}
	}
	return b.String(), nil
}

// Build reconstructs a URI string from a parsed representation.
func (p *ParsedURI) Build() (string, error) {
	return Build(BuildOptions{Server: p.Server, Path: p.Path, QueryParams: p.QueryParams})
}

// FullURI returns "mcp://"+server+path for a resolved (server, uri) pair,
// the same derivation the registry uses for FederatedResource.FullURI.
func FullURI(server, uri string) string {
	if strings.HasPrefix(uri, "/") {
		return scheme + server + uri
	}
	return scheme + server + "/" + uri
}
