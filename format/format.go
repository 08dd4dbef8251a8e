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

// Package format classifies resource payloads by extension, MIME type, and
// content inspection, and builds the engine reader-function fragment for a
// detected format.
package format

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

// Signal is one of the inputs to detection, along with its confidence.
type Signal struct {
	Format     uri.Format
	Confidence float64
}

const (
	confidenceExtension = 0.8
	confidenceMIME       = 0.7
	confidenceContent    = 0.9
)

// mimeTable maps a MIME type to a Format.
var mimeTable = map[string]uri.Format{
	"text/csv":                         uri.FormatCSV,
	"application/json":                 uri.FormatJSON,
	"application/x-ndjson":             uri.FormatJSON,
	"application/parquet":              uri.FormatParquet,
	"application/vnd.apache.parquet":   uri.FormatParquet,
	"application/vnd.apache.arrow.file": uri.FormatArrow,
	"application/vnd.ms-excel":         uri.FormatExcel,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": uri.FormatExcel,
	"text/plain": uri.FormatText,
}

// Detector combines extension, MIME, and content magic-byte/heuristic
// signals into a single format decision.
type Detector struct{}

// NewDetector constructs a Detector. It holds no state; all methods are
// safe for concurrent use.
func NewDetector() *Detector { return &Detector{} }

// Detect classifies a payload given an optional filename extension,
// optional MIME type, and a sample of the content (the first 1 KiB is
// sufficient; more is ignored for the content heuristics).
func (d *Detector) Detect(ext, mimeType string, content []byte) uri.Format {
	var signals []Signal
	if ext != "" {
		if f := uri.FormatFromExtension(ext); f != uri.FormatUnknown {
			signals = append(signals, Signal{Format: f, Confidence: confidenceExtension})
		}
	}
	if mimeType != "" {
		if f, ok := mimeTable[strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))]; ok {
			signals = append(signals, Signal{Format: f, Confidence: confidenceMIME})
		}
	}
	if f, ok := detectContent(content); ok {
		signals = append(signals, Signal{Format: f, Confidence: confidenceContent})
	}

	if len(signals) == 0 {
		return uri.FormatUnknown
	}
	best := signals[0]
	for _, s := range signals[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best.Format
}

// detectContent inspects magic bytes, then CSV/JSON heuristics over up to
// the first 1 KiB of content.
func detectContent(content []byte) (uri.Format, bool) {
	if len(content) > 1024 {
		content = content[:1024]
	}
	switch {
	case bytes.HasPrefix(content, []byte("PAR1")):
		return uri.FormatParquet, true
	case bytes.HasPrefix(content, []byte("ARROW1")), bytes.HasPrefix(content, []byte("FEA1")):
		return uri.FormatArrow, true
	case bytes.HasPrefix(content, []byte("PK\x03\x04")):
		return uri.FormatExcel, true
	}
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return uri.FormatJSON, true
	}
	if looksLikeJSONL(content) {
		return uri.FormatJSON, true
	}
	if looksLikeCSV(content) {
		return uri.FormatCSV, true
	}
	return uri.FormatUnknown, false
}

func looksLikeJSONL(content []byte) bool {
	lines := bytes.SplitN(content, []byte("\n"), 2)
	if len(lines) == 0 {
		return false
	}
	first := bytes.TrimSpace(lines[0])
	if len(first) == 0 {
		return false
	}
	var v any
	return json.Unmarshal(first, &v) == nil
}

var csvDelimiters = []byte{',', '\t', '|', ';'}

// looksLikeCSV checks whether the first lines of content have a consistent
// delimiter count across at least two lines, for any of the candidate
// delimiters.
func looksLikeCSV(content []byte) bool {
	lines := bytes.Split(content, []byte("\n"))
	var nonEmpty [][]byte
	for _, l := range lines {
		l = bytes.TrimRight(l, "\r")
		if len(l) > 0 {
			nonEmpty = append(nonEmpty, l)
		}
		if len(nonEmpty) >= 2 {
			break
		}
	}
	if len(nonEmpty) < 2 {
		return false
	}
	for _, delim := range csvDelimiters {
		c0 := bytes.Count(nonEmpty[0], []byte{delim})
		c1 := bytes.Count(nonEmpty[1], []byte{delim})
		if c0 > 0 && c0 == c1 {
			return true
		}
	}
	return false
}
