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

package vfs

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"github.com/klauspost/compress/gzip"
)

var base64CharsRe = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// decodeContent maps a provider's readResource result payload through the
// fixed shape cascade in spec.md §4.G: contents[0].text|.blob, a bare
// "content" string field, or a "data" field. Unknown shapes return an
// error. A gzip-magic-prefixed blob is transparently decompressed, since
// providers serving large text resources commonly compress the base64
// payload in transit.
func decodeContent(raw json.RawMessage) ([]byte, string, error) {
	var shape struct {
		Contents []struct {
			Text     string `json:"text"`
			Blob     string `json:"blob"`
			MimeType string `json:"mimeType"`
		} `json:"contents"`
		Content  string `json:"content"`
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, "", fmt.Errorf("vfs: decode content: %w", err)
	}

	if len(shape.Contents) > 0 {
		c := shape.Contents[0]
		if c.Text != "" {
			return []byte(c.Text), c.MimeType, nil
		}
		if c.Blob != "" {
			data, err := decodeBase64Blob(c.Blob)
			return data, c.MimeType, err
		}
	}
	if shape.Content != "" {
		return []byte(shape.Content), shape.MimeType, nil
	}
	if shape.Data != "" {
		return []byte(shape.Data), shape.MimeType, nil
	}
	return nil, "", fmt.Errorf("vfs: decode content: unrecognized response shape")
}

func decodeBase64Blob(blob string) ([]byte, error) {
	if !base64CharsRe.MatchString(blob) {
		return nil, fmt.Errorf("vfs: blob contains invalid base64 characters")
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("vfs: base64 decode: %w", err)
	}
	if len(data) == 0 && len(blob) > 0 {
		return nil, fmt.Errorf("vfs: base64 decode produced empty output from non-empty input")
	}
	return maybeGunzip(data)
}

// maybeGunzip transparently decompresses a gzip-magic-prefixed blob.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, nil // not actually gzip despite the magic bytes; return as-is
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vfs: gunzip blob: %w", err)
	}
	return out, nil
}
