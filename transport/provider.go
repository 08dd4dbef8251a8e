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

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New constructs the concrete Session variant named by kind, dialing addr.
// KindAuto picks stdio first; callers that need the fallback rotation on
// failure should call Next themselves and re-invoke New.
func New(kind Kind, addr string) (Session, error) {
	switch kind {
	case KindStdio:
		return NewStdio(addr), nil
	case KindHTTP:
		return NewHTTP(addr), nil
	case KindWebSocket:
		return NewWebSocket(addr), nil
	case KindTCP:
		return NewTCP(addr), nil
	case KindAuto, "":
		return NewStdio(addr), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// GuessKind infers a transport Kind from a URL-ish address string, so
// callers configuring a server by URL don't need to also specify the
// transport kind explicitly.
func GuessKind(addr string) Kind {
	switch {
	case strings.HasPrefix(addr, "stdio://"):
		return KindStdio
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return KindHTTP
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return KindWebSocket
	case strings.HasPrefix(addr, "tcp://"):
		return KindTCP
	default:
		return KindAuto
	}
}

// Resource and Tool mirror the shapes an MCP-style provider reports from
// listResources/listTools; fields beyond name/uri are intentionally loose
// (json.RawMessage) since providers are free to attach arbitrary metadata.
type Resource struct {
	URI         string          `json:"uri"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
	Extra       json.RawMessage `json:"-"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ReadResult is the decoded reply of a readResource call. Content shape is
// provider-dependent: text resources set Text, binary ones set Blob
// (base64), per the MCP resource content convention.
type ReadResult struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// CallResult is the decoded reply of a callTool call.
type CallResult struct {
	Content []json.RawMessage `json:"content,omitempty"`
	IsError bool              `json:"isError,omitempty"`
}

// Provider is a thin RPC client wrapping a Session with the four operations
// a federated server must expose (spec.md §6): listResources, listTools,
// readResource, callTool. Each call assigns a fresh correlation id and
// reads replies until the one carrying that id arrives; replies with any
// other id are discarded, so concurrent calls on one Session are not
// demultiplexed.
type Provider struct {
	session Session
}

// NewProvider wraps an already-connected Session.
func NewProvider(s Session) *Provider {
	return &Provider{session: s}
}

func (p *Provider) call(ctx context.Context, method string, params any, out any) error {
	id := uuid.NewString()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	if err := p.session.Send(ctx, Message{ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("transport: send %s: %w", method, err)
	}
	for {
		reply, err := p.session.Receive(ctx)
		if err != nil {
			return fmt.Errorf("transport: receive %s: %w", method, err)
		}
		if reply.ID != id {
			// reply to a different in-flight call on this session; a
			// provider wrapper that needs concurrent in-flight calls on one
			// Session should demultiplex at a layer above Provider.
			continue
		}
		if reply.Error != nil {
			return reply.Error
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(reply.Result, out)
	}
}

func (p *Provider) ListResources(ctx context.Context) ([]Resource, error) {
	var out struct {
		Resources []Resource `json:"resources"`
	}
	if err := p.call(ctx, "resources/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

func (p *Provider) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := p.call(ctx, "tools/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (p *Provider) ReadResource(ctx context.Context, uri string) (*ReadResult, error) {
	params := struct {
		URI string `json:"uri"`
	}{URI: uri}
	var out struct {
		Contents []ReadResult `json:"contents"`
	}
	if err := p.call(ctx, "resources/read", params, &out); err != nil {
		return nil, err
	}
	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("transport: readResource %s: empty contents", uri)
	}
	return &out.Contents[0], nil
}

// ReadResourceRaw returns the unparsed result payload of a resources/read
// call, for callers (vfs's content-decode cascade) that need to handle
// provider response shapes beyond the standard {"contents":[...]} form.
func (p *Provider) ReadResourceRaw(ctx context.Context, uri string) (json.RawMessage, error) {
	params := struct {
		URI string `json:"uri"`
	}{URI: uri}
	id := uuid.NewString()
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if err := p.session.Send(ctx, Message{ID: id, Method: "resources/read", Params: raw}); err != nil {
		return nil, fmt.Errorf("transport: send resources/read: %w", err)
	}
	for {
		reply, err := p.session.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: receive resources/read: %w", err)
		}
		if reply.ID != id {
			continue
		}
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply.Result, nil
	}
}

func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{Name: name, Arguments: args}
	var out CallResult
	if err := p.call(ctx, "tools/call", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
