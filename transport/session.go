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

// Package transport provides a uniform session abstraction (connect, send,
// receive, close) over stdio, HTTP, WebSocket, and TCP variants, framed as
// JSON-RPC-shaped messages with correlation ids for matching replies to
// requests out of order. This mirrors the shape of the teacher's
// tenant/tnproto wire protocol (a small connect/read/write surface hiding
// the framing details of each concrete transport) generalized across four
// transport kinds instead of one.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind identifies a concrete transport implementation.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
	KindTCP       Kind = "tcp"
	KindAuto      Kind = "auto"
)

// rotation is the fixed fallback order used when Kind is "auto" and a
// connection attempt fails (spec.md §4.E).
var rotation = []Kind{KindStdio, KindHTTP, KindWebSocket, KindTCP}

// Next returns the transport that follows k in the fixed auto rotation,
// wrapping back to the first entry.
func Next(k Kind) Kind {
	for i, r := range rotation {
		if r == k {
			return rotation[(i+1)%len(rotation)]
		}
	}
	return rotation[0]
}

// Message is a single framed JSON-RPC-shaped message exchanged over a
// Session. Requests carry Method/Params and an ID used to match the
// eventual Result/Error in Receive; out-of-order replies are permitted on
// HTTP/WebSocket/TCP (spec.md §5).
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC-style error payload.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Session is the uniform interface every transport variant satisfies.
// Message ordering within a single session is preserved for Send; replies
// observed through Receive are matched to requests by Message.ID.
type Session interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
	IsConnected() bool
}

// ErrClosed is returned by TCPSession.Receive when the peer ends the stream.
var ErrClosed = errors.New("transport: session closed")

// ErrNotConnected is returned by Send/Receive on a Session that is not
// connected: Connect has not completed, or Close has been called.
var ErrNotConnected = errors.New("transport: not connected")
