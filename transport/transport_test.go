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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff(1 * time.Second)
	require.Equal(t, 1*time.Second, b.next())
	require.Equal(t, 2*time.Second, b.next())
	require.Equal(t, 4*time.Second, b.next())

	b2 := newBackoff(20 * time.Second)
	b2.next()
	require.Equal(t, backoffCap, b2.next())
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(1 * time.Second)
	b.next()
	b.next()
	b.reset()
	require.Equal(t, 1*time.Second, b.next())
}

func TestNextRotationWraps(t *testing.T) {
	require.Equal(t, KindHTTP, Next(KindStdio))
	require.Equal(t, KindWebSocket, Next(KindHTTP))
	require.Equal(t, KindTCP, Next(KindWebSocket))
	require.Equal(t, KindStdio, Next(KindTCP))
}

func TestGuessKind(t *testing.T) {
	require.Equal(t, KindStdio, GuessKind("stdio://mcp-server --flag"))
	require.Equal(t, KindHTTP, GuessKind("http://localhost:8080"))
	require.Equal(t, KindHTTP, GuessKind("https://localhost:8080"))
	require.Equal(t, KindWebSocket, GuessKind("ws://localhost:8080"))
	require.Equal(t, KindWebSocket, GuessKind("wss://localhost:8080"))
	require.Equal(t, KindTCP, GuessKind("tcp://localhost:9000"))
	require.Equal(t, KindAuto, GuessKind("unknown-scheme://x"))
}

func TestRPCErrorSatisfiesError(t *testing.T) {
	var err error = &RPCError{Code: 404, Message: "resource not found"}
	require.EqualError(t, err, "resource not found")
}

// fakeSession is an in-memory Session used to exercise Provider without a
// real transport, mirroring how the teacher's tnproto tests stub out the
// network boundary with an in-process pipe.
type fakeSession struct {
	open   bool
	reply  func(Message) Message
	sent   []Message
	replyQ []Message
}

func newFakeSession(reply func(Message) Message) *fakeSession {
	return &fakeSession{open: true, reply: reply}
}

func (f *fakeSession) Connect(ctx context.Context) error { f.open = true; return nil }

func (f *fakeSession) Send(ctx context.Context, msg Message) error {
	if !f.open {
		return ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	f.replyQ = append(f.replyQ, f.reply(msg))
	return nil
}

func (f *fakeSession) Receive(ctx context.Context) (Message, error) {
	if !f.open {
		return Message{}, ErrNotConnected
	}
	if len(f.replyQ) == 0 {
		return Message{}, ErrClosed
	}
	msg := f.replyQ[0]
	f.replyQ = f.replyQ[1:]
	return msg, nil
}

func (f *fakeSession) Close() error     { f.open = false; return nil }
func (f *fakeSession) IsConnected() bool { return f.open }

func TestProviderListResources(t *testing.T) {
	fs := newFakeSession(func(req Message) Message {
		require.Equal(t, "resources/list", req.Method)
		result, _ := json.Marshal(map[string]any{
			"resources": []Resource{{URI: "mcp://api/a.json", Name: "a"}},
		})
		return Message{ID: req.ID, Result: result}
	})
	p := NewProvider(fs)
	resources, err := p.ListResources(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, "mcp://api/a.json", resources[0].URI)
}

func TestProviderCallToolPropagatesRPCError(t *testing.T) {
	fs := newFakeSession(func(req Message) Message {
		return Message{ID: req.ID, Error: &RPCError{Code: 500, Message: "boom"}}
	})
	p := NewProvider(fs)
	_, err := p.CallTool(context.Background(), "query", map[string]any{"sql": "select 1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestProviderReadResourceDecodesContent(t *testing.T) {
	fs := newFakeSession(func(req Message) Message {
		var params struct {
			URI string `json:"uri"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &params))
		result, _ := json.Marshal(map[string]any{
			"contents": []ReadResult{{URI: params.URI, Text: "hello", MimeType: "text/plain"}},
		})
		return Message{ID: req.ID, Result: result}
	})
	p := NewProvider(fs)
	res, err := p.ReadResource(context.Background(), "mcp://api/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
}

func TestProviderIgnoresMismatchedIDBeforeMatch(t *testing.T) {
	// Simulate a session that first delivers a stale reply for an earlier
	// call before the real reply arrives.
	var calls int
	fs := &fakeSession{open: true}
	fs.reply = func(req Message) Message {
		calls++
		return Message{ID: req.ID, Result: json.RawMessage(`{"tools":[]}`)}
	}
	// Pre-seed a stale reply with a bogus ID ahead of the real one.
	fs.Send(context.Background(), Message{ID: "stale"})
	p := NewProvider(fs)
	tools, err := p.ListTools(context.Background())
	require.NoError(t, err)
	require.Empty(t, tools)
}
