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
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WebSocketSession frames each message as a single text frame. Reconnect
// redials after a doubling backoff (capped at 30s). A failed read or write
// only marks the session closed; there is no keepalive and no automatic
// reconnect.
type WebSocketSession struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	backoff *backoff
}

// NewWebSocket constructs a session dialing url (ws:// or wss://).
func NewWebSocket(url string) *WebSocketSession {
	return &WebSocketSession{url: url, backoff: newBackoff(250 * time.Millisecond)}
}

func (s *WebSocketSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *WebSocketSession) connectLocked(ctx context.Context) error {
	if s.open {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("websocket transport: dial %s: %w", s.url, err)
	}
	s.conn = conn
	s.open = true
	s.backoff.reset()
	return nil
}

func (s *WebSocketSession) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	conn, open := s.conn, s.open
	s.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		s.mu.Lock()
		s.markClosedLocked()
		s.mu.Unlock()
		return fmt.Errorf("websocket transport: write: %w", err)
	}
	return nil
}

func (s *WebSocketSession) Receive(ctx context.Context) (Message, error) {
	s.mu.Lock()
	conn, open := s.conn, s.open
	s.mu.Unlock()
	if !open {
		return Message{}, ErrNotConnected
	}
	_, raw, err := conn.Read(ctx)
	if err != nil {
		s.mu.Lock()
		s.markClosedLocked()
		s.mu.Unlock()
		return Message{}, fmt.Errorf("websocket transport: read: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("websocket transport: decode: %w", err)
	}
	return msg, nil
}

func (s *WebSocketSession) markClosedLocked() {
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "")
	}
	s.open = false
}

// Reconnect closes the current connection (if any) and waits for the next
// backoff delay before attempting to reconnect.
func (s *WebSocketSession) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.markClosedLocked()
	delay := s.backoff.next()
	s.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *WebSocketSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markClosedLocked()
	return nil
}

func (s *WebSocketSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
