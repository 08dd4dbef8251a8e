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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// TCPSession frames newline-delimited JSON messages over a plain TCP
// connection. Reconnect redials after a doubling backoff (capped at 30s).
// A dropped connection only marks the session closed; there is no
// keepalive and no automatic reconnect.
type TCPSession struct {
	addr string

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Scanner
	open    bool
	backoff *backoff
}

// NewTCP constructs a session dialing url of the form "tcp://host:port".
func NewTCP(url string) *TCPSession {
	return &TCPSession{
		addr:    strings.TrimPrefix(url, "tcp://"),
		backoff: newBackoff(250 * time.Millisecond),
	}
}

func (s *TCPSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *TCPSession) connectLocked(ctx context.Context) error {
	if s.open {
		return nil
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcp transport: dial %s: %w", s.addr, err)
	}
	s.conn = conn
	s.reader = bufio.NewScanner(conn)
	s.reader.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	s.open = true
	s.backoff.reset()
	return nil
}

func (s *TCPSession) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotConnected
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = s.conn.Write(raw)
	if err != nil {
		s.markClosedLocked()
	}
	return err
}

func (s *TCPSession) Receive(ctx context.Context) (Message, error) {
	s.mu.Lock()
	sc := s.reader
	open := s.open
	s.mu.Unlock()
	if !open {
		return Message{}, ErrNotConnected
	}
	if !sc.Scan() {
		s.mu.Lock()
		s.markClosedLocked()
		s.mu.Unlock()
		if err := sc.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, ErrClosed
	}
	var msg Message
	if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("tcp transport: decode: %w", err)
	}
	return msg, nil
}

// markClosedLocked marks the connection unusable. Connect redials at once;
// Reconnect waits for the next s.backoff delay first.
func (s *TCPSession) markClosedLocked() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.open = false
}

// Reconnect closes the current connection (if any) and waits for the next
// backoff delay before attempting to reconnect.
func (s *TCPSession) Reconnect(ctx context.Context) error {
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

func (s *TCPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markClosedLocked()
	return nil
}

func (s *TCPSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
