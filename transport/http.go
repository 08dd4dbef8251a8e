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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPSession frames each request as a JSON-RPC-over-POST call, and
// supports an optional long-poll GET /poll endpoint for servers that push
// unsolicited messages (spec.md §4.J).
type HTTPSession struct {
	baseURL string
	client  *http.Client

	mu        sync.Mutex
	open      bool
	pollQueue []Message
}

// NewHTTP constructs a session against url, which must be an http(s):// base.
func NewHTTP(url string) *HTTPSession {
	return &HTTPSession{
		baseURL: url,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSession) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		// some providers don't expose /healthz; treat as connected anyway
		// and let the first real call surface transport errors.
		s.mu.Lock()
		s.open = true
		s.mu.Unlock()
		return nil
	}
	resp.Body.Close()
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *HTTPSession) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http transport: post: %w", err)
	}
	defer resp.Body.Close()

	var reply Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("http transport: decode reply: %w", err)
	}
	reply.ID = msg.ID

	s.mu.Lock()
	s.pollQueue = append(s.pollQueue, reply)
	s.mu.Unlock()
	return nil
}

// Receive returns the next queued reply. HTTP sessions are request/response
// driven: each Send enqueues exactly one reply for Receive to drain, unless
// a long-poll GET /poll call (PollOnce) enqueued additional push messages.
func (s *HTTPSession) Receive(ctx context.Context) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return Message{}, ErrNotConnected
	}
	if len(s.pollQueue) == 0 {
		return Message{}, fmt.Errorf("http transport: no reply queued")
	}
	msg := s.pollQueue[0]
	s.pollQueue = s.pollQueue[1:]
	return msg, nil
}

// PollOnce issues a single long-poll GET /poll request and enqueues any
// message it returns, for providers that push messages outside the
// request/response cycle.
func (s *HTTPSession) PollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/poll", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http transport: poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return fmt.Errorf("http transport: decode poll reply: %w", err)
	}
	s.mu.Lock()
	s.pollQueue = append(s.pollQueue, msg)
	s.mu.Unlock()
	return nil
}

func (s *HTTPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *HTTPSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
