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

import "time"

// backoffCap is the maximum delay between reconnect attempts for the
// WebSocket and TCP session variants (spec.md §4.J: "doubling, capped at
// 30s").
const backoffCap = 30 * time.Second

// backoff tracks a doubling reconnect delay capped at backoffCap.
type backoff struct {
	base    time.Duration
	current time.Duration
}

func newBackoff(base time.Duration) *backoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	return &backoff{base: base, current: base}
}

// next returns the delay to wait before the next attempt, then doubles it
// for the following call, capped at backoffCap.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > backoffCap {
		b.current = backoffCap
	}
	return d
}

// reset returns the backoff to its base delay after a successful connect.
func (b *backoff) reset() {
	b.current = b.base
}
