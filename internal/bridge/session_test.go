/*
 *
 * Copyright 2025 GameStringer authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionLifecycle(t *testing.T) {
	now := time.Now()
	s := newSession("seg-1", now)
	assert.Equal(t, StateConnecting, s.State())

	assert.True(t, s.transition(StateHandshaking))
	assert.True(t, s.transition(StateActive))
	assert.True(t, s.transition(StateDegraded))
	assert.True(t, s.transition(StateActive), "resynchronization returns to Active")
	assert.True(t, s.transition(StateDegraded))
	assert.True(t, s.transition(StateHandshaking), "a degraded session may restart the handshake")
}

func TestSessionInvalidTransitions(t *testing.T) {
	s := newSession("seg-1", time.Now())

	assert.False(t, s.transition(StateActive), "Connecting cannot skip the handshake")
	assert.False(t, s.transition(StateDegraded), "only Active degrades")
	assert.False(t, s.transition(StateConnecting), "no transition to self")

	assert.True(t, s.close(ErrSessionClosed))
	assert.False(t, s.transition(StateHandshaking), "Closed is terminal")
	assert.False(t, s.transition(StateActive), "Closed is terminal")
	assert.False(t, s.close(ErrSessionClosed), "double close reports false")
	assert.Equal(t, ErrSessionClosed, s.CloseReason())
}

func TestSessionMissedBudget(t *testing.T) {
	now := time.Now()
	s := newSession("seg-1", now)
	interval := time.Second

	// Heartbeat within the interval keeps the counter at zero.
	s.markHeartbeat(now)
	assert.Equal(t, 0, s.countMissedInterval(now.Add(interval/2), interval))

	// Consecutive silent intervals accumulate.
	assert.Equal(t, 1, s.countMissedInterval(now.Add(2*interval), interval))
	assert.Equal(t, 2, s.countMissedInterval(now.Add(3*interval), interval))

	// One heartbeat clears the whole budget.
	s.markHeartbeat(now.Add(3 * interval))
	assert.Equal(t, 0, s.countMissedInterval(now.Add(3*interval+interval/2), interval))
}

func TestSessionHandshakeExpiry(t *testing.T) {
	now := time.Now()
	s := newSession("seg-1", now)
	s.transition(StateHandshaking)

	assert.False(t, s.handshakeExpired(now.Add(time.Second), 5*time.Second))
	assert.True(t, s.handshakeExpired(now.Add(6*time.Second), 5*time.Second))

	// Once Active the handshake window no longer applies.
	s.transition(StateActive)
	assert.False(t, s.handshakeExpired(now.Add(time.Hour), 5*time.Second))
}

func TestSessionHandshakeWindowRestartsOnResync(t *testing.T) {
	// An old session that re-enters Handshaking gets a fresh window; its
	// age since creation must not count against the handshake timeout.
	created := time.Now().Add(-time.Hour)
	s := newSession("seg-1", created)
	assert.True(t, s.transition(StateHandshaking))
	assert.True(t, s.transition(StateActive))
	assert.True(t, s.transition(StateDegraded))
	assert.True(t, s.transition(StateHandshaking))

	assert.False(t, s.handshakeExpired(time.Now().Add(time.Second), 5*time.Second))
	assert.True(t, s.handshakeExpired(time.Now().Add(6*time.Second), 5*time.Second))
}

func TestSessionResyncDeadline(t *testing.T) {
	now := time.Now()
	s := newSession("seg-1", now)

	assert.False(t, s.resyncExpired(now), "no deadline set means no expiry")

	s.beginResync(now.Add(100 * time.Millisecond))
	assert.False(t, s.resyncExpired(now.Add(50*time.Millisecond)))
	assert.True(t, s.resyncExpired(now.Add(200*time.Millisecond)))

	// A completed resynchronization clears the deadline.
	s.beginResync(time.Time{})
	assert.False(t, s.resyncExpired(now.Add(time.Hour)))
}
