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
	"sync"
	"time"
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateConnecting: segment attached, no handshake yet.
	StateConnecting State = iota
	// StateHandshaking: Hello sent, awaiting HelloAck.
	StateHandshaking
	// StateActive: handshake complete; translation traffic flows.
	StateActive
	// StateDegraded: heartbeat budget exhausted or frame corruption;
	// attempting silent resynchronization.
	StateDegraded
	// StateClosed: terminal; resources released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// validTransitions is the closed set of allowed state changes. Closed is
// reachable from everywhere; Degraded only from Active; Active again from
// Degraded after resynchronization.
var validTransitions = map[State][]State{
	StateConnecting:  {StateHandshaking, StateClosed},
	StateHandshaking: {StateActive, StateClosed},
	StateActive:      {StateDegraded, StateClosed},
	StateDegraded:    {StateHandshaking, StateActive, StateClosed},
}

// Session is one attached client's state: negotiated protocol version, last
// heartbeat, missed-beat count and acknowledged dictionary generation.
// Created on successful handshake, destroyed on Shutdown, timeout, or
// segment teardown. Safe for concurrent use.
type Session struct {
	ID string

	mu              sync.Mutex
	state           State
	protoVersion    uint32
	lastHeartbeat   time.Time
	missedBeats     int
	ackedGeneration uint64
	created         time.Time
	handshakeStart  time.Time
	resyncDeadline  time.Time
	closeReason     error
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:             id,
		state:          StateConnecting,
		created:        now,
		handshakeStart: now,
		lastHeartbeat:  now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to a new state. Returns false when the move
// is not allowed (including any transition out of Closed).
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return false
	}
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			if to == StateHandshaking {
				// The handshake window restarts here, not at session
				// creation, so a resynchronizing session is not closed
				// for being older than the handshake timeout.
				s.handshakeStart = time.Now()
			}
			return true
		}
	}
	return false
}

// close marks the session Closed with a reason. Returns false when already
// closed.
func (s *Session) close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.closeReason = reason
	return true
}

// CloseReason returns why the session closed; nil while open.
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// markHeartbeat records a heartbeat from the peer and clears the missed
// budget.
func (s *Session) markHeartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
	s.missedBeats = 0
}

// countMissedInterval increments the missed-beat counter when no heartbeat
// arrived within the interval ending at now, and returns the current count.
func (s *Session) countMissedInterval(now time.Time, interval time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastHeartbeat) > interval {
		s.missedBeats++
	} else {
		s.missedBeats = 0
	}
	return s.missedBeats
}

// setVersion records the negotiated protocol version.
func (s *Session) setVersion(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protoVersion = v
}

// Version returns the negotiated protocol version.
func (s *Session) Version() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protoVersion
}

// setAckedGeneration records the dictionary generation last announced to
// the client.
func (s *Session) setAckedGeneration(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen > s.ackedGeneration {
		s.ackedGeneration = gen
	}
}

// AckedGeneration returns the dictionary generation last announced to the
// client.
func (s *Session) AckedGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedGeneration
}

// beginResync stamps the resynchronization deadline.
func (s *Session) beginResync(deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncDeadline = deadline
}

// resyncExpired reports whether a pending resynchronization ran out of time.
func (s *Session) resyncExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.resyncDeadline.IsZero() && now.After(s.resyncDeadline)
}

// handshakeExpired reports whether the session sat in a pre-Active state
// longer than the allowed handshake window, measured from the most recent
// entry into Handshaking.
func (s *Session) handshakeExpired(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting && s.state != StateHandshaking {
		return false
	}
	return now.Sub(s.handshakeStart) > timeout
}
