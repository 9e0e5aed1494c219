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

import "errors"

var (
	// ErrHandshakeTimeout: no HelloAck arrived within the handshake window.
	ErrHandshakeTimeout = errors.New("bridge: handshake timeout")

	// ErrResyncTimeout: resynchronization after Degraded also timed out.
	ErrResyncTimeout = errors.New("bridge: resynchronization timeout")

	// ErrVersionMismatch: the peer speaks a different protocol version.
	// Hard failure; no backward-compatibility negotiation is attempted.
	ErrVersionMismatch = errors.New("bridge: protocol version mismatch")

	// ErrSessionClosed: the session reached its terminal state.
	ErrSessionClosed = errors.New("bridge: session closed")

	// ErrSessionNotReady: translation requested before the session is
	// Active (or while Degraded).
	ErrSessionNotReady = errors.New("bridge: session not ready")

	// ErrBufferFull: the outgoing ring had no room for the frame. The
	// frame is dropped, never queued; retrying is the caller's decision.
	ErrBufferFull = errors.New("bridge: ring buffer full")

	// ErrRequestTimeout: no response arrived before the caller's deadline.
	// The request is considered lost; a response arriving later is
	// discarded by request-id mismatch.
	ErrRequestTimeout = errors.New("bridge: request timeout")

	// ErrPeerShutdown: the peer announced an orderly shutdown.
	ErrPeerShutdown = errors.New("bridge: peer shutdown")
)
