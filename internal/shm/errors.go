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

package shm

import "errors"

var (
	// ErrAlreadyExists is returned by Create when a valid live segment with
	// the same name exists.
	ErrAlreadyExists = errors.New("shm: segment already exists")

	// ErrNotFound is returned by Attach when no segment with the given name
	// exists.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrVersionMismatch is returned by Attach when the segment's layout
	// version differs from this build's.
	ErrVersionMismatch = errors.New("shm: layout version mismatch")

	// ErrRingClosed indicates the ring has been closed for writing.
	ErrRingClosed = errors.New("shm: ring closed")

	// ErrFrameTooLarge indicates a frame that can never fit the ring.
	ErrFrameTooLarge = errors.New("shm: frame larger than ring capacity")

	// ErrTimeout is returned by ReadFrame when the deadline passes with no
	// frame available. The request is considered lost, not retried here;
	// retry policy lives at the orchestration layer.
	ErrTimeout = errors.New("shm: read timeout")

	// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
	ErrFutexTimeout = errors.New("shm: futex timeout")
)
