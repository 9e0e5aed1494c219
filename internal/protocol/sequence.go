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

package protocol

import "fmt"

// SequenceTracker verifies that received sequence numbers are strictly
// increasing with no gaps. A gap means frame loss or ring corruption and the
// session must resynchronize.
type SequenceTracker struct {
	expect uint64
}

// NewSequenceTracker returns a tracker expecting sequence 1 first.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{expect: 1}
}

// Check validates one received sequence number and advances the tracker.
func (t *SequenceTracker) Check(seq uint64) error {
	if seq != t.expect {
		err := fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, seq, t.expect)
		// Resume from the observed point so one gap is reported once.
		t.expect = seq + 1
		return err
	}
	t.expect++
	return nil
}

// ResetTo re-anchors the tracker so next is the next expected sequence.
// Handshake frames (Hello, HelloAck) re-anchor the receiving direction:
// after a resynchronization the peer's counter keeps running, and frames
// drained from the ring must not be reported as a gap.
func (t *SequenceTracker) ResetTo(next uint64) {
	t.expect = next
}

// HashText computes the FNV-1a hash of a string. This is the hash the
// injected client computes for request slots; dictionary generations index
// entries by the same function so lookups stay O(1).
func HashText(s string) uint64 {
	const (
		fnvOffset = 14695981039346656037
		fnvPrime  = 1099511628211
	)
	h := uint64(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime
	}
	return h
}
