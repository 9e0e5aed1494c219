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

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// makeTestRing builds a ring over plain process memory. Small capacities
// make the end-of-ring cases easy to hit; the real segment enforces
// MinRingCapacity but the ring itself only needs a power of two.
func makeTestRing(t *testing.T, capacity uint64) *Ring {
	t.Helper()
	if !IsPowerOfTwo(capacity) {
		t.Fatalf("test capacity %d is not a power of two", capacity)
	}
	mem := make([]byte, RingHeaderSize+capacity)
	ringHeaderAt(mem, 0).SetCapacity(capacity)
	return newRing(mem, 0)
}

// makeFrame builds a syntactically valid frame: type tag, payload length,
// then the payload. Sequence and checksum are opaque to the ring layer.
func makeFrame(typ byte, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = typ
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

func mustWrite(t *testing.T, r *Ring, frame []byte) {
	t.Helper()
	ok, err := r.TryWriteFrame(frame)
	if err != nil {
		t.Fatalf("TryWriteFrame() = %v", err)
	}
	if !ok {
		t.Fatalf("TryWriteFrame() = false, ring unexpectedly full (used=%d)", r.Used())
	}
}

func mustRead(t *testing.T, r *Ring) []byte {
	t.Helper()
	frame, err := r.TryReadFrame()
	if err != nil {
		t.Fatalf("TryReadFrame() = %v", err)
	}
	if frame == nil {
		t.Fatal("TryReadFrame() = nil, ring unexpectedly empty")
	}
	return frame
}

func TestRingWriteReadRoundTrip(t *testing.T) {
	r := makeTestRing(t, 256)

	payloads := [][]byte{
		[]byte("Attack"),
		[]byte(""),
		[]byte("a longer payload with some length to it"),
	}
	for _, p := range payloads {
		mustWrite(t, r, makeFrame(0x03, p))
	}
	for _, p := range payloads {
		got := mustRead(t, r)
		if !bytes.Equal(got[frameHeaderSize:], p) {
			t.Errorf("payload = %q, want %q", got[frameHeaderSize:], p)
		}
	}
	if frame, err := r.TryReadFrame(); err != nil || frame != nil {
		t.Errorf("TryReadFrame() on empty = (%v, %v), want (nil, nil)", frame, err)
	}
	if r.Used() != 0 {
		t.Errorf("Used() = %d, want 0", r.Used())
	}
}

func TestRingEmptyRead(t *testing.T) {
	r := makeTestRing(t, 64)
	frame, err := r.TryReadFrame()
	if err != nil {
		t.Fatalf("TryReadFrame() = %v", err)
	}
	if frame != nil {
		t.Errorf("TryReadFrame() = %v, want nil", frame)
	}
}

func TestRingPadFrameAtBoundary(t *testing.T) {
	r := makeTestRing(t, 128)

	// First frame leaves a tail large enough for an explicit pad marker.
	first := makeFrame(0x03, make([]byte, 23)) // total 40, tail 88
	mustWrite(t, r, first)
	mustRead(t, r)

	// 64-byte frame does not fit in the remaining 88... it does; write and
	// consume until the cursor sits close to the boundary.
	second := makeFrame(0x03, bytes.Repeat([]byte{0xAB}, 47)) // total 64, pos 40->104
	mustWrite(t, r, second)
	mustRead(t, r)

	// pos=104, 24 bytes to the boundary: the next frame needs a pad marker.
	payload := bytes.Repeat([]byte{0xCD}, 30)
	mustWrite(t, r, makeFrame(0x04, payload)) // total 47 > 24

	got := mustRead(t, r)
	if got[0] != 0x04 {
		t.Fatalf("frame type = %#x, want 0x04 (pad must be consumed silently)", got[0])
	}
	if !bytes.Equal(got[frameHeaderSize:], payload) {
		t.Errorf("payload corrupted across boundary: %v", got[frameHeaderSize:])
	}
}

func TestRingSmallTailSkip(t *testing.T) {
	r := makeTestRing(t, 128)

	// Advance the cursor to pos=114 so only 14 bytes remain to the
	// boundary, too small for a pad marker header.
	mustWrite(t, r, makeFrame(0x03, make([]byte, 40))) // total 57
	mustRead(t, r)
	mustWrite(t, r, makeFrame(0x03, make([]byte, 40))) // total 57, pos 114
	mustRead(t, r)

	// 14 bytes to the boundary: zero-filled, skipped by geometry alone.
	payload := []byte("wrapped")
	mustWrite(t, r, makeFrame(0x05, payload))
	got := mustRead(t, r)
	if got[0] != 0x05 || !bytes.Equal(got[frameHeaderSize:], payload) {
		t.Errorf("frame after geometry skip = %#x %q", got[0], got[frameHeaderSize:])
	}
}

func TestRingFullIsNotAnError(t *testing.T) {
	r := makeTestRing(t, 128)

	frame := makeFrame(0x03, make([]byte, 47)) // total 64 = capacity/2
	mustWrite(t, r, frame)
	mustWrite(t, r, frame)

	// The ring is exactly full; the next write must refuse without error.
	ok, err := r.TryWriteFrame(frame)
	if err != nil {
		t.Fatalf("TryWriteFrame() on full ring = %v", err)
	}
	if ok {
		t.Fatal("TryWriteFrame() = true on a full ring")
	}

	// Space opens up after one read.
	mustRead(t, r)
	mustWrite(t, r, frame)
}

func TestRingFrameTooLarge(t *testing.T) {
	r := makeTestRing(t, 128)
	frame := makeFrame(0x03, make([]byte, 48)) // total 65 > capacity/2
	if _, err := r.TryWriteFrame(frame); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("TryWriteFrame() = %v, want ErrFrameTooLarge", err)
	}
}

func TestRingShortFrameRejected(t *testing.T) {
	r := makeTestRing(t, 128)
	if _, err := r.TryWriteFrame(make([]byte, frameHeaderSize-1)); err == nil {
		t.Error("TryWriteFrame() accepted a frame shorter than its header")
	}
}

func TestRingClose(t *testing.T) {
	r := makeTestRing(t, 128)
	mustWrite(t, r, makeFrame(0x03, []byte("last")))
	r.Close()

	if _, err := r.TryWriteFrame(makeFrame(0x03, nil)); !errors.Is(err, ErrRingClosed) {
		t.Errorf("TryWriteFrame() after close = %v, want ErrRingClosed", err)
	}

	// Buffered frames drain before the closed state surfaces.
	got := mustRead(t, r)
	if !bytes.Equal(got[frameHeaderSize:], []byte("last")) {
		t.Errorf("drained payload = %q", got[frameHeaderSize:])
	}
	if _, err := r.TryReadFrame(); !errors.Is(err, ErrRingClosed) {
		t.Errorf("TryReadFrame() after drain = %v, want ErrRingClosed", err)
	}
}

func TestRingDrain(t *testing.T) {
	r := makeTestRing(t, 256)
	for i := 0; i < 3; i++ {
		mustWrite(t, r, makeFrame(0x03, []byte("stale")))
	}
	r.Drain()
	if r.Used() != 0 {
		t.Errorf("Used() after drain = %d, want 0", r.Used())
	}
	mustWrite(t, r, makeFrame(0x03, []byte("fresh")))
	got := mustRead(t, r)
	if !bytes.Equal(got[frameHeaderSize:], []byte("fresh")) {
		t.Errorf("payload after drain = %q", got[frameHeaderSize:])
	}
}

func TestRingMonotonicCursors(t *testing.T) {
	r := makeTestRing(t, 128)

	// Push far more bytes through than the capacity; the cursors keep
	// growing and only the masked positions wrap.
	frame := makeFrame(0x03, []byte("0123456789"))
	for i := 0; i < 200; i++ {
		mustWrite(t, r, frame)
		got := mustRead(t, r)
		if !bytes.Equal(got, frame) {
			t.Fatalf("iteration %d: frame corrupted", i)
		}
	}
	st := r.State()
	if st.Widx < 200*uint64(len(frame)) {
		t.Errorf("Widx = %d, cursors must be monotonic", st.Widx)
	}
	if st.Widx != st.Ridx {
		t.Errorf("Widx %d != Ridx %d on an empty ring", st.Widx, st.Ridx)
	}
}
