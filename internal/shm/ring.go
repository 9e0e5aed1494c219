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
	"context"
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"
)

// Frame geometry shared with the codec: a fixed header of type tag, payload
// length, sequence number and checksum, followed by the payload.
// [type:u8][length:u32][seq:u64][checksum:u32], little-endian.
const (
	frameHeaderSize = 17

	// frameTypePad marks ring padding emitted at end-of-ring so frames stay
	// contiguous. Pad frames are consumed here and never reach the codec.
	frameTypePad = 0x00

	// maxFutexWait caps one blocking wait in ReadFrame so context
	// cancellation is noticed within this bound on an idle ring.
	maxFutexWait = 50 * time.Millisecond
)

// RingState is a snapshot of ring buffer state for diagnostics.
type RingState struct {
	Capacity uint64 // total ring capacity in bytes
	Widx     uint64 // current write index (monotonic)
	Ridx     uint64 // current read index (monotonic)
	Used     uint64 // bytes currently in ring (Widx - Ridx)
	DataSeq  uint32 // data availability sequence number
	SpaceSeq uint32 // space availability sequence number
	Closed   bool   // ring closed flag
}

// Ring is one direction of the bridge: a single-producer single-consumer
// frame queue over shared memory. Exactly one process writes and one process
// reads; cursor ownership is direction-exclusive, so no lock is needed, only
// atomic cursor publication.
//
// Frames are always written contiguously. When a frame would cross the
// end-of-ring boundary, the producer emits a padding marker covering the
// tail and restarts the frame at offset 0; the consumer skips the marker.
type Ring struct {
	capMask  uint64  // capacity-1 for fast masking (capacity is a power of 2)
	capacity uint64  // data area capacity in bytes
	hdrOff   uintptr // offset of RingHeader within the mapped segment
	dataOff  uintptr // offset of the data area
	mem      []byte  // the mapped region (no copying)
	// No Go pointers into shared memory are stored; addresses are computed
	// on demand so the GC never sees them.
}

func newRing(mem []byte, offset uint64) *Ring {
	capacity := ringHeaderAt(mem, offset).Capacity()
	return &Ring{
		capMask:  capacity - 1,
		capacity: capacity,
		hdrOff:   uintptr(offset),
		dataOff:  uintptr(offset + RingHeaderSize),
		mem:      mem,
	}
}

func ringHeaderAt(mem []byte, offset uint64) *RingHeader {
	return (*RingHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(&mem[0])) + uintptr(offset)))
}

func (r *Ring) header() *RingHeader {
	return (*RingHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.mem[0])) + r.hdrOff))
}

// data returns the ring's data area as a byte slice.
func (r *Ring) data() []byte {
	ptr := unsafe.Pointer(uintptr(unsafe.Pointer(&r.mem[0])) + r.dataOff)
	return unsafe.Slice((*byte)(ptr), r.capacity)
}

// Capacity returns the ring capacity in bytes.
func (r *Ring) Capacity() uint64 {
	return r.capacity
}

// State returns a snapshot of the current ring state.
func (r *Ring) State() RingState {
	hdr := r.header()
	widx := hdr.WriteIndex()
	ridx := hdr.ReadIndex()
	return RingState{
		Capacity: r.capacity,
		Widx:     widx,
		Ridx:     ridx,
		Used:     widx - ridx,
		DataSeq:  hdr.DataSequence(),
		SpaceSeq: hdr.SpaceSequence(),
		Closed:   hdr.Closed(),
	}
}

// TryWriteFrame appends one complete frame (header + payload) to the ring.
// Non-blocking: it returns false when free space is insufficient, counting
// any padding marker needed to keep the frame contiguous. It never blocks
// the writer thread.
func (r *Ring) TryWriteFrame(frame []byte) (bool, error) {
	n := uint64(len(frame))
	if n < frameHeaderSize {
		return false, fmt.Errorf("shm: frame shorter than header (%d bytes)", len(frame))
	}
	// Bounding frames to half the capacity guarantees an empty ring always
	// accepts one: the tail padding plus the frame can never exceed the
	// capacity, whatever the cursor position.
	if n > r.capacity/2 {
		return false, ErrFrameTooLarge
	}

	hdr := r.header()
	if hdr.Closed() {
		return false, ErrRingClosed
	}

	writeIdx := hdr.WriteIndex()
	readIdx := hdr.ReadIndex()
	used := writeIdx - readIdx
	free := r.capacity - used

	pos := writeIdx & r.capMask
	remToEnd := r.capacity - pos

	// Frames never wrap: pad out the tail when the frame does not fit
	// before the boundary.
	var skip uint64
	if n > remToEnd {
		skip = remToEnd
	}
	if skip+n > free {
		return false, nil
	}

	buf := r.data()
	if skip > 0 {
		if skip >= frameHeaderSize {
			// Explicit pad marker; the consumer reads its header and skips.
			writePadFrame(buf[pos:pos+skip], int(skip))
		} else {
			// Too small for a header; the consumer skips by geometry alone.
			for i := uint64(0); i < skip; i++ {
				buf[pos+i] = 0
			}
		}
		pos = 0
	}
	copy(buf[pos:pos+n], frame)

	// Publish pad and frame with a single release store so the consumer
	// never observes a half-written frame.
	hdr.SetWriteIndex(writeIdx + skip + n)

	// Wake the reader only on the empty to non-empty transition; avoids a
	// kernel call per frame.
	if used == 0 {
		hdr.IncrementDataSequence()
		futexWake(&hdr.dataSeq, 1)
	}
	return true, nil
}

// TryReadFrame removes and returns the next frame. Non-blocking: it returns
// (nil, nil) when the ring is empty. Padding markers are consumed silently.
func (r *Ring) TryReadFrame() ([]byte, error) {
	hdr := r.header()
	buf := r.data()

	for {
		writeIdx := hdr.WriteIndex()
		readIdx := hdr.ReadIndex()
		used := writeIdx - readIdx
		if used == 0 {
			if hdr.Closed() {
				return nil, ErrRingClosed
			}
			return nil, nil
		}

		pos := readIdx & r.capMask
		remToEnd := r.capacity - pos

		// Tail too small for a frame header: geometry says it is padding.
		if remToEnd < frameHeaderSize {
			r.advanceRead(hdr, readIdx, remToEnd, used)
			continue
		}

		if used < frameHeaderSize {
			// The producer publishes whole frames; a partial header means
			// the cursor was corrupted by a misbehaving peer.
			return nil, fmt.Errorf("shm: torn frame header (%d bytes available)", used)
		}

		head := buf[pos : pos+frameHeaderSize]
		total := uint64(frameHeaderSize) + uint64(binary.LittleEndian.Uint32(head[1:5]))
		if total > r.capacity || total > remToEnd {
			return nil, fmt.Errorf("shm: frame length %d exceeds ring geometry", total)
		}
		if total > used {
			return nil, fmt.Errorf("shm: torn frame (%d of %d bytes published)", used, total)
		}

		if head[0] == frameTypePad {
			r.advanceRead(hdr, readIdx, total, used)
			continue
		}

		frame := make([]byte, total)
		copy(frame, buf[pos:pos+total])
		r.advanceRead(hdr, readIdx, total, used)
		return frame, nil
	}
}

// ReadFrame blocks until a frame is available, the ring closes, or the
// context deadline passes. The wait uses a futex on the ring's data
// sequence, not a spin loop, so an idle consumer costs no CPU. Returns
// ErrTimeout when the deadline passes.
func (r *Ring) ReadFrame(ctx context.Context) ([]byte, error) {
	hdr := r.header()

	for {
		frame, err := r.TryReadFrame()
		if err != nil || frame != nil {
			return frame, err
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		default:
		}

		dataSeq := hdr.DataSequence()
		// Re-check after the sequence snapshot: a frame published in
		// between would otherwise be missed until the next wake.
		if hdr.Used() > 0 || hdr.Closed() {
			continue
		}

		// Bound each wait so cancellation of a deadline-free context is
		// still observed; the futex knows nothing about the context. A
		// published frame wakes the reader immediately either way.
		wait := maxFutexWait
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if err := futexWaitTimeout(&hdr.dataSeq, dataSeq, wait.Nanoseconds()); err != nil && err != ErrFutexTimeout {
			return nil, err
		}
	}
}

// advanceRead publishes the new read cursor and wakes a writer blocked on
// the full to not-full transition.
func (r *Ring) advanceRead(hdr *RingHeader, readIdx, n, usedBefore uint64) {
	hdr.SetReadIndex(readIdx + n)
	if usedBefore == r.capacity {
		hdr.IncrementSpaceSequence()
		futexWake(&hdr.spaceSeq, 1)
	}
}

// Drain discards everything currently buffered. Called by the consumer side
// during resynchronization; the producer may keep writing concurrently.
func (r *Ring) Drain() {
	hdr := r.header()
	for {
		writeIdx := hdr.WriteIndex()
		readIdx := hdr.ReadIndex()
		used := writeIdx - readIdx
		if used == 0 {
			return
		}
		r.advanceRead(hdr, readIdx, used, used)
	}
}

// Close closes the ring for writing and wakes both sides. Readers drain any
// remaining frames, then see ErrRingClosed.
func (r *Ring) Close() {
	hdr := r.header()
	hdr.SetClosed(true)
	hdr.IncrementDataSequence()
	hdr.IncrementSpaceSequence()
	futexWake(&hdr.dataSeq, 1)
	futexWake(&hdr.spaceSeq, 1)
}

// Used returns the number of bytes currently buffered.
func (r *Ring) Used() uint64 { return r.header().Used() }

// Available returns the number of bytes free for writing.
func (r *Ring) Available() uint64 { return r.header().Available() }

// IsClosed reports whether the ring is closed for writing.
func (r *Ring) IsClosed() bool { return r.header().Closed() }

func writePadFrame(dst []byte, total int) {
	for i := range dst {
		dst[i] = 0
	}
	dst[0] = frameTypePad
	binary.LittleEndian.PutUint32(dst[1:5], uint32(total-frameHeaderSize))
}
