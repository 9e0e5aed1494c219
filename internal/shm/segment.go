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

// Package shm owns the named shared memory segment the translation bridge
// runs over: its creation, attachment and teardown, and the two
// single-producer/single-consumer ring buffers laid out inside it.
//
// The segment is a memory-mapped file divided into a 128-byte header and two
// ring regions (inbound: client to host, outbound: host to client). Layout is
// fixed at creation time; the layout version stored in the header is checked
// on attach. Ring cursors are monotonic uint64 counters published with
// atomic stores, so the two processes never need a lock on the data path.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"
)

// unmapMemory unmaps a memory-mapped region. Set by platform-specific init.
var unmapMemory func([]byte) error

// Memory layout constants
const (
	// Magic bytes for segment identification
	SegmentMagic = "GSBRIDGE"

	// LayoutVersion is the segment layout version checked on attach.
	LayoutVersion = uint32(1)

	// Segment header size (aligned to 128 bytes)
	SegmentHeaderSize = 128

	// Ring header size (aligned to 64 bytes)
	RingHeaderSize = 64

	// Minimum ring capacity (4KB)
	MinRingCapacity = 4096

	// Default ring capacity per direction (256KB). Frames are bounded to
	// half the capacity, so this accommodates a maximum-size payload with
	// room for several frames in flight.
	DefaultRingCapacity = 256 * 1024
)

// SegmentHeader is the shared segment header, 128 bytes, mapped at offset 0.
// All mutable fields are accessed atomically because the peer process reads
// them concurrently.
type SegmentHeader struct {
	magic       [8]byte  // 0x00: "GSBRIDGE"
	version     uint32   // 0x08: layout version
	initialized uint32   // 0x0C: set to 1 only after every field below is written
	totalSize   uint64   // 0x10: total segment size
	inOff       uint64   // 0x18: offset to inbound (client->host) ring header
	inCap       uint64   // 0x20: inbound ring capacity (power of 2)
	outOff      uint64   // 0x28: offset to outbound (host->client) ring header
	outCap      uint64   // 0x30: outbound ring capacity (power of 2)
	hostPID     uint32   // 0x38: host process ID
	clientPID   uint32   // 0x3C: client process ID
	hostReady   uint32   // 0x40: host ready flag (0->1)
	clientReady uint32   // 0x44: client attached flag (0->1)
	closed      uint32   // 0x48: closed flag (0 open, 1 closed)
	pad         uint32   // 0x4C: padding
	requests    uint64   // 0x50: translation requests served
	hits        uint64   // 0x58: dictionary hits
	misses      uint64   // 0x60: dictionary misses
	reserved    [24]byte // 0x68-0x7F: reserved/padding to 128B
}

// Magic returns the magic bytes.
func (h *SegmentHeader) Magic() [8]byte { return h.magic }

// SetMagic sets the magic bytes.
func (h *SegmentHeader) SetMagic(magic [8]byte) { h.magic = magic }

// Version returns the layout version.
func (h *SegmentHeader) Version() uint32 { return atomic.LoadUint32(&h.version) }

// SetVersion sets the layout version.
func (h *SegmentHeader) SetVersion(v uint32) { atomic.StoreUint32(&h.version, v) }

// Initialized reports whether the creator finished writing the header.
func (h *SegmentHeader) Initialized() bool { return atomic.LoadUint32(&h.initialized) != 0 }

// SetInitialized publishes the header as fully written. Must be the last
// store the creator performs.
func (h *SegmentHeader) SetInitialized() { atomic.StoreUint32(&h.initialized, 1) }

// TotalSize returns the total segment size.
func (h *SegmentHeader) TotalSize() uint64 { return atomic.LoadUint64(&h.totalSize) }

// SetTotalSize sets the total segment size.
func (h *SegmentHeader) SetTotalSize(n uint64) { atomic.StoreUint64(&h.totalSize, n) }

// InboundOffset returns the offset to the inbound ring header.
func (h *SegmentHeader) InboundOffset() uint64 { return atomic.LoadUint64(&h.inOff) }

// SetInboundOffset sets the offset to the inbound ring header.
func (h *SegmentHeader) SetInboundOffset(off uint64) { atomic.StoreUint64(&h.inOff, off) }

// InboundCapacity returns the inbound ring capacity.
func (h *SegmentHeader) InboundCapacity() uint64 { return atomic.LoadUint64(&h.inCap) }

// SetInboundCapacity sets the inbound ring capacity.
func (h *SegmentHeader) SetInboundCapacity(c uint64) { atomic.StoreUint64(&h.inCap, c) }

// OutboundOffset returns the offset to the outbound ring header.
func (h *SegmentHeader) OutboundOffset() uint64 { return atomic.LoadUint64(&h.outOff) }

// SetOutboundOffset sets the offset to the outbound ring header.
func (h *SegmentHeader) SetOutboundOffset(off uint64) { atomic.StoreUint64(&h.outOff, off) }

// OutboundCapacity returns the outbound ring capacity.
func (h *SegmentHeader) OutboundCapacity() uint64 { return atomic.LoadUint64(&h.outCap) }

// SetOutboundCapacity sets the outbound ring capacity.
func (h *SegmentHeader) SetOutboundCapacity(c uint64) { atomic.StoreUint64(&h.outCap, c) }

// HostPID returns the host process ID.
func (h *SegmentHeader) HostPID() uint32 { return atomic.LoadUint32(&h.hostPID) }

// SetHostPID sets the host process ID.
func (h *SegmentHeader) SetHostPID(pid uint32) { atomic.StoreUint32(&h.hostPID, pid) }

// ClientPID returns the client process ID.
func (h *SegmentHeader) ClientPID() uint32 { return atomic.LoadUint32(&h.clientPID) }

// SetClientPID sets the client process ID.
func (h *SegmentHeader) SetClientPID(pid uint32) { atomic.StoreUint32(&h.clientPID, pid) }

// HostReady returns the host ready flag.
func (h *SegmentHeader) HostReady() bool { return atomic.LoadUint32(&h.hostReady) != 0 }

// SetHostReady sets the host ready flag.
func (h *SegmentHeader) SetHostReady(ready bool) { atomic.StoreUint32(&h.hostReady, b32(ready)) }

// ClientReady returns the client attached flag.
func (h *SegmentHeader) ClientReady() bool { return atomic.LoadUint32(&h.clientReady) != 0 }

// SetClientReady sets the client attached flag.
func (h *SegmentHeader) SetClientReady(ready bool) { atomic.StoreUint32(&h.clientReady, b32(ready)) }

// Closed returns the closed flag.
func (h *SegmentHeader) Closed() bool { return atomic.LoadUint32(&h.closed) != 0 }

// SetClosed sets the closed flag.
func (h *SegmentHeader) SetClosed(closed bool) { atomic.StoreUint32(&h.closed, b32(closed)) }

// Requests returns the translation-request counter.
func (h *SegmentHeader) Requests() uint64 { return atomic.LoadUint64(&h.requests) }

// AddRequest increments the translation-request counter.
func (h *SegmentHeader) AddRequest() { atomic.AddUint64(&h.requests, 1) }

// Hits returns the dictionary-hit counter.
func (h *SegmentHeader) Hits() uint64 { return atomic.LoadUint64(&h.hits) }

// AddHit increments the dictionary-hit counter.
func (h *SegmentHeader) AddHit() { atomic.AddUint64(&h.hits, 1) }

// Misses returns the dictionary-miss counter.
func (h *SegmentHeader) Misses() uint64 { return atomic.LoadUint64(&h.misses) }

// AddMiss increments the dictionary-miss counter.
func (h *SegmentHeader) AddMiss() { atomic.AddUint64(&h.misses, 1) }

func b32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// RingHeader is a ring buffer header, 64 bytes, followed directly by the
// ring's data area. The producer owns widx, the consumer owns ridx; each is
// only ever advanced, never rewound.
type RingHeader struct {
	capacity uint64   // 0x00: power-of-two capacity in bytes
	widx     uint64   // 0x08: monotonic write index (producer)
	ridx     uint64   // 0x10: monotonic read index (consumer)
	dataSeq  uint32   // 0x18: data sequence for futex (producer increments)
	spaceSeq uint32   // 0x1C: space sequence for futex (consumer increments)
	closed   uint32   // 0x20: closed flag (producer sets to 1)
	pad      uint32   // 0x24: padding
	reserved [24]byte // 0x28-0x3F: reserved/padding to 64B
	// data area starts at offset 0x40
}

// Capacity returns the ring capacity.
func (r *RingHeader) Capacity() uint64 { return atomic.LoadUint64(&r.capacity) }

// SetCapacity sets the ring capacity.
func (r *RingHeader) SetCapacity(c uint64) { atomic.StoreUint64(&r.capacity, c) }

// WriteIndex returns the monotonic write index.
func (r *RingHeader) WriteIndex() uint64 { return atomic.LoadUint64(&r.widx) }

// SetWriteIndex publishes the monotonic write index. The store has release
// semantics on amd64/arm64: payload bytes copied before it are visible to a
// reader that observes the new index.
func (r *RingHeader) SetWriteIndex(idx uint64) { atomic.StoreUint64(&r.widx, idx) }

// ReadIndex returns the monotonic read index.
func (r *RingHeader) ReadIndex() uint64 { return atomic.LoadUint64(&r.ridx) }

// SetReadIndex publishes the monotonic read index.
func (r *RingHeader) SetReadIndex(idx uint64) { atomic.StoreUint64(&r.ridx, idx) }

// DataSequence returns the data sequence number for futex waits.
func (r *RingHeader) DataSequence() uint32 { return atomic.LoadUint32(&r.dataSeq) }

// IncrementDataSequence atomically increments the data sequence.
func (r *RingHeader) IncrementDataSequence() uint32 { return atomic.AddUint32(&r.dataSeq, 1) }

// SpaceSequence returns the space sequence number for futex waits.
func (r *RingHeader) SpaceSequence() uint32 { return atomic.LoadUint32(&r.spaceSeq) }

// IncrementSpaceSequence atomically increments the space sequence.
func (r *RingHeader) IncrementSpaceSequence() uint32 { return atomic.AddUint32(&r.spaceSeq, 1) }

// Closed returns the closed flag.
func (r *RingHeader) Closed() bool { return atomic.LoadUint32(&r.closed) != 0 }

// SetClosed sets the closed flag.
func (r *RingHeader) SetClosed(closed bool) { atomic.StoreUint32(&r.closed, b32(closed)) }

// Used returns the number of bytes currently in the ring.
func (r *RingHeader) Used() uint64 {
	w := atomic.LoadUint64(&r.widx)
	rd := atomic.LoadUint64(&r.ridx)
	return w - rd // uint64 arithmetic handles wrap-around
}

// Available returns the number of bytes free for writing.
func (r *RingHeader) Available() uint64 {
	return r.Capacity() - r.Used()
}

// IsPowerOfTwo returns true if n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// CalculateSegmentLayout computes the memory layout for a segment holding
// two rings of the given capacities.
func CalculateSegmentLayout(inCapacity, outCapacity uint64) (totalSize, inOffset, outOffset uint64, err error) {
	if !IsPowerOfTwo(inCapacity) {
		return 0, 0, 0, fmt.Errorf("inbound ring capacity %d is not a power of two", inCapacity)
	}
	if !IsPowerOfTwo(outCapacity) {
		return 0, 0, 0, fmt.Errorf("outbound ring capacity %d is not a power of two", outCapacity)
	}
	if inCapacity < MinRingCapacity {
		return 0, 0, 0, fmt.Errorf("inbound ring capacity %d is below minimum %d", inCapacity, MinRingCapacity)
	}
	if outCapacity < MinRingCapacity {
		return 0, 0, 0, fmt.Errorf("outbound ring capacity %d is below minimum %d", outCapacity, MinRingCapacity)
	}

	// Ring headers sit on 64-byte boundaries.
	inOffset = alignTo64(SegmentHeaderSize)
	outOffset = alignTo64(inOffset + RingHeaderSize + inCapacity)
	totalSize = alignTo64(outOffset + RingHeaderSize + outCapacity)

	return totalSize, inOffset, outOffset, nil
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// ValidateSegmentHeader checks a header for a consistent, current layout.
// A nil error means the segment can be attached; any error at create time
// means a stale file that may be removed and recreated.
func ValidateSegmentHeader(h *SegmentHeader) error {
	if string(h.magic[:]) != SegmentMagic {
		return fmt.Errorf("%w: bad magic", ErrVersionMismatch)
	}
	if !h.Initialized() {
		return fmt.Errorf("segment header not initialized")
	}
	if v := h.Version(); v != LayoutVersion {
		return fmt.Errorf("%w: layout version %d, expected %d", ErrVersionMismatch, v, LayoutVersion)
	}

	inCap, outCap := h.InboundCapacity(), h.OutboundCapacity()
	expectedTotal, expectedInOff, expectedOutOff, err := CalculateSegmentLayout(inCap, outCap)
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}
	if h.TotalSize() != expectedTotal {
		return fmt.Errorf("total size mismatch: got %d, expected %d", h.TotalSize(), expectedTotal)
	}
	if h.InboundOffset() != expectedInOff {
		return fmt.Errorf("inbound ring offset mismatch: got %d, expected %d", h.InboundOffset(), expectedInOff)
	}
	if h.OutboundOffset() != expectedOutOff {
		return fmt.Errorf("outbound ring offset mismatch: got %d, expected %d", h.OutboundOffset(), expectedOutOff)
	}
	return nil
}

// Segment is a mapped shared memory segment. The host process creates it;
// the client only attaches and never allocates or resizes.
type Segment struct {
	File    *os.File // file descriptor backing the mapping
	Mem     []byte   // memory-mapped region
	Path    string   // file path
	creator bool     // true if this process created the segment

	inOff  uint64
	outOff uint64
}

// Header returns the segment header view.
func (s *Segment) Header() *SegmentHeader {
	return (*SegmentHeader)(unsafe.Pointer(&s.Mem[0]))
}

// Inbound returns the client-to-host ring.
func (s *Segment) Inbound() *Ring {
	return newRing(s.Mem, s.inOff)
}

// Outbound returns the host-to-client ring.
func (s *Segment) Outbound() *Ring {
	return newRing(s.Mem, s.outOff)
}

// Close unmaps the segment, closes the file and, when this process created
// it, unlinks the underlying named object. Safe to call more than once.
// Only the creator marks the segment closed; a detaching peer leaves the
// shared state alone so another process can still attach.
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if s.creator {
			s.Header().SetClosed(true)
		}
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}
	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}
	if s.creator && s.Path != "" {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		s.Path = ""
	}
	return firstErr
}

// Remove unlinks a named segment without attaching to it.
func Remove(name string) error {
	err := os.Remove(segmentPath(name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Exists reports whether a named segment file is present.
func Exists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}

// segmentPath generates the file path for a named segment. /dev/shm is
// preferred where present; fall back to the temporary directory.
func segmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "gsbridge_"+name)
	}
	return filepath.Join(os.TempDir(), "gsbridge_"+name)
}
