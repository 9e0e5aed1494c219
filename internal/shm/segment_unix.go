//go:build linux && (amd64 || arm64)

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
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// Create creates a new shared memory segment for the host. It fails with
// ErrAlreadyExists when a valid live segment of the same name exists. A
// leftover file from a crashed host (header fails validation) is removed and
// the segment recreated.
func Create(name string, inCapacity, outCapacity uint64) (*Segment, error) {
	path := segmentPath(name)

	totalSize, inOffset, outOffset, err := CalculateSegmentLayout(inCapacity, outCapacity)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if os.IsExist(err) {
		// Either a live segment or a leak from abnormal termination.
		// Validate the stored layout before deciding.
		if stale, verr := isStaleSegment(path); verr != nil {
			return nil, verr
		} else if !stale {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		if rerr := os.Remove(path); rerr != nil {
			return nil, fmt.Errorf("failed to remove stale segment %s: %w", path, rerr)
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	seg := &Segment{
		File:    file,
		Mem:     mem,
		Path:    path,
		creator: true,
		inOff:   inOffset,
		outOff:  outOffset,
	}

	hdr := seg.Header()
	var magic [8]byte
	copy(magic[:], SegmentMagic)
	hdr.SetMagic(magic)
	hdr.SetVersion(LayoutVersion)
	hdr.SetTotalSize(totalSize)
	hdr.SetInboundOffset(inOffset)
	hdr.SetInboundCapacity(inCapacity)
	hdr.SetOutboundOffset(outOffset)
	hdr.SetOutboundCapacity(outCapacity)
	hdr.SetHostPID(uint32(os.Getpid()))
	hdr.SetHostReady(true)

	for _, rh := range []*RingHeader{ringHeaderAt(mem, inOffset), ringHeaderAt(mem, outOffset)} {
		rh.SetWriteIndex(0)
		rh.SetReadIndex(0)
		rh.SetClosed(false)
	}
	ringHeaderAt(mem, inOffset).SetCapacity(inCapacity)
	ringHeaderAt(mem, outOffset).SetCapacity(outCapacity)

	// Publish last: an attacher that sees initialized==1 sees a complete
	// header. This is the exclusive-creation guarantee.
	hdr.SetInitialized()

	return seg, nil
}

// Attach opens an existing shared memory segment for the client. The client
// never allocates or resizes; it fails with ErrNotFound when the segment is
// missing and ErrVersionMismatch when the stored layout version differs.
func Attach(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	hdr := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
	if err := ValidateSegmentHeader(hdr); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	seg := &Segment{
		File:   file,
		Mem:    mem,
		Path:   path,
		inOff:  hdr.InboundOffset(),
		outOff: hdr.OutboundOffset(),
	}

	hdr.SetClientPID(uint32(os.Getpid()))
	hdr.SetClientReady(true)

	return seg, nil
}

// AttachReadOnly maps an existing segment for inspection. Unlike Attach it
// claims nothing: the client PID and ready flag are left untouched, so
// looking at a session does not mask whether a real client is attached.
func AttachReadOnly(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := syscall.Mmap(int(file.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	hdr := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
	if err := ValidateSegmentHeader(hdr); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	return &Segment{
		File:   file,
		Mem:    mem,
		Path:   path,
		inOff:  hdr.InboundOffset(),
		outOff: hdr.OutboundOffset(),
	}, nil
}

// isStaleSegment maps an existing segment file just long enough to validate
// its header. An unreadable or invalid header means stale.
func isStaleSegment(path string) (bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("failed to inspect existing segment %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat existing segment: %w", err)
	}
	if info.Size() < SegmentHeaderSize {
		return true, nil
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		return false, fmt.Errorf("failed to mmap existing segment: %w", err)
	}
	defer munmapImpl(mem)

	hdr := (*SegmentHeader)(unsafe.Pointer(&mem[0]))
	if ValidateSegmentHeader(hdr) != nil {
		return true, nil
	}
	// A validated header left closed is also reclaimable.
	return hdr.Closed(), nil
}

func init() {
	unmapMemory = munmapImpl
}

// mmapFile memory maps a file.
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := syscall.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
