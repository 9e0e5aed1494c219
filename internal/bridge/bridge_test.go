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

package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rouges78/GameStringer-sub004/internal/dictionary"
	"github.com/rouges78/GameStringer-sub004/internal/protocol"
	"github.com/rouges78/GameStringer-sub004/internal/shm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T) *dictionary.Engine {
	t.Helper()
	e := dictionary.NewEngine(10 * time.Millisecond)
	d, err := dictionary.NewDictionary("en", "it", []dictionary.Entry{
		{Original: "Attack", Translated: "Attacca", ContextKey: "combat_ui"},
		{Original: "New Game", Translated: "Nuova Partita"},
	})
	require.NoError(t, err)
	e.Reload(d)
	return e
}

// startHost creates a host on a unique segment and runs its loops until the
// test ends.
func startHost(t *testing.T, opts HostOptions) *Host {
	t.Helper()
	if opts.SegmentName == "" {
		opts.SegmentName = fmt.Sprintf("br_%s_%d", t.Name(), time.Now().UnixNano()%1e9)
	}
	opts.Logger = quietLogger()

	h, err := NewHost(testEngine(t), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.Close()
	})
	return h
}

func TestTranslateHitAndMiss(t *testing.T) {
	h := startHost(t, HostOptions{})
	c, err := Connect(ClientOptions{SegmentName: h.SegmentName(), Logger: quietLogger()})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, StateActive, c.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Context-keyed hit.
	out, err := c.Translate(ctx, "combat_ui", "Attack")
	require.NoError(t, err)
	assert.Equal(t, "Attacca", out)

	// Context-free entry serves any context.
	out, err = c.Translate(ctx, "main_menu", "New Game")
	require.NoError(t, err)
	assert.Equal(t, "Nuova Partita", out)

	// A miss fails open with the source text, not an error.
	out, err = c.Translate(ctx, "combat_ui", "Никогда не переводилось")
	require.NoError(t, err)
	assert.Equal(t, "Никогда не переводилось", out)

	stats := h.Engine().Stats()
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	// The segment header mirrors the counters for external inspectors.
	hdr := h.seg.Header()
	assert.Equal(t, uint64(3), hdr.Requests())
	assert.Equal(t, uint64(2), hdr.Hits())
	assert.Equal(t, uint64(1), hdr.Misses())
}

func TestReloadSwapsMidSession(t *testing.T) {
	h := startHost(t, HostOptions{})
	c, err := Connect(ClientOptions{SegmentName: h.SegmentName(), Logger: quietLogger()})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.Translate(ctx, "combat_ui", "Attack")
	require.NoError(t, err)
	require.Equal(t, "Attacca", out)

	d, err := dictionary.NewDictionary("en", "it", []dictionary.Entry{
		{Original: "Attack", Translated: "Assalto", ContextKey: "combat_ui"},
	})
	require.NoError(t, err)
	gen := h.Reload(d)

	// The new generation serves immediately, no client acknowledgment
	// needed.
	out, err = c.Translate(ctx, "combat_ui", "Attack")
	require.NoError(t, err)
	assert.Equal(t, "Assalto", out)

	// The reload notice reaches the client eventually.
	assert.Eventually(t, func() bool { return c.Generation() == gen },
		2*time.Second, 10*time.Millisecond)
}

func TestClientShutdownClosesHostSession(t *testing.T) {
	h := startHost(t, HostOptions{})
	c, err := Connect(ClientOptions{SegmentName: h.SegmentName(), Logger: quietLogger()})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.session() != nil },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool { return h.session() == nil },
		2*time.Second, 5*time.Millisecond)
}

func TestHandshakeTimeoutWithoutHost(t *testing.T) {
	// A segment with nobody serving it: Hello goes unanswered.
	name := fmt.Sprintf("br_noanswer_%d", time.Now().UnixNano()%1e9)
	seg, err := shm.Create(name, shm.MinRingCapacity, shm.MinRingCapacity)
	require.NoError(t, err)
	defer seg.Close()

	_, err = Connect(ClientOptions{
		SegmentName:      name,
		HandshakeTimeout: 100 * time.Millisecond,
		Logger:           quietLogger(),
	})
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestConnectMissingSegment(t *testing.T) {
	_, err := Connect(ClientOptions{
		SegmentName: fmt.Sprintf("br_missing_%d", time.Now().UnixNano()%1e9),
		Logger:      quietLogger(),
	})
	assert.ErrorIs(t, err, shm.ErrNotFound)
}

// rawPeer drives the wire protocol by hand, standing in for a client whose
// behavior the Client type would never exhibit.
type rawPeer struct {
	t   *testing.T
	seg *shm.Segment
	seq uint64
}

func attachRaw(t *testing.T, name string) *rawPeer {
	t.Helper()
	seg, err := shm.Attach(name)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return &rawPeer{t: t, seg: seg}
}

func (p *rawPeer) send(msg protocol.Message) {
	p.t.Helper()
	p.seq++
	frame, err := protocol.Encode(msg, p.seq)
	require.NoError(p.t, err)
	ok, err := p.seg.Inbound().TryWriteFrame(frame)
	require.NoError(p.t, err)
	require.True(p.t, ok)
}

// awaitType reads host frames until one of the wanted type arrives.
func (p *rawPeer) awaitType(want protocol.MsgType) protocol.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		frame, err := p.seg.Outbound().ReadFrame(ctx)
		require.NoError(p.t, err)
		msg, _, err := protocol.Decode(frame)
		require.NoError(p.t, err)
		if msg.Type() == want {
			return msg
		}
	}
}

func TestSilentPeerDegradesThenRecovers(t *testing.T) {
	h := startHost(t, HostOptions{
		HeartbeatInterval: 20 * time.Millisecond,
		MissedBudget:      3,
		ResyncTimeout:     2 * time.Second,
	})

	peer := attachRaw(t, h.SegmentName())
	peer.send(protocol.Hello{Version: protocol.Version})
	peer.awaitType(protocol.MsgHelloAck)

	require.Eventually(t, func() bool {
		s := h.session()
		return s != nil && s.State() == StateActive
	}, 2*time.Second, 5*time.Millisecond)

	// Stop heartbeating; the host burns through the missed budget.
	require.Eventually(t, func() bool {
		s := h.session()
		return s != nil && s.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	// A fresh Hello resynchronizes the same session back to Active.
	peer.send(protocol.Hello{Version: protocol.Version})
	peer.awaitType(protocol.MsgHelloAck)
	require.Eventually(t, func() bool {
		s := h.session()
		return s != nil && s.State() == StateActive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSilentPeerResyncTimeoutCloses(t *testing.T) {
	h := startHost(t, HostOptions{
		HeartbeatInterval: 20 * time.Millisecond,
		MissedBudget:      3,
		ResyncTimeout:     100 * time.Millisecond,
	})

	peer := attachRaw(t, h.SegmentName())
	peer.send(protocol.Hello{Version: protocol.Version})
	peer.awaitType(protocol.MsgHelloAck)

	// Never heartbeat, never resync: Degraded, then Closed.
	require.Eventually(t, func() bool { return h.session() == nil },
		5*time.Second, 10*time.Millisecond)
}

func TestVersionMismatchRejected(t *testing.T) {
	h := startHost(t, HostOptions{})

	peer := attachRaw(t, h.SegmentName())
	peer.send(protocol.Hello{Version: protocol.Version + 1})
	msg := peer.awaitType(protocol.MsgShutdown)
	assert.Contains(t, msg.(protocol.Shutdown).Reason, "version")

	assert.Eventually(t, func() bool { return h.session() == nil },
		2*time.Second, 5*time.Millisecond)
}

func TestCorruptFrameForcesResync(t *testing.T) {
	h := startHost(t, HostOptions{
		HeartbeatInterval: 20 * time.Millisecond,
		ResyncTimeout:     2 * time.Second,
	})

	peer := attachRaw(t, h.SegmentName())
	peer.send(protocol.Hello{Version: protocol.Version})
	peer.awaitType(protocol.MsgHelloAck)
	require.Eventually(t, func() bool {
		s := h.session()
		return s != nil && s.State() == StateActive
	}, 2*time.Second, 5*time.Millisecond)

	// A frame whose checksum does not match its payload.
	peer.seq++
	frame, err := protocol.Encode(protocol.Heartbeat{UnixNano: 1}, peer.seq)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF
	ok, err := peer.seg.Inbound().TryWriteFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		s := h.session()
		return s != nil && s.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)
}

// TestCorruptionWhileDegradedStillResyncs covers corruption arriving when
// the session is already Degraded (or closed): the bytes never advance the
// read cursor on their own, so the host must flush them or no later Hello
// can ever be read.
func TestCorruptionWhileDegradedStillResyncs(t *testing.T) {
	h := startHost(t, HostOptions{
		HeartbeatInterval: 20 * time.Millisecond,
		ResyncTimeout:     200 * time.Millisecond,
	})

	peer := attachRaw(t, h.SegmentName())
	peer.send(protocol.Hello{Version: protocol.Version})
	peer.awaitType(protocol.MsgHelloAck)
	require.Eventually(t, func() bool {
		s := h.session()
		return s != nil && s.State() == StateActive
	}, 2*time.Second, 5*time.Millisecond)

	// A header declaring a payload far past the ring's geometry; the
	// reader cannot step over it without a flush.
	garbage := func() {
		b := make([]byte, protocol.HeaderSize)
		b[0] = byte(protocol.MsgTranslationRequest)
		binary.LittleEndian.PutUint32(b[1:5], 0xFFFFFF)
		ok, err := peer.seg.Inbound().TryWriteFrame(b)
		require.NoError(t, err)
		require.True(t, ok)
	}

	garbage()
	require.Eventually(t, func() bool {
		s := h.session()
		return s == nil || s.State() != StateActive
	}, 2*time.Second, 5*time.Millisecond)

	// More corruption while already Degraded (or after the resync window
	// closed the session) must be flushed all the same.
	garbage()
	time.Sleep(50 * time.Millisecond)

	// Knock until the host answers, the way a reconnecting client does.
	require.Eventually(t, func() bool {
		if s := h.session(); s != nil && s.State() == StateActive {
			return true
		}
		peer.send(protocol.Hello{Version: protocol.Version})
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

// TestLateResponseDiscarded runs a hand-rolled host that answers the first
// request only after the caller's deadline has passed.
func TestLateResponseDiscarded(t *testing.T) {
	name := fmt.Sprintf("br_late_%d", time.Now().UnixNano()%1e9)
	seg, err := shm.Create(name, shm.MinRingCapacity, shm.MinRingCapacity)
	require.NoError(t, err)
	defer seg.Close()

	hostCtx, hostCancel := context.WithCancel(context.Background())
	defer hostCancel()
	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		var seq uint64
		reply := func(msg protocol.Message) {
			seq++
			frame, _ := protocol.Encode(msg, seq)
			seg.Outbound().TryWriteFrame(frame)
		}
		delayed := true
		for {
			frame, err := seg.Inbound().ReadFrame(hostCtx)
			if err != nil {
				return
			}
			msg, _, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case protocol.Hello:
				reply(protocol.HelloAck{Version: protocol.Version})
			case protocol.TranslationRequest:
				if delayed {
					delayed = false
					time.Sleep(300 * time.Millisecond)
				}
				reply(protocol.TranslationResponse{
					RequestID:      m.RequestID,
					TranslatedText: "tardi",
					Status:         protocol.StatusTranslated,
				})
			}
		}
	}()

	c, err := Connect(ClientOptions{SegmentName: name, Logger: quietLogger()})
	require.NoError(t, err)
	defer func() {
		c.Close()
		hostCancel()
		<-hostDone
	}()

	// First request: the answer arrives after our deadline and must be
	// dropped, with the source text returned instead.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	out, err := c.Translate(ctx, "", "Attack")
	cancel()
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, "Attack", out)

	// The late frame for request 1 must not satisfy request 2.
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err = c.Translate(ctx, "", "Attack")
	require.NoError(t, err)
	assert.Equal(t, "tardi", out)
}

func TestHostRefusesSecondSegment(t *testing.T) {
	h := startHost(t, HostOptions{})
	_, err := NewHost(testEngine(t), HostOptions{
		SegmentName: h.SegmentName(),
		Logger:      quietLogger(),
	})
	assert.ErrorIs(t, err, shm.ErrAlreadyExists)
}
