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

// Package bridge orchestrates the translation bridge: the host side that
// owns the shared memory segment and serves dictionary lookups, and the
// client side injected into the game process that requests them.
//
// The two sides cooperate through one segment holding two
// single-producer/single-consumer rings. Blocking happens in exactly two
// places: the client awaiting a response (bounded by the caller's deadline)
// and the handshake wait. Heartbeats run on a fixed interval independent of
// request traffic so a dead peer is detected even when idle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rouges78/GameStringer-sub004/internal/dictionary"
	"github.com/rouges78/GameStringer-sub004/internal/protocol"
	"github.com/rouges78/GameStringer-sub004/internal/shm"
)

// Default timing parameters.
const (
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultMissedBudget      = 3
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultResyncTimeout     = 5 * time.Second
)

// HostOptions configures a Host. The zero value gets sensible defaults.
type HostOptions struct {
	SegmentName       string
	InboundCapacity   uint64        // client->host ring, power of two
	OutboundCapacity  uint64        // host->client ring, power of two
	HeartbeatInterval time.Duration // fixed emission and expectation interval
	MissedBudget      int           // consecutive missed intervals before Degraded
	HandshakeTimeout  time.Duration
	ResyncTimeout     time.Duration
	Logger            *slog.Logger
	Sink              EventSink
}

func (o *HostOptions) applyDefaults() {
	if o.InboundCapacity == 0 {
		o.InboundCapacity = shm.DefaultRingCapacity
	}
	if o.OutboundCapacity == 0 {
		o.OutboundCapacity = shm.DefaultRingCapacity
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MissedBudget <= 0 {
		o.MissedBudget = DefaultMissedBudget
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ResyncTimeout <= 0 {
		o.ResyncTimeout = DefaultResyncTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sink == nil {
		o.Sink = NopSink{}
	}
}

// Host is the bridge's serving side. It exclusively owns segment creation
// and the dictionary engine; the client only ever attaches.
type Host struct {
	opts   HostOptions
	seg    *shm.Segment
	in     *shm.Ring // client->host, host reads
	out    *shm.Ring // host->client, host writes
	engine *dictionary.Engine
	log    *slog.Logger
	sink   EventSink

	rxTracker *protocol.SequenceTracker

	// The outbound ring has a single producer process but multiple host
	// goroutines (responses, heartbeats, reload notices); sendMu
	// serializes them. txSeq is guarded by sendMu and advances only on a
	// successful write, so a dropped frame never shows up as a sequence
	// gap on the client.
	sendMu sync.Mutex
	txSeq  uint64

	// One client per segment; sessions tracks the record so idle or
	// crashed clients age out via TTL eviction.
	sessions *ttlcache.Cache[string, *Session]

	mu        sync.Mutex
	current   *Session
	sessionID uint64

	dropped uint64 // frames dropped because the outbound ring was full
}

// NewHost creates the shared memory segment and returns a Host ready to Run.
// Fatal conditions (segment creation failure, invalid ring capacities) are
// returned to the operator, never swallowed.
func NewHost(engine *dictionary.Engine, opts HostOptions) (*Host, error) {
	opts.applyDefaults()
	if opts.SegmentName == "" {
		return nil, errors.New("bridge: segment name required")
	}
	if engine == nil {
		return nil, errors.New("bridge: dictionary engine required")
	}

	seg, err := shm.Create(opts.SegmentName, opts.InboundCapacity, opts.OutboundCapacity)
	if err != nil {
		return nil, fmt.Errorf("bridge: create segment: %w", err)
	}

	h := &Host{
		opts:      opts,
		seg:       seg,
		in:        seg.Inbound(),
		out:       seg.Outbound(),
		engine:    engine,
		log:       opts.Logger,
		sink:      opts.Sink,
		rxTracker: protocol.NewSequenceTracker(),
	}

	// A session that stops heartbeating long enough for eviction is dead
	// regardless of the state machine's view.
	ttl := opts.HeartbeatInterval * time.Duration(opts.MissedBudget+1) * 4
	h.sessions = ttlcache.New[string, *Session](
		ttlcache.WithTTL[string, *Session](ttl),
	)
	h.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// closeSession deletes from the cache; run it outside the
		// eviction callback to avoid re-entering the cache lock.
		go h.closeSession(item.Value(), ErrResyncTimeout)
	})
	go h.sessions.Start()

	return h, nil
}

// Run serves the bridge until ctx is cancelled or the transport fails
// fatally. It drives the read loop and the heartbeat loop.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readLoop(ctx) })
	g.Go(func() error { return h.heartbeatLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the segment and destroys all session records.
func (h *Host) Close() error {
	h.sendMessage(protocol.Shutdown{Reason: "host shutdown"})
	if s := h.session(); s != nil {
		h.closeSession(s, ErrSessionClosed)
	}
	h.sessions.Stop()
	h.in.Close()
	h.out.Close()
	return h.seg.Close()
}

// Reload installs a new dictionary generation and broadcasts a
// DictionaryReloadNotice. The notice is informational; lookups use the new
// generation immediately regardless of client acknowledgment.
func (h *Host) Reload(d *dictionary.Dictionary) uint64 {
	gen := h.engine.Reload(d)
	h.log.Info("dictionary generation installed",
		"generation", gen, "entries", d.Len(),
		"source", d.Source(), "target", d.Target())
	h.sink.Record(Event{Time: time.Now(), Kind: EventReload, Generation: gen})

	if s := h.session(); s != nil && s.State() == StateActive {
		if err := h.sendMessage(protocol.DictionaryReloadNotice{Generation: gen}); err == nil {
			s.setAckedGeneration(gen)
		}
	}
	return gen
}

// Engine returns the host's dictionary engine.
func (h *Host) Engine() *dictionary.Engine { return h.engine }

// SegmentName returns the name clients attach to.
func (h *Host) SegmentName() string { return h.opts.SegmentName }

func (h *Host) session() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Host) readLoop(ctx context.Context) error {
	for {
		frame, err := h.in.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, shm.ErrRingClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Ring corruption is fatal for the session, not the host.
			// The corrupt bytes never advance the read cursor, so flush
			// them here regardless of session state or the loop spins on
			// the same error and a later Hello can never be read.
			h.in.Drain()
			h.degrade(fmt.Errorf("inbound ring: %w", err))
			continue
		}

		msg, seq, err := protocol.Decode(frame)
		if err != nil {
			// Checksum mismatch or unknown type: discard the frame and
			// force resynchronization.
			h.degrade(err)
			continue
		}

		// Hello re-anchors the inbound sequence; everything else must be
		// gap-free.
		if _, isHello := msg.(protocol.Hello); isHello {
			h.rxTracker.ResetTo(seq + 1)
		} else if err := h.rxTracker.Check(seq); err != nil {
			h.degrade(err)
			continue
		}

		h.dispatch(msg)
	}
}

func (h *Host) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Hello:
		h.handleHello(m)
	case protocol.TranslationRequest:
		h.handleRequest(m)
	case protocol.Heartbeat:
		if s := h.session(); s != nil {
			s.markHeartbeat(time.Now())
			h.sessions.Get(s.ID) // touch, extending the TTL
		}
	case protocol.Shutdown:
		if s := h.session(); s != nil {
			h.log.Info("client shutdown", "session", s.ID, "reason", m.Reason)
			h.closeSession(s, ErrPeerShutdown)
		}
	default:
		// HelloAck, responses and notices never travel client->host.
		h.log.Warn("unexpected inbound message", "type", msg.Type().String())
	}
}

func (h *Host) handleHello(m protocol.Hello) {
	now := time.Now()

	s := h.session()
	switch {
	case s == nil || s.State() == StateClosed:
		h.mu.Lock()
		h.sessionID++
		s = newSession(fmt.Sprintf("%s-%d", h.opts.SegmentName, h.sessionID), now)
		h.current = s
		h.mu.Unlock()
		h.sessions.Set(s.ID, s, ttlcache.DefaultTTL)
		h.recordTransition(s, StateConnecting, StateHandshaking)
	case s.State() == StateDegraded:
		// Silent resynchronization: the client restarted the handshake.
		h.in.Drain()
		h.recordTransition(s, StateDegraded, StateHandshaking)
	default:
		// Repeated Hello on a live session: treat as a client restart.
		h.closeSession(s, ErrPeerShutdown)
		h.handleHello(m)
		return
	}

	if m.Version != protocol.Version {
		h.log.Error("protocol version mismatch",
			"session", s.ID, "client", m.Version, "host", protocol.Version)
		h.sendMessage(protocol.Shutdown{Reason: "version mismatch"})
		h.closeSession(s, ErrVersionMismatch)
		return
	}

	s.setVersion(m.Version)
	if err := h.sendMessage(protocol.HelloAck{Version: protocol.Version}); err != nil {
		h.closeSession(s, err)
		return
	}
	s.markHeartbeat(now)
	s.beginResync(time.Time{})
	s.setAckedGeneration(h.engine.Generation())
	h.recordTransition(s, StateHandshaking, StateActive)
	h.log.Info("session established", "session", s.ID, "version", m.Version)
}

func (h *Host) handleRequest(m protocol.TranslationRequest) {
	s := h.session()
	if s == nil || s.State() != StateActive {
		// No translation traffic before the handshake completes.
		h.log.Warn("translation request outside active session", "request", m.RequestID)
		return
	}

	translated, status := h.engine.Lookup(m.ContextKey, m.SourceText)

	hdr := h.seg.Header()
	hdr.AddRequest()
	if status == protocol.StatusTranslated {
		hdr.AddHit()
	} else {
		hdr.AddMiss()
	}

	err := h.sendMessage(protocol.TranslationResponse{
		RequestID:      m.RequestID,
		TranslatedText: translated,
		Status:         status,
	})
	if err != nil {
		h.log.Warn("response dropped", "request", m.RequestID, "err", err)
	}
}

func (h *Host) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			h.tick(now)
		}
	}
}

// tick runs one heartbeat interval: emit our heartbeat, account the peer's,
// and drive timeout transitions.
func (h *Host) tick(now time.Time) {
	s := h.session()
	if s == nil {
		return
	}

	switch s.State() {
	case StateActive:
		if err := h.sendMessage(protocol.Heartbeat{UnixNano: now.UnixNano()}); err != nil {
			h.log.Debug("heartbeat dropped", "err", err)
		}
		if missed := s.countMissedInterval(now, h.opts.HeartbeatInterval); missed >= h.opts.MissedBudget {
			h.degrade(fmt.Errorf("missed %d heartbeat intervals", missed))
		}
		h.emitTraffic(s)

	case StateDegraded:
		if s.resyncExpired(now) {
			h.closeSession(s, ErrResyncTimeout)
		}

	case StateConnecting, StateHandshaking:
		if s.handshakeExpired(now, h.opts.HandshakeTimeout) {
			h.closeSession(s, ErrHandshakeTimeout)
		}
	}
}

// degrade moves the current session to Degraded and starts silent
// resynchronization: flush the inbound ring and wait for the client to
// restart the handshake. No automatic retry happens below this layer.
func (h *Host) degrade(cause error) {
	s := h.session()
	if s == nil {
		return
	}
	if !s.transition(StateDegraded) {
		return
	}
	h.log.Warn("session degraded", "session", s.ID, "cause", cause)
	h.sink.Record(Event{
		Time: time.Now(), Kind: EventTransition,
		SessionID: s.ID, From: StateActive, To: StateDegraded,
	})
	h.in.Drain()
	s.beginResync(time.Now().Add(h.opts.ResyncTimeout))
}

func (h *Host) closeSession(s *Session, reason error) {
	from := s.State()
	if !s.close(reason) {
		return
	}
	h.sessions.Delete(s.ID)
	h.mu.Lock()
	if h.current == s {
		h.current = nil
	}
	h.mu.Unlock()
	h.log.Info("session closed", "session", s.ID, "reason", reason)
	h.sink.Record(Event{
		Time: time.Now(), Kind: EventTransition,
		SessionID: s.ID, From: from, To: StateClosed,
	})
}

func (h *Host) recordTransition(s *Session, from, to State) {
	s.transition(to)
	h.sink.Record(Event{
		Time: time.Now(), Kind: EventTransition,
		SessionID: s.ID, From: from, To: to,
	})
}

func (h *Host) emitTraffic(s *Session) {
	stats := h.engine.Stats()
	h.mu.Lock()
	dropped := h.dropped
	h.mu.Unlock()
	h.sink.Record(Event{
		Time: time.Now(), Kind: EventTraffic,
		SessionID: s.ID,
		Requests:  stats.Requests, Hits: stats.Hits, Misses: stats.Misses,
		Dropped: dropped,
	})
}

// sendMessage encodes and writes one frame to the outbound ring. The write
// never blocks; a full ring drops the frame and returns ErrBufferFull.
func (h *Host) sendMessage(msg protocol.Message) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	frame, err := protocol.Encode(msg, h.txSeq+1)
	if err != nil {
		return err
	}
	ok, err := h.out.TryWriteFrame(frame)
	if err != nil {
		return err
	}
	if !ok {
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		return ErrBufferFull
	}
	h.txSeq++
	return nil
}
