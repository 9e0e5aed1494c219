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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rouges78/GameStringer-sub004/internal/protocol"
	"github.com/rouges78/GameStringer-sub004/internal/shm"
)

// ClientOptions configures a Client. The zero value gets the same defaults
// as the host; the two sides must agree on the heartbeat interval.
type ClientOptions struct {
	SegmentName       string
	HeartbeatInterval time.Duration
	MissedBudget      int
	HandshakeTimeout  time.Duration
	ResyncTimeout     time.Duration
	Logger            *slog.Logger
	Sink              EventSink
}

func (o *ClientOptions) applyDefaults() {
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

// Client is the bridge's requesting side: the piece that lives inside the
// game process. It attaches to an existing segment, completes the handshake
// and then serves Translate calls until closed.
type Client struct {
	opts ClientOptions
	seg  *shm.Segment
	rx   *shm.Ring // host->client, client reads
	tx   *shm.Ring // client->host, client writes
	log  *slog.Logger
	sink EventSink

	session   *Session
	rxTracker *protocol.SequenceTracker

	// sendMu serializes writers of the outbound ring (Translate callers,
	// the heartbeat loop, shutdown). txSeq advances only on a successful
	// write so a dropped frame never shows up as a gap on the host.
	sendMu sync.Mutex
	txSeq  uint64

	mu      sync.Mutex
	pending map[uint64]chan protocol.TranslationResponse
	nextID  uint64

	ackCh chan protocol.HelloAck

	generation atomic.Uint64 // last dictionary generation the host announced

	cancel    context.CancelFunc
	g         *errgroup.Group
	closeOnce sync.Once
}

// Connect attaches to a host-created segment, starts the client's loops and
// completes the handshake. The returned Client is Active and ready for
// Translate. A handshake that does not finish within HandshakeTimeout fails
// with ErrHandshakeTimeout.
func Connect(opts ClientOptions) (*Client, error) {
	opts.applyDefaults()
	if opts.SegmentName == "" {
		return nil, errors.New("bridge: segment name required")
	}

	seg, err := shm.Attach(opts.SegmentName)
	if err != nil {
		return nil, fmt.Errorf("bridge: attach segment: %w", err)
	}

	c := &Client{
		opts:      opts,
		seg:       seg,
		rx:        seg.Outbound(),
		tx:        seg.Inbound(),
		log:       opts.Logger,
		sink:      opts.Sink,
		session:   newSession(opts.SegmentName, time.Now()),
		rxTracker: protocol.NewSequenceTracker(),
		pending:   make(map[uint64]chan protocol.TranslationResponse),
		ackCh:     make(chan protocol.HelloAck, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	c.g = g
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.heartbeatLoop(ctx) })

	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// handshake sends Hello and waits for the host's acknowledgment. The state
// transition to Active happens in the read loop so resynchronization shares
// the same path.
func (c *Client) handshake() error {
	c.recordTransition(StateConnecting, StateHandshaking)
	if err := c.sendMessage(protocol.Hello{Version: protocol.Version}); err != nil {
		return fmt.Errorf("bridge: send hello: %w", err)
	}

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case ack := <-c.ackCh:
		if ack.Version != protocol.Version {
			return fmt.Errorf("%w: host %d, client %d",
				ErrVersionMismatch, ack.Version, protocol.Version)
		}
		return nil
	case <-timer.C:
		return ErrHandshakeTimeout
	}
}

// Translate asks the host for the translation of text under contextKey. A
// miss is not an error: the host answers with the source text unchanged.
// The wait is bounded by ctx; on expiry the call returns the source text
// and ErrRequestTimeout, and a response arriving later is discarded.
func (c *Client) Translate(ctx context.Context, contextKey, text string) (string, error) {
	if c.session.State() != StateActive {
		return text, ErrSessionNotReady
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan protocol.TranslationResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.sendMessage(protocol.TranslationRequest{
		RequestID:  id,
		ContextKey: contextKey,
		SourceText: text,
	})
	if err != nil {
		c.removePending(id)
		return text, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// The session degraded while we waited.
			return text, ErrSessionNotReady
		}
		if resp.Status == protocol.StatusError {
			return text, fmt.Errorf("bridge: host failed request %d", id)
		}
		return resp.TranslatedText, nil
	case <-ctx.Done():
		c.removePending(id)
		return text, ErrRequestTimeout
	}
}

// State returns the session's lifecycle state.
func (c *Client) State() State { return c.session.State() }

// Generation returns the dictionary generation last announced by the host,
// zero before the first reload notice.
func (c *Client) Generation() uint64 { return c.generation.Load() }

// Close announces shutdown to the host, stops the loops and detaches from
// the segment. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.sendMessage(protocol.Shutdown{Reason: "client shutdown"})
		c.closeSession(ErrSessionClosed)
		c.cancel()
	})
	c.g.Wait()
	return c.seg.Close()
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		frame, err := c.rx.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, shm.ErrRingClosed) {
				c.closeSession(ErrPeerShutdown)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Corrupt bytes never advance the read cursor; flush them
			// regardless of session state or the loop spins on the same
			// error forever.
			c.rx.Drain()
			c.degrade(fmt.Errorf("host ring: %w", err))
			continue
		}

		msg, seq, err := protocol.Decode(frame)
		if err != nil {
			c.degrade(err)
			continue
		}

		// HelloAck re-anchors the inbound sequence; everything else must
		// be gap-free.
		if _, isAck := msg.(protocol.HelloAck); isAck {
			c.rxTracker.ResetTo(seq + 1)
		} else if err := c.rxTracker.Check(seq); err != nil {
			c.degrade(err)
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.HelloAck:
		c.handleAck(m)

	case protocol.TranslationResponse:
		c.mu.Lock()
		ch, ok := c.pending[m.RequestID]
		if ok {
			delete(c.pending, m.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			// Late response: the waiter already gave up.
			c.log.Debug("response discarded", "request", m.RequestID)
			return
		}
		ch <- m

	case protocol.Heartbeat:
		c.session.markHeartbeat(time.Now())

	case protocol.DictionaryReloadNotice:
		c.generation.Store(m.Generation)
		c.session.setAckedGeneration(m.Generation)
		c.log.Info("dictionary reloaded", "generation", m.Generation)
		c.sink.Record(Event{
			Time: time.Now(), Kind: EventReload,
			SessionID: c.session.ID, Generation: m.Generation,
		})

	case protocol.Shutdown:
		c.log.Info("host shutdown", "reason", m.Reason)
		c.closeSession(ErrPeerShutdown)

	default:
		// Hello and requests never travel host->client.
		c.log.Warn("unexpected message from host", "type", msg.Type().String())
	}
}

func (c *Client) handleAck(m protocol.HelloAck) {
	// Wake a Connect waiting in handshake. The buffer absorbs acks from
	// resynchronizations with no waiter.
	select {
	case c.ackCh <- m:
	default:
	}
	if m.Version != protocol.Version {
		c.closeSession(ErrVersionMismatch)
		return
	}

	s := c.session
	from := s.State()
	if from != StateHandshaking && from != StateDegraded {
		return
	}
	s.setVersion(m.Version)
	s.markHeartbeat(time.Now())
	s.beginResync(time.Time{})
	c.recordTransition(from, StateActive)
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick runs one heartbeat interval: emit our heartbeat, account the host's,
// and drive the resynchronization timeout.
func (c *Client) tick(now time.Time) {
	s := c.session
	switch s.State() {
	case StateActive:
		if err := c.sendMessage(protocol.Heartbeat{UnixNano: now.UnixNano()}); err != nil {
			c.log.Debug("heartbeat dropped", "err", err)
		}
		if missed := s.countMissedInterval(now, c.opts.HeartbeatInterval); missed >= c.opts.MissedBudget {
			c.degrade(fmt.Errorf("missed %d heartbeat intervals", missed))
		}

	case StateDegraded:
		if s.resyncExpired(now) {
			c.closeSession(ErrResyncTimeout)
			return
		}
		// Keep knocking until the host answers or the deadline passes.
		if err := c.sendMessage(protocol.Hello{Version: protocol.Version}); err != nil {
			c.log.Debug("resync hello dropped", "err", err)
		}
	}
}

// degrade moves to Degraded and starts silent resynchronization: flush
// stale inbound frames, fail waiting Translate calls and restart the
// handshake. The session stays Degraded until the host's HelloAck arrives.
func (c *Client) degrade(cause error) {
	s := c.session
	if !s.transition(StateDegraded) {
		return
	}
	c.log.Warn("session degraded", "cause", cause)
	c.sink.Record(Event{
		Time: time.Now(), Kind: EventTransition,
		SessionID: s.ID, From: StateActive, To: StateDegraded,
	})
	c.rx.Drain()
	c.failPending()
	s.beginResync(time.Now().Add(c.opts.ResyncTimeout))
	if err := c.sendMessage(protocol.Hello{Version: protocol.Version}); err != nil {
		c.log.Debug("resync hello dropped", "err", err)
	}
}

func (c *Client) closeSession(reason error) {
	s := c.session
	from := s.State()
	if !s.close(reason) {
		return
	}
	c.failPending()
	c.log.Info("session closed", "reason", reason)
	c.sink.Record(Event{
		Time: time.Now(), Kind: EventTransition,
		SessionID: s.ID, From: from, To: StateClosed,
	})
}

func (c *Client) recordTransition(from, to State) {
	c.session.transition(to)
	c.sink.Record(Event{
		Time: time.Now(), Kind: EventTransition,
		SessionID: c.session.ID, From: from, To: to,
	})
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending closes every waiting response channel so blocked Translate
// calls return immediately with the source text.
func (c *Client) failPending() {
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// sendMessage encodes and writes one frame to the outbound ring. The write
// never blocks; a full ring drops the frame and returns ErrBufferFull.
func (c *Client) sendMessage(msg protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	frame, err := protocol.Encode(msg, c.txSeq+1)
	if err != nil {
		return err
	}
	ok, err := c.tx.TryWriteFrame(frame)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBufferFull
	}
	c.txSeq++
	return nil
}
