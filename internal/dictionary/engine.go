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

// Package dictionary holds translation tables as immutable, generation-tagged
// snapshots. Lookups read a single atomically-fetched generation and never
// block; a reload swaps the generation pointer and retires the superseded
// snapshot after a grace period, so no lookup ever observes a half-built
// table.
package dictionary

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/language"

	"github.com/rouges78/GameStringer-sub004/internal/protocol"
)

// Entry is one translation pair.
type Entry struct {
	Original   string
	Translated string
	ContextKey string // empty means any context
	Verified   bool
}

type lookupKey struct {
	context string
	text    string
}

// Dictionary is an immutable mapping from (context key, source text) to
// translated text. Build one with NewDictionary, then install it into an
// Engine; it must not be mutated afterwards.
type Dictionary struct {
	generation uint64
	source     string
	target     string

	byKey map[lookupKey]string
	// byHash is the fast path keyed by FNV-1a of the source text, checked
	// against the exact original to rule out collisions.
	byHash map[uint64]Entry
}

// NewDictionary builds a dictionary for a source/target language pair. The
// tags must parse as BCP 47 languages ("en", "it", "ja", ...).
func NewDictionary(source, target string, entries []Entry) (*Dictionary, error) {
	if _, err := language.Parse(source); err != nil {
		return nil, fmt.Errorf("dictionary: bad source language %q: %w", source, err)
	}
	if _, err := language.Parse(target); err != nil {
		return nil, fmt.Errorf("dictionary: bad target language %q: %w", target, err)
	}

	d := &Dictionary{
		source: source,
		target: target,
		byKey:  make(map[lookupKey]string, len(entries)),
		byHash: make(map[uint64]Entry, len(entries)),
	}
	for _, e := range entries {
		d.byKey[lookupKey{e.ContextKey, e.Original}] = e.Translated
		if e.ContextKey == "" {
			d.byHash[protocol.HashText(e.Original)] = e
		}
	}
	return d, nil
}

// Generation returns the generation counter assigned at install time; zero
// before the dictionary is installed.
func (d *Dictionary) Generation() uint64 { return d.generation }

// Source returns the source language tag.
func (d *Dictionary) Source() string { return d.source }

// Target returns the target language tag.
func (d *Dictionary) Target() string { return d.target }

// Len returns the number of keyed entries.
func (d *Dictionary) Len() int { return len(d.byKey) }

func (d *Dictionary) lookup(contextKey, text string) (string, bool) {
	if out, ok := d.byKey[lookupKey{contextKey, text}]; ok {
		return out, true
	}
	if contextKey != "" {
		if out, ok := d.byKey[lookupKey{"", text}]; ok {
			return out, true
		}
	}
	// Hash fast path, collision-checked.
	if e, ok := d.byHash[protocol.HashText(text)]; ok && e.Original == text {
		return e.Translated, true
	}
	return "", false
}

// Stats summarizes engine traffic since start.
type Stats struct {
	Requests   uint64
	Hits       uint64
	Misses     uint64
	Generation uint64
	Entries    int
}

// Engine serves lookups from the active dictionary generation and installs
// new generations atomically. Safe for any number of concurrent readers and
// one reloader; readers never block on a reload and vice versa.
type Engine struct {
	active  atomic.Pointer[Dictionary]
	nextGen atomic.Uint64

	requests atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64

	// Superseded generations are retired after a grace period rather than
	// on client acknowledgment; generation identity is transparent to the
	// request/response protocol.
	grace   time.Duration
	mu      sync.Mutex
	retired []*Dictionary
}

// DefaultReloadGrace is how long a superseded generation stays reachable
// after a reload before being discarded.
const DefaultReloadGrace = 5 * time.Second

// NewEngine returns an engine with no dictionary installed. Until the first
// Reload, every lookup misses (fail-open).
func NewEngine(grace time.Duration) *Engine {
	if grace <= 0 {
		grace = DefaultReloadGrace
	}
	return &Engine{grace: grace}
}

// Lookup resolves a source text under a context key against the active
// generation. It never blocks: the generation reference is fetched once,
// atomically, and a miss fails open by returning the source text unchanged
// with StatusUntranslated.
func (e *Engine) Lookup(contextKey, text string) (string, protocol.Status) {
	e.requests.Add(1)

	d := e.active.Load()
	if d == nil {
		e.misses.Add(1)
		return text, protocol.StatusUntranslated
	}
	if out, ok := d.lookup(contextKey, text); ok {
		e.hits.Add(1)
		return out, protocol.StatusTranslated
	}
	e.misses.Add(1)
	return text, protocol.StatusUntranslated
}

// Reload installs d as the new active generation and returns its assigned
// generation number. Concurrent lookups observe either the old or the new
// generation in its entirety, never a mix. The superseded generation is
// discarded after the grace period.
func (e *Engine) Reload(d *Dictionary) uint64 {
	d.generation = e.nextGen.Add(1)
	old := e.active.Swap(d)
	if old != nil {
		e.mu.Lock()
		e.retired = append(e.retired, old)
		e.mu.Unlock()
		time.AfterFunc(e.grace, func() { e.discard(old) })
	}
	return d.generation
}

func (e *Engine) discard(d *Dictionary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.retired {
		if r == d {
			e.retired = append(e.retired[:i], e.retired[i+1:]...)
			return
		}
	}
}

// Generation returns the active generation number, zero when none installed.
func (e *Engine) Generation() uint64 {
	if d := e.active.Load(); d != nil {
		return d.generation
	}
	return 0
}

// Active returns the active dictionary snapshot, which may be nil.
func (e *Engine) Active() *Dictionary {
	return e.active.Load()
}

// Stats returns traffic counters since the engine was created.
func (e *Engine) Stats() Stats {
	s := Stats{
		Requests: e.requests.Load(),
		Hits:     e.hits.Load(),
		Misses:   e.misses.Load(),
	}
	if d := e.active.Load(); d != nil {
		s.Generation = d.generation
		s.Entries = d.Len()
	}
	return s
}
