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
	"log/slog"
	"time"
)

// EventKind classifies an activity event.
type EventKind int

const (
	// EventTransition: a session changed lifecycle state.
	EventTransition EventKind = iota
	// EventTraffic: periodic translation-traffic summary.
	EventTraffic
	// EventReload: a new dictionary generation was installed.
	EventReload
)

func (k EventKind) String() string {
	switch k {
	case EventTransition:
		return "transition"
	case EventTraffic:
		return "traffic"
	case EventReload:
		return "reload"
	}
	return "unknown"
}

// Event is a translation-event summary handed to the activity-history
// collaborator. Emission is one-way and best-effort; the bridge never
// depends on a sink for correctness.
type Event struct {
	Time      time.Time
	Kind      EventKind
	SessionID string

	// Transition fields
	From State
	To   State

	// Traffic fields
	Requests uint64
	Hits     uint64
	Misses   uint64
	Dropped  uint64

	// Reload fields
	Generation uint64
}

// EventSink consumes activity events. Implementations must be fast and must
// not block; Record is called from the bridge's serving goroutines.
type EventSink interface {
	Record(Event)
}

// NopSink discards all events.
type NopSink struct{}

// Record implements EventSink.
func (NopSink) Record(Event) {}

// SlogSink logs events through a structured logger.
type SlogSink struct {
	Log *slog.Logger
}

// Record implements EventSink.
func (s SlogSink) Record(e Event) {
	switch e.Kind {
	case EventTransition:
		s.Log.Info("session transition",
			"session", e.SessionID, "from", e.From.String(), "to", e.To.String())
	case EventTraffic:
		s.Log.Debug("traffic summary",
			"session", e.SessionID, "requests", e.Requests,
			"hits", e.Hits, "misses", e.Misses, "dropped", e.Dropped)
	case EventReload:
		s.Log.Info("dictionary reloaded", "generation", e.Generation)
	}
}
