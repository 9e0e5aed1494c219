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

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridged.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[bridge]
segment_name = "game"
inbound_capacity = 131072
heartbeat_interval = "250ms"

[dictionary]
paths = ["en_it.toml"]
reload_grace = "10s"

[log]
level = "debug"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Bridge.SegmentName != "game" {
		t.Errorf("SegmentName = %q", cfg.Bridge.SegmentName)
	}
	if cfg.Bridge.InboundCapacity != 131072 {
		t.Errorf("InboundCapacity = %d", cfg.Bridge.InboundCapacity)
	}
	if cfg.Bridge.HeartbeatInterval.Duration != 250*time.Millisecond {
		t.Errorf("HeartbeatInterval = %v", cfg.Bridge.HeartbeatInterval.Duration)
	}
	// Untouched keys keep their defaults.
	if cfg.Bridge.MissedBudget != 3 {
		t.Errorf("MissedBudget = %d, want default 3", cfg.Bridge.MissedBudget)
	}
	if cfg.Dictionary.ReloadGrace.Duration != 10*time.Second {
		t.Errorf("ReloadGrace = %v", cfg.Dictionary.ReloadGrace.Duration)
	}
	if got := cfg.Log.SlogLevel(); got != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty_segment_name", "[bridge]\nsegment_name = \"\""},
		{"capacity_not_power_of_two", "[bridge]\ninbound_capacity = 100000"},
		{"capacity_below_minimum", "[bridge]\noutbound_capacity = 1024"},
		{"negative_interval", "[bridge]\nheartbeat_interval = \"-1s\""},
		{"bad_log_level", "[log]\nlevel = \"verbose\""},
		{"unknown_key", "[bridge]\nsegmentname = \"typo\""},
		{"bad_duration", "[bridge]\nheartbeat_interval = \"soon\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() accepted invalid config")
			}
		})
	}
}
