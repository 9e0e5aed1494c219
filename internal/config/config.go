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

// Package config loads the bridge daemon's TOML configuration.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rouges78/GameStringer-sub004/internal/shm"
)

// Duration wraps time.Duration so TOML values can be written as "1s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the daemon's full configuration.
//
//	[bridge]
//	segment_name       = "main"
//	inbound_capacity   = 65536
//	outbound_capacity  = 65536
//	heartbeat_interval = "1s"
//	missed_budget      = 3
//	handshake_timeout  = "5s"
//	resync_timeout     = "5s"
//
//	[dictionary]
//	paths        = ["dictionaries/en_it.toml"]
//	reload_grace = "5s"
//
//	[log]
//	level = "info"
type Config struct {
	Bridge     BridgeConfig     `toml:"bridge"`
	Dictionary DictionaryConfig `toml:"dictionary"`
	Log        LogConfig        `toml:"log"`
}

// BridgeConfig configures the shared memory transport and session timing.
type BridgeConfig struct {
	SegmentName       string   `toml:"segment_name"`
	InboundCapacity   uint64   `toml:"inbound_capacity"`
	OutboundCapacity  uint64   `toml:"outbound_capacity"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MissedBudget      int      `toml:"missed_budget"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	ResyncTimeout     Duration `toml:"resync_timeout"`
}

// DictionaryConfig names the dictionary files to load, in order. Later
// files become later generations.
type DictionaryConfig struct {
	Paths       []string `toml:"paths"`
	ReloadGrace Duration `toml:"reload_grace"`
}

// LogConfig controls the daemon's structured logging.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Bridge: BridgeConfig{
			SegmentName:       "main",
			InboundCapacity:   shm.DefaultRingCapacity,
			OutboundCapacity:  shm.DefaultRingCapacity,
			HeartbeatInterval: Duration{time.Second},
			MissedBudget:      3,
			HandshakeTimeout:  Duration{5 * time.Second},
			ResyncTimeout:     Duration{5 * time.Second},
		},
		Dictionary: DictionaryConfig{
			ReloadGrace: Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a TOML configuration file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Bridge.SegmentName == "" {
		return fmt.Errorf("bridge.segment_name must not be empty")
	}
	if !shm.IsPowerOfTwo(c.Bridge.InboundCapacity) || c.Bridge.InboundCapacity < shm.MinRingCapacity {
		return fmt.Errorf("bridge.inbound_capacity must be a power of two >= %d", shm.MinRingCapacity)
	}
	if !shm.IsPowerOfTwo(c.Bridge.OutboundCapacity) || c.Bridge.OutboundCapacity < shm.MinRingCapacity {
		return fmt.Errorf("bridge.outbound_capacity must be a power of two >= %d", shm.MinRingCapacity)
	}
	if c.Bridge.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("bridge.heartbeat_interval must be positive")
	}
	if c.Bridge.MissedBudget <= 0 {
		return fmt.Errorf("bridge.missed_budget must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
