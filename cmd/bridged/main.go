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

// Binary bridged runs the translation bridge host: it creates the shared
// memory segment, loads the configured dictionaries and serves lookups to
// an attached game client. SIGHUP reloads the dictionaries in place.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rouges78/GameStringer-sub004/internal/bridge"
	"github.com/rouges78/GameStringer-sub004/internal/config"
	"github.com/rouges78/GameStringer-sub004/internal/dictionary"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	segmentName := flag.String("segment", "", "override the configured segment name")
	flag.Parse()

	if err := run(*configPath, *segmentName); err != nil {
		fmt.Fprintln(os.Stderr, "bridged:", err)
		os.Exit(1)
	}
}

func run(configPath, segmentName string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}
	if segmentName != "" {
		cfg.Bridge.SegmentName = segmentName
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(log)

	engine := dictionary.NewEngine(cfg.Dictionary.ReloadGrace.Duration)
	if err := loadDictionaries(engine, cfg.Dictionary.Paths, log); err != nil {
		return err
	}

	host, err := bridge.NewHost(engine, bridge.HostOptions{
		SegmentName:       cfg.Bridge.SegmentName,
		InboundCapacity:   cfg.Bridge.InboundCapacity,
		OutboundCapacity:  cfg.Bridge.OutboundCapacity,
		HeartbeatInterval: cfg.Bridge.HeartbeatInterval.Duration,
		MissedBudget:      cfg.Bridge.MissedBudget,
		HandshakeTimeout:  cfg.Bridge.HandshakeTimeout.Duration,
		ResyncTimeout:     cfg.Bridge.ResyncTimeout.Duration,
		Logger:            log,
		Sink:              bridge.SlogSink{Log: log},
	})
	if err != nil {
		return err
	}
	defer host.Close()
	log.Info("bridge host ready", "segment", cfg.Bridge.SegmentName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.Run(ctx) })
	g.Go(func() error { return watchReload(ctx, host, cfg.Dictionary.Paths, log) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("bridge host stopped")
	return err
}

// loadDictionaries installs the configured files as successive generations.
// No files means the bridge starts empty and every lookup falls open.
func loadDictionaries(engine *dictionary.Engine, paths []string, log *slog.Logger) error {
	for _, path := range paths {
		d, err := dictionary.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load dictionary %s: %w", path, err)
		}
		gen := engine.Reload(d)
		log.Info("dictionary loaded", "path", path, "generation", gen, "entries", d.Len())
	}
	return nil
}

// watchReload re-reads the dictionary files on SIGHUP. A file that fails to
// parse is skipped; the previous generation keeps serving.
func watchReload(ctx context.Context, host *bridge.Host, paths []string, log *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			for _, path := range paths {
				d, err := dictionary.LoadFile(path)
				if err != nil {
					log.Error("reload failed, keeping current generation",
						"path", path, "err", err)
					continue
				}
				host.Reload(d)
			}
		}
	}
}
