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

package dictionary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default language pair used when a file carries no language metadata.
const (
	DefaultSource = "en"
	DefaultTarget = "it"
)

// LoadFile loads a dictionary from disk, dispatching on the file extension.
// JSON and TOML are supported.
func LoadFile(path string) (*Dictionary, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(path)
	case ".toml":
		return LoadTOML(path)
	}
	return nil, fmt.Errorf("dictionary: unsupported file type %q", filepath.Ext(path))
}

// LoadJSON loads a dictionary from a JSON file. Three shapes are accepted:
//
//	{"Attack": "Attacca", ...}                                   flat map
//	[{"original": "...", "translated": "...", "context": "..."}] entry array
//	{"source": "en", "target": "it", "translations": {...}}      envelope
func LoadJSON(path string) (*Dictionary, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dictionary: read %s: %w", path, err)
	}

	var flat map[string]string
	if err := json.Unmarshal(content, &flat); err == nil {
		return NewDictionary(DefaultSource, DefaultTarget, pairsToEntries(flat))
	}

	var array []struct {
		Original   string `json:"original"`
		Translated string `json:"translated"`
		Context    string `json:"context"`
		Verified   bool   `json:"verified"`
	}
	if err := json.Unmarshal(content, &array); err == nil {
		entries := make([]Entry, 0, len(array))
		for _, e := range array {
			entries = append(entries, Entry{
				Original:   e.Original,
				Translated: e.Translated,
				ContextKey: e.Context,
				Verified:   e.Verified,
			})
		}
		return NewDictionary(DefaultSource, DefaultTarget, entries)
	}

	var envelope struct {
		Source       string            `json:"source"`
		Target       string            `json:"target"`
		Translations map[string]string `json:"translations"`
	}
	if err := json.Unmarshal(content, &envelope); err == nil && envelope.Translations != nil {
		source, target := envelope.Source, envelope.Target
		if source == "" {
			source = DefaultSource
		}
		if target == "" {
			target = DefaultTarget
		}
		return NewDictionary(source, target, pairsToEntries(envelope.Translations))
	}

	return nil, fmt.Errorf("dictionary: %s: unrecognized JSON shape", path)
}

// tomlDictionary is the on-disk TOML shape:
//
//	source = "en"
//	target = "it"
//
//	[translations]
//	"Attack" = "Attacca"
//
//	[[entries]]
//	original = "Attack"
//	translated = "Attacca"
//	context = "combat_ui"
type tomlDictionary struct {
	Source       string            `toml:"source"`
	Target       string            `toml:"target"`
	Translations map[string]string `toml:"translations"`
	Entries      []tomlEntry       `toml:"entries"`
}

type tomlEntry struct {
	Original   string `toml:"original"`
	Translated string `toml:"translated"`
	Context    string `toml:"context"`
	Verified   bool   `toml:"verified"`
}

// LoadTOML loads a dictionary from a TOML file.
func LoadTOML(path string) (*Dictionary, error) {
	var file tomlDictionary
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("dictionary: decode %s: %w", path, err)
	}

	source, target := file.Source, file.Target
	if source == "" {
		source = DefaultSource
	}
	if target == "" {
		target = DefaultTarget
	}

	entries := pairsToEntries(file.Translations)
	for _, e := range file.Entries {
		entries = append(entries, Entry{
			Original:   e.Original,
			Translated: e.Translated,
			ContextKey: e.Context,
			Verified:   e.Verified,
		})
	}
	return NewDictionary(source, target, entries)
}

func pairsToEntries(pairs map[string]string) []Entry {
	entries := make([]Entry, 0, len(pairs))
	for original, translated := range pairs {
		entries = append(entries, Entry{Original: original, Translated: translated})
	}
	return entries
}
