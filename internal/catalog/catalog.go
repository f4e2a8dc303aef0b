// Package catalog loads the static, deployable engine catalog described in
// spec §4.6: a YAML document enumerating every engine variant Dalston can
// deploy, used for pre-flight validation and for suggesting alternatives
// when no running instance satisfies a request. The registry (internal/registry)
// is the live counterpart; this package never touches Redis.
package catalog

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ssarunic/dalston/internal/model"
)

// document is the on-disk shape of the catalog YAML file.
type document struct {
	Engines map[string]entryYAML `yaml:"engines"`
}

type entryYAML struct {
	Image                  string   `yaml:"image"`
	Version                string   `yaml:"version"`
	Stages                 []string `yaml:"stages"`
	Languages              []string `yaml:"languages"` // omitted/null == any
	SupportsWordTimestamps bool     `yaml:"supports_word_timestamps"`
	SupportsStreaming      bool     `yaml:"supports_streaming"`
	IncludesDiarization    bool     `yaml:"includes_diarization"`
	SupportsVocabulary     bool     `yaml:"supports_vocabulary"`
	ModelVariants          []string `yaml:"model_variants"`
	GPURequired            bool     `yaml:"gpu_required"`
	GPUVRAMMB              int      `yaml:"gpu_vram_mb"`
	RTFGPU                 float64  `yaml:"rtf_gpu"`
	RTFCPU                 float64  `yaml:"rtf_cpu"`
}

// Catalog is the loaded, queryable engine catalog. Safe for concurrent reads;
// Reload swaps the underlying snapshot atomically so readers never observe a
// half-applied document (original_source's catalog.py singleton-with-reload,
// SPEC_FULL.md "supplemented features").
type Catalog struct {
	mu      sync.RWMutex
	path    string
	entries map[string]model.CatalogEntry
}

// Load reads and parses the catalog YAML file at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog from disk, replacing the in-memory snapshot.
// Intended to be wired to a SIGHUP handler so catalog rollouts (new engine
// variants, capability corrections) don't require an orchestrator restart.
func (c *Catalog) Reload(path string) error {
	if path != "" {
		c.mu.Lock()
		c.path = path
		c.mu.Unlock()
	}
	return c.reload()
}

func (c *Catalog) reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog %q: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse catalog %q: %w", path, err)
	}

	entries := make(map[string]model.CatalogEntry, len(doc.Engines))
	for engineID, e := range doc.Engines {
		entries[engineID] = model.CatalogEntry{
			EngineID: engineID,
			Image:    e.Image,
			Capabilities: model.EngineCapabilities{
				EngineID:               engineID,
				Version:                e.Version,
				Stages:                 e.Stages,
				Languages:              e.Languages,
				SupportsWordTimestamps: e.SupportsWordTimestamps,
				SupportsStreaming:      e.SupportsStreaming,
				IncludesDiarization:    e.IncludesDiarization,
				SupportsVocabulary:     e.SupportsVocabulary,
				ModelVariants:          e.ModelVariants,
				GPURequired:            e.GPURequired,
				GPUVRAMMB:              e.GPUVRAMMB,
				RTFGPU:                 e.RTFGPU,
				RTFCPU:                 e.RTFCPU,
			},
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// Get returns the catalog entry for engineID.
func (c *Catalog) Get(engineID string) (model.CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[engineID]
	return e, ok
}

// GetEnginesForStage returns every catalog entry declaring support for stage,
// in a deterministic order (sorted by engine id).
func (c *Catalog) GetEnginesForStage(stage string) []model.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.CatalogEntry
	for _, e := range c.entries {
		if e.Capabilities.SupportsStage(stage) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// FindEnginesSupportingLanguage returns catalog entries for stage whose
// declared language set contains lang (case-insensitively), or which declare
// "any" (nil Languages). An empty/"auto" lang is treated as satisfied by
// every entry for the stage.
func (c *Catalog) FindEnginesSupportingLanguage(stage, lang string) []model.CatalogEntry {
	candidates := c.GetEnginesForStage(stage)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return candidates
	}
	var out []model.CatalogEntry
	for _, e := range candidates {
		if e.Capabilities.SupportsLanguage(lang) {
			out = append(out, e)
		}
	}
	return out
}

// ValidateLanguageSupport is the pre-flight check used to return an
// actionable error before the registry is even consulted (spec §4.6): it
// answers "could ANY deployable engine ever satisfy this stage+language
// combination", independent of whether one is currently running.
func (c *Catalog) ValidateLanguageSupport(stage, lang string) error {
	if len(c.FindEnginesSupportingLanguage(stage, lang)) == 0 {
		return fmt.Errorf("catalog: no engine variant for stage %q declares support for language %q", stage, lang)
	}
	return nil
}

func sortEntries(entries []model.CatalogEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].EngineID < entries[j-1].EngineID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
