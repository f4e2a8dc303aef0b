// Package selector implements capability-driven engine selection (spec
// §4.7), grounded on original_source/dalston/orchestrator/engine_selector.py.
// It maps a pipeline stage and job requirements to a chosen engine id by
// consulting the live registry, falling back to the static catalog only to
// build actionable error messages and alternatives.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ssarunic/dalston/internal/catalog"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// Requirements are the hard constraints a selected engine must satisfy.
type Requirements struct {
	// Language is empty or "auto" when the caller places no language
	// constraint on the engine.
	Language  string
	Streaming bool
}

// Result is the outcome of a successful selection, including the
// human-readable rationale carried from original_source's selection_reason
// (SPEC_FULL.md "supplemented features").
type Result struct {
	EngineID     string
	Capabilities model.EngineCapabilities
	Reason       string
}

// CandidateMismatch explains why one running engine did not satisfy a
// selection request.
type CandidateMismatch struct {
	EngineID string
	Reason   string
}

// CatalogAlternative is a non-running catalog entry that could satisfy the
// request if an instance were started.
type CatalogAlternative struct {
	EngineID  string
	Languages []string
}

// NoCapableEngineError is raised when no running instance (and possibly no
// catalog entry) can satisfy a stage's requirements. Structured() mirrors
// original_source's NoCapableEngineError.to_dict so a future HTTP layer can
// serialize it directly (SPEC_FULL.md).
type NoCapableEngineError struct {
	Stage               string
	Requirements        Requirements
	RunningMismatches   []CandidateMismatch
	CatalogAlternatives []CatalogAlternative
}

func (e *NoCapableEngineError) Error() string {
	var b strings.Builder
	b.WriteString("no running engine can handle this job.\n")
	fmt.Fprintf(&b, "  stage: %s\n", e.Stage)
	fmt.Fprintf(&b, "  required: language=%q streaming=%v\n\n", e.Requirements.Language, e.Requirements.Streaming)
	if len(e.RunningMismatches) > 0 {
		fmt.Fprintf(&b, "  running engines for %q:\n", e.Stage)
		for _, m := range e.RunningMismatches {
			fmt.Fprintf(&b, "    - %s: %s\n", m.EngineID, m.Reason)
		}
	} else {
		fmt.Fprintf(&b, "  no engines running for stage %q.\n", e.Stage)
	}
	if len(e.CatalogAlternatives) > 0 {
		b.WriteString("\n  available in catalog (not running):\n")
		for _, a := range e.CatalogAlternatives {
			fmt.Fprintf(&b, "    - %s\n", a.EngineID)
			fmt.Fprintf(&b, "      start: docker compose up stt-batch-%s-%s\n", e.Stage, a.EngineID)
		}
	}
	return b.String()
}

// Structured returns an API-shaped payload, mirroring
// NoCapableEngineError.to_dict in original_source.
func (e *NoCapableEngineError) Structured() map[string]any {
	running := make([]map[string]any, 0, len(e.RunningMismatches))
	for _, m := range e.RunningMismatches {
		running = append(running, map[string]any{"id": m.EngineID, "reason": m.Reason})
	}
	alts := make([]map[string]any, 0, len(e.CatalogAlternatives))
	for _, a := range e.CatalogAlternatives {
		alts = append(alts, map[string]any{"id": a.EngineID, "languages": a.Languages})
	}
	return map[string]any{
		"error":                "no_capable_engine",
		"stage":                e.Stage,
		"requirements":         map[string]any{"language": e.Requirements.Language, "streaming": e.Requirements.Streaming},
		"running_engines":      running,
		"catalog_alternatives": alts,
	}
}

// Selector selects engines for pipeline stages by consulting a live registry
// and a static catalog.
type Selector struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	logger   telemetry.Logger
}

// New constructs a Selector.
func New(reg *registry.Registry, cat *catalog.Catalog, logger telemetry.Logger) *Selector {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Selector{registry: reg, catalog: cat, logger: logger}
}

// ExtractRequirements converts job parameters into selector requirements
// (original_source's extract_requirements): "auto" or empty language places
// no constraint.
func ExtractRequirements(p model.JobParameters) Requirements {
	var req Requirements
	if p.Language != "" && !strings.EqualFold(p.Language, "auto") {
		req.Language = p.Language
	}
	return req
}

func meetsRequirements(caps model.EngineCapabilities, req Requirements) bool {
	if req.Language != "" && !caps.SupportsLanguage(req.Language) {
		return false
	}
	if req.Streaming && !caps.SupportsStreaming {
		return false
	}
	return true
}

func explainMismatch(caps model.EngineCapabilities, req Requirements) string {
	var reasons []string
	if req.Language != "" && !caps.SupportsLanguage(req.Language) {
		reasons = append(reasons, fmt.Sprintf("language %q not supported (has: %v)", req.Language, caps.Languages))
	}
	if req.Streaming && !caps.SupportsStreaming {
		reasons = append(reasons, "streaming not supported")
	}
	if len(reasons) == 0 {
		return "unknown"
	}
	return strings.Join(reasons, "; ")
}

func (s *Selector) catalogAlternatives(stage string, req Requirements) []CatalogAlternative {
	entries := s.catalog.FindEnginesSupportingLanguage(stage, req.Language)
	out := make([]CatalogAlternative, 0, len(entries))
	for _, e := range entries {
		if req.Streaming && !e.Capabilities.SupportsStreaming {
			continue
		}
		out = append(out, CatalogAlternative{EngineID: e.EngineID, Languages: e.Capabilities.Languages})
	}
	return out
}

// Select chooses an engine for stage given requirements. If preference is
// non-empty, it is validated rather than ranked against alternatives (spec
// §4.7 step 1).
func (s *Selector) Select(ctx context.Context, stage string, req Requirements, preference string) (Result, error) {
	if preference != "" {
		return s.selectPreferred(ctx, stage, req, preference)
	}

	candidates, err := s.registry.ListForStage(ctx, stage)
	if err != nil {
		return Result{}, fmt.Errorf("selector: list candidates for stage %q: %w", stage, err)
	}

	var capable []model.EngineInstance
	var mismatches []CandidateMismatch
	for _, c := range candidates {
		if meetsRequirements(c.Capabilities, req) {
			capable = append(capable, c)
		} else {
			mismatches = append(mismatches, CandidateMismatch{EngineID: c.EngineID, Reason: explainMismatch(c.Capabilities, req)})
		}
	}

	if len(capable) == 0 {
		return Result{}, &NoCapableEngineError{
			Stage:               stage,
			Requirements:        req,
			RunningMismatches:   mismatches,
			CatalogAlternatives: s.catalogAlternatives(stage, req),
		}
	}

	if len(capable) == 1 {
		s.logger.Info(ctx, "engine_selected", "stage", stage, "engine_id", capable[0].EngineID, "reason", "only capable engine")
		return Result{EngineID: capable[0].EngineID, Capabilities: capable[0].Capabilities, Reason: "only capable engine"}, nil
	}

	result := rankAndSelect(capable, req)
	s.logger.Info(ctx, "engine_selected", "stage", stage, "engine_id", result.EngineID, "reason", result.Reason, "candidates", len(candidates), "capable", len(capable))
	return result, nil
}

// selectPreferred validates an explicit engine-id preference (spec §4.7 step
// 1). preference names a logical engine id, not an instance id: any live
// instance of that engine id satisfies the preference, matching
// original_source's registry.get_engine(engine_id) lookup.
func (s *Selector) selectPreferred(ctx context.Context, stage string, req Requirements, preference string) (Result, error) {
	candidates, err := s.registry.ListForStage(ctx, stage)
	if err != nil {
		return Result{}, fmt.Errorf("selector: list candidates for stage %q: %w", stage, err)
	}
	var match *model.EngineInstance
	for i := range candidates {
		if candidates[i].EngineID == preference {
			match = &candidates[i]
			break
		}
	}
	if match == nil {
		return Result{}, &NoCapableEngineError{
			Stage:               stage,
			Requirements:        req,
			CatalogAlternatives: s.catalogAlternatives(stage, req),
		}
	}
	if !meetsRequirements(match.Capabilities, req) {
		return Result{}, &NoCapableEngineError{
			Stage:               stage,
			Requirements:        req,
			RunningMismatches:   []CandidateMismatch{{EngineID: match.EngineID, Reason: explainMismatch(match.Capabilities, req)}},
			CatalogAlternatives: s.catalogAlternatives(stage, req),
		}
	}
	return Result{EngineID: match.EngineID, Capabilities: match.Capabilities, Reason: "user preference"}, nil
}

// rankAndSelect ranks engines by (language-safety-for-unknown-lang,
// native-word-timestamps, native-diarization, language-specificity, speed),
// matching original_source's _rank_and_select tuple ordering exactly.
func rankAndSelect(capable []model.EngineInstance, req Requirements) Result {
	type scored struct {
		inst  model.EngineInstance
		score [5]float64
	}
	scores := make([]scored, len(capable))
	for i, inst := range capable {
		scores[i] = scored{inst: inst, score: score(inst.Capabilities, req)}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return tupleGreater(scores[i].score, scores[j].score)
	})
	winner := scores[0].inst

	var reasons []string
	if winner.Capabilities.SupportsWordTimestamps {
		reasons = append(reasons, "native word timestamps")
	}
	if winner.Capabilities.IncludesDiarization {
		reasons = append(reasons, "native diarization")
	}
	if len(capable) > 1 {
		reasons = append(reasons, fmt.Sprintf("ranked first of %d", len(capable)))
	}
	reason := strings.Join(reasons, ", ")
	if reason == "" {
		reason = "best available"
	}
	return Result{EngineID: winner.EngineID, Capabilities: winner.Capabilities, Reason: reason}
}

func score(caps model.EngineCapabilities, req Requirements) [5]float64 {
	var unknownLangSafety float64
	if req.Language != "" {
		unknownLangSafety = 0
	} else if caps.Languages == nil {
		unknownLangSafety = 2
	} else if len(caps.Languages) > 1 {
		unknownLangSafety = 1
	}

	nativeTS := 0.0
	if caps.SupportsWordTimestamps {
		nativeTS = 1
	}
	nativeDiar := 0.0
	if caps.IncludesDiarization {
		nativeDiar = 1
	}
	specific := 0.0
	if caps.Languages != nil {
		specific = 1
	}
	rtf := caps.RTFGPU
	if rtf == 0 {
		rtf = 999.0
	}
	speed := -rtf

	return [5]float64{unknownLangSafety, nativeTS, nativeDiar, specific, speed}
}

func tupleGreater(a, b [5]float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
