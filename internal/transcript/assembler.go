// Package transcript assembles a real-time session's full transcript from
// individually VAD-endpointed utterances, adjusting ASR word timestamps from
// segment-relative to session-relative. Grounded on
// original_source/dalston/realtime_sdk/assembler.py.
package transcript

import (
	"fmt"
	"strings"

	"github.com/ssarunic/dalston/internal/model"
)

// UtteranceResult is what an ASR callback returns for one VAD-endpointed
// utterance. Word timestamps are relative to the utterance audio (0-based);
// Assembler shifts them onto the session timeline.
type UtteranceResult struct {
	Text       string
	Words      []model.Word
	Language   string
	Confidence float64
}

// Segment is one finalized utterance positioned on the session timeline.
type Segment struct {
	ID         string
	Start      float64
	End        float64
	Text       string
	Words      []model.Word
	Confidence float64
}

// Assembler builds a session's transcript across multiple utterances,
// maintaining a running session-relative clock (spec §4.14: "assembles
// transcript").
type Assembler struct {
	segments    []Segment
	currentTime float64
	counter     int
}

// New constructs an empty Assembler.
func New() *Assembler { return &Assembler{} }

// AddUtterance appends a transcribed utterance spanning audioDurationS
// seconds starting at the assembler's current timeline position, returning
// the positioned segment.
func (a *Assembler) AddUtterance(result UtteranceResult, audioDurationS float64) Segment {
	words := make([]model.Word, len(result.Words))
	for i, w := range result.Words {
		words[i] = model.Word{
			Word:       w.Word,
			Start:      a.currentTime + w.Start,
			End:        a.currentTime + w.End,
			Confidence: w.Confidence,
		}
	}
	seg := Segment{
		ID:         fmt.Sprintf("seg_%04d", a.counter),
		Start:      a.currentTime,
		End:        a.currentTime + audioDurationS,
		Text:       result.Text,
		Words:      words,
		Confidence: result.Confidence,
	}
	a.segments = append(a.segments, seg)
	a.counter++
	a.currentTime = seg.End
	return seg
}

// FullTranscript concatenates every segment's text, space-joined (spec §8:
// "concatenation of transcript.final texts equals the transcript reported in
// session.end up to whitespace").
func (a *Assembler) FullTranscript() string {
	var parts []string
	for _, s := range a.segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Segments returns every segment assembled so far, in order.
func (a *Assembler) Segments() []Segment { return append([]Segment(nil), a.segments...) }

// CurrentTime is the session-relative end time of the last segment, or 0 if
// none yet.
func (a *Assembler) CurrentTime() float64 { return a.currentTime }

// SegmentCount returns how many segments have been assembled.
func (a *Assembler) SegmentCount() int { return len(a.segments) }

// Reset clears the assembler for reuse across sessions.
func (a *Assembler) Reset() {
	a.segments = nil
	a.currentTime = 0
	a.counter = 0
}
