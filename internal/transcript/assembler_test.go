package transcript_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/transcript"
)

func TestAddUtteranceShiftsWordsOntoSessionTimeline(t *testing.T) {
	a := transcript.New()

	first := a.AddUtterance(transcript.UtteranceResult{
		Text: "hello there",
		Words: []model.Word{
			{Word: "hello", Start: 0, End: 0.4},
			{Word: "there", Start: 0.5, End: 0.9},
		},
	}, 1.0)
	assert.Equal(t, 0.0, first.Start)
	assert.Equal(t, 1.0, first.End)
	require.Len(t, first.Words, 2)
	assert.Equal(t, 0.5, first.Words[1].Start)

	second := a.AddUtterance(transcript.UtteranceResult{
		Text: "general kenobi",
		Words: []model.Word{
			{Word: "general", Start: 0, End: 0.3},
		},
	}, 0.8)
	assert.Equal(t, 1.0, second.Start, "second utterance starts where the first left off")
	assert.Equal(t, 1.8, second.End)
	assert.Equal(t, 1.0, second.Words[0].Start, "word timestamps shift onto the session timeline")
}

func TestFullTranscriptJoinsNonEmptyTextWithSpaces(t *testing.T) {
	a := transcript.New()
	a.AddUtterance(transcript.UtteranceResult{Text: "hello"}, 1.0)
	a.AddUtterance(transcript.UtteranceResult{Text: ""}, 0.5)
	a.AddUtterance(transcript.UtteranceResult{Text: "world"}, 1.0)

	assert.Equal(t, "hello world", a.FullTranscript())
	assert.Equal(t, 3, a.SegmentCount())
}

func TestSegmentIDsAreSequential(t *testing.T) {
	a := transcript.New()
	s0 := a.AddUtterance(transcript.UtteranceResult{Text: "a"}, 1.0)
	s1 := a.AddUtterance(transcript.UtteranceResult{Text: "b"}, 1.0)
	assert.Equal(t, "seg_0000", s0.ID)
	assert.Equal(t, "seg_0001", s1.ID)
}

func TestResetClearsState(t *testing.T) {
	a := transcript.New()
	a.AddUtterance(transcript.UtteranceResult{Text: "a"}, 1.0)
	a.Reset()
	assert.Equal(t, 0, a.SegmentCount())
	assert.Equal(t, 0.0, a.CurrentTime())
	assert.Empty(t, a.FullTranscript())

	s := a.AddUtterance(transcript.UtteranceResult{Text: "fresh"}, 1.0)
	assert.Equal(t, "seg_0000", s.ID, "counter restarts after reset")
}
