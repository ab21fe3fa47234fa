package stream_test

import (
	"testing"

	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/lexassist/lexchat-web/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	renders [][]models.Message
}

func (r *recordingObserver) Render(messages []models.Message) {
	r.renders = append(r.renders, messages)
}

func answerFrame(id, text string) models.Frame {
	f := models.Frame{Mode: models.ModeAnswer, Answer: models.StringPtr(text)}
	if id != "" {
		f.ResponseID = models.StringPtr(id)
	}
	return f
}

func sourcesFrame(sources ...models.Source) models.Frame {
	if sources == nil {
		sources = []models.Source{}
	}
	return models.Frame{Mode: models.ModeSources, Sources: sources}
}

func suggestionsFrame(questions ...string) models.Frame {
	return models.Frame{Mode: models.ModeSuggestions, SuggestionQuestions: questions}
}

func botIDs(msgs []models.Message) []string {
	var ids []string
	for _, m := range msgs {
		if m.Role == models.RoleBot {
			ids = append(ids, m.ResponseID)
		}
	}
	return ids
}

func TestAccumulatorOrdering(t *testing.T) {
	acc := stream.NewAccumulator(nil, nil, discardLogger())

	frames := []models.Frame{
		answerFrame("r1", "one"),
		suggestionsFrame("s1"),
		answerFrame("r2", "two"),
		sourcesFrame(models.Source{Title: "A", URL: "u"}),
		{Mode: "progress"},
		answerFrame("r3", "three"),
		suggestionsFrame("s3"),
	}
	for _, f := range frames {
		acc.Apply(f)
	}

	msgs := acc.Messages()
	assert.Equal(t, []string{"r1", "r2", "r3"}, botIDs(msgs))
	assert.Equal(t, []string{"s1"}, msgs[0].SuggestionQuestions)
	assert.Equal(t, []models.Source{{Title: "A", URL: "u"}}, msgs[1].Sources)
	assert.Equal(t, []string{"s3"}, msgs[2].SuggestionQuestions)
}

func TestAccumulatorAdditiveMerge(t *testing.T) {
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	acc.Apply(answerFrame("r1", "Hello"))

	require.Nil(t, acc.Messages()[0].Sources)

	acc.Apply(sourcesFrame(models.Source{Title: "A", URL: "u"}))
	acc.Apply(suggestionsFrame("next?"))

	msg := acc.Messages()[0]
	assert.Equal(t, []models.Source{{Title: "A", URL: "u"}}, msg.Sources)
	assert.Equal(t, []string{"next?"}, msg.SuggestionQuestions)
	assert.Equal(t, "Hello", msg.Answer)

	// An empty array is present and overwrites.
	acc.Apply(sourcesFrame())
	assert.Empty(t, acc.Messages()[0].Sources)
	assert.NotNil(t, acc.Messages()[0].Sources)
}

func TestAccumulatorMergeDoesNotTouchAnswer(t *testing.T) {
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	acc.Apply(answerFrame("r1", "Hello"))

	f := sourcesFrame(models.Source{Title: "A", URL: "u"})
	f.Answer = models.StringPtr("")
	acc.Apply(f)

	assert.Equal(t, "Hello", acc.Messages()[0].Answer)
}

func TestAccumulatorDropOnStaleTarget(t *testing.T) {
	obs := &recordingObserver{}
	acc := stream.NewAccumulator(nil, obs, discardLogger())

	acc.Apply(answerFrame("r1", "first"))
	acc.Apply(answerFrame("", "second without id"))

	changed := acc.Apply(sourcesFrame(models.Source{Title: "late", URL: "u"}))
	assert.False(t, changed)
	assert.Len(t, obs.renders, 2)

	for _, m := range acc.Messages() {
		assert.Nil(t, m.Sources)
	}
	_, ok := acc.Target()
	assert.False(t, ok)
}

func TestAccumulatorTargetMovesToNewestAnswer(t *testing.T) {
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	acc.Apply(answerFrame("r1", "first"))
	acc.Apply(answerFrame("r2", "second"))
	acc.Apply(sourcesFrame(models.Source{Title: "A", URL: "u"}))

	msgs := acc.Messages()
	assert.Nil(t, msgs[0].Sources)
	assert.Len(t, msgs[1].Sources, 1)

	target, ok := acc.Target()
	assert.True(t, ok)
	assert.Equal(t, "r2", target)
}

func TestAccumulatorRepeatedAnswerOpensNewMessage(t *testing.T) {
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	acc.Apply(answerFrame("r1", "Hello"))
	acc.Apply(answerFrame("r1", " world"))

	msgs := acc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Answer)
	assert.Equal(t, " world", msgs[1].Answer)
}

func TestAccumulatorSkipsUserFrames(t *testing.T) {
	obs := &recordingObserver{}
	acc := stream.NewAccumulator(nil, obs, discardLogger())

	assert.False(t, acc.Apply(models.Frame{Mode: models.ModeUser, Question: "q"}))
	assert.Empty(t, acc.Messages())
	assert.Empty(t, obs.renders)
}

func TestAccumulatorUnknownModeMerges(t *testing.T) {
	acc := stream.NewAccumulator(nil, nil, discardLogger())
	acc.Apply(answerFrame("r1", "Hello"))

	f, err := models.ParseFrame([]byte(`{"response_mode":"related","suggestion_questions":["a","b"]}`))
	require.NoError(t, err)
	require.Equal(t, models.KindUnknown, f.Kind())

	assert.True(t, acc.Apply(f))
	assert.Equal(t, []string{"a", "b"}, acc.Messages()[0].SuggestionQuestions)
}

func TestAccumulatorNotifiesWithFreshCopies(t *testing.T) {
	obs := &recordingObserver{}
	acc := stream.NewAccumulator(nil, obs, discardLogger())

	acc.Append(models.Message{Role: models.RoleUser, Question: "q"})
	acc.Apply(answerFrame("r1", "a"))
	acc.Apply(sourcesFrame(models.Source{Title: "A", URL: "u"}))
	acc.Apply(sourcesFrame(models.Source{Title: "B", URL: "v"}))

	require.Len(t, obs.renders, 4)
	assert.Len(t, obs.renders[0], 1)
	assert.Len(t, obs.renders[1], 2)
	assert.Nil(t, obs.renders[1][1].Sources)
	assert.Equal(t, "A", obs.renders[2][1].Sources[0].Title)
	assert.Equal(t, "B", obs.renders[3][1].Sources[0].Title)
}

func TestAccumulatorAppendUnique(t *testing.T) {
	seed := []models.Message{{Role: models.RoleUser, Question: "q", ChatID: "c1", UserID: 7}}
	acc := stream.NewAccumulator(seed, nil, discardLogger())

	assert.False(t, acc.AppendUnique(models.Message{Role: models.RoleUser, Question: "q", ChatID: "c1", UserID: 7}))
	assert.True(t, acc.AppendUnique(models.Message{Role: models.RoleUser, Question: "other", ChatID: "c1", UserID: 7}))
	assert.Len(t, acc.Messages(), 2)
}

func TestAccumulatorAnswerFromHistoryIsNotTargeted(t *testing.T) {
	seed := []models.Message{{ResponseID: "m1", Role: models.RoleBot, Answer: "old"}}
	acc := stream.NewAccumulator(seed, nil, discardLogger())

	assert.False(t, acc.Apply(sourcesFrame(models.Source{Title: "A", URL: "u"})))
	assert.Nil(t, acc.Messages()[0].Sources)
}
