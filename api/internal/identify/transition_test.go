package identify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

var testImage = plant.Image{Data: []byte{0xff, 0xd8, 0xff}, MIME: "image/jpeg"}

func mustStep(t *testing.T, s State, a Action) (State, []Effect) {
	t.Helper()
	next, effects, err := Transition(s, a)
	require.NoError(t, err)
	return next, effects
}

func showing(t *testing.T, species string, conf float64) State {
	t.Helper()
	s, _ := mustStep(t, Initial(3), Start{ID: "s-1", Image: testImage})
	s, _ = mustStep(t, s, PredictionSucceeded{Prediction: plant.Prediction{Species: species, Confidence: conf}})
	return s
}

func TestStartResetsAndRequestsPrediction(t *testing.T) {
	prior := showing(t, "Ficus elastica", 0.91)
	prior, _ = mustStep(t, prior, Reject{})
	require.Equal(t, 2, prior.AttemptCount)

	s, effects := mustStep(t, prior, Start{ID: "s-2", Image: testImage})
	assert.Equal(t, "s-2", s.ID)
	assert.Equal(t, 1, s.AttemptCount)
	assert.Empty(t, s.Excluded)
	assert.Nil(t, s.Current)
	assert.Equal(t, AwaitingImage, s.Screen)
	assert.True(t, s.Pending())
	require.Len(t, effects, 1)
	pe, ok := effects[0].(PredictEffect)
	require.True(t, ok)
	assert.Empty(t, pe.Excluded)
}

func TestStartWithoutImage(t *testing.T) {
	_, _, err := Transition(Initial(3), Start{ID: "x"})
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestPredictionShown(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	assert.Equal(t, ShowingPrediction, s.Screen)
	require.NotNil(t, s.Current)
	assert.Equal(t, "Ficus elastica", s.Current.Species)
	assert.InDelta(t, 0.91, s.Current.Confidence, 1e-9)
}

func TestPredictionOfExcludedSpeciesIsRejected(t *testing.T) {
	s, _ := mustStep(t, Initial(3), Start{ID: "s", Image: testImage})
	s.Excluded = []string{"Ficus elastica"}
	_, _, err := Transition(s, PredictionSucceeded{Prediction: plant.Prediction{Species: "ficus  elastica"}})
	assert.ErrorIs(t, err, plant.ErrBadResponse)
}

func TestPredictionFailedLeavesAwaitingImage(t *testing.T) {
	s, _ := mustStep(t, Initial(3), Start{ID: "s", Image: testImage})
	s, _ = mustStep(t, s, PredictionFailed{Err: plant.ErrUnavailable})
	assert.Equal(t, AwaitingImage, s.Screen)
	assert.False(t, s.Pending())
}

func TestRejectMovesToAlternatives(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	s, effects := mustStep(t, s, Reject{})
	assert.Empty(t, effects)
	assert.Equal(t, []string{"Ficus elastica"}, s.Excluded)
	assert.Equal(t, 2, s.AttemptCount)
	assert.Equal(t, ShowingAlternatives, s.Screen)
}

func TestRejectRespectsAttemptBound(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	s.MaxAttempts = 1
	s.AttemptCount = 2
	_, _, err := Transition(s, Reject{})
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestExcludedGrowsWithoutDuplicates(t *testing.T) {
	s, _ := mustStep(t, Initial(5), Start{ID: "s", Image: testImage})
	species := []string{"Ficus elastica", "Monstera deliciosa", "Pothos aureus"}
	for i, sp := range species {
		s.Screen = AwaitingImage
		s, _ = mustStep(t, s, PredictionSucceeded{Prediction: plant.Prediction{Species: sp}})
		assert.NotContains(t, s.Excluded, sp)
		s, _ = mustStep(t, s, Reject{})
		assert.Len(t, s.Excluded, i+1)
		assert.Equal(t, i+2, s.AttemptCount)
	}
	assert.Equal(t, species, s.Excluded)
}

func TestRequestAlternativesDefaultsCount(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	s, _ = mustStep(t, s, Reject{})
	_, effects := mustStep(t, s, RequestAlternatives{})
	require.Len(t, effects, 1)
	re := effects[0].(RankEffect)
	assert.Equal(t, DefaultAlternatives, re.Count)
	assert.Equal(t, []string{"Ficus elastica"}, re.Excluded)
	assert.Equal(t, testImage, re.Image)
}

func TestAlternativesRankedFiltersExcluded(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	s, _ = mustStep(t, s, Reject{})
	s, _ = mustStep(t, s, AlternativesRanked{Count: 2, Candidates: []plant.Candidate{
		{Species: "Ficus elastica", Confidence: 0.8},
		{Species: "Monstera deliciosa", Confidence: 0.6},
		{Species: "Monstera deliciosa", Confidence: 0.5},
		{Species: "Pothos aureus", Confidence: 0.4},
		{Species: "Sansevieria trifasciata", Confidence: 0.3},
	}})
	assert.Equal(t, []plant.Candidate{
		{Species: "Monstera deliciosa", Confidence: 0.6},
		{Species: "Pothos aureus", Confidence: 0.4},
	}, s.Alternatives)
	assert.Equal(t, ShowingAlternatives, s.Screen)
}

func TestConfirmEmitsCorrectFeedbackAndResets(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	next, effects := mustStep(t, s, Confirm{})
	assert.Equal(t, Initial(3), next)
	require.Len(t, effects, 1)
	rec := effects[0].(FeedbackEffect).Record
	assert.Equal(t, plant.FeedbackCorrect, rec.Kind)
	assert.Equal(t, "Ficus elastica", rec.PredictedSpecies)
	assert.Equal(t, "Ficus elastica", rec.CorrectSpecies)
	assert.Equal(t, "s-1", rec.SessionID)
	assert.InDelta(t, 0.91, rec.Confidence, 1e-9)
	assert.Equal(t, testImage, rec.Image)
}

func TestSelectRequiresOfferedSpecies(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	s, _ = mustStep(t, s, Reject{})
	s, _ = mustStep(t, s, AlternativesRanked{Count: 5, Candidates: []plant.Candidate{{Species: "Monstera deliciosa", Confidence: 0.6}}})

	_, _, err := Transition(s, Select{Species: "Pothos aureus"})
	assert.ErrorIs(t, err, ErrUnknownSpecies)

	next, effects := mustStep(t, s, Select{Species: "monstera deliciosa"})
	assert.Equal(t, AwaitingImage, next.Screen)
	rec := effects[0].(FeedbackEffect).Record
	assert.Equal(t, plant.FeedbackCorrected, rec.Kind)
	assert.Equal(t, "Monstera deliciosa", rec.CorrectSpecies)
	assert.Equal(t, "Ficus elastica", rec.PredictedSpecies)
}

func TestDeclineQueuesNotice(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	s, _ = mustStep(t, s, Reject{})
	next, effects := mustStep(t, s, Decline{})
	assert.Empty(t, effects)
	assert.Equal(t, AwaitingImage, next.Screen)
	assert.Empty(t, next.Excluded)
	require.NotNil(t, next.Notice)
	assert.Equal(t, NoticeNotIdentified, next.Notice.Kind)
}

func TestFeedbackRecordedNotices(t *testing.T) {
	progress := 40
	s, _ := mustStep(t, Initial(3), FeedbackRecorded{
		Kind: plant.FeedbackCorrect, Species: "Ficus elastica",
		Receipt: plant.FeedbackReceipt{Success: true, RetrainingProgress: &progress},
	})
	require.NotNil(t, s.Notice)
	assert.Equal(t, NoticeConfirmed, s.Notice.Kind)
	require.NotNil(t, s.Notice.Receipt)
	assert.Equal(t, 40, *s.Notice.Receipt.RetrainingProgress)
	assert.Empty(t, s.Notice.Warning)

	s, _ = mustStep(t, Initial(3), FeedbackRecorded{Kind: plant.FeedbackCorrected, Species: "Monstera deliciosa"})
	assert.Equal(t, NoticeCorrected, s.Notice.Kind)
	assert.Equal(t, plant.ErrFeedbackRefused.Error(), s.Notice.Warning)

	s, _ = mustStep(t, Initial(3), FeedbackRecorded{Kind: plant.FeedbackCorrect, Err: errors.New("timeout")})
	assert.Equal(t, "timeout", s.Notice.Warning)
	assert.Nil(t, s.Notice.Receipt)
}

func TestInvalidActionsLeaveStateUntouched(t *testing.T) {
	cases := []struct {
		name  string
		state State
		act   Action
	}{
		{"reject while awaiting", Initial(3), Reject{}},
		{"confirm while awaiting", Initial(3), Confirm{}},
		{"select while awaiting", Initial(3), Select{Species: "x"}},
		{"decline while awaiting", Initial(3), Decline{}},
		{"alternatives while awaiting", Initial(3), RequestAlternatives{}},
		{"late prediction", showing(t, "Ficus elastica", 0.9), PredictionSucceeded{Prediction: plant.Prediction{Species: "y"}}},
		{"select while showing prediction", showing(t, "Ficus elastica", 0.9), Select{Species: "x"}},
		{"decline while showing prediction", showing(t, "Ficus elastica", 0.9), Decline{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, effects, err := Transition(tc.state, tc.act)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Empty(t, effects)
			assert.Equal(t, tc.state, next)
		})
	}
}

func TestTransitionDoesNotAliasInput(t *testing.T) {
	s := showing(t, "Ficus elastica", 0.91)
	s, _ = mustStep(t, s, Reject{})
	s, _ = mustStep(t, s, AlternativesRanked{Count: 5, Candidates: []plant.Candidate{{Species: "Monstera deliciosa"}}})
	before := s.Clone()
	next, _ := mustStep(t, s, RequestAlternatives{Count: 3})
	next.Excluded[0] = "mutated"
	next.Alternatives[0].Species = "mutated"
	assert.Equal(t, before, s)
}
