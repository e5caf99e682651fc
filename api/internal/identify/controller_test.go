package identify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

type fakePredictor struct {
	pred      plant.Prediction
	predErr   error
	ranked    []plant.Candidate
	rankErr   error
	excluded  [][]string
	rankCount int
	health    plant.Health
}

func (f *fakePredictor) Name() string { return "fake" }

func (f *fakePredictor) Predict(_ context.Context, _ plant.Image, excluded []string) (plant.Prediction, error) {
	f.excluded = append(f.excluded, excluded)
	return f.pred, f.predErr
}

func (f *fakePredictor) RankAlternatives(_ context.Context, _ plant.Image, count int, excluded []string) ([]plant.Candidate, error) {
	f.rankCount = count
	f.excluded = append(f.excluded, excluded)
	return f.ranked, f.rankErr
}

func (f *fakePredictor) HealthCheck(context.Context) (plant.Health, error) { return f.health, nil }

type fakeFeedback struct {
	receipt plant.FeedbackReceipt
	err     error
	records []plant.FeedbackRecord
}

func (f *fakeFeedback) SubmitFeedback(_ context.Context, rec plant.FeedbackRecord) (plant.FeedbackReceipt, error) {
	f.records = append(f.records, rec)
	return f.receipt, f.err
}

func (f *fakeFeedback) IsAvailable(context.Context) bool { return f.err == nil }

func (f *fakeFeedback) Statistics(context.Context) (plant.FeedbackStats, error) {
	return plant.FeedbackStats{FeedbackTotal: len(f.records), ImagesSaved: len(f.records)}, nil
}

type fakeReference map[string]plant.SpeciesInfo

func (f fakeReference) LookupSpecies(_ context.Context, name string) plant.SpeciesInfo {
	if info, ok := f[name]; ok {
		return info
	}
	return plant.SpeciesInfo{ScientificName: name, Source: plant.SourceNotFound}
}

type fakeJournal struct{ recs []plant.OutcomeRecord }

func (f *fakeJournal) RecordOutcome(_ context.Context, rec plant.OutcomeRecord) error {
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeJournal) CountOutcomes(_ context.Context, since time.Time) ([]plant.OutcomeCount, error) {
	counts := map[string]int{}
	for _, r := range f.recs {
		if !r.FinishedAt.Before(since) {
			counts[r.Outcome]++
		}
	}
	var out []plant.OutcomeCount
	for _, k := range []string{"confirmed", "corrected", "not_identified"} {
		if counts[k] > 0 {
			out = append(out, plant.OutcomeCount{Outcome: k, Count: counts[k]})
		}
	}
	return out, nil
}

type fixture struct {
	ctrl *Controller
	pred *fakePredictor
	fb   *fakeFeedback
	jr   *fakeJournal
	h    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pred: &fakePredictor{pred: plant.Prediction{Species: "Ficus elastica", Confidence: 0.91}},
		fb:   &fakeFeedback{receipt: plant.FeedbackReceipt{Success: true}},
		jr:   &fakeJournal{},
	}
	store := NewStore(3, time.Hour)
	f.ctrl = NewController(store, Deps{
		Predictor: f.pred,
		Feedback:  f.fb,
		Reference: fakeReference{"Ficus elastica": {
			ScientificName: "Ficus elastica", CommonName: "Caucho", Source: plant.SourceVerified,
		}},
		Journal: f.jr,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, 5)
	n := 0
	f.ctrl.newID = func() string { n++; return fmt.Sprintf("session-%d", n) }
	f.h = store.Create()
	return f
}

func (f *fixture) toAlternatives(t *testing.T) {
	t.Helper()
	_, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.NoError(t, err)
	_, err = f.ctrl.RejectCurrent(context.Background(), f.h)
	require.NoError(t, err)
}

func TestStartSessionShowsPrediction(t *testing.T) {
	f := newFixture(t)
	st, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.NoError(t, err)
	assert.Equal(t, ShowingPrediction, st.Screen)
	assert.Equal(t, "session-1", st.ID)
	require.NotNil(t, st.Current)
	assert.Equal(t, "Ficus elastica", st.Current.Species)
	assert.InDelta(t, 0.91, st.Current.Confidence, 1e-9)
	assert.Equal(t, "Caucho", st.Current.Info.CommonName)
	assert.True(t, st.Current.Info.Verified())
	assert.Equal(t, "fake", st.Current.Engine)
	assert.Equal(t, [][]string{nil}, f.pred.excluded)
}

func TestStartSessionAlwaysResets(t *testing.T) {
	f := newFixture(t)
	f.toAlternatives(t)
	st, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.NoError(t, err)
	assert.Equal(t, 1, st.AttemptCount)
	assert.Empty(t, st.Excluded)
	assert.Equal(t, "session-2", st.ID)
}

func TestStartSessionPredictorUnavailable(t *testing.T) {
	f := newFixture(t)
	f.pred.predErr = fmt.Errorf("onnx: %w", plant.ErrUnavailable)
	st, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.Error(t, err)
	assert.ErrorIs(t, err, plant.ErrUnavailable)
	assert.Equal(t, AwaitingImage, st.Screen)
	assert.Nil(t, st.Current)

	snap, err := f.ctrl.Snapshot(f.h)
	require.NoError(t, err)
	assert.Equal(t, AwaitingImage, snap.Screen)
	assert.False(t, snap.Pending())
}

func TestStartSessionEmptySpeciesIsBadResponse(t *testing.T) {
	f := newFixture(t)
	f.pred.pred = plant.Prediction{Species: "  "}
	st, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	assert.ErrorIs(t, err, plant.ErrBadResponse)
	assert.Equal(t, AwaitingImage, st.Screen)
}

func TestRejectExcludesSpeciesAndShowsAlternatives(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.NoError(t, err)
	st, err := f.ctrl.RejectCurrent(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ficus elastica"}, st.Excluded)
	assert.Equal(t, 2, st.AttemptCount)
	assert.Equal(t, ShowingAlternatives, st.Screen)
}

func TestRejectUnknownHandle(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.RejectCurrent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListAlternativesExcludesRejected(t *testing.T) {
	f := newFixture(t)
	f.pred.ranked = []plant.Candidate{
		{Species: "Ficus elastica", Confidence: 0.7},
		{Species: "Ficus lyrata", Confidence: 0.6},
		{Species: "Monstera deliciosa", Confidence: 0.4},
	}
	f.toAlternatives(t)

	opts, err := f.ctrl.ListAlternatives(context.Background(), f.h, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, f.pred.rankCount)
	assert.Equal(t, []string{"Ficus elastica"}, f.pred.excluded[1])
	require.Len(t, opts, 2)
	for _, o := range opts {
		assert.NotEqual(t, "Ficus elastica", o.Species)
		assert.Equal(t, plant.SourceNotFound, o.Info.Source)
		assert.Equal(t, o.Species, o.Info.ScientificName)
	}
	assert.Equal(t, "Ficus lyrata", opts[0].Species)
}

func TestListAlternativesEmpty(t *testing.T) {
	f := newFixture(t)
	f.toAlternatives(t)
	opts, err := f.ctrl.ListAlternatives(context.Background(), f.h, 5)
	assert.ErrorIs(t, err, plant.ErrNoAlternatives)
	assert.Empty(t, opts)
	st, err := f.ctrl.Snapshot(f.h)
	require.NoError(t, err)
	assert.Equal(t, ShowingAlternatives, st.Screen)
}

func TestListAlternativesCollaboratorFailure(t *testing.T) {
	f := newFixture(t)
	f.toAlternatives(t)
	f.pred.rankErr = plant.ErrUnavailable
	_, err := f.ctrl.ListAlternatives(context.Background(), f.h, 5)
	assert.ErrorIs(t, err, plant.ErrUnavailable)
	st, _ := f.ctrl.Snapshot(f.h)
	assert.Equal(t, ShowingAlternatives, st.Screen)
}

func TestListAlternativesWrongScreen(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.NoError(t, err)
	_, err = f.ctrl.ListAlternatives(context.Background(), f.h, 5)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConfirmCorrectSendsFeedbackAndResets(t *testing.T) {
	f := newFixture(t)
	progress := 60
	f.fb.receipt = plant.FeedbackReceipt{Success: true, RetrainingProgress: &progress}
	_, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.NoError(t, err)

	st, err := f.ctrl.ConfirmCorrect(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, AwaitingImage, st.Screen)
	assert.Equal(t, 1, st.AttemptCount)
	assert.Empty(t, st.ID)

	require.Len(t, f.fb.records, 1)
	rec := f.fb.records[0]
	assert.Equal(t, plant.FeedbackCorrect, rec.Kind)
	assert.Equal(t, "Ficus elastica", rec.CorrectSpecies)
	assert.Equal(t, "session-1", rec.SessionID)

	n := f.ctrl.TakeNotice(f.h)
	require.NotNil(t, n)
	assert.Equal(t, NoticeConfirmed, n.Kind)
	require.NotNil(t, n.Receipt)
	assert.Equal(t, 60, *n.Receipt.RetrainingProgress)
	assert.Nil(t, f.ctrl.TakeNotice(f.h))

	require.Len(t, f.jr.recs, 1)
	assert.Equal(t, "confirmed", f.jr.recs[0].Outcome)
	assert.Equal(t, "Ficus elastica", f.jr.recs[0].FinalSpecies)
	assert.Equal(t, 1, f.jr.recs[0].Attempts)
}

func TestConfirmCorrectFeedbackErrorStillResets(t *testing.T) {
	f := newFixture(t)
	f.fb.err = fmt.Errorf("feedback: %w", plant.ErrUnavailable)
	_, err := f.ctrl.StartSession(context.Background(), f.h, testImage)
	require.NoError(t, err)
	st, err := f.ctrl.ConfirmCorrect(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, AwaitingImage, st.Screen)
	require.NotNil(t, st.Notice)
	assert.Contains(t, st.Notice.Warning, "service unavailable")
}

func TestSelectAlternativeWarnsWhenFeedbackIsRefused(t *testing.T) {
	f := newFixture(t)
	f.pred.ranked = []plant.Candidate{{Species: "Monstera deliciosa", Confidence: 0.55}}
	f.fb.receipt = plant.FeedbackReceipt{Success: false, Message: "disk full"}
	f.toAlternatives(t)
	_, err := f.ctrl.ListAlternatives(context.Background(), f.h, 5)
	require.NoError(t, err)

	st, err := f.ctrl.SelectAlternative(context.Background(), f.h, "Monstera deliciosa")
	require.NoError(t, err)
	assert.Equal(t, AwaitingImage, st.Screen)
	require.NotNil(t, st.Notice)
	assert.Equal(t, NoticeCorrected, st.Notice.Kind)
	assert.Equal(t, "disk full", st.Notice.Warning)

	require.Len(t, f.fb.records, 1)
	rec := f.fb.records[0]
	assert.Equal(t, plant.FeedbackCorrected, rec.Kind)
	assert.Equal(t, "Monstera deliciosa", rec.CorrectSpecies)
	assert.Equal(t, "Ficus elastica", rec.PredictedSpecies)
}

func TestSelectAlternativeNotOffered(t *testing.T) {
	f := newFixture(t)
	f.pred.ranked = []plant.Candidate{{Species: "Monstera deliciosa", Confidence: 0.55}}
	f.toAlternatives(t)
	_, err := f.ctrl.ListAlternatives(context.Background(), f.h, 5)
	require.NoError(t, err)

	_, err = f.ctrl.SelectAlternative(context.Background(), f.h, "Rosa chinensis")
	assert.ErrorIs(t, err, ErrUnknownSpecies)
	assert.Empty(t, f.fb.records)
	st, _ := f.ctrl.Snapshot(f.h)
	assert.Equal(t, ShowingAlternatives, st.Screen)
}

func TestDeclineAllSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.toAlternatives(t)
	st, err := f.ctrl.DeclineAll(context.Background(), f.h)
	require.NoError(t, err)
	assert.Equal(t, AwaitingImage, st.Screen)
	assert.Empty(t, f.fb.records)
	n := f.ctrl.TakeNotice(f.h)
	require.NotNil(t, n)
	assert.Equal(t, NoticeNotIdentified, n.Kind)
	require.Len(t, f.jr.recs, 1)
	assert.Equal(t, "not_identified", f.jr.recs[0].Outcome)
	assert.Equal(t, []string{"Ficus elastica"}, f.jr.recs[0].Excluded)
}

func TestResetAbandonsSequence(t *testing.T) {
	f := newFixture(t)
	f.toAlternatives(t)
	st := f.ctrl.Reset(f.h)
	assert.Equal(t, Initial(3), st)
	assert.Equal(t, Initial(3), f.ctrl.Reset("tg:99"))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.pred.health = plant.Health{Available: true, SpeciesCount: 12}
	f.jr.recs = []plant.OutcomeRecord{
		{Outcome: "confirmed", FinishedAt: time.Now()},
		{Outcome: "confirmed", FinishedAt: time.Now()},
		{Outcome: "corrected", FinishedAt: time.Now().Add(-48 * time.Hour)},
	}
	st := f.ctrl.Status(context.Background(), f.h, pingFunc(func(context.Context) error { return errors.New("down") }))
	assert.True(t, st.Ready())
	assert.Equal(t, 12, st.Predictor.SpeciesCount)
	assert.True(t, st.FeedbackAvailable)
	require.NotNil(t, st.FeedbackStats)
	assert.False(t, st.DatabaseConnected)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, "fake", st.PredictorEngine)
	assert.Equal(t, []plant.OutcomeCount{{Outcome: "confirmed", Count: 2}}, st.RecentOutcomes)
}

type pingFunc func(context.Context) error

func (p pingFunc) PingContext(ctx context.Context) error { return p(ctx) }

func TestNewHandleAndSweepIdle(t *testing.T) {
	f := newFixture(t)
	h := f.ctrl.NewHandle()
	st, err := f.ctrl.Snapshot(h)
	require.NoError(t, err)
	assert.Equal(t, AwaitingImage, st.Screen)

	f.ctrl.store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 2, f.ctrl.SweepIdle())
	_, err = f.ctrl.Snapshot(h)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
