package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/metrics"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

// Selector picks the prediction engine for a handle.
type Selector interface {
	For(handle string) plant.Predictor
}

// Deps are the collaborators a Controller drives. Predictor and Feedback are
// required; the rest may be nil. Engines, when set, overrides Predictor per handle.
type Deps struct {
	Predictor plant.Predictor
	Engines   Selector
	Feedback  plant.FeedbackSink
	Reference plant.Reference
	Images    plant.ReferenceImager
	Journal   plant.Journal
	Logger    *slog.Logger
}

// Controller runs Transition against a Store and makes the collaborator calls
// the transitions ask for. Collaborator calls are made while the session lock
// is held, so one handle sees one action at a time.
type Controller struct {
	store        *Store
	predictor    plant.Predictor
	engines      Selector
	feedback     plant.FeedbackSink
	reference    plant.Reference
	images       plant.ReferenceImager
	journal      plant.Journal
	log          *slog.Logger
	alternatives int
	newID        func() string
	now          func() time.Time
}

func NewController(store *Store, d Deps, alternatives int) *Controller {
	if alternatives <= 0 {
		alternatives = DefaultAlternatives
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store:        store,
		predictor:    d.Predictor,
		engines:      d.Engines,
		feedback:     d.Feedback,
		reference:    d.Reference,
		images:       d.Images,
		journal:      d.Journal,
		log:          log.With("component", "identify"),
		alternatives: alternatives,
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// Option is one entry of the alternatives list with its reference data.
type Option struct {
	plant.Candidate
	Info plant.SpeciesInfo `json:"info"`
}

// NewHandle opens an empty session and returns its handle.
func (c *Controller) NewHandle() string {
	h := c.store.Create()
	c.setActive()
	return h
}

// StartSession discards whatever the handle held, opens a new sequence for
// img and asks the predictor for the top species. On failure the session is
// left in AWAITING_IMAGE and the collaborator error is returned.
func (c *Controller) StartSession(ctx context.Context, handle string, img plant.Image) (State, error) {
	var out State
	err := c.store.Update(handle, true, func(st *State) error {
		err := c.apply(ctx, c.engine(handle), st, Start{ID: c.newID(), Image: img})
		out = st.Clone()
		return err
	})
	c.setActive()
	switch {
	case errors.Is(err, ErrNoImage):
	case err != nil:
		metrics.SessionsStarted.WithLabelValues("error").Inc()
		c.log.Warn("prediction failed", "handle", handle, "err", err)
	default:
		metrics.SessionsStarted.WithLabelValues("ok").Inc()
		c.log.Info("prediction shown",
			"handle", handle, "session", out.ID,
			"species", out.Current.Species, "confidence", out.Current.Confidence)
	}
	return out, err
}

// RejectCurrent excludes the displayed species and moves to the alternatives screen.
func (c *Controller) RejectCurrent(ctx context.Context, handle string) (State, error) {
	var out State
	err := c.store.Update(handle, false, func(st *State) error {
		err := c.apply(ctx, c.engine(handle), st, Reject{})
		out = st.Clone()
		return err
	})
	if err == nil {
		metrics.Rejections.Inc()
		c.log.Info("prediction rejected", "handle", handle, "session", out.ID,
			"attempt", out.AttemptCount, "excluded", len(out.Excluded))
	}
	return out, err
}

// ListAlternatives ranks up to count species (DefaultAlternatives when count
// is not positive) that the user has not rejected. An empty ranking is
// reported as plant.ErrNoAlternatives and leaves the screen unchanged.
func (c *Controller) ListAlternatives(ctx context.Context, handle string, count int) ([]Option, error) {
	if count <= 0 {
		count = c.alternatives
	}
	var alts []plant.Candidate
	err := c.store.Update(handle, false, func(st *State) error {
		if err := c.apply(ctx, c.engine(handle), st, RequestAlternatives{Count: count}); err != nil {
			return err
		}
		alts = slices.Clone(st.Alternatives)
		return nil
	})
	if err != nil {
		return nil, err
	}
	opts := make([]Option, 0, len(alts))
	for _, a := range alts {
		opts = append(opts, Option{Candidate: a, Info: c.lookup(ctx, a.Species)})
	}
	return opts, nil
}

// ConfirmCorrect records the displayed species as right and resets the session.
// A failed feedback submission only produces a warning on the notice.
func (c *Controller) ConfirmCorrect(ctx context.Context, handle string) (State, error) {
	return c.finish(ctx, handle, Confirm{})
}

// SelectAlternative records species, which must come from the last
// ListAlternatives call, as the correction and resets the session.
func (c *Controller) SelectAlternative(ctx context.Context, handle, species string) (State, error) {
	return c.finish(ctx, handle, Select{Species: species})
}

// DeclineAll ends the sequence without feedback.
func (c *Controller) DeclineAll(ctx context.Context, handle string) (State, error) {
	return c.finish(ctx, handle, Decline{})
}

// Reset abandons the current sequence. Unknown handles are opened fresh.
func (c *Controller) Reset(handle string) State {
	var out State
	_ = c.store.Update(handle, true, func(st *State) error {
		if st.ID != "" {
			metrics.Outcomes.WithLabelValues("reset").Inc()
		}
		next, _, _ := Transition(*st, Reset{})
		*st = next
		out = st.Clone()
		return nil
	})
	return out
}

// Snapshot returns the handle's current state.
func (c *Controller) Snapshot(handle string) (State, error) {
	st, ok := c.store.Snapshot(handle)
	if !ok {
		return State{}, ErrSessionNotFound
	}
	return st, nil
}

// TakeNotice returns and clears the one-shot notice, if any.
func (c *Controller) TakeNotice(handle string) *Notice {
	var n *Notice
	_ = c.store.Update(handle, false, func(st *State) error {
		n, st.Notice = st.Notice, nil
		return nil
	})
	return n
}

// Lookup returns reference data for a species, degraded when the lookup fails.
func (c *Controller) Lookup(ctx context.Context, species string) plant.SpeciesInfo {
	return c.lookup(ctx, species)
}

func (c *Controller) finish(ctx context.Context, handle string, a Action) (State, error) {
	var (
		out State
		rec plant.OutcomeRecord
	)
	err := c.store.Update(handle, false, func(st *State) error {
		before := st.Clone()
		if err := c.apply(ctx, c.engine(handle), st, a); err != nil {
			return err
		}
		rec = c.outcome(before, *st)
		out = st.Clone()
		return nil
	})
	if err != nil {
		return out, err
	}
	metrics.Outcomes.WithLabelValues(rec.Outcome).Inc()
	attrs := []any{"handle", handle, "session", rec.SessionID, "outcome", rec.Outcome, "species", rec.FinalSpecies}
	if out.Notice != nil && out.Notice.Warning != "" {
		c.log.Warn("feedback not stored", append(attrs, "warning", out.Notice.Warning)...)
	} else {
		c.log.Info("sequence finished", attrs...)
	}
	c.record(ctx, rec)
	return out, nil
}

func (c *Controller) outcome(before, after State) plant.OutcomeRecord {
	rec := plant.OutcomeRecord{
		SessionID:  before.ID,
		Attempts:   before.AttemptCount,
		Excluded:   slices.Clone(before.Excluded),
		FinishedAt: c.now(),
	}
	if before.Current != nil {
		rec.PredictedSpecies = before.Current.Species
		rec.Confidence = before.Current.Confidence
		rec.Engine = before.Current.Engine
	}
	if n := after.Notice; n != nil {
		rec.Outcome = string(n.Kind)
		rec.FinalSpecies = n.Species
	}
	return rec
}

func (c *Controller) record(ctx context.Context, rec plant.OutcomeRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordOutcome(ctx, rec); err != nil {
		c.log.Warn("journal write failed", "session", rec.SessionID, "err", err)
	}
}

// apply runs one transition and then every effect it produced, feeding the
// results back into the machine.
func (c *Controller) apply(ctx context.Context, p plant.Predictor, st *State, a Action) error {
	next, effects, err := Transition(*st, a)
	if err != nil {
		return err
	}
	*st = next
	for _, e := range effects {
		if err := c.execute(ctx, p, st, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) execute(ctx context.Context, p plant.Predictor, st *State, e Effect) error {
	switch e := e.(type) {
	case PredictEffect:
		pred, err := c.predict(ctx, p, e)
		if err == nil {
			err = c.apply(ctx, p, st, PredictionSucceeded{Prediction: pred})
		}
		if err != nil {
			_ = c.apply(ctx, p, st, PredictionFailed{Err: err})
			return err
		}
		return nil

	case RankEffect:
		start := time.Now()
		cands, err := p.RankAlternatives(ctx, e.Image, e.Count, e.Excluded)
		metrics.ObserveCall(p.Name(), "rank", start, err)
		if err != nil {
			return fmt.Errorf("rank alternatives: %w", err)
		}
		if err := c.apply(ctx, p, st, AlternativesRanked{Count: e.Count, Candidates: cands}); err != nil {
			return err
		}
		if len(st.Alternatives) == 0 {
			return plant.ErrNoAlternatives
		}
		return nil

	case FeedbackEffect:
		start := time.Now()
		receipt, err := c.feedback.SubmitFeedback(ctx, e.Record)
		metrics.ObserveCall("feedback", "submit", start, err)
		return c.apply(ctx, p, st, FeedbackRecorded{
			Kind:    e.Record.Kind,
			Species: e.Record.CorrectSpecies,
			Receipt: receipt,
			Err:     err,
		})
	}
	return fmt.Errorf("%w: unknown effect %T", ErrInvalidTransition, e)
}

func (c *Controller) predict(ctx context.Context, p plant.Predictor, e PredictEffect) (plant.Prediction, error) {
	start := time.Now()
	pred, err := p.Predict(ctx, e.Image, e.Excluded)
	metrics.ObserveCall(p.Name(), "predict", start, err)
	if err != nil {
		return plant.Prediction{}, fmt.Errorf("predict: %w", err)
	}
	if pred.Engine == "" {
		pred.Engine = p.Name()
	}
	if pred.PredictedAt.IsZero() {
		pred.PredictedAt = c.now()
	}
	pred.Info = c.lookup(ctx, pred.Species)
	return pred, nil
}

// lookup never fails; a missing or broken reference source yields basic info.
func (c *Controller) lookup(ctx context.Context, species string) plant.SpeciesInfo {
	species = plant.NormalizeSpecies(species)
	info := plant.SpeciesInfo{ScientificName: species, Source: plant.SourceNotFound}
	if c.reference != nil && species != "" {
		start := time.Now()
		info = c.reference.LookupSpecies(ctx, species)
		var err error
		if info.Source == plant.SourceError {
			err = errors.New(info.Description)
		}
		metrics.ObserveCall("reference", "lookup", start, err)
		if info.ScientificName == "" {
			info.ScientificName = species
		}
	}
	if info.ImageURL == "" && c.images != nil && species != "" {
		info.ImageURL = c.images.ReferenceImageURL(species)
	}
	return info
}

func (c *Controller) engine(handle string) plant.Predictor {
	if c.engines != nil {
		return c.engines.For(handle)
	}
	return c.predictor
}

func (c *Controller) setActive() {
	metrics.ActiveSessions.Set(float64(c.store.Len()))
}

// SweepIdle drops idle sessions and updates the active gauge.
func (c *Controller) SweepIdle() int {
	n := c.store.Sweep()
	c.setActive()
	return n
}

// RunSweeper expires idle sessions every interval until ctx is done.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	c.store.RunSweeper(ctx, interval, func(n int) {
		c.setActive()
		c.log.Info("idle sessions expired", "removed", n, "active", c.store.Len())
	})
}
