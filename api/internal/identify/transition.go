package identify

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

// Action is a user decision or a collaborator result fed back into the machine.
type Action interface{ name() string }

type (
	// Start submits a new image. ID is allocated by the caller so Transition stays pure.
	Start struct {
		ID    string
		Image plant.Image
	}
	PredictionSucceeded struct{ Prediction plant.Prediction }
	PredictionFailed    struct{ Err error }
	Reject              struct{}
	RequestAlternatives struct{ Count int }
	AlternativesRanked  struct {
		Count      int
		Candidates []plant.Candidate
	}
	Confirm struct{}
	Select  struct{ Species string }
	Decline struct{}
	// FeedbackRecorded carries the feedback service answer after a terminal outcome.
	FeedbackRecorded struct {
		Kind    plant.FeedbackKind
		Species string
		Receipt plant.FeedbackReceipt
		Err     error
	}
	Reset struct{}
)

func (Start) name() string               { return "start_session" }
func (PredictionSucceeded) name() string { return "prediction_succeeded" }
func (PredictionFailed) name() string    { return "prediction_failed" }
func (Reject) name() string              { return "reject_current" }
func (RequestAlternatives) name() string { return "list_alternatives" }
func (AlternativesRanked) name() string  { return "alternatives_ranked" }
func (Confirm) name() string             { return "confirm_correct" }
func (Select) name() string              { return "select_alternative" }
func (Decline) name() string             { return "decline_all" }
func (FeedbackRecorded) name() string    { return "feedback_recorded" }
func (Reset) name() string               { return "reset" }

// Effect is a collaborator call the controller must make after a transition.
type Effect interface{ effect() }

type (
	PredictEffect struct {
		Image    plant.Image
		Excluded []string
	}
	RankEffect struct {
		Image    plant.Image
		Count    int
		Excluded []string
	}
	FeedbackEffect struct{ Record plant.FeedbackRecord }
)

func (PredictEffect) effect()  {}
func (RankEffect) effect()     {}
func (FeedbackEffect) effect() {}

// Transition computes the next state and the calls to make. On error the
// input state is still valid and must be kept as is.
func Transition(s State, a Action) (State, []Effect, error) {
	s = s.Clone()
	switch act := a.(type) {
	case Start:
		if act.Image.Empty() {
			return s, nil, ErrNoImage
		}
		next := s.reset()
		next.ID = act.ID
		next.Image = act.Image
		return next, []Effect{PredictEffect{Image: act.Image}}, nil

	case PredictionSucceeded:
		if !s.Pending() {
			return s, nil, invalid(a, s.Screen)
		}
		species := plant.NormalizeSpecies(act.Prediction.Species)
		if species == "" {
			return s, nil, fmt.Errorf("%w: prediction without species", plant.ErrBadResponse)
		}
		if s.IsExcluded(species) {
			return s, nil, fmt.Errorf("%w: predicted excluded species %q", plant.ErrBadResponse, species)
		}
		pred := act.Prediction
		pred.Species = species
		s.Current = &pred
		s.Screen = ShowingPrediction
		return s, nil, nil

	case PredictionFailed:
		if !s.Pending() {
			return s, nil, invalid(a, s.Screen)
		}
		return s.reset(), nil, nil

	case Reject:
		if s.Screen != ShowingPrediction || s.Current == nil {
			return s, nil, invalid(a, s.Screen)
		}
		// Through the Controller a sequence ends at the first alternatives
		// screen, so this bound only holds Transition's other callers to it.
		if s.AttemptCount+1 > s.MaxAttempts+1 {
			return s, nil, fmt.Errorf("%w (%d)", ErrAttemptsExhausted, s.MaxAttempts)
		}
		if !s.IsExcluded(s.Current.Species) {
			s.Excluded = append(s.Excluded, s.Current.Species)
		}
		s.AttemptCount++
		s.Alternatives = nil
		s.Screen = ShowingAlternatives
		return s, nil, nil

	case RequestAlternatives:
		if s.Screen != ShowingAlternatives {
			return s, nil, invalid(a, s.Screen)
		}
		count := act.Count
		if count <= 0 {
			count = DefaultAlternatives
		}
		return s, []Effect{RankEffect{Image: s.Image, Count: count, Excluded: slices.Clone(s.Excluded)}}, nil

	case AlternativesRanked:
		if s.Screen != ShowingAlternatives {
			return s, nil, invalid(a, s.Screen)
		}
		s.Alternatives = eligible(act.Candidates, s.Excluded, act.Count)
		return s, nil, nil

	case Confirm:
		if s.Screen != ShowingPrediction || s.Current == nil {
			return s, nil, invalid(a, s.Screen)
		}
		rec := feedbackRecord(s, plant.FeedbackCorrect, s.Current.Species)
		return s.reset(), []Effect{FeedbackEffect{Record: rec}}, nil

	case Select:
		if s.Screen != ShowingAlternatives {
			return s, nil, invalid(a, s.Screen)
		}
		species := plant.NormalizeSpecies(act.Species)
		if species == "" || !s.IsAlternative(species) {
			return s, nil, fmt.Errorf("%w: %q", ErrUnknownSpecies, act.Species)
		}
		rec := feedbackRecord(s, plant.FeedbackCorrected, canonical(s.Alternatives, species))
		return s.reset(), []Effect{FeedbackEffect{Record: rec}}, nil

	case Decline:
		if s.Screen != ShowingAlternatives {
			return s, nil, invalid(a, s.Screen)
		}
		next := s.reset()
		next.Notice = &Notice{Kind: NoticeNotIdentified}
		return next, nil, nil

	case FeedbackRecorded:
		if s.Screen != AwaitingImage || s.Pending() {
			return s, nil, invalid(a, s.Screen)
		}
		n := &Notice{Kind: NoticeConfirmed, Species: act.Species}
		if act.Kind == plant.FeedbackCorrected {
			n.Kind = NoticeCorrected
		}
		switch {
		case act.Err != nil:
			n.Warning = act.Err.Error()
		case !act.Receipt.Success:
			n.Warning = strings.TrimSpace(act.Receipt.Message)
			if n.Warning == "" {
				n.Warning = plant.ErrFeedbackRefused.Error()
			}
		default:
			r := act.Receipt
			n.Receipt = &r
		}
		s.Notice = n
		return s, nil, nil

	case Reset:
		return s.reset(), nil, nil
	}
	return s, nil, fmt.Errorf("%w: unknown action %T", ErrInvalidTransition, a)
}

func feedbackRecord(s State, kind plant.FeedbackKind, correct string) plant.FeedbackRecord {
	rec := plant.FeedbackRecord{
		Image:          s.Image,
		SessionID:      s.ID,
		Kind:           kind,
		CorrectSpecies: correct,
	}
	if s.Current != nil {
		rec.PredictedSpecies = s.Current.Species
		rec.Confidence = s.Current.Confidence
	}
	return rec
}

// eligible drops excluded and duplicate species and keeps at most count
// entries, preserving the collaborator's order.
func eligible(in []plant.Candidate, excluded []string, count int) []plant.Candidate {
	if count <= 0 {
		count = DefaultAlternatives
	}
	out := make([]plant.Candidate, 0, min(len(in), count))
	seen := make([]string, 0, len(in))
	for _, c := range in {
		sp := plant.NormalizeSpecies(c.Species)
		if sp == "" || containsSpecies(excluded, sp) || containsSpecies(seen, sp) {
			continue
		}
		seen = append(seen, sp)
		out = append(out, plant.Candidate{Species: sp, Confidence: c.Confidence})
		if len(out) == count {
			break
		}
	}
	return out
}

func canonical(alts []plant.Candidate, species string) string {
	for _, c := range alts {
		if strings.EqualFold(c.Species, species) {
			return c.Species
		}
	}
	return species
}
