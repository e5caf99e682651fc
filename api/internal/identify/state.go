package identify

import (
	"slices"
	"strings"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

type Screen string

const (
	AwaitingImage       Screen = "AWAITING_IMAGE"
	ShowingPrediction   Screen = "SHOWING_PREDICTION"
	ShowingAlternatives Screen = "SHOWING_ALTERNATIVES"
)

const DefaultAlternatives = 5

type NoticeKind string

const (
	NoticeConfirmed     NoticeKind = "confirmed"
	NoticeCorrected     NoticeKind = "corrected"
	NoticeNotIdentified NoticeKind = "not_identified"
)

// Notice is the one-shot message that survives a reset and is shown on the
// next initial screen.
type Notice struct {
	Kind    NoticeKind
	Species string
	Receipt *plant.FeedbackReceipt
	Warning string // set when the feedback service failed
}

// State is one identification sequence. Values are copied in and out of the
// Store; Transition never mutates its input.
type State struct {
	ID           string
	Image        plant.Image
	AttemptCount int
	MaxAttempts  int
	Excluded     []string
	Current      *plant.Prediction
	Alternatives []plant.Candidate
	Screen       Screen
	Notice       *Notice
}

// Initial is the state of a fresh or reset session.
func Initial(maxAttempts int) State {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return State{
		AttemptCount: 1,
		MaxAttempts:  maxAttempts,
		Screen:       AwaitingImage,
	}
}

// Pending reports whether an image was submitted and the prediction is still outstanding.
func (s State) Pending() bool {
	return s.Screen == AwaitingImage && s.ID != "" && !s.Image.Empty()
}

func (s State) IsExcluded(species string) bool {
	return containsSpecies(s.Excluded, species)
}

// IsAlternative reports whether species was offered by the last ranking.
func (s State) IsAlternative(species string) bool {
	n := plant.NormalizeSpecies(species)
	for _, c := range s.Alternatives {
		if strings.EqualFold(plant.NormalizeSpecies(c.Species), n) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot alias store-owned slices.
func (s State) Clone() State {
	out := s
	out.Excluded = slices.Clone(s.Excluded)
	out.Alternatives = slices.Clone(s.Alternatives)
	if s.Current != nil {
		cur := *s.Current
		cur.Alternatives = slices.Clone(s.Current.Alternatives)
		out.Current = &cur
	}
	if s.Notice != nil {
		n := *s.Notice
		out.Notice = &n
	}
	return out
}

func (s State) reset() State {
	return Initial(s.MaxAttempts)
}

func containsSpecies(list []string, species string) bool {
	n := plant.NormalizeSpecies(species)
	for _, x := range list {
		if strings.EqualFold(plant.NormalizeSpecies(x), n) {
			return true
		}
	}
	return false
}
