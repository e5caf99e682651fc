package plant

import (
	"errors"
	"strings"
	"time"
)

// Collaborator failure markers. Adapters wrap them so callers can classify with errors.Is.
var (
	ErrUnavailable     = errors.New("service unavailable")
	ErrMalformedInput  = errors.New("malformed input")
	ErrNoAlternatives  = errors.New("no alternatives found")
	ErrNotFound        = errors.New("not found")
	ErrBadResponse     = errors.New("bad response")
	ErrFeedbackRefused = errors.New("feedback refused")
)

// Image is a user photo as it travels to the collaborators.
type Image struct {
	Data []byte
	MIME string // image/jpeg | image/png
}

func (i Image) Empty() bool { return len(i.Data) == 0 }

// Candidate is one ranked species hypothesis.
type Candidate struct {
	Species    string  `json:"species"`
	Confidence float64 `json:"confidence"`
}

// Percent renders confidence the way the UI shows it (truncated, 0..100).
func (c Candidate) Percent() int { return Percent(c.Confidence) }

// Prediction is the top-1 answer of the classifier plus its ranked runners-up.
type Prediction struct {
	Species      string      `json:"species"`
	Confidence   float64     `json:"confidence"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
	Info         SpeciesInfo `json:"info"`
	Engine       string      `json:"engine,omitempty"`
	PredictedAt  time.Time   `json:"predicted_at"`
}

func Percent(confidence float64) int {
	switch {
	case confidence <= 0:
		return 0
	case confidence >= 1:
		return 100
	}
	return int(confidence * 100)
}

// Health is what the prediction service reports about itself.
type Health struct {
	Available    bool   `json:"available"`
	SpeciesCount int    `json:"species_count"`
	Detail       string `json:"detail,omitempty"`
}

// InfoSource tells where reference data came from.
type InfoSource string

const (
	SourceVerified InfoSource = "verified"
	SourceNotFound InfoSource = "not_found"
	SourceError    InfoSource = "error"
)

type Taxonomy struct {
	Kingdom string `json:"kingdom,omitempty" yaml:"kingdom"`
	Phylum  string `json:"phylum,omitempty" yaml:"phylum"`
	Class   string `json:"class,omitempty" yaml:"class"`
	Order   string `json:"order,omitempty" yaml:"order"`
	Family  string `json:"family,omitempty" yaml:"family"`
	Genus   string `json:"genus,omitempty" yaml:"genus"`
	Species string `json:"species,omitempty" yaml:"species"`
}

func (t Taxonomy) Empty() bool { return t == Taxonomy{} }

// SpeciesInfo is reference data shown next to a prediction.
type SpeciesInfo struct {
	ScientificName string     `json:"scientific_name"`
	CommonName     string     `json:"common_name"`
	Description    string     `json:"description,omitempty"`
	Care           string     `json:"care,omitempty"`
	Taxonomy       *Taxonomy  `json:"taxonomy,omitempty"`
	Reference      string     `json:"reference,omitempty"` // bibliographic source
	ImageURL       string     `json:"image_url,omitempty"`
	Source         InfoSource `json:"source"`
}

func (s SpeciesInfo) Verified() bool { return s.Source == SourceVerified }

// DisplayName prefers the common name and falls back to the scientific one.
func (s SpeciesInfo) DisplayName() string {
	if n := strings.TrimSpace(s.CommonName); n != "" {
		return n
	}
	return s.ScientificName
}

// FeedbackKind is CORRECT when the user confirms the top prediction and
// CORRECTED when they pick another species from the alternatives.
type FeedbackKind string

const (
	FeedbackCorrect   FeedbackKind = "correcto"
	FeedbackCorrected FeedbackKind = "corregido"
)

func (k FeedbackKind) Valid() bool {
	return k == FeedbackCorrect || k == FeedbackCorrected
}

// FeedbackRecord is what gets sent to the retraining pipeline.
type FeedbackRecord struct {
	Image            Image
	SessionID        string
	PredictedSpecies string
	Confidence       float64
	Kind             FeedbackKind
	CorrectSpecies   string
}

// FeedbackReceipt is the feedback service answer.
type FeedbackReceipt struct {
	Success             bool   `json:"success"`
	Message             string `json:"message,omitempty"`
	RetrainingProgress  *int   `json:"retraining_progress,omitempty"`
	RetrainingTriggered bool   `json:"retraining_triggered,omitempty"`
}

type FeedbackStats struct {
	FeedbackTotal int `json:"feedback_total"`
	ImagesSaved   int `json:"images_saved"`
}

// NormalizeSpecies trims and collapses whitespace; species ids compare on this form.
func NormalizeSpecies(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FolderName is the on-disk/bucket form of a scientific name: "Ficus elastica" -> "Ficus_elastica".
func FolderName(scientific string) string {
	return strings.ReplaceAll(NormalizeSpecies(scientific), " ", "_")
}

// OutcomeRecord describes how one identification sequence ended.
type OutcomeRecord struct {
	SessionID        string
	Outcome          string // confirmed | corrected | not_identified
	PredictedSpecies string
	FinalSpecies     string
	Confidence       float64
	Attempts         int
	Excluded         []string
	Engine           string
	FinishedAt       time.Time
}

// OutcomeCount is how many sequences ended a given way.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}
