package plant

import (
	"context"
	"time"
)

// Predictor is the image classification collaborator.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, img Image, excluded []string) (Prediction, error)
	RankAlternatives(ctx context.Context, img Image, count int, excluded []string) ([]Candidate, error)
	HealthCheck(ctx context.Context) (Health, error)
}

// FeedbackSink receives confirmations and corrections for retraining.
type FeedbackSink interface {
	SubmitFeedback(ctx context.Context, rec FeedbackRecord) (FeedbackReceipt, error)
	IsAvailable(ctx context.Context) bool
	Statistics(ctx context.Context) (FeedbackStats, error)
}

// Reference looks up reference data for a species. It never fails: lookup
// errors are reported through SpeciesInfo.Source.
type Reference interface {
	LookupSpecies(ctx context.Context, scientificName string) SpeciesInfo
}

// ReferenceFunc adapts a function to Reference.
type ReferenceFunc func(ctx context.Context, scientificName string) SpeciesInfo

func (f ReferenceFunc) LookupSpecies(ctx context.Context, scientificName string) SpeciesInfo {
	return f(ctx, scientificName)
}

// ReferenceImager is optionally implemented by feedback backends that host
// reference photos per species.
type ReferenceImager interface {
	ReferenceImageURL(scientificName string) string
}

// Journal keeps an audit trail of finished identification sequences.
type Journal interface {
	RecordOutcome(ctx context.Context, rec OutcomeRecord) error
}

// OutcomeCounter is implemented by journals that can summarize what they recorded.
type OutcomeCounter interface {
	CountOutcomes(ctx context.Context, since time.Time) ([]OutcomeCount, error)
}
