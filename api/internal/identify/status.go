package identify

import (
	"context"
	"time"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SystemStatus is the health of every collaborator, as shown on the status screen.
type SystemStatus struct {
	Predictor         plant.Health         `json:"predictor"`
	PredictorEngine   string               `json:"predictor_engine"`
	FeedbackAvailable bool                 `json:"feedback_available"`
	FeedbackStats     *plant.FeedbackStats `json:"feedback_stats,omitempty"`
	DatabaseConnected bool                 `json:"database_connected"`
	ActiveSessions    int                  `json:"active_sessions"`
	RecentOutcomes    []plant.OutcomeCount `json:"recent_outcomes,omitempty"` // last OutcomeWindow
	CheckedAt         time.Time            `json:"checked_at"`
}

// OutcomeWindow is how far back the status screen counts finished sequences.
const OutcomeWindow = 24 * time.Hour

// Ready reports whether new images can be identified.
func (s SystemStatus) Ready() bool { return s.Predictor.Available }

// Status probes the collaborators, using the engine selected for handle.
// db may be nil when no database is configured.
func (c *Controller) Status(ctx context.Context, handle string, db Pinger) SystemStatus {
	p := c.engine(handle)
	st := SystemStatus{
		PredictorEngine: p.Name(),
		ActiveSessions:  c.store.Len(),
		CheckedAt:       c.now(),
	}
	h, err := p.HealthCheck(ctx)
	if err != nil {
		h = plant.Health{Detail: err.Error()}
	}
	st.Predictor = h

	st.FeedbackAvailable = c.feedback.IsAvailable(ctx)
	if st.FeedbackAvailable {
		if stats, err := c.feedback.Statistics(ctx); err == nil {
			st.FeedbackStats = &stats
		} else {
			c.log.Debug("feedback statistics unavailable", "err", err)
		}
	}
	if db != nil {
		st.DatabaseConnected = db.PingContext(ctx) == nil
	}
	if oc, ok := c.journal.(plant.OutcomeCounter); ok {
		counts, err := oc.CountOutcomes(ctx, st.CheckedAt.Add(-OutcomeWindow))
		if err != nil {
			c.log.Debug("outcome counts unavailable", "err", err)
		}
		st.RecentOutcomes = counts
	}
	return st
}
