package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

// IdentificationRepo is the audit trail of finished identification sequences.
type IdentificationRepo struct{ DB *sql.DB }

func NewIdentificationRepo(db *sql.DB) *IdentificationRepo { return &IdentificationRepo{DB: db} }

// RecordOutcome implements plant.Journal.
func (r *IdentificationRepo) RecordOutcome(ctx context.Context, rec plant.OutcomeRecord) error {
	excluded := rec.Excluded
	if excluded == nil {
		excluded = []string{}
	}
	js, _ := json.Marshal(excluded)
	at := rec.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	const q = `
insert into identifications (
  session_id, outcome, predicted_species, final_species, confidence, attempts, excluded, engine, finished_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.DB.ExecContext(ctx, q,
		rec.SessionID, rec.Outcome, rec.PredictedSpecies, rec.FinalSpecies,
		rec.Confidence, rec.Attempts, string(js), rec.Engine, at.UTC())
	return err
}

// CountOutcomes implements plant.OutcomeCounter.
func (r *IdentificationRepo) CountOutcomes(ctx context.Context, since time.Time) ([]plant.OutcomeCount, error) {
	const q = `
select outcome, count(*)
from identifications
where finished_at >= $1
group by outcome
order by outcome`
	rows, err := r.DB.QueryContext(ctx, q, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []plant.OutcomeCount
	for rows.Next() {
		var oc plant.OutcomeCount
		if err := rows.Scan(&oc.Outcome, &oc.Count); err != nil {
			return nil, err
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}
