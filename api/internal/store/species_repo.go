package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

type SpeciesRepo struct {
	DB      *sql.DB
	Timeout time.Duration
}

func NewSpeciesRepo(db *sql.DB) *SpeciesRepo { return &SpeciesRepo{DB: db, Timeout: 3 * time.Second} }

// Find returns the stored reference data or plant.ErrNotFound.
func (r *SpeciesRepo) Find(ctx context.Context, scientificName string) (plant.SpeciesInfo, error) {
	const q = `
select scientific_name, common_name, description, care, reference, image_url, taxonomy
from species
where lower(scientific_name) = lower($1)
limit 1`
	var (
		info plant.SpeciesInfo
		tax  []byte
	)
	err := r.DB.QueryRowContext(ctx, q, plant.NormalizeSpecies(scientificName)).Scan(
		&info.ScientificName, &info.CommonName, &info.Description, &info.Care,
		&info.Reference, &info.ImageURL, &tax)
	if errors.Is(err, sql.ErrNoRows) {
		return plant.SpeciesInfo{}, plant.ErrNotFound
	}
	if err != nil {
		return plant.SpeciesInfo{}, err
	}
	info.Taxonomy = decodeTaxonomy(tax)
	info.Source = plant.SourceVerified
	return info, nil
}

// LookupSpecies implements plant.Reference. Database failures are reported
// through the source field with a readable description.
func (r *SpeciesRepo) LookupSpecies(ctx context.Context, scientificName string) plant.SpeciesInfo {
	name := plant.NormalizeSpecies(scientificName)
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	info, err := r.Find(ctx, name)
	switch {
	case err == nil:
		return info
	case errors.Is(err, plant.ErrNotFound):
		return plant.SpeciesInfo{ScientificName: name, Source: plant.SourceNotFound}
	default:
		return plant.SpeciesInfo{
			ScientificName: name,
			CommonName:     "Error de conexión",
			Description:    fmt.Sprintf("No se pudo conectar con la base de datos: %v", err),
			Source:         plant.SourceError,
		}
	}
}

// Upsert inserts or replaces a species by scientific name.
func (r *SpeciesRepo) Upsert(ctx context.Context, info plant.SpeciesInfo) error {
	tax, err := encodeTaxonomy(info.Taxonomy)
	if err != nil {
		return err
	}
	const q = `
insert into species (scientific_name, common_name, description, care, reference, image_url, taxonomy, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,now())
on conflict (scientific_name) do update
set common_name = excluded.common_name,
    description = excluded.description,
    care        = excluded.care,
    reference   = excluded.reference,
    image_url   = excluded.image_url,
    taxonomy    = excluded.taxonomy,
    updated_at  = now()`
	_, err = r.DB.ExecContext(ctx, q,
		plant.NormalizeSpecies(info.ScientificName), info.CommonName, info.Description, info.Care,
		info.Reference, info.ImageURL, tax)
	return err
}

func (r *SpeciesRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `select count(*) from species`).Scan(&n)
	return n, err
}

func encodeTaxonomy(t *plant.Taxonomy) (any, error) {
	if t == nil || t.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal taxonomy: %w", err)
	}
	return string(b), nil
}

func decodeTaxonomy(b []byte) *plant.Taxonomy {
	if len(b) == 0 {
		return nil
	}
	var t plant.Taxonomy
	if err := json.Unmarshal(b, &t); err != nil || t.Empty() {
		return nil
	}
	return &t
}
