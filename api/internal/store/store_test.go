package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

func TestTaxonomyCodec(t *testing.T) {
	v, err := encodeTaxonomy(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = encodeTaxonomy(&plant.Taxonomy{})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = encodeTaxonomy(&plant.Taxonomy{Family: "Moraceae", Genus: "Ficus"})
	require.NoError(t, err)
	tax := decodeTaxonomy([]byte(v.(string)))
	require.NotNil(t, tax)
	assert.Equal(t, "Moraceae", tax.Family)

	assert.Nil(t, decodeTaxonomy(nil))
	assert.Nil(t, decodeTaxonomy([]byte("{}")))
	assert.Nil(t, decodeTaxonomy([]byte("not json")))
}

// testDB connects to TEST_DATABASE_URL; tests using it are skipped otherwise.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestSpeciesRepo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewSpeciesRepo(db)
	name := "Testus plantus " + time.Now().Format("150405.000000")
	t.Cleanup(func() { _, _ = db.Exec(`delete from species where scientific_name = $1`, name) })

	info := repo.LookupSpecies(ctx, name)
	assert.Equal(t, plant.SourceNotFound, info.Source)

	require.NoError(t, repo.Upsert(ctx, plant.SpeciesInfo{
		ScientificName: name, CommonName: "Prueba",
		Taxonomy: &plant.Taxonomy{Kingdom: "Plantae"},
	}))
	require.NoError(t, repo.Upsert(ctx, plant.SpeciesInfo{
		ScientificName: name, CommonName: "Prueba 2",
		Taxonomy: &plant.Taxonomy{Kingdom: "Plantae"},
	}))
	info = repo.LookupSpecies(ctx, name)
	assert.Equal(t, plant.SourceVerified, info.Source)
	assert.Equal(t, "Prueba 2", info.CommonName)
	require.NotNil(t, info.Taxonomy)
	assert.Equal(t, "Plantae", info.Taxonomy.Kingdom)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestSpeciesRepoReportsDatabaseErrors(t *testing.T) {
	db := testDB(t)
	repo := NewSpeciesRepo(db)
	require.NoError(t, db.Close())
	info := repo.LookupSpecies(context.Background(), "Ficus elastica")
	assert.Equal(t, plant.SourceError, info.Source)
	assert.Equal(t, "Ficus elastica", info.ScientificName)
	assert.Contains(t, info.Description, "No se pudo conectar")
}

func TestIdentificationRepo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewIdentificationRepo(db)
	since := time.Now().Add(-time.Second)
	require.NoError(t, repo.RecordOutcome(ctx, plant.OutcomeRecord{
		SessionID: "test-session", Outcome: "corrected",
		PredictedSpecies: "Ficus elastica", FinalSpecies: "Monstera deliciosa",
		Confidence: 0.91, Attempts: 2, Excluded: []string{"Ficus elastica"}, Engine: "onnx",
	}))
	counts, err := repo.CountOutcomes(ctx, since)
	require.NoError(t, err)
	var found bool
	for _, c := range counts {
		if c.Outcome == "corrected" {
			found = c.Count >= 1
		}
	}
	assert.True(t, found)
}
