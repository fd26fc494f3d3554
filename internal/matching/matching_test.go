package matching

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/checkpoint/internal/models"
)

func basis(dim, i int) models.Embedding {
	e := make(models.Embedding, dim)
	e[i] = 1
	return e
}

func identity(name string, embs ...models.Embedding) models.Identity {
	ident := models.Identity{ID: uuid.New(), ExternalID: name, DisplayName: name, Active: true}
	for _, e := range embs {
		ident.Samples = append(ident.Samples, models.EnrollmentSample{ID: uuid.New(), Pose: models.PoseFront, Embedding: e})
	}
	return ident
}

func TestCosineSimilarity(t *testing.T) {
	a := models.Embedding{0.3, -0.2, 0.9, 0.1}
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6, "reflexive")

	assert.InDelta(t, 0.0, CosineSimilarity(basis(4, 0), basis(4, 1)), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity(models.Embedding{1, 0}, models.Embedding{-1, 0}), 1e-6)

	// unnormalised inputs: norms are recomputed
	assert.InDelta(t, 1.0, CosineSimilarity(models.Embedding{2, 0}, models.Embedding{5, 0}), 1e-6)

	assert.Zero(t, CosineSimilarity(models.Embedding{1, 0}, models.Embedding{1, 0, 0}))
	assert.Zero(t, CosineSimilarity(models.Embedding{0, 0}, models.Embedding{1, 0}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestEuclideanDistance(t *testing.T) {
	assert.InDelta(t, 0.0, EuclideanDistance(models.Embedding{1, 2}, models.Embedding{1, 2}), 1e-6)
	assert.InDelta(t, 5.0, EuclideanDistance(models.Embedding{0, 0}, models.Embedding{3, 4}), 1e-6)
	assert.True(t, math.IsInf(float64(EuclideanDistance(models.Embedding{1}, models.Embedding{1, 2})), 1))
}

func TestMatch_ReturnsExactEnrollment(t *testing.T) {
	a1 := models.Embedding{0.6, 0.8, 0}
	a2 := models.Embedding{0, 0.6, 0.8}
	b1 := models.Embedding{0.8, 0, 0.6}
	A := identity("A", a1, a2)
	B := identity("B", b1)

	res, ok := Match(a1, []models.Identity{A, B}, 0.99)
	require.True(t, ok)
	assert.Equal(t, A.ID, res.Identity.ID)
	assert.Equal(t, 0, res.Sample)
	assert.InDelta(t, 1.0, res.Score, 1e-6)
}

func TestMatch_ThresholdBoundary(t *testing.T) {
	target := models.Embedding{0.92, 0.3919, 0}.Normalized()
	cand := identity("A", models.Embedding{1, 0, 0})
	s := CosineSimilarity(target, cand.Samples[0].Embedding)

	res, ok := Match(target, []models.Identity{cand}, s)
	require.True(t, ok, "score exactly at threshold is accepted")
	assert.Equal(t, s, res.Score)

	_, ok = Match(target, []models.Identity{cand}, math.Nextafter32(s, 2))
	assert.False(t, ok, "score just below threshold is rejected")
}

func TestMatch_FirstEncounteredWinsTies(t *testing.T) {
	e := models.Embedding{1, 0}
	first := identity("first", models.Embedding{0, 1}, e)
	second := identity("second", e)

	res, ok := Match(e, []models.Identity{first, second}, 0.5)
	require.True(t, ok)
	assert.Equal(t, first.ID, res.Identity.ID)
	assert.Equal(t, 1, res.Sample)
}

func TestMatch_BelowThresholdCandidatesNeverWin(t *testing.T) {
	target := models.Embedding{1, 0}
	near := identity("near", models.Embedding{0.8, 0.6})

	_, ok := Match(target, []models.Identity{near}, 0.9)
	assert.False(t, ok)

	best, ok := Best(target, []models.Identity{near})
	require.True(t, ok)
	assert.InDelta(t, 0.8, best.Score, 1e-6)
}

func TestMatch_EmptyPool(t *testing.T) {
	_, ok := Match(models.Embedding{1}, nil, 0)
	assert.False(t, ok)

	_, ok = Best(models.Embedding{1}, []models.Identity{identity("no samples")})
	assert.False(t, ok)
}

func TestThresholds_Decide(t *testing.T) {
	th := DefaultThresholds()

	assert.Equal(t, AutoRecord, th.Decide(0.92))
	assert.Equal(t, AutoRecord, th.Decide(0.85))
	assert.Equal(t, Review, th.Decide(0.80))
	assert.Equal(t, Review, th.Decide(0.70))
	assert.Equal(t, Reject, th.Decide(0.69))
	assert.Equal(t, "review", Review.String())
}
