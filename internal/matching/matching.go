// Package matching finds the enrolled identity closest to a live embedding.
package matching

import (
	"math"

	"github.com/your-org/checkpoint/internal/models"
)

// CosineSimilarity computes dot(a,b) / (|a|*|b|). Norms are recomputed, so
// inputs need not be normalised. Mismatched lengths or a zero vector give 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return float32(math.Min(1.0, math.Max(-1.0, sim)))
}

// EuclideanDistance is a diagnostic metric: smaller is more similar.
// Mismatched lengths give +Inf.
func EuclideanDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return float32(math.Inf(1))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// Result is the best-scoring enrollment for a live embedding. Sample indexes the
// winning embedding within the identity's samples.
type Result struct {
	Identity models.Identity
	Sample   int
	Score    float32
}

// Match scans every identity, then every embedding of that identity, and
// keeps a candidate only when it is both a new maximum and at least
// threshold. Earlier candidates win ties.
func Match(target models.Embedding, pool []models.Identity, threshold float32) (Result, bool) {
	var best Result
	found := false
	bestScore := float32(math.Inf(-1))

	for _, ident := range pool {
		for si, sample := range ident.Samples {
			score := CosineSimilarity(target, sample.Embedding)
			if score > bestScore && score >= threshold {
				bestScore = score
				best = Result{Identity: ident, Sample: si, Score: score}
				found = true
			}
		}
	}
	return best, found
}

// Best returns the highest similarity in pool regardless of any threshold,
// used to tell "below threshold" apart from "nothing enrolled".
func Best(target models.Embedding, pool []models.Identity) (Result, bool) {
	return Match(target, pool, float32(math.Inf(-1)))
}

// Decision routes a live match.
type Decision int

const (
	// Reject: no identity is similar enough to be worth a review.
	Reject Decision = iota
	// Review: plausible match, deferred to a human.
	Review
	// AutoRecord: confident enough to write the ledger directly.
	AutoRecord
)

func (d Decision) String() string {
	switch d {
	case AutoRecord:
		return "auto_record"
	case Review:
		return "review"
	default:
		return "reject"
	}
}

// Thresholds holds the lookup cut-off and the stricter attendance cut-off.
type Thresholds struct {
	Match      float32
	Attendance float32
}

func DefaultThresholds() Thresholds {
	return Thresholds{Match: 0.70, Attendance: 0.85}
}

func (t Thresholds) Decide(score float32) Decision {
	switch {
	case score >= t.Attendance:
		return AutoRecord
	case score >= t.Match:
		return Review
	default:
		return Reject
	}
}
