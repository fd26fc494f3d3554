package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the length of every identity embedding.
const EmbeddingDim = 192

// Embedding is a unit-normalized identity vector produced by the extractor.
type Embedding []float32

// Norm returns the L2 norm of the vector.
func (e Embedding) Norm() float64 {
	var sum float64
	for _, x := range e {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalized returns a unit-length copy. A zero vector is returned unchanged.
func (e Embedding) Normalized() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	norm := e.Norm()
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}

// Dim returns the vector length.
func (e Embedding) Dim() int { return len(e) }

// EnrollmentPose is the head pose an enrollment capture was taken at.
type EnrollmentPose string

const (
	PoseFront EnrollmentPose = "FRONT"
	PoseLeft  EnrollmentPose = "LEFT"
	PoseRight EnrollmentPose = "RIGHT"
)

// EnrollmentSample is one stored embedding with the pose it was captured at.
type EnrollmentSample struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	Pose      EnrollmentPose `json:"pose" db:"pose"`
	Embedding Embedding      `json:"-" db:"embedding"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Identity is an enrolled person. Samples are immutable and replaced wholesale
// on re-enrollment.
type Identity struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	ExternalID  string             `json:"external_id" db:"external_id"`
	DisplayName string             `json:"display_name" db:"display_name"`
	Samples     []EnrollmentSample `json:"samples,omitempty"`
	Active      bool               `json:"active" db:"active"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}

// Embeddings returns the enrollment vectors in stored order.
func (i Identity) Embeddings() []Embedding {
	out := make([]Embedding, 0, len(i.Samples))
	for _, s := range i.Samples {
		out = append(out, s.Embedding)
	}
	return out
}
