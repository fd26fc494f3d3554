package vision

import "github.com/your-org/checkpoint/internal/models"

// Thresholds parameterise the face predicates. Eye values are open
// probabilities; angles are degrees.
type Thresholds struct {
	EyesClosedMax float32
	EyesOpenMin   float32
	TurnYaw       float32
	Forward       float32
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		EyesClosedMax: 0.35,
		EyesOpenMin:   0.65,
		TurnYaw:       22,
		Forward:       15,
	}
}

// EyesClosed requires both eye probabilities and both below the closed limit.
func (t Thresholds) EyesClosed(f models.DetectedFace) bool {
	if f.LeftEyeOpen == nil || f.RightEyeOpen == nil {
		return false
	}
	return *f.LeftEyeOpen < t.EyesClosedMax && *f.RightEyeOpen < t.EyesClosedMax
}

// EyesOpen requires both eye probabilities and both above the open limit.
func (t Thresholds) EyesOpen(f models.DetectedFace) bool {
	if f.LeftEyeOpen == nil || f.RightEyeOpen == nil {
		return false
	}
	return *f.LeftEyeOpen > t.EyesOpenMin && *f.RightEyeOpen > t.EyesOpenMin
}

func (t Thresholds) TurnedLeft(f models.DetectedFace) bool {
	return f.Yaw > t.TurnYaw
}

func (t Thresholds) TurnedRight(f models.DetectedFace) bool {
	return f.Yaw < -t.TurnYaw
}

// FacingForward ignores roll: it reflects device rotation, not head motion.
func (t Thresholds) FacingForward(f models.DetectedFace) bool {
	return abs32(f.Pitch) < t.Forward && abs32(f.Yaw) < t.Forward
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
