package models

// BoundingBox is a face region in source-image pixel coordinates.
type BoundingBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func (b BoundingBox) Width() float32 { return b.X2 - b.X1 }
func (b BoundingBox) Height() float32 { return b.Y2 - b.Y1 }

// Array returns the box as x1, y1, x2, y2.
func (b BoundingBox) Array() [4]float32 {
	return [4]float32{b.X1, b.Y1, b.X2, b.Y2}
}

// DetectedFace is a single face found by the locator, with head pose in degrees
// and optional eye-open probabilities in [0,1].
type DetectedFace struct {
	Box          BoundingBox   `json:"box"`
	Confidence   float32       `json:"confidence"`
	TrackingID   *int          `json:"tracking_id,omitempty"`
	Pitch        float32       `json:"pitch"`
	Yaw          float32       `json:"yaw"`
	Roll         float32       `json:"roll"`
	LeftEyeOpen  *float32      `json:"left_eye_open,omitempty"`
	RightEyeOpen *float32      `json:"right_eye_open,omitempty"`
	Landmarks    [5][2]float32 `json:"landmarks"`
}

// ChallengeType is a liveness action the subject is asked to perform. Only
// actions with matching enrollment imagery exist.
type ChallengeType string

const (
	ChallengeNone      ChallengeType = ""
	ChallengeBlink     ChallengeType = "BLINK"
	ChallengeTurnLeft  ChallengeType = "TURN_LEFT"
	ChallengeTurnRight ChallengeType = "TURN_RIGHT"
)

// CongruentChallenges lists every challenge enrollment captured poses for.
var CongruentChallenges = []ChallengeType{ChallengeBlink, ChallengeTurnLeft, ChallengeTurnRight}

// Congruent reports whether c may be issued.
func (c ChallengeType) Congruent() bool {
	for _, allowed := range CongruentChallenges {
		if c == allowed {
			return true
		}
	}
	return false
}
