package vision

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/checkpoint/internal/config"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
)

// Locator finds faces in a frame. It never enforces a face count.
type Locator interface {
	Locate(img image.Image) ([]models.DetectedFace, error)
	Close()
}

type faceDetector interface {
	Detect(img image.Image) ([]Detection, error)
	Close()
}

type eyeClassifier interface {
	OpenProbability(patch image.Image) (float32, error)
	Close()
}

// ONNXLocator runs RetinaFace, derives head pose from the landmarks and, when
// an eye-state model is configured, adds eye-open probabilities.
type ONNXLocator struct {
	detector faceDetector
	eyes     eyeClassifier
	tracker  *Tracker
	logger   *slog.Logger
}

// NewONNXLocator opens the detector and the optional eye-state model.
func NewONNXLocator(cfg config.VisionConfig, opts *ort.SessionOptions, logger *slog.Logger) (*ONNXLocator, error) {
	detPath := filepath.Join(cfg.ModelsDir, cfg.DetectorModel)
	logger.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold), opts)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	var eyes eyeClassifier
	if cfg.EyeStateModel != "" {
		eyePath := filepath.Join(cfg.ModelsDir, cfg.EyeStateModel)
		logger.Info("loading eye state model", "path", eyePath)
		cls, err := NewEyeStateClassifier(eyePath, opts)
		if err != nil {
			det.Close()
			return nil, fmt.Errorf("load eye state: %w", err)
		}
		eyes = cls
	}

	return newLocator(det, eyes, logger), nil
}

func newLocator(det faceDetector, eyes eyeClassifier, logger *slog.Logger) *ONNXLocator {
	return &ONNXLocator{
		detector: det,
		eyes:     eyes,
		tracker:  NewTracker(),
		logger:   logger.With("component", "locator"),
	}
}

func (l *ONNXLocator) Locate(img image.Image) ([]models.DetectedFace, error) {
	start := time.Now()
	dets, err := l.detector.Detect(img)
	if err != nil {
		return nil, err
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	boxes := make([]models.BoundingBox, len(dets))
	for i, d := range dets {
		boxes[i] = d.Box
	}
	ids := l.tracker.Assign(boxes)

	faces := make([]models.DetectedFace, len(dets))
	for i, d := range dets {
		pitch, yaw, roll := EstimatePose(d.Landmarks)
		id := ids[i]
		faces[i] = models.DetectedFace{
			Box:        d.Box,
			Confidence: d.Confidence,
			TrackingID: &id,
			Pitch:      pitch,
			Yaw:        yaw,
			Roll:       roll,
			Landmarks:  d.Landmarks,
		}
		if l.eyes != nil {
			l.addEyeState(img, &faces[i])
		}
	}

	observability.FacesLocated.WithLabelValues(observability.FaceCountLabel(len(faces))).Inc()
	return faces, nil
}

// addEyeState leaves the probabilities nil when either eye cannot be scored.
func (l *ONNXLocator) addEyeState(img image.Image, f *models.DetectedFace) {
	eyeDist := float32(math.Hypot(
		float64(f.Landmarks[1][0]-f.Landmarks[0][0]),
		float64(f.Landmarks[1][1]-f.Landmarks[0][1]),
	))

	var probs [2]float32
	for i := 0; i < 2; i++ {
		patch := eyePatch(img, f.Landmarks[i], eyeDist)
		if patch == nil {
			return
		}
		p, err := l.eyes.OpenProbability(patch)
		if err != nil {
			l.logger.Debug("eye state", "error", err)
			return
		}
		probs[i] = p
	}
	// landmark 0 is the subject's right eye in an unmirrored frame
	f.RightEyeOpen = &probs[0]
	f.LeftEyeOpen = &probs[1]
}

// Reset drops tracking state, e.g. between sessions sharing a locator.
func (l *ONNXLocator) Reset() {
	l.tracker.Reset()
}

func (l *ONNXLocator) Close() {
	l.detector.Close()
	if l.eyes != nil {
		l.eyes.Close()
	}
}
