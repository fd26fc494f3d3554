package vision

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/checkpoint/internal/models"
)

const eyePatchSize = 24

// EyeStateClassifier predicts the probability that an eye is open from a
// 24x24 grayscale patch.
type EyeStateClassifier struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewEyeStateClassifier loads the eye-state ONNX model. Its single output is
// a logit for "open".
func NewEyeStateClassifier(modelPath string, opts *ort.SessionOptions) (*EyeStateClassifier, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, eyePatchSize, eyePatchSize))
	if err != nil {
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create input tensor: %w", err))
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create output tensor: %w", err))
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"},
		[]string{"output"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create eye state session: %w", err))
	}

	return &EyeStateClassifier{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// OpenProbability returns P(open) in [0,1] for an eye patch.
func (c *EyeStateClassifier) OpenProbability(patch image.Image) (float32, error) {
	copy(c.inputTensor.GetData(), toGray(patch, eyePatchSize, eyePatchSize))

	if err := c.session.Run(); err != nil {
		return 0, models.ErrProcessingFailed.WithError(fmt.Errorf("run eye state: %w", err))
	}

	logit := float64(c.outputTensor.GetData()[0])
	return float32(1 / (1 + math.Exp(-logit))), nil
}

func (c *EyeStateClassifier) Close() {
	if c.session != nil {
		c.session.Destroy()
	}
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
}

// eyePatch crops a square around an eye landmark sized from the eye distance.
// Returns nil when the square falls outside the frame.
func eyePatch(img image.Image, eye [2]float32, eyeDist float32) image.Image {
	half := int(eyeDist * 0.2)
	if half < 2 {
		return nil
	}
	cx, cy := int(eye[0]), int(eye[1])
	r := image.Rect(cx-half, cy-half, cx+half, cy+half).Intersect(img.Bounds())
	if r.Dx() < half || r.Dy() < half {
		return nil
	}
	return cropRect(img, r)
}
