package vision

import (
	"fmt"
	"image"
	"sort"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/checkpoint/internal/models"
)

// Detection is one raw RetinaFace hit before pose and eye features are added.
// Landmarks are the two eyes, the nose and the two mouth corners, each pair
// ordered image-left first.
type Detection struct {
	Box        models.BoundingBox
	Confidence float32
	Landmarks  [5][2]float32
}

// Detector runs RetinaFace det_10g face detection using ONNX Runtime.
type Detector struct {
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	threshold     float32
	inputW        int
	inputH        int
}

const (
	detectorInputSize = 640
	anchorsPerCell    = 2
	nmsIoU            = 0.4
)

var strides = []int{8, 16, 32}

// det_10g has no batch dimension on its outputs. Per stride the row count is
// (640/stride)^2 * 2 anchors: scores [N,1], boxes [N,4], landmarks [N,10].
var detectorOutputs = []struct {
	name string
	cols int64
}{
	{"448", 1}, {"471", 1}, {"494", 1},
	{"451", 4}, {"474", 4}, {"497", 4},
	{"454", 10}, {"477", 10}, {"500", 10},
}

// NewDetector loads the RetinaFace ONNX model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	d := &Detector{
		threshold: threshold,
		inputW:    detectorInputSize,
		inputH:    detectorInputSize,
	}

	var err error
	d.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(d.inputH), int64(d.inputW)))
	if err != nil {
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create input tensor: %w", err))
	}

	names := make([]string, len(detectorOutputs))
	values := make([]ort.Value, len(detectorOutputs))
	for i, out := range detectorOutputs {
		stride := int64(strides[i%len(strides)])
		rows := (int64(d.inputW) / stride) * (int64(d.inputH) / stride) * anchorsPerCell
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(rows, out.cols))
		if err != nil {
			d.Close()
			return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create output tensor %s: %w", out.name, err))
		}
		names[i] = out.name
		values[i] = t
		d.outputTensors = append(d.outputTensors, t)
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		names,
		[]ort.Value{d.inputTensor},
		values,
		opts,
	)
	if err != nil {
		d.Close()
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create detector session: %w", err))
	}

	return d, nil
}

// Detect finds faces in img. Coordinates are in img's pixel space.
func (d *Detector) Detect(img image.Image) ([]Detection, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, models.ErrProcessingFailed.WithError(fmt.Errorf("empty frame"))
	}

	copy(d.inputTensor.GetData(), toCHW(img, d.inputW, d.inputH, detectorMean, detectorStd))

	if err := d.session.Run(); err != nil {
		return nil, models.ErrProcessingFailed.WithError(fmt.Errorf("run detection: %w", err))
	}

	outputs := make([][]float32, len(d.outputTensors))
	for i, t := range d.outputTensors {
		outputs[i] = t.GetData()
	}

	scaleX := float32(b.Dx()) / float32(d.inputW)
	scaleY := float32(b.Dy()) / float32(d.inputH)
	dets := decodeDetections(outputs, d.inputW, d.inputH, d.threshold)
	for i := range dets {
		dets[i] = dets[i].scaled(scaleX, scaleY, b)
	}

	return nms(dets, nmsIoU), nil
}

// InputSize returns the model's expected input dimensions.
func (d *Detector) InputSize() (int, int) {
	return d.inputW, d.inputH
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
		d.inputTensor = nil
	}
	for _, t := range d.outputTensors {
		t.Destroy()
	}
	d.outputTensors = nil
}

// decodeDetections turns anchor-relative distances into boxes and landmarks
// in model-input pixels. outputs holds scores, boxes and landmarks per stride.
func decodeDetections(outputs [][]float32, inputW, inputH int, threshold float32) []Detection {
	var dets []Detection

	for si, stride := range strides {
		scores := outputs[si]
		boxes := outputs[si+len(strides)]
		marks := outputs[si+2*len(strides)]
		st := float32(stride)

		idx := 0
		for cy := 0; cy < inputH/stride; cy++ {
			for cx := 0; cx < inputW/stride; cx++ {
				for a := 0; a < anchorsPerCell; a, idx = a+1, idx+1 {
					if scores[idx] < threshold {
						continue
					}
					ax := float32(cx) * st
					ay := float32(cy) * st

					det := Detection{
						Box: models.BoundingBox{
							X1: ax - boxes[idx*4]*st,
							Y1: ay - boxes[idx*4+1]*st,
							X2: ax + boxes[idx*4+2]*st,
							Y2: ay + boxes[idx*4+3]*st,
						},
						Confidence: scores[idx],
					}
					for li := 0; li < 5; li++ {
						det.Landmarks[li][0] = ax + marks[idx*10+li*2]*st
						det.Landmarks[li][1] = ay + marks[idx*10+li*2+1]*st
					}
					dets = append(dets, det)
				}
			}
		}
	}
	return dets
}

// scaled maps a detection from model-input space into frame space.
func (det Detection) scaled(sx, sy float32, frame image.Rectangle) Detection {
	minX, minY := float32(frame.Min.X), float32(frame.Min.Y)
	maxX, maxY := float32(frame.Max.X), float32(frame.Max.Y)

	det.Box = models.BoundingBox{
		X1: clamp(minX+det.Box.X1*sx, minX, maxX),
		Y1: clamp(minY+det.Box.Y1*sy, minY, maxY),
		X2: clamp(minX+det.Box.X2*sx, minX, maxX),
		Y2: clamp(minY+det.Box.Y2*sy, minY, maxY),
	}
	for i := range det.Landmarks {
		det.Landmarks[i][0] = minX + det.Landmarks[i][0]*sx
		det.Landmarks[i][1] = minY + det.Landmarks[i][1]*sy
	}
	return det
}

// nms keeps the most confident detection of every overlapping group.
func nms(dets []Detection, threshold float32) []Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	var kept []Detection
	for _, cand := range dets {
		suppressed := false
		for _, k := range kept {
			if iou(cand.Box, k.Box) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}

func iou(a, b models.BoundingBox) float32 {
	ix := max(0, min(a.X2, b.X2)-max(a.X1, b.X1))
	iy := max(0, min(a.Y2, b.Y2)-max(a.Y1, b.Y1))
	inter := ix * iy

	union := a.Width()*a.Height() + b.Width()*b.Height() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
