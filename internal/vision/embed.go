package vision

import (
	"fmt"
	"image"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/observability"
)

// Model is the opaque forward function behind the embedder.
type Model interface {
	Run(input []float32) ([]float32, error)
	InputSize() (w, h int)
	Close()
}

// Extractor turns a cropped face into an identity embedding.
type Extractor interface {
	Embed(face image.Image) (models.Embedding, error)
	Close()
}

// Embedder wraps a Model with the preprocessing and normalisation every
// embedding needs: resize, scale channels to [-1,1], run, L2-normalise.
type Embedder struct {
	model Model
	dim   int
}

func NewEmbedder(model Model, dim int) *Embedder {
	return &Embedder{model: model, dim: dim}
}

// NewONNXEmbedder loads a face embedding model producing dim-length vectors.
func NewONNXEmbedder(modelPath string, dim int, opts *ort.SessionOptions) (*Embedder, error) {
	model, err := NewONNXModel(modelPath, 112, 112, dim, opts)
	if err != nil {
		return nil, err
	}
	return NewEmbedder(model, dim), nil
}

// Embed is deterministic: the same crop always yields the same vector. A zero
// model output is returned unchanged.
func (e *Embedder) Embed(face image.Image) (models.Embedding, error) {
	if face == nil || face.Bounds().Empty() {
		return nil, models.ErrProcessingFailed.WithError(fmt.Errorf("empty face crop"))
	}

	start := time.Now()
	w, h := e.model.InputSize()
	raw, err := e.model.Run(toCHW(face, w, h, embedderMean, embedderStd))
	if err != nil {
		return nil, models.ErrProcessingFailed.WithError(fmt.Errorf("run embedding: %w", err))
	}
	if len(raw) != e.dim {
		return nil, models.ErrProcessingFailed.WithError(fmt.Errorf("embedding has %d values, want %d", len(raw), e.dim))
	}
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

	return models.Embedding(raw).Normalized(), nil
}

// Dim returns the embedding vector dimension.
func (e *Embedder) Dim() int {
	return e.dim
}

func (e *Embedder) Close() {
	e.model.Close()
}

// ONNXModel is a single-input, single-output ONNX session with NCHW input.
type ONNXModel struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
}

func NewONNXModel(modelPath string, inputW, inputH, outDim int, opts *ort.SessionOptions) (*ONNXModel, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inputH), int64(inputW)))
	if err != nil {
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create input tensor: %w", err))
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(outDim)))
	if err != nil {
		inputTensor.Destroy()
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create output tensor: %w", err))
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil || len(inputs) != 1 || len(outputs) != 1 {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("inspect model %s: want one input and one output: %v", modelPath, err))
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, models.ErrModelLoadFailed.WithError(fmt.Errorf("create embedder session: %w", err))
	}

	return &ONNXModel{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
	}, nil
}

// Run returns a copy of the output; the tensor is reused on the next call.
func (m *ONNXModel) Run(input []float32) ([]float32, error) {
	dst := m.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := m.session.Run(); err != nil {
		return nil, err
	}

	out := m.outputTensor.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (m *ONNXModel) InputSize() (int, int) {
	return m.inputW, m.inputH
}

func (m *ONNXModel) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
}
