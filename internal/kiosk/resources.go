// Package kiosk drives recognition and enrollment sessions from a camera
// frame stream.
package kiosk

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/your-org/checkpoint/internal/config"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/vision"
)

// Resources are the native handles one session owns. Close releases them
// and is safe to call more than once.
type Resources struct {
	Locator   vision.Locator
	Extractor vision.Extractor

	once sync.Once
}

func (r *Resources) Close() {
	r.once.Do(func() {
		if r.Locator != nil {
			r.Locator.Close()
		}
		if r.Extractor != nil {
			r.Extractor.Close()
		}
	})
}

type ResourceFactory interface {
	Open(ctx context.Context) (*Resources, error)
}

type ResourceFactoryFunc func(ctx context.Context) (*Resources, error)

func (f ResourceFactoryFunc) Open(ctx context.Context) (*Resources, error) {
	return f(ctx)
}

// ONNXFactory loads the detector, eye-state and embedding models for every
// session. The ONNX runtime must already be initialised.
type ONNXFactory struct {
	cfg    config.VisionConfig
	logger *slog.Logger
}

func NewONNXFactory(cfg config.VisionConfig, logger *slog.Logger) *ONNXFactory {
	return &ONNXFactory{cfg: cfg, logger: logger}
}

func (f *ONNXFactory) Open(ctx context.Context) (*Resources, error) {
	opts, err := vision.NewSessionOptions(f.cfg.IntraOpThreads)
	if err != nil {
		return nil, asModelLoad(err)
	}
	defer func() { _ = opts.Destroy() }()

	locator, err := vision.NewONNXLocator(f.cfg, opts, f.logger)
	if err != nil {
		return nil, asModelLoad(err)
	}

	embedder, err := vision.NewONNXEmbedder(filepath.Join(f.cfg.ModelsDir, f.cfg.EmbedderModel), f.cfg.EmbeddingDim, opts)
	if err != nil {
		locator.Close()
		return nil, asModelLoad(err)
	}

	return &Resources{Locator: locator, Extractor: embedder}, nil
}

func asModelLoad(err error) error {
	if models.KindOf(err) == models.KindModelLoadFailed {
		return err
	}
	return models.ErrModelLoadFailed.WithError(fmt.Errorf("open session resources: %w", err))
}
