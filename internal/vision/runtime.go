package vision

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/checkpoint/internal/models"
)

// InitRuntime loads the ONNX Runtime shared library. Call once per process
// before opening any model, and pair with ShutdownRuntime.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = defaultLibPath()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return models.ErrModelLoadFailed.WithError(fmt.Errorf("init onnx runtime: %w", err))
	}
	return nil
}

func ShutdownRuntime() error {
	return ort.DestroyEnvironment()
}

// NewSessionOptions limits intra-op parallelism so inference leaves headroom
// for the capture loop. Caller destroys the options.
func NewSessionOptions(intraOpThreads int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if intraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(intraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	return opts, nil
}

func defaultLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
