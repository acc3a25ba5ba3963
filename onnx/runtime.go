// Package onnx runs an exported image backbone through ONNX Runtime to
// produce feature grids.
package onnx

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// LibEnv overrides the shared library location when no path is configured.
const LibEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// LibPath resolves the ONNX Runtime shared library: the configured path,
// then LibEnv, then the per-OS default locations. It returns "" when nothing
// was found.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := os.Getenv(LibEnv); p != "" {
		return p
	}
	var candidates []string
	switch runtime.GOOS {
	case "linux":
		candidates = []string{
			filepath.Join("onnxlibs", "libonnxruntime.so"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		candidates = []string{
			filepath.Join("onnxlibs", "libonnxruntime.dylib"),
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		candidates = []string{filepath.Join("onnxlibs", "onnxruntime.dll"), "onnxruntime.dll"}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var (
	envMu     sync.Mutex
	envActive bool
)

// Init loads the shared library and initialises the ONNX Runtime
// environment. Calling it again after a successful Init is a no-op.
func Init(libPath string, logger *zap.Logger) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envActive {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	envActive = true
	logger.Info("ONNX Runtime initialised", zap.String("library", libPath))
	return nil
}

// Destroy tears down the environment set up by Init.
func Destroy() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !envActive {
		return nil
	}
	envActive = false
	return ort.DestroyEnvironment()
}
