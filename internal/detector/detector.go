// Package detector defines the boundary to the object-detection model. The
// model is a black box: pixels in, parallel boxes and labels out.
package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/detector/internal/imaging"
	"github.com/andresmejia3/detector/internal/types"
)

// DefaultModel is used when the worker is started without a model argument
const DefaultModel = "yolov3"

// ErrUnknownModel is returned for model names with no known weight files
var ErrUnknownModel = errors.New("unknown model")

// Detector runs inference on one decoded image. Implementations are loaded
// once and reused for every request. Detect must return boxes and labels of
// equal length, in the model's output order.
type Detector interface {
	Detect(ctx context.Context, img *imaging.Image) ([]types.Box, []string, error)
	Close() error
}

// ModelFiles locates the network definition, weights and class names for a model
type ModelFiles struct {
	Config  string
	Weights string
	Labels  string
}

// Models lists the supported model names
var Models = map[string]struct{}{
	"yolov3":      {},
	"yolov3-tiny": {},
	"yolov4":      {},
	"yolov4-tiny": {},
}

// ModelNames returns the supported model names, sorted
func ModelNames() []string {
	names := make([]string, 0, len(Models))
	for name := range Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CacheDir is where weight files are expected, in the layout cvlib
// downloads into.
func CacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".cvlib", "object_detection", "yolo", "yolov3"), nil
}

// Files resolves the files for model inside dir. It does not check that they exist.
func Files(dir, model string) (ModelFiles, error) {
	if _, ok := Models[model]; !ok {
		return ModelFiles{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownModel, model, strings.Join(ModelNames(), ", "))
	}
	return ModelFiles{
		Config:  filepath.Join(dir, model+".cfg"),
		Weights: filepath.Join(dir, model+".weights"),
		Labels:  filepath.Join(dir, "yolov3_classes.txt"),
	}, nil
}

// Check reports the first missing file
func (f ModelFiles) Check() error {
	for _, p := range []string{f.Config, f.Weights, f.Labels} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("model file %s: %w", p, err)
		}
	}
	return nil
}

// LoadLabels reads one class name per line. Blank lines are skipped.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading labels %s: %w", path, err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}
