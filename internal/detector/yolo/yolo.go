// Package yolo runs Darknet YOLO networks through OpenCV's DNN module.
package yolo

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/detector/internal/detector"
	"github.com/andresmejia3/detector/internal/imaging"
	"github.com/andresmejia3/detector/internal/types"
)

const (
	inputSize     = 416
	scaleFactor   = 1.0 / 255.0
	confThreshold = 0.5
	nmsThreshold  = 0.3
)

// Detector holds one loaded network. It is not safe for concurrent use; the
// worker calls it from a single loop.
type Detector struct {
	model   string
	net     gocv.Net
	outputs []string
	labels  []string
}

var _ detector.Detector = (*Detector)(nil)

// New loads model from the local weight cache
func New(model string) (*Detector, error) {
	dir, err := detector.CacheDir()
	if err != nil {
		return nil, err
	}
	files, err := detector.Files(dir, model)
	if err != nil {
		return nil, err
	}
	return Load(model, files)
}

// Load reads the network and class names from explicit paths
func Load(model string, files detector.ModelFiles) (*Detector, error) {
	if err := files.Check(); err != nil {
		return nil, err
	}
	labels, err := detector.LoadLabels(files.Labels)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNet(files.Weights, files.Config)
	if net.Empty() {
		return nil, fmt.Errorf("loading %s: OpenCV could not read %s", model, files.Weights)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("setting DNN backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("setting DNN target: %w", err)
	}

	var outputs []string
	for _, id := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(id)
		outputs = append(outputs, layer.GetName())
		layer.Close()
	}

	return &Detector{model: model, net: net, outputs: outputs, labels: labels}, nil
}

// Detect runs one forward pass. Boxes are [left, top, right, bottom] in
// pixels of the input image, in NMS order.
func (d *Detector) Detect(ctx context.Context, img *imaging.Image) ([]types.Box, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Pix)
	if err != nil {
		return nil, nil, fmt.Errorf("wrapping pixels: %w", err)
	}
	defer mat.Close()

	// The buffer is already RGB, which is what Darknet expects
	blob := gocv.BlobFromImage(mat, scaleFactor, image.Pt(inputSize, inputSize), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	outs := d.net.ForwardLayers(d.outputs)
	defer func() {
		for i := range outs {
			outs[i].Close()
		}
	}()

	var (
		rects      []image.Rectangle
		scores     []float32
		candidates []detector.Candidate
	)
	for _, out := range outs {
		cols := out.Cols()
		row := make([]float32, cols)
		for r := 0; r < out.Rows(); r++ {
			for c := 0; c < cols; c++ {
				row[c] = out.GetFloatAt(r, c)
			}
			cand, ok := detector.ParseRow(row, img.Width, img.Height, confThreshold)
			if !ok {
				continue
			}
			candidates = append(candidates, cand)
			rects = append(rects, cand.Rect)
			scores = append(scores, cand.Confidence)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	indices := gocv.NMSBoxes(rects, scores, confThreshold, nmsThreshold)
	boxes := make([]types.Box, 0, len(indices))
	labels := make([]string, 0, len(indices))
	for _, i := range indices {
		cand := candidates[i]
		if cand.ClassID >= len(d.labels) {
			return nil, nil, fmt.Errorf("%s produced class %d but only %d labels are loaded", d.model, cand.ClassID, len(d.labels))
		}
		r := cand.Rect
		boxes = append(boxes, types.Box{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y})
		labels = append(labels, d.labels[cand.ClassID])
	}
	return boxes, labels, nil
}

// Close releases the network
func (d *Detector) Close() error {
	return d.net.Close()
}
