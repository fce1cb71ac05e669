package detector

import (
	"image"
	"math"
)

// Candidate is one pre-NMS detection in image pixel coordinates
type Candidate struct {
	Rect       image.Rectangle
	ClassID    int
	Confidence float32
}

// ParseRow reads one YOLO output row: cx, cy, w, h (relative to the image),
// objectness, then one score per class. It returns false when the best class
// score does not exceed threshold.
func ParseRow(row []float32, width, height int, threshold float32) (Candidate, bool) {
	if len(row) <= 5 {
		return Candidate{}, false
	}
	scores := row[5:]
	classID := 0
	for i, s := range scores {
		if s > scores[classID] {
			classID = i
		}
	}
	conf := scores[classID]
	if conf <= threshold {
		return Candidate{}, false
	}

	cx := int(row[0] * float32(width))
	cy := int(row[1] * float32(height))
	w := int(row[2] * float32(width))
	h := int(row[3] * float32(height))
	x := int(math.Round(float64(cx) - float64(w)/2))
	y := int(math.Round(float64(cy) - float64(h)/2))

	return Candidate{
		Rect:       image.Rect(x, y, x+w, y+h),
		ClassID:    classID,
		Confidence: conf,
	}, true
}
