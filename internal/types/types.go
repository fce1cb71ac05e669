package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Shape is the decoded image size in pixels
type Shape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Box is one bounding box exactly as the detector produced it.
// The YOLO backend emits [left, top, right, bottom].
type Box [4]int

// Result is the response payload. Field order is the wire order.
type Result struct {
	Shape  Shape    `json:"shape"`
	Boxes  []Box    `json:"boxes"`
	Labels []string `json:"labels"`
}

// NewResult pairs boxes with labels. The two must line up index for index.
func NewResult(shape Shape, boxes []Box, labels []string) (Result, error) {
	if len(boxes) != len(labels) {
		return Result{}, fmt.Errorf("detector returned %d boxes but %d labels", len(boxes), len(labels))
	}
	if boxes == nil {
		boxes = []Box{}
	}
	if labels == nil {
		labels = []string{}
	}
	return Result{Shape: shape, Boxes: boxes, Labels: labels}, nil
}

// EmptyResult is a result with no detections
func EmptyResult(shape Shape) Result {
	return Result{Shape: shape, Boxes: []Box{}, Labels: []string{}}
}

// Marshal encodes r as compact ASCII JSON. Nil slices are written as [] so the
// peer never has to handle null.
func (r Result) Marshal() ([]byte, error) {
	if r.Boxes == nil {
		r.Boxes = []Box{}
	}
	if r.Labels == nil {
		r.Labels = []string{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return asciiEscape(data), nil
}

// asciiEscape rewrites any non-ASCII rune as a \uXXXX escape (surrogate pairs
// above the BMP). encoding/json already emits valid UTF-8, so only string
// contents are affected.
func asciiEscape(data []byte) []byte {
	ascii := true
	for _, b := range data {
		if b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + 16)
	for _, r := range string(data) {
		switch {
		case r < 0x80:
			buf.WriteByte(byte(r))
		case r > 0xFFFF:
			r -= 0x10000
			fmt.Fprintf(&buf, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
		default:
			fmt.Fprintf(&buf, `\u%04x`, r)
		}
	}
	return buf.Bytes()
}

// ErrorResult captures an error object a misbehaving worker might send instead
// of a Result. The host checks for it before giving up on a payload.
type ErrorResult struct {
	Error string `json:"error"`
}
