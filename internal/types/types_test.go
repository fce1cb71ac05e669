package types

import (
	"encoding/json"
	"testing"
)

func TestNewResult(t *testing.T) {
	tests := []struct {
		name    string
		boxes   []Box
		labels  []string
		wantErr bool
	}{
		{name: "Nothing detected", boxes: nil, labels: nil},
		{name: "Paired", boxes: []Box{{1, 2, 3, 4}, {5, 6, 7, 8}}, labels: []string{"person", "dog"}},
		{name: "More boxes than labels", boxes: []Box{{1, 2, 3, 4}}, labels: nil, wantErr: true},
		{name: "More labels than boxes", boxes: nil, labels: []string{"cat"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewResult(Shape{Width: 10, Height: 20}, tt.boxes, tt.labels)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if res.Boxes == nil || res.Labels == nil {
				t.Error("slices must never be nil")
			}
			if len(res.Boxes) != len(res.Labels) {
				t.Errorf("boxes/labels length mismatch: %d vs %d", len(res.Boxes), len(res.Labels))
			}
		})
	}
}

func TestMarshalWireFormat(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{
			name: "Blank image",
			res:  EmptyResult(Shape{Width: 2, Height: 2}),
			want: `{"shape":{"width":2,"height":2},"boxes":[],"labels":[]}`,
		},
		{
			name: "Zero value still emits arrays",
			res:  Result{},
			want: `{"shape":{"width":0,"height":0},"boxes":[],"labels":[]}`,
		},
		{
			name: "Detections",
			res: Result{
				Shape:  Shape{Width: 640, Height: 480},
				Boxes:  []Box{{10, 20, 110, 220}},
				Labels: []string{"person"},
			},
			want: `{"shape":{"width":640,"height":480},"boxes":[[10,20,110,220]],"labels":["person"]}`,
		},
		{
			name: "Non-ASCII label is escaped",
			res: Result{
				Boxes:  []Box{{0, 0, 1, 1}},
				Labels: []string{"café"},
			},
			want: `{"shape":{"width":0,"height":0},"boxes":[[0,0,1,1]],"labels":["caf\u00e9"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.res.Marshal()
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
			for _, b := range got {
				if b >= 0x80 {
					t.Fatalf("output contains non-ASCII byte 0x%x", b)
				}
			}
		})
	}
}

func TestMarshalAstralEscape(t *testing.T) {
	res := Result{Boxes: []Box{{0, 0, 0, 0}}, Labels: []string{"😀"}}
	data, err := res.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	// The escaped form must decode back to the original rune
	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Labels[0] != "😀" {
		t.Errorf("round trip mismatch: got %q", back.Labels[0])
	}
}
