package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand("sh", "-c", "echo 'model weights missing' >&2; exit 3")
	err := cmd.Run()
	if err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if !strings.Contains(cmd.Stderr.String(), "model weights missing") {
		t.Errorf("stderr not captured, got %q", cmd.Stderr.String())
	}
}

func TestSafeCommandTee(t *testing.T) {
	var mirror bytes.Buffer
	cmd := NewSafeCommand("sh", "-c", "echo loaded >&2")
	cmd.Tee(&mirror)
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	if cmd.Stderr.String() != "loaded\n" || mirror.String() != "loaded\n" {
		t.Errorf("captured %q, mirrored %q", cmd.Stderr.String(), mirror.String())
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		logs     string
		contains []string
		absent   []string
	}{
		{
			name:     "context only",
			contains: []string{"DETECTOR ERROR: boom"},
			absent:   []string{"DETAILS", "WORKER LOGS"},
		},
		{
			name:     "with error",
			err:      errors.New("pipe closed"),
			contains: []string{"DETAILS: pipe closed"},
			absent:   []string{"WORKER LOGS"},
		},
		{
			name:     "with worker logs",
			err:      errors.New("exit status 1"),
			logs:     "level=ERROR msg=\"reading request\"",
			contains: []string{"WORKER LOGS:", "reading request"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSafeCommand("true")
			s.Stderr.WriteString(tt.logs)

			var buf bytes.Buffer
			report(&buf, "boom", tt.err, s)
			out := buf.String()
			for _, want := range tt.contains {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
			for _, bad := range tt.absent {
				if strings.Contains(out, bad) {
					t.Errorf("output should not contain %q:\n%s", bad, out)
				}
			}
		})
	}
}
