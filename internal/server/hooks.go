package server

import "context"

// MethodDetect is the only method the worker serves. It names the dispatch in
// hooks and spans.
const MethodDetect = "detect"

// DispatchHook provides observability callpoints around each request.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo describes one request
type DispatchInfo struct {
	Method    string
	Model     string
	RequestID string // correlation id, rendered
}

// CallStatistics holds per-request counters
type CallStatistics struct {
	InputBytes  int64
	OutputBytes int64
	Detections  int64
	Width       int
	Height      int
}
