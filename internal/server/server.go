// Package server drives the worker's request/response loop: read a frame,
// decode the image, run the detector, write the result back under the same
// correlation id. One request is fully answered before the next is read.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"syscall"

	"github.com/andresmejia3/detector/internal/detector"
	"github.com/andresmejia3/detector/internal/frame"
	"github.com/andresmejia3/detector/internal/imaging"
	"github.com/andresmejia3/detector/internal/types"
)

// State is the loop's position in the read/process/emit cycle
type State int32

const (
	AwaitingFrame State = iota
	Processing
	Emitting
	Stopped
)

func (s State) String() string {
	switch s {
	case AwaitingFrame:
		return "AWAITING_FRAME"
	case Processing:
		return "PROCESSING"
	case Emitting:
		return "EMITTING"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats are cumulative counters over the life of a Server
type Stats struct {
	Requests         uint64
	DecodeFailures   uint64
	DetectorFailures uint64
}

// Server answers detection requests on one reader/writer pair.
type Server struct {
	det    detector.Detector
	model  string
	logger *slog.Logger
	hook   DispatchHook

	state            atomic.Int32
	requests         atomic.Uint64
	decodeFailures   atomic.Uint64
	detectorFailures atomic.Uint64
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the diagnostics logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDispatchHook registers a hook that is called around each request.
func WithDispatchHook(h DispatchHook) Option {
	return func(s *Server) { s.hook = h }
}

// New creates a server for an already loaded detector
func New(det detector.Detector, model string, opts ...Option) *Server {
	s := &Server{det: det, model: model, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(AwaitingFrame))
	return s
}

// State reports where the loop currently is
func (s *Server) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the counters
func (s *Server) Stats() Stats {
	return Stats{
		Requests:         s.requests.Load(),
		DecodeFailures:   s.decodeFailures.Load(),
		DetectorFailures: s.detectorFailures.Load(),
	}
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Serve runs until r reaches end of stream, which returns nil. A malformed or
// truncated frame, or any transport error, stops the loop and is returned; no
// response is written for the incomplete request.
//
// Reads block without a deadline. A peer that stops sending mid-frame stalls
// Serve until it closes its end.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	defer s.setState(Stopped)
	for {
		err := s.serveOne(ctx, r, w)
		if err == nil {
			continue
		}
		if err == io.EOF {
			s.logger.Debug("inbound channel closed", "requests", s.requests.Load())
			return nil
		}
		return err
	}
}

// serveOne handles one complete request/response cycle. Errors that belong to
// the request itself are answered with an empty result and never returned.
func (s *Server) serveOne(ctx context.Context, r io.Reader, w io.Writer) error {
	s.setState(AwaitingFrame)
	req, err := frame.Read(r)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("reading request: %w", err)
	}

	s.setState(Processing)
	s.requests.Add(1)

	info := DispatchInfo{
		Method:    MethodDetect,
		Model:     s.model,
		RequestID: req.ID.String(),
	}
	stats := &CallStatistics{InputBytes: int64(len(req.Payload))}
	ctx, token, hookActive := s.hookStart(ctx, info)

	result, reqErr := s.process(ctx, req)
	stats.Width, stats.Height = result.Shape.Width, result.Shape.Height
	stats.Detections = int64(len(result.Boxes))

	s.setState(Emitting)
	transportErr := s.emit(w, req.ID, result, stats)

	if hookActive {
		if reqErr == nil {
			reqErr = transportErr
		}
		s.hookEnd(ctx, token, info, stats, reqErr)
	}

	s.logger.Debug("request served",
		"id", info.RequestID,
		"bytes", stats.InputBytes,
		"width", stats.Width,
		"height", stats.Height,
		"detections", stats.Detections,
	)
	return transportErr
}

// process decodes and detects. It always returns a usable result; the error
// only reports what went wrong for logging and hooks.
func (s *Server) process(ctx context.Context, req *frame.Frame) (types.Result, error) {
	img, format, err := imaging.Decode(req.Payload)
	if err != nil {
		s.decodeFailures.Add(1)
		s.logger.Warn("could not decode image, answering with an empty result",
			"id", req.ID.String(), "bytes", len(req.Payload), "err", err)
		return types.EmptyResult(types.Shape{}), err
	}

	shape := img.Shape()
	boxes, labels, err := s.detect(ctx, img)
	if err == nil {
		var res types.Result
		if res, err = types.NewResult(shape, boxes, labels); err == nil {
			return res, nil
		}
	}

	s.detectorFailures.Add(1)
	s.logger.Error("detector failed, answering with an empty result",
		"id", req.ID.String(), "model", s.model, "format", format, "err", err)
	return types.EmptyResult(shape), fmt.Errorf("detect: %w", err)
}

// detect calls the detector, turning a panic into an error for this request.
func (s *Server) detect(ctx context.Context, img *imaging.Image) (boxes []types.Box, labels []string, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			boxes, labels = nil, nil
			err = fmt.Errorf("detector panic: %v", rv)
		}
	}()
	return s.det.Detect(ctx, img)
}

func (s *Server) emit(w io.Writer, id frame.CorrelationID, result types.Result, stats *CallStatistics) error {
	payload, err := result.Marshal()
	if err != nil {
		// The peer is still owed an answer for this id.
		s.logger.Error("encoding result", "id", id.String(), "err", err)
		payload, _ = types.EmptyResult(result.Shape).Marshal()
	}
	stats.OutputBytes = int64(len(payload))

	if err := frame.Write(w, &frame.Frame{ID: id, Payload: payload}); err != nil {
		return fmt.Errorf("writing response %s: %w", id, err)
	}
	return nil
}

func (s *Server) hookStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken, bool) {
	if s.hook == nil {
		return ctx, nil, false
	}
	var token HookToken
	active := false
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				s.logger.Error("dispatch hook start panic", "err", rv)
			}
		}()
		var hookCtx context.Context
		hookCtx, token = s.hook.OnDispatchStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		active = true
	}()
	return ctx, token, active
}

func (s *Server) hookEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			s.logger.Error("dispatch hook end panic", "err", rv)
		}
	}()
	s.hook.OnDispatchEnd(ctx, token, info, stats, err)
}

// IsProtocolError reports whether err came from a broken frame rather than
// the transport itself.
func IsProtocolError(err error) bool {
	return frame.IsFatal(err)
}

// IsTransportClosed reports whether err means the outbound peer went away.
func IsTransportClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE)
}
