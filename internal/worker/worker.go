// Package worker is the host side of the detector protocol. It launches the
// detector as a child process and exchanges framed requests with it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/detector/internal/frame"
	"github.com/andresmejia3/detector/internal/server"
	"github.com/andresmejia3/detector/internal/types"
	"github.com/andresmejia3/detector/internal/utils" // Using the SafeCommand wrapper
)

var (
	// ErrIDMismatch means the worker answered under a different correlation id
	ErrIDMismatch = errors.New("response correlation id does not match request")
	// ErrWorkerClosed means the worker closed its outbound channel before answering
	ErrWorkerClosed = errors.New("worker closed the channel")
)

// Client speaks the framed protocol over any writer/reader pair.
type Client struct {
	w     io.Writer
	r     io.Reader
	model string
	hook  server.DispatchHook
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHook wraps each Detect call in hook callbacks.
func WithHook(h server.DispatchHook) ClientOption {
	return func(c *Client) { c.hook = h }
}

// WithModel records the model name reported to hooks
func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// NewClient returns a Client that writes requests to w and reads responses from r.
func NewClient(w io.Writer, r io.Reader, opts ...ClientOption) *Client {
	c := &Client{w: w, r: r}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// response accepts both the normal result and an error object
type response struct {
	types.Result
	types.ErrorResult
}

// Detect sends one image and waits for its result. Requests are answered in
// order, so callers must not interleave Detect calls on the same Client.
func (c *Client) Detect(ctx context.Context, id frame.CorrelationID, image []byte) (types.Result, error) {
	if err := ctx.Err(); err != nil {
		return types.Result{}, err
	}

	info := server.DispatchInfo{Method: server.MethodDetect, Model: c.model, RequestID: id.String()}
	stats := &server.CallStatistics{InputBytes: int64(len(image))}
	var token server.HookToken
	if c.hook != nil {
		ctx, token = c.hook.OnDispatchStart(ctx, info)
	}

	res, err := c.roundTrip(id, image, stats)
	if c.hook != nil {
		c.hook.OnDispatchEnd(ctx, token, info, stats, err)
	}
	return res, err
}

func (c *Client) roundTrip(id frame.CorrelationID, image []byte, stats *server.CallStatistics) (types.Result, error) {
	// 1. Send request
	if err := frame.Write(c.w, &frame.Frame{ID: id, Payload: image}); err != nil {
		return types.Result{}, fmt.Errorf("sending request %s: %w", id, err)
	}

	// 2. Read the answer
	resp, err := frame.Read(c.r)
	if err != nil {
		if err == io.EOF {
			return types.Result{}, ErrWorkerClosed
		}
		return types.Result{}, fmt.Errorf("reading response for %s: %w", id, err)
	}
	stats.OutputBytes = int64(len(resp.Payload))
	if resp.ID != id {
		return types.Result{}, fmt.Errorf("%w: sent %s, got %s", ErrIDMismatch, id, resp.ID)
	}

	// 3. Decode
	var body response
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		return types.Result{}, fmt.Errorf("decoding response for %s: %w", id, err)
	}
	if body.Error != "" {
		return types.Result{}, fmt.Errorf("worker error: %s", body.Error)
	}
	res, err := types.NewResult(body.Shape, body.Boxes, body.Labels)
	if err != nil {
		return types.Result{}, fmt.Errorf("response for %s: %w", id, err)
	}
	stats.Width, stats.Height = res.Shape.Width, res.Shape.Height
	stats.Detections = int64(len(res.Boxes))
	return res, nil
}

// Process is a running detector child.
type Process struct {
	*Client
	Cmd  *utils.SafeCommand
	in   *os.File // our write end of the child's FD 3
	out  *os.File // our read end of the child's FD 4
	done bool
}

// Start launches cmd, which must not have been started. The child receives
// its request pipe on FD 3 and its response pipe on FD 4; its stderr is
// captured in cmd.Stderr.
func Start(cmd *utils.SafeCommand, opts ...ClientOption) (*Process, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("failed to create response pipe: %w", err)
	}
	// ExtraFiles[i] becomes descriptor 3+i in the child
	cmd.ExtraFiles = []*os.File{reqR, respW}

	if err := cmd.Start(); err != nil {
		reqR.Close()
		reqW.Close()
		respR.Close()
		respW.Close()
		return nil, fmt.Errorf("worker failed to start: %w", err)
	}

	// Close the child's ends in the parent so only the child holds them
	reqR.Close()
	respW.Close()

	return &Process{
		Client: NewClient(reqW, respR, opts...),
		Cmd:    cmd,
		in:     reqW,
		out:    respR,
	}, nil
}

// Close signals end of stream to the child and waits for it to exit.
func (p *Process) Close() error {
	if p.done {
		return nil
	}
	p.done = true
	p.in.Close()
	err := p.Cmd.Wait()
	p.out.Close()
	if err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}
