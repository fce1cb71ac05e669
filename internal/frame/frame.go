// Package frame implements the length-prefixed message format shared by both
// directions of the detector pipe:
//
//	offset 0  : uint32, big-endian  N = len(correlation id) + len(payload)
//	offset 4  : 16 raw bytes        correlation id, echoed verbatim
//	offset 20 : N-16 raw bytes      payload
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

const (
	LengthSize        = 4
	CorrelationIDSize = 16

	// MaxSize is the largest total_size representable in the length prefix.
	MaxSize = math.MaxUint32

	initialPayloadBuffer = 64 << 10
)

// CorrelationID links a response to the request that produced it. It is
// never interpreted, only copied.
type CorrelationID [CorrelationIDSize]byte

// String renders the id in 8-4-4-4-12 hex form. Any 16 bytes render, whether
// or not they are a valid UUID.
func (id CorrelationID) String() string {
	return uuid.UUID(id).String()
}

// Frame is one message on either channel.
type Frame struct {
	ID      CorrelationID
	Payload []byte
}

// Size is the value carried in the length prefix.
func (f *Frame) Size() int {
	return CorrelationIDSize + len(f.Payload)
}

// Flusher is implemented by buffered writers. Write flushes them after every
// frame so the peer never waits on bytes sitting in a buffer.
type Flusher interface {
	Flush() error
}

// Read consumes exactly one frame from r.
//
// It returns io.EOF when the stream ends before a complete length prefix,
// which is the normal way for the peer to say it is done. A stream that ends
// after the prefix yields ErrTruncatedFrame; a prefix smaller than the
// correlation id yields ErrMalformedFrame and nothing past the prefix is read.
//
// Read blocks until the bytes arrive. There is no deadline.
func Read(r io.Reader) (*Frame, error) {
	var prefix [LengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size < CorrelationIDSize {
		return nil, newError(CodeMalformed, fmt.Sprintf("declared size %d is smaller than the %d-byte correlation id", size, CorrelationIDSize), nil)
	}

	f := &Frame{}
	if _, err := io.ReadFull(r, f.ID[:]); err != nil {
		return nil, readError("correlation id", err)
	}

	// size-16 may be zero, which is a valid empty payload. The buffer grows
	// as bytes arrive, so a large declared size costs nothing until it is sent.
	n := int64(size - CorrelationIDSize)
	var buf bytes.Buffer
	buf.Grow(int(min(n, initialPayloadBuffer)))
	if _, err := io.CopyN(&buf, r, n); err != nil {
		return nil, readError("payload", err)
	}
	f.Payload = buf.Bytes()
	if f.Payload == nil {
		f.Payload = []byte{}
	}
	return f, nil
}

func readError(part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(CodeTruncated, "stream ended inside "+part, err)
	}
	return fmt.Errorf("reading frame %s: %w", part, err)
}

// Write sends f as a single write and flushes w if it buffers.
func Write(w io.Writer, f *Frame) error {
	if uint64(f.Size()) > MaxSize {
		return newError(CodeTooLarge, fmt.Sprintf("%d bytes do not fit the length prefix", f.Size()), nil)
	}

	buf := make([]byte, LengthSize+f.Size())
	binary.BigEndian.PutUint32(buf, uint32(f.Size()))
	copy(buf[LengthSize:], f.ID[:])
	copy(buf[LengthSize+CorrelationIDSize:], f.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if fl, ok := w.(Flusher); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("flushing frame: %w", err)
		}
	}
	return nil
}
